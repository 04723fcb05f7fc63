package report

import (
	"fmt"

	"creditmeter/internal/storage"
)

// NewReader creates the usage reader matching the storage backend.
func NewReader(st storage.Storage) (Reader, error) {
	switch st.Type() {
	case storage.TypeSQLite:
		return NewSQLiteReader(st.SQLiteDB())
	case storage.TypePostgreSQL:
		return NewPostgreSQLReader(st.PostgreSQLPool())
	case storage.TypeMongoDB:
		return NewMongoDBReader(st.MongoDatabase())
	default:
		return nil, fmt.Errorf("unknown storage type: %s", st.Type())
	}
}
