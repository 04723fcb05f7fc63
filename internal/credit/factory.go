package credit

import (
	"fmt"

	"creditmeter/internal/storage"
)

// NewStore creates the credit store matching the storage backend.
func NewStore(st storage.Storage, cfg Config) (Store, error) {
	switch st.Type() {
	case storage.TypeSQLite:
		return NewSQLiteStore(st.SQLiteDB(), cfg)
	case storage.TypePostgreSQL:
		return NewPostgreSQLStore(st.PostgreSQLPool(), cfg)
	case storage.TypeMongoDB:
		db := st.MongoDatabase()
		return NewMongoDBStore(db.Client(), db, cfg)
	default:
		return nil, fmt.Errorf("unknown storage type: %s", st.Type())
	}
}
