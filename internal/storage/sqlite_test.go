package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestSQLiteConcurrentWriteSafety(t *testing.T) {
	store, err := NewSQLite(SQLiteConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("failed to create SQLite storage: %v", err)
	}
	defer store.Close()

	db := store.SQLiteDB()

	// Create two tables to simulate the balance store and the reporter's
	// scratch table writing concurrently.
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS test_ledger (id TEXT PRIMARY KEY, data TEXT)`)
	if err != nil {
		t.Fatalf("failed to create test_ledger table: %v", err)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS test_balances (id TEXT PRIMARY KEY, data TEXT)`)
	if err != nil {
		t.Fatalf("failed to create test_balances table: %v", err)
	}

	const goroutines = 10
	const insertsPerGoroutine = 50

	var wg sync.WaitGroup
	errs := make(chan error, goroutines*insertsPerGoroutine*2)

	// Half the goroutines write to test_ledger, half to test_balances.
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			table := "test_ledger"
			if id%2 == 1 {
				table = "test_balances"
			}
			for j := 0; j < insertsPerGoroutine; j++ {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				_, err := db.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (id, data) VALUES (?, ?)`, table),
					fmt.Sprintf("%d-%d", id, j), "payload")
				cancel()
				if err != nil {
					errs <- fmt.Errorf("goroutine %d insert %d into %s: %w", id, j, table, err)
				}
			}
		}(i)
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("concurrent write error: %v", err)
	}

	// Verify all rows were inserted.
	var ledgerCount, balanceCount int
	if err := db.QueryRow("SELECT COUNT(*) FROM test_ledger").Scan(&ledgerCount); err != nil {
		t.Fatalf("failed to count ledger rows: %v", err)
	}
	if err := db.QueryRow("SELECT COUNT(*) FROM test_balances").Scan(&balanceCount); err != nil {
		t.Fatalf("failed to count balance rows: %v", err)
	}

	expectedPerTable := (goroutines / 2) * insertsPerGoroutine
	if ledgerCount != expectedPerTable {
		t.Errorf("test_ledger: got %d rows, want %d", ledgerCount, expectedPerTable)
	}
	if balanceCount != expectedPerTable {
		t.Errorf("test_balances: got %d rows, want %d", balanceCount, expectedPerTable)
	}
}

func TestNewRejectsUnknownType(t *testing.T) {
	_, err := New(context.Background(), Config{Type: "cassandra"})
	if err == nil {
		t.Fatal("expected error for unknown storage type")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Type != TypeSQLite {
		t.Errorf("default type = %s, want sqlite", cfg.Type)
	}
	if cfg.SQLite.Path == "" {
		t.Error("default sqlite path should be set")
	}
}
