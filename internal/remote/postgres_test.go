package remote

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"testing"
)

// acceptAllDriver answers every statement with success so the store's
// bootstrap can run without a database.
type acceptAllDriver struct{}

func (acceptAllDriver) Open(string) (driver.Conn, error) { return acceptAllConn{}, nil }

type acceptAllConn struct{}

func (acceptAllConn) Prepare(string) (driver.Stmt, error) {
	return nil, errors.New("prepare not supported")
}
func (acceptAllConn) Close() error              { return nil }
func (acceptAllConn) Begin() (driver.Tx, error) { return nil, errors.New("tx not supported") }
func (acceptAllConn) ExecContext(context.Context, string, []driver.NamedValue) (driver.Result, error) {
	return driver.RowsAffected(0), nil
}

func init() {
	sql.Register("cardsync-accept-all", acceptAllDriver{})
}

func TestPostgresStoreReconnectsAfterFailedOpen(t *testing.T) {
	store, err := NewPostgresStore("postgres://offline.invalid/cards")
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	opens := 0
	store.openDB = func(_, dsn string) (*sql.DB, error) {
		opens++
		if opens == 1 {
			return nil, errors.New("dial tcp: connection refused")
		}
		return sql.Open("cardsync-accept-all", dsn)
	}
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	if err := store.Ping(ctx); err == nil {
		t.Fatalf("expected first ping to fail while the database is unreachable")
	}
	if err := store.Ping(ctx); err != nil {
		t.Fatalf("expected ping to reconnect, got %v", err)
	}
	if err := store.Ping(ctx); err != nil {
		t.Fatalf("expected ping on the open pool to succeed, got %v", err)
	}
	if opens != 2 {
		t.Fatalf("expected one retry and no reopen once connected, got %d opens", opens)
	}
}

func TestPostgresStoreRetriesFailedSchemaInit(t *testing.T) {
	store, err := NewPostgresStore("postgres://offline.invalid/cards")
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	opens := 0
	// The first pool is closed by the failed bootstrap; a closed pool fails
	// every statement.
	first := true
	store.openDB = func(_, dsn string) (*sql.DB, error) {
		opens++
		db, err := sql.Open("cardsync-accept-all", dsn)
		if err == nil && first {
			first = false
			_ = db.Close()
		}
		return db, err
	}
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	if err := store.Ping(ctx); err == nil {
		t.Fatalf("expected schema init on a closed pool to fail")
	}
	if err := store.Ping(ctx); err != nil {
		t.Fatalf("expected second attempt to succeed, got %v", err)
	}
	if opens != 2 {
		t.Fatalf("expected two opens, got %d", opens)
	}
}
