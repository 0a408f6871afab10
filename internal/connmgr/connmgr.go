// Package connmgr owns the mapping from connection name to an open
// backend connection, lazily opening connections on first use and
// reaping them on a wall-clock TTL. Concurrent sessions each go through
// the same Manager, serialized by its own mutex.
package connmgr

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/denisenkom/go-mssqldb"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/sqlguard/mcpsqlguard/internal/catalog"
	"github.com/sqlguard/mcpsqlguard/internal/errs"
	"github.com/sqlguard/mcpsqlguard/internal/policy"
	"github.com/sqlguard/mcpsqlguard/internal/token"
)

// sqlDriverName maps a catalog ConnKind to the database/sql driver name
// registered by the blank imports above.
var sqlDriverName = map[catalog.ConnKind]string{
	catalog.KindPostgres: "postgres",
	catalog.KindMySQL:    "mysql",
	catalog.KindMSSQL:    "sqlserver",
	catalog.KindSQLite:   "sqlite",
}

// Backend is the narrow capability set required of a concrete backend
// driver: execute a read-only statement under a
// statement timeout and stream rows back through a callback, with a type
// OID accompanying each column (opaque to everything above this package).
type Backend interface {
	// Exec runs sql under ctx (which callers derive with the policy's
	// statement timeout already applied) and calls rowFn once per row with
	// each column's raw bytes (nil for SQL NULL).
	Exec(ctx context.Context, sql string, rowFn func(row [][]byte) error) (colNames []string, colOIDs []uint32, err error)
	Close() error
}

// sqlBackend adapts a database/sql *sql.DB to the narrow Backend
// interface above.
type sqlBackend struct {
	db *sql.DB
}

func (b *sqlBackend) Exec(ctx context.Context, query string, rowFn func(row [][]byte) error) ([]string, []uint32, error) {
	rows, err := b.db.QueryContext(ctx, query)
	if err != nil {
		return nil, nil, errs.Wrap(errs.BackendError, err, "backend: query failed")
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, errs.Wrap(errs.BackendError, err, "backend: columns")
	}
	oids := make([]uint32, len(cols))

	scanDest := make([]any, len(cols))
	raw := make([][]byte, len(cols))
	for i := range scanDest {
		scanDest[i] = &raw[i]
	}

	for rows.Next() {
		for i := range raw {
			raw[i] = nil
		}
		if err := rows.Scan(scanDest...); err != nil {
			return cols, oids, errs.Wrap(errs.BackendError, err, "backend: scan")
		}
		rowCopy := make([][]byte, len(raw))
		for i, v := range raw {
			if v != nil {
				rowCopy[i] = append([]byte(nil), v...)
			}
		}
		if err := rowFn(rowCopy); err != nil {
			return cols, oids, err
		}
	}
	if err := rows.Err(); err != nil {
		return cols, oids, errs.Wrap(errs.BackendError, err, "backend: rows")
	}
	return cols, oids, nil
}

func (b *sqlBackend) Close() error { return b.db.Close() }

// entry tracks one open backend connection. Its sensitive-token store
// lives in Manager.stores instead, keyed by name rather than by entry, so
// reopening the backend bumps the store's generation (invalidating
// tokens minted before the reopen) rather than replacing it outright
//.
type entry struct {
	backend  Backend
	lastUsed time.Time
}

// Manager owns every open backend connection, keyed by connection name.
type Manager struct {
	mu     sync.Mutex
	cat    *catalog.Catalog
	conns  map[string]*entry
	stores map[string]*token.Store
	ttl    time.Duration
	openFn func(profile *catalog.ConnProfile) (Backend, error)
}

// DefaultTTL is the idle-connection reap window.
const DefaultTTL = 5 * time.Minute

// New creates a Manager bound to cat. ttl <= 0 uses DefaultTTL.
func New(cat *catalog.Catalog, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m := &Manager{cat: cat, conns: make(map[string]*entry), stores: make(map[string]*token.Store), ttl: ttl}
	m.openFn = m.openSQL
	return m
}

// storeFor returns name's persistent token store, creating it on first
// use. Called with m.mu held.
func (m *Manager) storeFor(name string, profile *catalog.ConnProfile) (*token.Store, error) {
	if s, ok := m.stores[name]; ok {
		return s, nil
	}
	s, err := token.NewStore(name, profile.Policy.ColumnStrategy)
	if err != nil {
		return nil, err
	}
	m.stores[name] = s
	return s, nil
}

func (m *Manager) openSQL(profile *catalog.ConnProfile) (Backend, error) {
	driver, ok := sqlDriverName[profile.Kind]
	if !ok {
		return nil, errs.New(errs.BadInput, fmt.Sprintf("connmgr: unknown connection kind %q", profile.Kind))
	}
	dsn, err := dsnFor(profile)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errs.Wrap(errs.BackendError, err, "connmgr: open")
	}
	db.SetConnMaxIdleTime(m.ttl)
	return &sqlBackend{db: db}, nil
}

func dsnFor(p *catalog.ConnProfile) (string, error) {
	switch p.Kind {
	case catalog.KindPostgres:
		return fmt.Sprintf("host=%s port=%d dbname=%s user=%s sslmode=disable", p.Host, p.Port, p.DB, p.User), nil
	case catalog.KindMySQL:
		return fmt.Sprintf("%s@tcp(%s:%d)/%s", p.User, p.Host, p.Port, p.DB), nil
	case catalog.KindMSSQL:
		return fmt.Sprintf("server=%s;port=%d;database=%s;user id=%s", p.Host, p.Port, p.DB, p.User), nil
	case catalog.KindSQLite:
		return p.DB, nil
	default:
		return "", errs.New(errs.BadInput, fmt.Sprintf("connmgr: unknown connection kind %q", p.Kind))
	}
}

// Acquire returns the open backend connection and token store for name,
// reaping and reopening it first if it's past its TTL.
func (m *Manager) Acquire(name string) (Backend, *token.Store, uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	profile, ok := m.cat.Get(name)
	if !ok {
		return nil, nil, 0, errs.New(errs.BadInput, fmt.Sprintf("connmgr: unknown connection %q", name))
	}

	store, err := m.storeFor(name, profile)
	if err != nil {
		return nil, nil, 0, err
	}

	if e, ok := m.conns[name]; ok {
		if time.Since(e.lastUsed) >= m.ttl {
			m.closeLocked(name, e, store)
		} else {
			e.lastUsed = time.Now()
			return e.backend, store, store.Generation(), nil
		}
	}

	backend, err := m.openFn(profile)
	if err != nil {
		return nil, nil, 0, err
	}

	e := &entry{backend: backend, lastUsed: time.Now()}
	m.conns[name] = e
	slog.Default().With("conn_name", name).Debug("connmgr: opened connection")
	return e.backend, store, store.Generation(), nil
}

// Disconnect forces name's connection closed; the next Acquire reopens it
// lazily with a fresh generation.
func (m *Manager) Disconnect(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.conns[name]; ok {
		m.closeLocked(name, e, m.stores[name])
		delete(m.conns, name)
	}
}

func (m *Manager) closeLocked(name string, e *entry, store *token.Store) {
	e.backend.Close()
	if store != nil {
		store.Reset()
	}
	slog.Default().With("conn_name", name).Debug("connmgr: closed connection")
}

// ReapExpired closes every connection past its TTL. Callers invoke this
// periodically from the broker's event loop.
func (m *Manager) ReapExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, e := range m.conns {
		if time.Since(e.lastUsed) >= m.ttl {
			m.closeLocked(name, e, m.stores[name])
			delete(m.conns, name)
		}
	}
}

// Close closes every open connection, e.g. at process shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, e := range m.conns {
		e.backend.Close()
		delete(m.conns, name)
	}
}

// StatementTimeout returns the context to run a statement under, derived
// from the connection's configured SafetyPolicy.
func StatementTimeout(ctx context.Context, p policy.SafetyPolicy) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, time.Duration(p.StatementTimeoutMS)*time.Millisecond)
}
