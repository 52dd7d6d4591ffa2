package storage

import (
	"database/sql"
	"fmt"
	"sort"
	"sync"
)

// StmtCache maps a logical key to a compiled statement. Keys composed
// from a dynamic query shape (e.g. "jobs:claim:tenant:minpri") share one
// compilation per shape. Reusing a key with different SQL is a
// programming error and fails loudly.
type StmtCache struct {
	db     *sql.DB
	mu     sync.Mutex
	stmts  map[string]*sql.Stmt
	sqls   map[string]string
	hits   uint64
	misses uint64
}

// StmtCacheStats is a snapshot of cache behavior for observability.
type StmtCacheStats struct {
	Hits   uint64
	Misses uint64
	Size   int
	Keys   []string
}

// NewStmtCache creates an empty cache bound to db.
func NewStmtCache(db *sql.DB) *StmtCache {
	return &StmtCache{
		db:    db,
		stmts: make(map[string]*sql.Stmt),
		sqls:  make(map[string]string),
	}
}

// Get returns the compiled statement for key, preparing it on first use.
func (c *StmtCache) Get(key, query string) (*sql.Stmt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if stmt, ok := c.stmts[key]; ok {
		if c.sqls[key] != query {
			return nil, fmt.Errorf("statement cache key %q reused with different SQL", key)
		}
		c.hits++
		return stmt, nil
	}

	stmt, err := c.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare %q: %w", key, err)
	}
	c.stmts[key] = stmt
	c.sqls[key] = query
	c.misses++
	return stmt, nil
}

// Stats returns a snapshot of hits, misses, size, and the cached keys.
func (c *StmtCache) Stats() StmtCacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.stmts))
	for k := range c.stmts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return StmtCacheStats{
		Hits:   c.hits,
		Misses: c.misses,
		Size:   len(c.stmts),
		Keys:   keys,
	}
}

// Close releases all compiled statements.
func (c *StmtCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, stmt := range c.stmts {
		stmt.Close()
		delete(c.stmts, k)
		delete(c.sqls, k)
	}
}
