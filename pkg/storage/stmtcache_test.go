package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStmtCacheReuse(t *testing.T) {
	s, err := OpenMemory("t1")
	require.NoError(t, err)
	defer s.Close()

	c := s.Stmts()
	before := c.Stats()

	st1, err := c.Get("test:count", `SELECT COUNT(*) FROM projects`)
	require.NoError(t, err)
	st2, err := c.Get("test:count", `SELECT COUNT(*) FROM projects`)
	require.NoError(t, err)
	assert.Same(t, st1, st2)

	stats := c.Stats()
	assert.Equal(t, before.Misses+1, stats.Misses)
	assert.Equal(t, before.Hits+1, stats.Hits)
	assert.Contains(t, stats.Keys, "test:count")
}

func TestStmtCacheKeyReuseWithDifferentSQL(t *testing.T) {
	s, err := OpenMemory("t1")
	require.NoError(t, err)
	defer s.Close()

	c := s.Stmts()
	_, err = c.Get("test:shape", `SELECT COUNT(*) FROM projects`)
	require.NoError(t, err)

	_, err = c.Get("test:shape", `SELECT COUNT(*) FROM photos`)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "different SQL")
}

func TestStmtCacheShapeKeys(t *testing.T) {
	s, err := OpenMemory("t1")
	require.NoError(t, err)
	defer s.Close()

	c := s.Stmts()
	// Two dynamic shapes of the same logical query get distinct keys and
	// one compilation each.
	_, err = c.Get("jobs:list:status", `SELECT COUNT(*) FROM jobs WHERE status = ?`)
	require.NoError(t, err)
	_, err = c.Get("jobs:list:status:type", `SELECT COUNT(*) FROM jobs WHERE status = ? AND type = ?`)
	require.NoError(t, err)

	stats := c.Stats()
	assert.Contains(t, stats.Keys, "jobs:list:status")
	assert.Contains(t, stats.Keys, "jobs:list:status:type")
}
