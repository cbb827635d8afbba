// Copyright (c) 2021 OpenM++
// This code is licensed under the MIT license (see LICENSE.txt for details)

package substrate

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

// Catalog tracks which substrate table currently holds each dataset's
// materialized output, the way the teacher's model catalog tracks which
// database file backs each open model. The pipeline registers each
// dataset's final output table here; it chains a later dataset to the
// prior dataset's output through its own record of that table, not
// through TableFor.
type Catalog struct {
	DB *sql.DB

	mu       sync.RWMutex
	tables   map[string]string
	inMemory map[string]bool
}

// NewCatalog returns an empty Catalog bound to db.
func NewCatalog(db *sql.DB) *Catalog {
	return &Catalog{
		DB:       db,
		tables:   make(map[string]string),
		inMemory: make(map[string]bool),
	}
}

// Register records that dataset's current materialized output lives in
// table. cacheInMemory marks it as a candidate for CacheInMemory below.
func (c *Catalog) Register(dataset, table string, cacheInMemory bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tables[dataset] = table
	c.inMemory[dataset] = cacheInMemory
}

// TableFor returns the table currently holding dataset's output, and
// whether it has been registered at all.
func (c *Catalog) TableFor(dataset string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tables[dataset]
	return t, ok
}

// CacheInMemory attaches an in-memory SQLite database under the alias
// "mem_<dataset>" and copies table's contents into it, for datasets
// configured with cache_tables_in_memory (§6 supplemented feature): repeat
// re-aggregation passes against a small working set avoid the page-cache
// churn of hitting the on-disk file every iteration.
func (c *Catalog) CacheInMemory(ctx context.Context, dataset, table string) (string, error) {
	alias := "mem_" + dataset
	attachSQL := fmt.Sprintf("attach database ':memory:' as %s", quoteIdent(alias))
	if _, err := c.DB.ExecContext(ctx, attachSQL); err != nil {
		return "", fmt.Errorf("attach in-memory schema for %s: %w", dataset, err)
	}

	cachedTable := alias + "." + table
	copySQL := fmt.Sprintf("create table %s as select * from %s", cachedTable, table)
	if _, err := c.DB.ExecContext(ctx, copySQL); err != nil {
		return "", fmt.Errorf("cache %s in memory: %w", dataset, err)
	}

	c.Register(dataset, cachedTable, true)
	return cachedTable, nil
}

func quoteIdent(name string) string {
	return `"` + name + `"`
}
