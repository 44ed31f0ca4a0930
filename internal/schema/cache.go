package schema

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/sheetqa/sheetqa/internal/dataset"
)

// DefaultCacheSize bounds NewCache when it is given a non-positive size.
const DefaultCacheSize = 256

// Cache memoises schemas by dataset id. Datasets are immutable, so an entry is
// valid for the dataset's lifetime; concurrent first requests share one inference.
// Least recently used entries are dropped once the cache is full.
type Cache struct {
	inferencer *Inferencer
	group      singleflight.Group
	entries    *lru.Cache[string, Schema]
}

func NewCache(inferencer *Inferencer, size int) *Cache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	entries, _ := lru.New[string, Schema](size)
	return &Cache{inferencer: inferencer, entries: entries}
}

func (c *Cache) Inferencer() *Inferencer {
	return c.inferencer
}

func (c *Cache) Get(ds *dataset.Dataset) Schema {
	if ds.ID == "" {
		return c.inferencer.Infer(ds)
	}
	if cached, ok := c.entries.Get(ds.ID); ok {
		return cached
	}

	value, _, _ := c.group.Do(ds.ID, func() (any, error) {
		if existing, ok := c.entries.Peek(ds.ID); ok {
			return existing, nil
		}
		inferred := c.inferencer.Infer(ds)
		c.entries.Add(ds.ID, inferred)
		return inferred, nil
	})
	return value.(Schema)
}

// Forget drops a cached schema, used when a dataset is re-ingested under the same id.
func (c *Cache) Forget(datasetID string) {
	c.entries.Remove(datasetID)
}

func (c *Cache) Len() int {
	return c.entries.Len()
}
