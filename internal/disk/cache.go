package disk

import (
	"github.com/dgraph-io/ristretto/v2"
	"github.com/pkg/errors"

	"go.docstore/internal/storage"
)

// pageCache keeps read-only page buffers keyed by file position and origin.
// Every cached buffer is shared (ShareCounter >= 0) and must never be written.
type pageCache struct {
	c *ristretto.Cache[uint64, *storage.PageBuffer]
}

func newPageCache(pages int) (*pageCache, error) {
	if pages <= 0 {
		pages = 1
	}
	c, err := ristretto.NewCache(&ristretto.Config[uint64, *storage.PageBuffer]{
		NumCounters: int64(pages) * 10,
		MaxCost:     int64(pages),
		BufferItems: 64,

		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create page cache")
	}
	return &pageCache{c: c}, nil
}

// positions are page aligned so the low bits are free for the origin
func cacheKey(position int64, origin storage.Origin) uint64 {
	return uint64(position) | uint64(origin)
}

func (p *pageCache) get(position int64, origin storage.Origin) (*storage.PageBuffer, bool) {
	return p.c.Get(cacheKey(position, origin))
}

func (p *pageCache) set(b *storage.PageBuffer) {
	p.c.Set(cacheKey(b.Position, b.Origin), b, 1)
}

func (p *pageCache) del(position int64, origin storage.Origin) {
	p.c.Del(cacheKey(position, origin))
}

func (p *pageCache) clear() {
	p.c.Clear()
}

func (p *pageCache) close() {
	p.c.Close()
}
