package index

import (
	"math/rand"
	"sync"
	"time"

	"go.docstore/internal/storage"
)

// Coin picks skip-list node levels. A fixed seed reproduces the same
// sequence of levels, and so the same list shapes.
type Coin struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewCoin returns a coin seeded with seed, or with the clock when seed is 0.
func NewCoin(seed int64) *Coin {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Coin{rnd: rand.New(rand.NewSource(seed))}
}

// Flip returns a level in [1, MaxLevelLength]; each extra level has half
// the chance of the one below.
func (c *Coin) Flip() byte {
	c.mu.Lock()
	r := c.rnd.Uint32()
	c.mu.Unlock()

	level := byte(1)
	for ; r&1 == 1 && level < storage.MaxLevelLength; r >>= 1 {
		level++
	}
	return level
}
