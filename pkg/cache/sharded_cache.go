package cache

import (
	"hash/fnv"
	"math"
	"sync"
	"time"
)

const numShards = 16

// PriceBook is a sharded last-price store keyed by symbol.
type PriceBook struct {
	shards [numShards]*priceShard
}

type priceShard struct {
	mu    sync.RWMutex
	items map[string]Quote
}

// Quote is the last price seen for a symbol.
type Quote struct {
	Price     float64   `json:"price"`
	UpdatedAt time.Time `json:"updated_at"`
	Ticks     uint64    `json:"ticks"`
}

// ValidPrice reports whether p is a usable market price.
func ValidPrice(p float64) bool {
	return p > 0 && !math.IsInf(p, 0) && !math.IsNaN(p)
}

func NewPriceBook() *PriceBook {
	b := &PriceBook{}
	for i := 0; i < numShards; i++ {
		b.shards[i] = &priceShard{items: make(map[string]Quote)}
	}
	return b
}

func (b *PriceBook) shard(symbol string) *priceShard {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return b.shards[h.Sum32()%numShards]
}

// Set records a price and returns the updated quote. Non-positive and
// non-finite prices are ignored.
func (b *PriceBook) Set(symbol string, price float64) (Quote, bool) {
	if !ValidPrice(price) || symbol == "" {
		return Quote{}, false
	}
	s := b.shard(symbol)
	s.mu.Lock()
	q := s.items[symbol]
	q.Price = price
	q.UpdatedAt = time.Now()
	q.Ticks++
	s.items[symbol] = q
	s.mu.Unlock()
	return q, true
}

// Get returns the last price for symbol.
func (b *PriceBook) Get(symbol string) (float64, bool) {
	s := b.shard(symbol)
	s.mu.RLock()
	q, ok := s.items[symbol]
	s.mu.RUnlock()
	return q.Price, ok
}

// Quote returns the full quote and whether it exists.
func (b *PriceBook) Quote(symbol string) (Quote, bool) {
	s := b.shard(symbol)
	s.mu.RLock()
	q, ok := s.items[symbol]
	s.mu.RUnlock()
	return q, ok
}

// Age reports how long ago symbol was last updated.
func (b *PriceBook) Age(symbol string) (time.Duration, bool) {
	q, ok := b.Quote(symbol)
	if !ok {
		return 0, false
	}
	return time.Since(q.UpdatedAt), true
}

func (b *PriceBook) Len() int {
	total := 0
	for _, s := range b.shards {
		s.mu.RLock()
		total += len(s.items)
		s.mu.RUnlock()
	}
	return total
}

// Snapshot copies every symbol's last price.
func (b *PriceBook) Snapshot() map[string]float64 {
	out := make(map[string]float64)
	for _, s := range b.shards {
		s.mu.RLock()
		for sym, q := range s.items {
			out[sym] = q.Price
		}
		s.mu.RUnlock()
	}
	return out
}

// Stale lists symbols not updated within maxAge.
func (b *PriceBook) Stale(maxAge time.Duration) []string {
	cutoff := time.Now().Add(-maxAge)
	var out []string
	for _, s := range b.shards {
		s.mu.RLock()
		for sym, q := range s.items {
			if q.UpdatedAt.Before(cutoff) {
				out = append(out, sym)
			}
		}
		s.mu.RUnlock()
	}
	return out
}
