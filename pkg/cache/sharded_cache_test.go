package cache

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriceBookSetGet(t *testing.T) {
	b := NewPriceBook()

	_, ok := b.Get("ETHUSDT")
	assert.False(t, ok)

	q, ok := b.Set("ETHUSDT", 3000)
	require.True(t, ok)
	assert.Equal(t, uint64(1), q.Ticks)

	q, _ = b.Set("ETHUSDT", 3010)
	assert.Equal(t, uint64(2), q.Ticks)

	price, ok := b.Get("ETHUSDT")
	require.True(t, ok)
	assert.Equal(t, 3010.0, price)

	for _, bad := range []float64{0, -1, math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, ok = b.Set("ETHUSDT", bad)
		assert.False(t, ok, "price %v must be ignored", bad)
	}
	price, _ = b.Get("ETHUSDT")
	assert.Equal(t, 3010.0, price)
}

func TestPriceBookSnapshotAndStale(t *testing.T) {
	b := NewPriceBook()
	b.Set("BTCUSDT", 60000)
	b.Set("ETHUSDT", 3000)

	assert.Equal(t, 2, b.Len())
	assert.Equal(t, map[string]float64{"BTCUSDT": 60000, "ETHUSDT": 3000}, b.Snapshot())
	assert.Empty(t, b.Stale(time.Hour))
	assert.Len(t, b.Stale(-time.Second), 2)

	age, ok := b.Age("BTCUSDT")
	require.True(t, ok)
	assert.GreaterOrEqual(t, age, time.Duration(0))
	_, ok = b.Age("SOLUSDT")
	assert.False(t, ok)
}

func TestPriceBookConcurrentWriters(t *testing.T) {
	b := NewPriceBook()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 1; j <= 100; j++ {
				b.Set("ETHUSDT", float64(j))
			}
		}()
	}
	wg.Wait()

	q, ok := b.Quote("ETHUSDT")
	require.True(t, ok)
	assert.Equal(t, uint64(800), q.Ticks)
}
