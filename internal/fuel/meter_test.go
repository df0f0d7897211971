package fuel

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	herr "github.com/connectias/pluginhost/internal/obs/errors"
)

func TestConsumeUnderLimit(t *testing.T) {
	m := New(1000)
	require.NoError(t, m.Consume(CategoryCall, 1))
	assert.Equal(t, uint64(10), m.Total())
	assert.False(t, m.IsExhausted())
}

func TestConsumeExhaustion(t *testing.T) {
	m := New(25).WithCostTable(map[Category]uint64{CategoryCall: 10})
	require.NoError(t, m.Consume(CategoryCall, 1))
	require.NoError(t, m.Consume(CategoryCall, 1))
	err := m.Consume(CategoryCall, 1) // 30 > 25
	require.Error(t, err)
	assert.True(t, herr.Is(err, herr.KindFuelExhausted))
	assert.True(t, m.IsExhausted())

	// Once exhausted, no further consume succeeds.
	err = m.Consume(CategoryCall, 1)
	require.Error(t, err)
	assert.True(t, herr.Is(err, herr.KindFuelExhausted))
}

func TestSetLimitRejectsZero(t *testing.T) {
	m := New(100)
	err := m.SetLimit(0)
	require.Error(t, err)
	assert.True(t, herr.Is(err, herr.KindInvalidInput))
}

func TestSetLimitRejectsWhileExhausted(t *testing.T) {
	m := New(10).WithCostTable(map[Category]uint64{CategoryCall: 20})
	_ = m.Consume(CategoryCall, 1)
	require.True(t, m.IsExhausted())

	err := m.SetLimit(1000)
	require.Error(t, err)
	assert.True(t, herr.Is(err, herr.KindExhaustedState))

	m.Reset()
	require.NoError(t, m.SetLimit(1000))
}

func TestSetLimitRejectsBelowConsumed(t *testing.T) {
	m := New(1000).WithCostTable(map[Category]uint64{CategoryCall: 10})
	require.NoError(t, m.Consume(CategoryCall, 5)) // total 50
	err := m.SetLimit(10)
	require.Error(t, err)
	assert.True(t, herr.Is(err, herr.KindLimitTooLow))
}

// TestConcurrentExhaustion reproduces spec §8 scenario 3: fuel_limit=500,
// cost(Call)=10, 10 threads each calling consume_fuel(Call,1) up to 100
// times. Expected: total successful consumes <= 50, is_exhausted true,
// and every consume after exhaustion returns FuelExhausted.
func TestConcurrentExhaustion(t *testing.T) {
	const (
		limit      = 500
		cost       = 10
		goroutines = 10
		attempts   = 100
	)
	m := New(limit).WithCostTable(map[Category]uint64{CategoryCall: cost})

	var successes atomic.Int64
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < attempts; j++ {
				if err := m.Consume(CategoryCall, 1); err == nil {
					successes.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	assert.True(t, m.IsExhausted())
	assert.LessOrEqual(t, successes.Load(), int64(limit/cost))
	assert.LessOrEqual(t, m.Total(), uint64(limit+cost*(goroutines-1)))

	err := m.Consume(CategoryCall, 1)
	require.Error(t, err)
	assert.True(t, herr.Is(err, herr.KindFuelExhausted))

	err = m.SetLimit(1000)
	require.Error(t, err)
	assert.True(t, herr.Is(err, herr.KindExhaustedState))

	m.Reset()
	require.NoError(t, m.SetLimit(1000))
}
