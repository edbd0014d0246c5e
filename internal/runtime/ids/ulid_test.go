package ids

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateULIDIsMonotonic(t *testing.T) {
	const total = 100
	generated := make([]string, total)
	for i := range generated {
		generated[i] = CreateULID()
		_, err := ulid.Parse(generated[i])
		require.NoError(t, err)
	}

	for i := 1; i < total; i++ {
		assert.Less(t, generated[i-1], generated[i])
	}
}

func TestCreateULIDConcurrentUniqueness(t *testing.T) {
	const goroutines, perGoroutine = 8, 25

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]struct{})
	)
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				id := CreateULID()
				mu.Lock()
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, goroutines*perGoroutine)
}

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("pool")
	require.True(t, strings.HasPrefix(id, "pool-"))
	assert.Len(t, strings.TrimPrefix(id, "pool-"), 26)
	assert.Len(t, WithPrefix(""), 26)
}

func TestTimestamp(t *testing.T) {
	before := time.Now().Add(-time.Second)
	ts, ok := Timestamp(CreateULID())
	require.True(t, ok)
	assert.True(t, ts.After(before))

	_, ok = Timestamp("not-a-ulid")
	assert.False(t, ok)
}
