package signing

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNonceSequentialStrictlyIncreasing(t *testing.T) {
	src := NewNonceSource(time.Microsecond)
	prev := int64(0)
	for i := 0; i < 1000; i++ {
		n := src.Next()
		require.Greater(t, n, prev, "nonce %d did not increase", i)
		prev = n
	}
}

func TestNonceSurvivesStalledClock(t *testing.T) {
	frozen := time.Unix(1_700_000_000, 0)
	src := NewNonceSource(time.Millisecond)
	src.now = func() time.Time { return frozen }

	first := src.Next()
	second := src.Next()
	require.Equal(t, frozen.UnixMilli(), first)
	require.Equal(t, first+1, second)

	frozen = frozen.Add(-time.Hour)
	require.Equal(t, second+1, src.Next(), "clock step back must not rewind nonces")
}

func TestNonceConcurrentSubmissionUnique(t *testing.T) {
	src := NewNonceSource(time.Microsecond)
	const workers = 8
	const perWorker = 125

	results := make([][]int64, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			local := make([]int64, 0, perWorker)
			for i := 0; i < perWorker; i++ {
				local = append(local, src.Next())
			}
			results[w] = local
		}(w)
	}
	wg.Wait()

	seen := make(map[int64]struct{}, workers*perWorker)
	for _, local := range results {
		for i, n := range local {
			if i > 0 {
				require.Greater(t, n, local[i-1], "per-goroutine order must be increasing")
			}
			_, dup := seen[n]
			require.False(t, dup, "duplicate nonce %d", n)
			seen[n] = struct{}{}
		}
	}
	require.Len(t, seen, workers*perWorker)
}
