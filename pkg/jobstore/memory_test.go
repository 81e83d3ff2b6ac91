package jobstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSetIfAbsent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	created, err := s.SetIfAbsent(ctx, "k", "job-1", time.Hour)
	require.NoError(t, err)
	require.True(t, created)

	created, err = s.SetIfAbsent(ctx, "k", "job-2", time.Hour)
	require.NoError(t, err)
	require.False(t, created)

	// The first writer's value wins.
	val, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "job-1", val)
}

func TestSetIfAbsentExpiry(t *testing.T) {
	s := NewMemoryStore()
	at := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return at }
	ctx := context.Background()

	created, err := s.SetIfAbsent(ctx, "k", "job-1", time.Minute)
	require.NoError(t, err)
	require.True(t, created)

	// After the TTL window the key is free again.
	at = at.Add(2 * time.Minute)
	created, err = s.SetIfAbsent(ctx, "k", "job-2", time.Minute)
	require.NoError(t, err)
	require.True(t, created)
}

func TestGetMissing(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Get(context.Background(), "missing")
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestSetIfAbsentSingleWinnerUnderContention(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	const callers = 32
	var wg sync.WaitGroup
	wins := make(chan int, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			created, err := s.SetIfAbsent(ctx, "contested", "job", time.Hour)
			require.NoError(t, err)
			if created {
				wins <- i
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	require.Equal(t, 1, count, "exactly one caller must win the set-if-absent race")
}

func TestHashRecords(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.HSet(ctx, "job:1", map[string]string{"status": "PENDING"}))
	require.NoError(t, s.HSet(ctx, "job:1", map[string]string{"status": "SUCCESS", "finished_at": "2026-02-01T00:00:00Z"}))

	fields, err := s.HGetAll(ctx, "job:1")
	require.NoError(t, err)
	require.Equal(t, "SUCCESS", fields["status"])
	require.Equal(t, "2026-02-01T00:00:00Z", fields["finished_at"])

	empty, err := s.HGetAll(ctx, "job:none")
	require.NoError(t, err)
	require.Empty(t, empty)
}
