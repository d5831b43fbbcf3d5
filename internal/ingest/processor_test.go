package ingest_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pagetrace/internal/cache"
	"pagetrace/internal/ingest"
	"pagetrace/internal/store"
	"pagetrace/internal/testsupport"
	"pagetrace/internal/visitors"
)

const desktopUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

func newProcessor(t *testing.T) (*ingest.Processor, *store.SQLStore, *store.Service) {
	t.Helper()
	st := testsupport.SetupTestStore(t)
	cfg := testsupport.TestConfig()
	p := ingest.NewProcessor(st, ingest.NewCaches(cfg), cfg, testsupport.GetLogger())
	svc := testsupport.CreateTestService(t, st, "blog")
	return p, st, svc
}

func beacon(idempotency, location string) ingest.Beacon {
	return ingest.Beacon{
		Tracker:     store.TrackerScript,
		Time:        time.Now().UTC(),
		Idempotency: idempotency,
		Location:    location,
		IP:          "203.0.113.10",
		UserAgent:   desktopUA,
	}
}

func TestProcessCreatesSessionAndHit(t *testing.T) {
	p, st, svc := newProcessor(t)
	ctx := context.Background()

	require.NoError(t, p.Process(ctx, svc, beacon("key-1", "https://blog.example.com/")))

	sessions, err := st.ListSessions(ctx, svc.ID, time.Now().UTC().Add(-time.Hour), time.Now().UTC().Add(time.Hour), 10, 0)
	require.NoError(t, err)
	require.Len(t, sessions, 1)

	session := sessions[0]
	assert.Equal(t, "Chrome", session.Browser)
	assert.Equal(t, "desktop", session.DeviceType)
	assert.Equal(t, "203.0.113.10", session.IP)
	assert.True(t, session.IsBounce)

	hits, err := st.ListSessionHits(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.True(t, hits[0].Initial)
	assert.Equal(t, 0, hits[0].Heartbeats)
	assert.Equal(t, "https://blog.example.com/", hits[0].Location)
}

func TestSameVisitorCollapsesToOneSession(t *testing.T) {
	p, st, svc := newProcessor(t)
	ctx := context.Background()

	require.NoError(t, p.Process(ctx, svc, beacon("key-1", "https://blog.example.com/")))
	require.NoError(t, p.Process(ctx, svc, beacon("key-2", "https://blog.example.com/about")))

	sessions, err := st.ListSessions(ctx, svc.ID, time.Now().UTC().Add(-time.Hour), time.Now().UTC().Add(time.Hour), 10, 0)
	require.NoError(t, err)
	require.Len(t, sessions, 1)

	hits, err := st.ListSessionHits(ctx, sessions[0].ID)
	require.NoError(t, err)
	assert.Len(t, hits, 2)

	// Two distinct pages means the visit is no longer a bounce.
	assert.False(t, sessions[0].IsBounce)

	// Only the first hit of the session counts as initial.
	assert.True(t, hits[0].Initial)
	assert.False(t, hits[1].Initial)
}

func TestDifferentVisitorsGetDifferentSessions(t *testing.T) {
	p, st, svc := newProcessor(t)
	ctx := context.Background()

	b1 := beacon("key-1", "https://blog.example.com/")
	b2 := beacon("key-2", "https://blog.example.com/")
	b2.IP = "198.51.100.7"

	require.NoError(t, p.Process(ctx, svc, b1))
	require.NoError(t, p.Process(ctx, svc, b2))

	sessions, err := st.ListSessions(ctx, svc.ID, time.Now().UTC().Add(-time.Hour), time.Now().UTC().Add(time.Hour), 10, 0)
	require.NoError(t, err)
	assert.Len(t, sessions, 2)
}

func TestRepeatedIdempotencyKeyIsAHeartbeat(t *testing.T) {
	p, st, svc := newProcessor(t)
	ctx := context.Background()

	b := beacon("key-1", "https://blog.example.com/")
	require.NoError(t, p.Process(ctx, svc, b))
	require.NoError(t, p.Process(ctx, svc, b))
	require.NoError(t, p.Process(ctx, svc, b))

	sessions, err := st.ListSessions(ctx, svc.ID, time.Now().UTC().Add(-time.Hour), time.Now().UTC().Add(time.Hour), 10, 0)
	require.NoError(t, err)
	require.Len(t, sessions, 1)

	hits, err := st.ListSessionHits(ctx, sessions[0].ID)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, 2, hits[0].Heartbeats)

	// Heartbeats on a single page stay a bounce.
	assert.True(t, sessions[0].IsBounce)
}

func TestLoadTimeWrittenOnce(t *testing.T) {
	p, st, svc := newProcessor(t)
	ctx := context.Background()

	first := 120.0
	b := beacon("key-1", "https://blog.example.com/")
	b.LoadTime = &first
	require.NoError(t, p.Process(ctx, svc, b))

	// The heartbeat repeats the key with a different load time; the stored
	// value must not change.
	second := 999.0
	b.LoadTime = &second
	require.NoError(t, p.Process(ctx, svc, b))

	sessions, err := st.ListSessions(ctx, svc.ID, time.Now().UTC().Add(-time.Hour), time.Now().UTC().Add(time.Hour), 10, 0)
	require.NoError(t, err)
	hits, err := st.ListSessionHits(ctx, sessions[0].ID)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.NotNil(t, hits[0].LoadTime)
	assert.Equal(t, 120.0, *hits[0].LoadTime)
}

func TestNonPositiveLoadTimeDiscarded(t *testing.T) {
	p, st, svc := newProcessor(t)
	ctx := context.Background()

	bad := -5.0
	b := beacon("key-1", "https://blog.example.com/")
	b.LoadTime = &bad
	require.NoError(t, p.Process(ctx, svc, b))

	sessions, err := st.ListSessions(ctx, svc.ID, time.Now().UTC().Add(-time.Hour), time.Now().UTC().Add(time.Hour), 10, 0)
	require.NoError(t, err)
	hits, err := st.ListSessionHits(ctx, sessions[0].ID)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Nil(t, hits[0].LoadTime)
}

func TestEmptyIdempotencyAlwaysCreatesHits(t *testing.T) {
	// Pixel beacons carry no idempotency key, so each request is a view.
	p, st, svc := newProcessor(t)
	ctx := context.Background()

	b := beacon("", "https://blog.example.com/")
	b.Tracker = store.TrackerPixel
	require.NoError(t, p.Process(ctx, svc, b))
	require.NoError(t, p.Process(ctx, svc, b))

	sessions, err := st.ListSessions(ctx, svc.ID, time.Now().UTC().Add(-time.Hour), time.Now().UTC().Add(time.Hour), 10, 0)
	require.NoError(t, err)
	require.Len(t, sessions, 1)

	hits, err := st.ListSessionHits(ctx, sessions[0].ID)
	require.NoError(t, err)
	assert.Len(t, hits, 2)
}

func TestIdentifierSetOncePerSession(t *testing.T) {
	p, st, svc := newProcessor(t)
	ctx := context.Background()

	b := beacon("key-1", "https://blog.example.com/")
	b.Identifier = "user-42"
	require.NoError(t, p.Process(ctx, svc, b))

	b2 := beacon("key-2", "https://blog.example.com/about")
	b2.Identifier = "user-43"
	require.NoError(t, p.Process(ctx, svc, b2))

	sessions, err := st.ListSessions(ctx, svc.ID, time.Now().UTC().Add(-time.Hour), time.Now().UTC().Add(time.Hour), 10, 0)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "user-42", sessions[0].Identifier)
}

func TestIPExcludedFromIdentityWhenCollectionDisabled(t *testing.T) {
	p, st, svc := newProcessor(t)
	ctx := context.Background()

	svc.CollectIPs = false
	require.NoError(t, st.UpdateService(ctx, svc))

	b1 := beacon("key-1", "https://blog.example.com/")
	b2 := beacon("key-2", "https://blog.example.com/")
	b2.IP = "198.51.100.7" // different IP, same UA

	require.NoError(t, p.Process(ctx, svc, b1))
	require.NoError(t, p.Process(ctx, svc, b2))

	sessions, err := st.ListSessions(ctx, svc.ID, time.Now().UTC().Add(-time.Hour), time.Now().UTC().Add(time.Hour), 10, 0)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Empty(t, sessions[0].IP)
}

func TestCacheExpiryDoesNotRestartSession(t *testing.T) {
	st := testsupport.SetupTestStore(t)
	cfg := testsupport.TestConfig()
	caches := ingest.NewCaches(cfg)
	p := ingest.NewProcessor(st, caches, cfg, testsupport.GetLogger())
	svc := testsupport.CreateTestService(t, st, "blog")
	ctx := context.Background()

	first := beacon("key-1", "https://blog.example.com/")
	require.NoError(t, p.Process(ctx, svc, first))

	// Drop the cached identity mapping, as a TTL expiry or a restart would.
	// The session row still exists, so the next beacon must resolve to it
	// instead of being treated as a first sight.
	signature := visitors.Signature(first.IP, first.UserAgent, "")
	caches.Sessions.Invalidate(cache.SessionKey(svc.ID, signature))

	second := beacon("key-2", "https://blog.example.com/about")
	second.Time = first.Time.Add(5 * time.Minute)
	require.NoError(t, p.Process(ctx, svc, second))

	sessions, err := st.ListSessions(ctx, svc.ID, first.Time.Add(-time.Hour), first.Time.Add(time.Hour), 10, 0)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.True(t, sessions[0].LastSeen.After(first.Time))

	hits, err := st.ListSessionHits(ctx, sessions[0].ID)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.True(t, hits[0].Initial)
	assert.False(t, hits[1].Initial)
}

func TestProcessAsyncRecordsInBackground(t *testing.T) {
	p, st, svc := newProcessor(t)
	ctx := context.Background()

	b := beacon("", "https://blog.example.com/")
	b.Tracker = store.TrackerPixel
	p.ProcessAsync(svc, b)

	require.Eventually(t, func() bool {
		count, err := st.CountSessions(ctx, svc.ID, time.Now().UTC().Add(-time.Hour), time.Now().UTC().Add(time.Hour))
		return err == nil && count == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestConcurrentFirstSightCreatesOneSession(t *testing.T) {
	p, st, svc := newProcessor(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			b := beacon("", "https://blog.example.com/")
			b.Tracker = store.TrackerPixel
			assert.NoError(t, p.Process(ctx, svc, b))
		}(i)
	}
	close(start)
	wg.Wait()

	sessions, err := st.ListSessions(ctx, svc.ID, time.Now().UTC().Add(-time.Hour), time.Now().UTC().Add(time.Hour), 100, 0)
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}
