package mediacache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/epirank/internal/episode"
	"github.com/kalambet/epirank/internal/provider"
	"github.com/kalambet/epirank/internal/provider/providertest"
)

const testID = "CartPole-v1_trained_0_1000_3"

func newTestCache(f *providertest.Fake) *Cache {
	return New(f, Options{FetchTimeout: 5 * time.Second})
}

func TestThumbnail_CachesAfterFirstFetch(t *testing.T) {
	f := &providertest.Fake{}
	c := newTestCache(f)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		m, ok, err := c.Thumbnail(ctx, testID)
		if err != nil {
			t.Fatalf("Thumbnail: %v", err)
		}
		if !ok {
			t.Fatal("Thumbnail not available")
		}
		if string(m.Data) != "thumb:CartPole-v1" {
			t.Errorf("Data = %q", m.Data)
		}
	}
	if got := f.CallCount("Thumbnail"); got != 1 {
		t.Errorf("fetches = %d, want 1", got)
	}
}

func TestKindsAreIndependent(t *testing.T) {
	f := &providertest.Fake{}
	c := newTestCache(f)
	ctx := context.Background()

	if _, ok, _ := c.Thumbnail(ctx, testID); !ok {
		t.Fatal("thumbnail unavailable")
	}
	if _, ok, _ := c.Video(ctx, testID); !ok {
		t.Fatal("video unavailable")
	}
	r, ok, _ := c.Rewards(ctx, testID)
	if !ok || len(r) != 1 || r[0] != 3 {
		t.Fatalf("rewards = %v, %v", r, ok)
	}
	if _, ok, _ := c.Uncertainty(ctx, testID); !ok {
		t.Fatal("uncertainty unavailable")
	}
	if c.Len() != 4 {
		t.Errorf("Len = %d, want 4", c.Len())
	}
}

func TestConcurrentRequestsShareOneFetch(t *testing.T) {
	gate := make(chan struct{})
	f := &providertest.Fake{MediaGate: gate}
	c := newTestCache(f)
	ctx := context.Background()

	const callers = 8
	var wg sync.WaitGroup
	results := make([]bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := c.Video(ctx, testID)
			if err != nil {
				t.Errorf("Video: %v", err)
			}
			results[i] = ok
		}()
	}

	// Let the callers pile up on the in-flight fetch before releasing it.
	deadline := time.Now().Add(2 * time.Second)
	for f.CallCount("Video") == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	for i, ok := range results {
		if !ok {
			t.Errorf("caller %d got no value", i)
		}
	}
	if got := f.CallCount("Video"); got != 1 {
		t.Errorf("fetches = %d, want 1", got)
	}
}

func TestFetchFailureIsNotCached(t *testing.T) {
	f := &providertest.Fake{FailMedia: true}
	c := newTestCache(f)
	ctx := context.Background()

	_, ok, err := c.Rewards(ctx, testID)
	if err != nil {
		t.Fatalf("fetch failure must not surface as error: %v", err)
	}
	if ok {
		t.Fatal("expected unavailable on failure")
	}
	if c.Len() != 0 {
		t.Errorf("Len = %d, want 0", c.Len())
	}

	f.FailMedia = false
	if _, ok, _ := c.Rewards(ctx, testID); !ok {
		t.Fatal("expected retry to succeed")
	}
	if got := f.CallCount("Rewards"); got != 2 {
		t.Errorf("fetches = %d, want 2", got)
	}
}

func TestInvalidIdentifier(t *testing.T) {
	c := newTestCache(&providertest.Fake{})
	_, _, err := c.Thumbnail(context.Background(), "")
	if !errors.Is(err, episode.ErrInvalidIdentifier) {
		t.Errorf("err = %v, want ErrInvalidIdentifier", err)
	}
}

func TestCallerCancelStillCachesLateResult(t *testing.T) {
	gate := make(chan struct{})
	f := &providertest.Fake{MediaGate: gate}
	c := newTestCache(f)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool)
	go func() {
		_, ok, _ := c.Thumbnail(ctx, testID)
		done <- ok
	}()

	deadline := time.Now().Add(2 * time.Second)
	for f.CallCount("Thumbnail") == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	if ok := <-done; ok {
		t.Fatal("cancelled caller should see unavailable")
	}

	close(gate)
	for c.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if _, ok, _ := c.Thumbnail(context.Background(), testID); !ok {
		t.Fatal("late result was not cached")
	}
	if got := f.CallCount("Thumbnail"); got != 1 {
		t.Errorf("fetches = %d, want 1", got)
	}
}

func TestGet(t *testing.T) {
	c := newTestCache(&providertest.Fake{})
	v, ok, err := c.Get(context.Background(), KindThumbnail, testID)
	if err != nil || !ok {
		t.Fatalf("Get: %v, %v", ok, err)
	}
	if _, isMedia := v.(provider.Media); !isMedia {
		t.Errorf("Get returned %T, want provider.Media", v)
	}
	if _, _, err := c.Get(context.Background(), "poster", testID); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestPrefetch(t *testing.T) {
	f := &providertest.Fake{}
	c := newTestCache(f)
	ids := []string{
		"CartPole-v1_trained_0_1000_0",
		"CartPole-v1_trained_0_1000_1",
		"CartPole-v1_trained_0_1000_2",
	}
	if err := c.Prefetch(context.Background(), ids); err != nil {
		t.Fatalf("Prefetch: %v", err)
	}
	if f.CallCount("Thumbnail") != 3 || f.CallCount("Rewards") != 3 {
		t.Errorf("calls = %v", f.Calls)
	}
	if c.Len() != 6 {
		t.Errorf("Len = %d, want 6", c.Len())
	}

	if err := c.Prefetch(context.Background(), []string{"bad"}); !errors.Is(err, episode.ErrInvalidIdentifier) {
		t.Errorf("err = %v, want ErrInvalidIdentifier", err)
	}
}
