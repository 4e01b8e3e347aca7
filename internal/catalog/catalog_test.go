package catalog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/epirank/internal/provider"
	"github.com/kalambet/epirank/internal/provider/providertest"
	"github.com/kalambet/epirank/internal/sequence"
)

type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testSource() *providertest.Fake {
	exp := provider.Experiment{ID: 3, Name: "cartpole", UIConfigIDs: []int{20, 10}, OrderingMode: "alternating"}
	configs := []provider.UIConfig{
		{ID: 10, Name: "rank-4", MaxRankingElements: 4},
		{ID: 20, Name: "pairs", MaxRankingElements: 2},
	}
	f := providertest.New(exp, configs, providertest.Refs("CartPole-v1", 8))
	f.ProjectList = []provider.Project{{ID: 1, Name: "control"}}
	f.BackendList = []provider.BackendConfig{{ID: 1, Name: "default", SamplingStrategy: "random"}}
	return f
}

func TestSnapshot_CachesWithinTTL(t *testing.T) {
	src := testSource()
	clock := &mockClock{now: time.Unix(1_700_000_000, 0)}
	c := NewWithClock(src, clock, time.Minute)
	ctx := context.Background()

	for range 3 {
		s, err := c.Snapshot(ctx)
		if err != nil {
			t.Fatalf("Snapshot: %v", err)
		}
		if len(s.Experiments) != 1 || len(s.UIConfigs) != 2 || len(s.Projects) != 1 || len(s.BackendConfigs) != 1 {
			t.Fatalf("unexpected snapshot %+v", s)
		}
	}
	if n := src.CallCount("Experiments"); n != 1 {
		t.Errorf("Experiments called %d times, want 1", n)
	}

	clock.Advance(2 * time.Minute)
	if _, err := c.Snapshot(ctx); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if n := src.CallCount("Experiments"); n != 2 {
		t.Errorf("Experiments called %d times after expiry, want 2", n)
	}
}

func TestInvalidate(t *testing.T) {
	src := testSource()
	c := New(src, time.Hour)
	ctx := context.Background()

	if _, err := c.UIConfigs(ctx); err != nil {
		t.Fatal(err)
	}
	c.Invalidate()
	if _, err := c.UIConfigs(ctx); err != nil {
		t.Fatal(err)
	}
	if n := src.CallCount("UIConfigs"); n != 2 {
		t.Errorf("UIConfigs called %d times, want 2", n)
	}
}

func TestSnapshot_ReturnsCopies(t *testing.T) {
	c := New(testSource(), time.Hour)
	ctx := context.Background()

	s, err := c.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	s.Experiments[0].UIConfigIDs[0] = 999
	s.UIConfigs[0].Name = "mutated"

	again, err := c.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if again.Experiments[0].UIConfigIDs[0] != 20 || again.UIConfigs[0].Name != "rank-4" {
		t.Errorf("cached snapshot was mutated through a returned copy: %+v", again)
	}
}

func TestPlan(t *testing.T) {
	c := New(testSource(), time.Hour)

	plan, err := c.Plan(context.Background(), 3)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan.Mode != sequence.ModeAlternating {
		t.Errorf("Mode = %q, want alternating", plan.Mode)
	}
	if len(plan.UIConfigs) != 2 || plan.UIConfigs[0].ID != 20 || plan.UIConfigs[1].ID != 10 {
		t.Errorf("UIConfigs not in experiment order: %+v", plan.UIConfigs)
	}

	seq := plan.SequenceConfigs()
	if seq[0].Ref.Name != "pairs" || seq[0].MaxRankingElements != 2 {
		t.Errorf("SequenceConfigs[0] = %+v", seq[0])
	}
}

func TestPlan_Errors(t *testing.T) {
	ctx := context.Background()

	c := New(testSource(), time.Hour)
	if _, err := c.Plan(ctx, 42); !errors.Is(err, ErrUnknownExperiment) {
		t.Errorf("unknown experiment: err = %v", err)
	}

	src := testSource()
	src.ExperimentList[0].UIConfigIDs = []int{10, 77}
	if _, err := New(src, time.Hour).Plan(ctx, 3); !errors.Is(err, ErrUnknownUIConfig) {
		t.Errorf("unknown ui config: err = %v", err)
	}

	src = testSource()
	src.ExperimentList[0].UIConfigIDs = nil
	if _, err := New(src, time.Hour).Plan(ctx, 3); !errors.Is(err, ErrNoUIConfigs) {
		t.Errorf("no ui configs: err = %v", err)
	}

	src = testSource()
	src.ExperimentList[0].OrderingMode = "zigzag"
	if _, err := New(src, time.Hour).Plan(ctx, 3); err == nil {
		t.Error("expected error for unknown ordering mode")
	}
}

func TestExperiment(t *testing.T) {
	c := New(testSource(), time.Hour)
	ctx := context.Background()

	exp, err := c.Experiment(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if exp.Name != "cartpole" {
		t.Errorf("Name = %q", exp.Name)
	}
	if _, err := c.Experiment(ctx, 4); !errors.Is(err, ErrUnknownExperiment) {
		t.Errorf("err = %v, want ErrUnknownExperiment", err)
	}
}

func TestConcurrentSnapshot(t *testing.T) {
	src := testSource()
	c := New(src, time.Hour)

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Snapshot(context.Background()); err != nil {
				t.Errorf("Snapshot: %v", err)
			}
		}()
	}
	wg.Wait()
	if n := src.CallCount("Projects"); n != 1 {
		t.Errorf("Projects called %d times, want 1", n)
	}
}
