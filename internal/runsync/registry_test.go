package runsync

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/vigil/internal/common"
	"github.com/ternarybob/vigil/internal/interfaces"
)

func TestRegistryTrackUntrack(t *testing.T) {
	registry := NewRegistry()
	run := newFakeRun("demo-1")

	assert.True(t, registry.Track(run))
	assert.False(t, registry.Track(run), "re-tracking must be a no-op")
	assert.True(t, registry.Contains("demo-1"))
	assert.Equal(t, 1, registry.Len())

	assert.True(t, registry.Untrack("demo-1"))
	assert.False(t, registry.Untrack("demo-1"), "untracking an absent run must be a no-op")
	assert.False(t, registry.Contains("demo-1"))
	assert.Equal(t, 0, registry.Len())
}

func TestRegistrySnapshotIsStable(t *testing.T) {
	registry := NewRegistry()
	for i := 0; i < 10; i++ {
		registry.Track(newFakeRun(fmt.Sprintf("run-%d", i)))
	}

	snapshot := registry.Snapshot()
	require.Len(t, snapshot, 10)

	// Mutating the registry must not disturb an already-taken snapshot.
	registry.Untrack("run-0")
	registry.Track(newFakeRun("run-extra"))
	assert.Len(t, snapshot, 10)
}

func TestRegistryConcurrentAccess(t *testing.T) {
	registry := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			run := newFakeRun(fmt.Sprintf("run-%d", n))
			registry.Track(run)
			registry.Snapshot()
			registry.Untrack(run.Key())
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, registry.Len())
}

func TestPollSchedulerSweepsTrackedRuns(t *testing.T) {
	registry := NewRegistry()
	registry.Track(newFakeRun("a"))
	registry.Track(newFakeRun("b"))

	clock := clockwork.NewFakeClock()
	var mu sync.Mutex
	polled := make(map[string]int)

	scheduler := NewPollScheduler(registry, time.Second, func(ctx context.Context, run interfaces.Run) error {
		mu.Lock()
		defer mu.Unlock()
		polled[run.Key()]++
		return nil
	}, clock, common.GetLogger())
	defer scheduler.Stop()

	scheduler.Start()
	scheduler.Start() // idempotent

	clock.BlockUntil(1)
	clock.Advance(time.Second)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return polled["a"] >= 1 && polled["b"] >= 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPollSchedulerContinuesAfterPollError(t *testing.T) {
	registry := NewRegistry()
	registry.Track(newFakeRun("bad"))
	registry.Track(newFakeRun("good"))

	clock := clockwork.NewFakeClock()
	var mu sync.Mutex
	polled := make(map[string]int)

	scheduler := NewPollScheduler(registry, time.Second, func(ctx context.Context, run interfaces.Run) error {
		mu.Lock()
		defer mu.Unlock()
		polled[run.Key()]++
		if run.Key() == "bad" {
			return fmt.Errorf("upsert failed")
		}
		return nil
	}, clock, common.GetLogger())
	defer scheduler.Stop()

	scheduler.Start()
	clock.BlockUntil(1)
	clock.Advance(time.Second)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return polled["good"] >= 1
	}, 2*time.Second, 10*time.Millisecond, "one run's failure must not halt the sweep")
}

func TestPollSchedulerStopHaltsSweeps(t *testing.T) {
	registry := NewRegistry()
	registry.Track(newFakeRun("a"))

	clock := clockwork.NewFakeClock()
	var mu sync.Mutex
	count := 0

	scheduler := NewPollScheduler(registry, time.Second, func(ctx context.Context, run interfaces.Run) error {
		mu.Lock()
		defer mu.Unlock()
		count++
		return nil
	}, clock, common.GetLogger())

	scheduler.Start()
	clock.BlockUntil(1)

	scheduler.Stop()
	scheduler.Stop() // idempotent

	// Give the loop a moment to exit, then advance; no sweep may follow.
	time.Sleep(50 * time.Millisecond)
	clock.Advance(2 * time.Second)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, count)
}
