package catalog

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func healthyEntry(id string) Entry {
	return Entry{Descriptor: Descriptor{ID: id}, Health: HealthyStatus(ReasonOK, time.Now(), time.Millisecond)}
}

func unhealthyEntry(id string, reason ProbeReason) Entry {
	return Entry{Descriptor: Descriptor{ID: id}, Health: UnhealthyStatus(reason, "", time.Now(), 0)}
}

func TestCache_NotReadyBeforeFirstPublish(t *testing.T) {
	c := NewCache()
	if _, err := c.Current(); !errors.Is(err, ErrNotReady) {
		t.Errorf("expected ErrNotReady, got %v", err)
	}
	if c.Ready() {
		t.Error("expected Ready=false")
	}
	if c.Generation() != 0 {
		t.Errorf("expected generation 0, got %d", c.Generation())
	}
}

func TestCache_PublishDropsUnhealthy(t *testing.T) {
	c := NewCache()
	snap := c.Publish(Build{Entries: map[Tier][]Entry{
		TierFree: {
			healthyEntry("a/one:free"),
			unhealthyEntry("a/two:free", ReasonRateLimited),
			healthyEntry("a/three:free"),
		},
		TierStealth: {unhealthyEntry("stealth/x", ReasonTimeout)},
	}})

	free := snap.Models(TierFree)
	if len(free) != 2 || free[0].Descriptor.ID != "a/one:free" || free[1].Descriptor.ID != "a/three:free" {
		t.Errorf("unexpected free listing: %+v", free)
	}
	if snap.Count(TierStealth) != 0 {
		t.Errorf("expected empty stealth tier, got %d", snap.Count(TierStealth))
	}
	if snap.UnhealthyCount() != 2 {
		t.Errorf("expected 2 unhealthy, got %d", snap.UnhealthyCount())
	}
	byReason := snap.UnhealthyByReason()
	if byReason[ReasonRateLimited] != 1 || byReason[ReasonTimeout] != 1 {
		t.Errorf("unexpected reasons: %v", byReason)
	}
	if snap.Stats.Tiers[TierFree].Classified != 3 {
		t.Errorf("expected 3 classified free models, got %d", snap.Stats.Tiers[TierFree].Classified)
	}
	if _, err := snap.Lookup(TierFree, "a/two:free"); !errors.Is(err, ErrModelNotFound) {
		t.Errorf("unhealthy model should not be found, got %v", err)
	}
}

func TestCache_GenerationIncrementsByOne(t *testing.T) {
	c := NewCache()
	first := c.Publish(Build{BuiltAt: time.Unix(100, 0)})
	second := c.Publish(Build{BuiltAt: time.Unix(200, 0)})

	if first.Generation != 1 || second.Generation != 2 {
		t.Errorf("generations = %d, %d; want 1, 2", first.Generation, second.Generation)
	}
	if !second.PreviousBuiltAt.Equal(time.Unix(100, 0)) {
		t.Errorf("PreviousBuiltAt = %v", second.PreviousBuiltAt)
	}
	cur, err := c.Current()
	if err != nil || cur != second {
		t.Errorf("Current() = %p, %v; want %p", cur, err, second)
	}
}

func TestCache_OldSnapshotUnchangedAfterSwap(t *testing.T) {
	c := NewCache()
	old := c.Publish(Build{Entries: map[Tier][]Entry{TierFree: {healthyEntry("a/x:free")}}})
	c.Publish(Build{Entries: map[Tier][]Entry{TierFree: {healthyEntry("a/y:free"), healthyEntry("a/z:free")}}})

	if old.Count(TierFree) != 1 || old.Models(TierFree)[0].Descriptor.ID != "a/x:free" {
		t.Error("previous snapshot was modified by publish")
	}
}

func TestSnapshot_ModelsReturnsCopy(t *testing.T) {
	c := NewCache()
	snap := c.Publish(Build{Entries: map[Tier][]Entry{TierFree: {healthyEntry("a/x:free")}}})
	models := snap.Models(TierFree)
	models[0].Descriptor.ID = "changed"
	if snap.Models(TierFree)[0].Descriptor.ID != "a/x:free" {
		t.Error("mutating returned slice changed the snapshot")
	}
}

func TestSnapshot_LookupByDisplayID(t *testing.T) {
	c := NewCache()
	snap := c.Publish(Build{Entries: map[Tier][]Entry{TierFree: {healthyEntry("meta-llama/llama-3-8b:free")}}})

	for _, id := range []string{"meta-llama/llama-3-8b:free", "llama-3-8b"} {
		e, err := snap.Lookup(TierFree, id)
		if err != nil {
			t.Errorf("Lookup(%q): %v", id, err)
			continue
		}
		if e.Descriptor.ID != "meta-llama/llama-3-8b:free" {
			t.Errorf("Lookup(%q) = %s", id, e.Descriptor.ID)
		}
	}
	if _, err := snap.Lookup(TierStealth, "llama-3-8b"); !errors.Is(err, ErrModelNotFound) {
		t.Errorf("expected ErrModelNotFound in other tier, got %v", err)
	}
}

func TestCache_ConcurrentReadersSeeConsistentSnapshots(t *testing.T) {
	c := NewCache()
	c.Publish(Build{Entries: map[Tier][]Entry{TierFree: {healthyEntry("a/x:free")}}})

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap, err := c.Current()
				if err != nil {
					t.Error(err)
					return
				}
				// Each build publishes Generation copies of the model.
				if n := snap.Count(TierFree); uint64(n) != snap.Generation {
					t.Errorf("generation %d has %d models", snap.Generation, n)
					return
				}
			}
		}()
	}

	for gen := 2; gen <= 50; gen++ {
		entries := make([]Entry, gen)
		for i := range entries {
			entries[i] = healthyEntry("a/x:free")
		}
		c.Publish(Build{Entries: map[Tier][]Entry{TierFree: entries}})
	}
	close(stop)
	wg.Wait()
}
