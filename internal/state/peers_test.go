package state

import (
	"testing"
	"time"
)

func TestUpsertAndGet(t *testing.T) {
	pt := NewPeerTable()
	pt.Upsert("p1", "Alice", "abc", false)

	got, ok := pt.Get("p1")
	if !ok {
		t.Fatal("peer not found")
	}
	if got.Label != "Alice" || got.AvatarHash != "abc" || got.VideoDisabled {
		t.Fatalf("peer = %+v", got)
	}

	pt.Upsert("p1", "Alice2", "def", true)
	got, _ = pt.Get("p1")
	if got.Label != "Alice2" || !got.VideoDisabled {
		t.Fatalf("upsert did not overwrite: %+v", got)
	}
}

func TestPruneOlderThan(t *testing.T) {
	pt := NewPeerTable()
	pt.Upsert("stale", "Old", "", false)
	pt.Upsert("fresh", "New", "", false)

	// Only "stale" predates the cutoff.
	cutoff := time.Now()
	pt.Upsert("fresh", "New", "", false)
	pt.PruneOlderThan(cutoff.Add(-time.Minute))
	if len(pt.Snapshot()) != 2 {
		t.Fatal("prune removed live peers")
	}

	time.Sleep(5 * time.Millisecond)
	pt.Upsert("fresh", "New", "", false)
	pt.PruneOlderThan(time.Now().Add(-4 * time.Millisecond))

	if _, ok := pt.Get("stale"); ok {
		t.Fatal("stale peer survived prune")
	}
	if _, ok := pt.Get("fresh"); !ok {
		t.Fatal("fresh peer pruned")
	}
}

func TestSubscribeReceivesEvents(t *testing.T) {
	pt := NewPeerTable()
	ch := pt.Subscribe()
	defer pt.Unsubscribe(ch)

	pt.Upsert("p1", "Alice", "", false)
	evt := <-ch
	if evt.Type != "update" || evt.PeerID != "p1" || evt.Peer == nil {
		t.Fatalf("event = %+v", evt)
	}

	pt.Remove("p1")
	evt = <-ch
	if evt.Type != "remove" || evt.PeerID != "p1" {
		t.Fatalf("event = %+v", evt)
	}

	// Removing an unknown peer emits nothing.
	pt.Remove("ghost")
	select {
	case evt := <-ch:
		t.Fatalf("unexpected event %+v", evt)
	default:
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	pt := NewPeerTable()
	pt.Upsert("p1", "Alice", "", false)

	snap := pt.Snapshot()
	delete(snap, "p1")
	if _, ok := pt.Get("p1"); !ok {
		t.Fatal("mutating the snapshot affected the table")
	}
}
