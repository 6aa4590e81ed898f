package mesh

import (
	"testing"
	"time"
)

func TestDeduplicatorFirstSeenThenDuplicate(t *testing.T) {
	d := NewDeduplicator(time.Minute, 10)
	if d.IsDuplicate("a") {
		t.Fatal("first sighting must not be a duplicate")
	}
	if !d.IsDuplicate("a") {
		t.Fatal("second sighting of the same id must be a duplicate")
	}
}

func TestDeduplicatorRecordIgnoresCallerTimestampForEviction(t *testing.T) {
	now := time.Now()
	d := NewDeduplicator(time.Minute, 10)
	d.withClock(func() time.Time { return now })

	ancient := now.Add(-time.Hour)
	d.Record("old-id", ancient)
	d.Cleanup()
	if !d.Contains("old-id") {
		t.Fatal("record must survive an immediately following cleanup regardless of the caller-supplied timestamp")
	}

	d.withClock(func() time.Time { return now.Add(2 * time.Minute) })
	d.Cleanup()
	if d.Contains("old-id") {
		t.Fatal("entry must expire once maxAge has elapsed on the real clock")
	}
}

func TestDeduplicatorCapacityEviction(t *testing.T) {
	now := time.Now()
	d := NewDeduplicator(time.Hour, 4)
	d.withClock(func() time.Time { return now })

	for i := 0; i < 4; i++ {
		d.MarkProcessed(string(rune('a' + i)))
	}
	if !d.Contains("a") {
		t.Fatal("should not have evicted before exceeding capacity")
	}

	d.MarkProcessed("e") // pushes active count to 5, over capacity of 4
	if d.Contains("a") {
		t.Fatal("oldest entry should have been evicted once capacity was exceeded")
	}
	if !d.Contains("e") {
		t.Fatal("newest entry must survive capacity eviction")
	}
}

func TestDeduplicatorMarkProcessedDoesNotCheckFirst(t *testing.T) {
	d := NewDeduplicator(time.Minute, 10)
	d.MarkProcessed("x")
	d.MarkProcessed("x")
	if !d.Contains("x") {
		t.Fatal("expected id to remain tracked")
	}
}

func TestDeduplicatorReset(t *testing.T) {
	d := NewDeduplicator(time.Minute, 10)
	d.MarkProcessed("x")
	d.Reset()
	if d.Contains("x") {
		t.Fatal("reset must clear all tracked ids")
	}
	if d.IsDuplicate("x") {
		t.Fatal("post-reset id must be treated as unseen")
	}
}
