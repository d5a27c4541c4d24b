package health

import (
	"testing"
	"time"
)

func TestRenderDominantFlag(t *testing.T) {
	tr := New(nil)
	if got := tr.Render(); got != "INIT" {
		t.Fatalf("expected INIT, got %s", got)
	}

	tr.Set(FlagRunning)
	tr.Set(FlagLoaded)
	if got := tr.Render(); got != "LOADED" {
		t.Fatalf("expected LOADED to dominate, got %s", got)
	}
}

func TestBlockedRendersCountdown(t *testing.T) {
	tr := New(nil)
	tr.SetBlockedFor(90 * time.Second)

	got := tr.Render()
	if got != "Blocked for 01:30" {
		t.Fatalf("expected countdown format, got %q", got)
	}
}

func TestBlockedExpires(t *testing.T) {
	tr := New(nil)
	tr.SetBlockedFor(1 * time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	if tr.Has(FlagBlocked) {
		t.Fatal("expected FlagBlocked to self-clear once the deadline passes")
	}
}

func TestClearFlag(t *testing.T) {
	tr := New(nil)
	tr.Set(FlagUpdates)
	if !tr.Has(FlagUpdates) {
		t.Fatal("expected FlagUpdates to be set")
	}
	tr.Clear(FlagUpdates)
	if tr.Has(FlagUpdates) {
		t.Fatal("expected FlagUpdates to be cleared")
	}
}
