package gameregistry

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"fafsrv/replayserver/internal/replayerr"
	"fafsrv/replayserver/internal/vault"
)

func fakeClock() func() time.Time {
	base := time.Unix(0, 0)
	var calls int64
	return func() time.Time {
		n := atomic.AddInt64(&calls, 1)
		return base.Add(time.Duration(n) * time.Second)
	}
}

func TestRegistryAttachReaderUnknownGameIsNoReplay(t *testing.T) {
	reg := New(Config{QuorumSize: 1, StreamComparisonDistance: 4096, UpdateIntervalMs: 1000}, time.Minute)
	_, _, err := reg.AttachReader(999)
	if !replayerr.Is(err, replayerr.NoReplay) {
		t.Fatalf("error = %v, want NoReplay", err)
	}
}

func TestRegistryAddWriterThenAttachReader(t *testing.T) {
	cfg := Config{QuorumSize: 1, StreamComparisonDistance: 4096, UpdateIntervalMs: 5}
	reg := New(cfg, time.Minute)

	h := reg.AddWriter(100)
	h.SetHeader([]byte("H"))
	h.AddData([]byte{1, 2, 3})
	h.Finish()

	reader, replay, err := reg.AttachReader(100)
	if err != nil {
		t.Fatalf("AttachReader error: %v", err)
	}
	if reader == nil || replay == nil {
		t.Fatalf("expected a non-nil reader and replay")
	}

	select {
	case <-replay.Finished():
	case <-time.After(2 * time.Second):
		t.Fatalf("replay for game 100 never finished")
	}
	if reg.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 before any sweep", reg.Len())
	}
}

// A game constructed with WithVaultRoot writes a .fafreplay artifact once
// its Replay finishes, without any explicit caller action.
func TestRegistryWithVaultRootPersistsOnFinish(t *testing.T) {
	root := t.TempDir()
	cfg := Config{QuorumSize: 1, StreamComparisonDistance: 4096, UpdateIntervalMs: 5}
	reg := New(cfg, time.Minute, WithVaultRoot(root, nil))

	h := reg.AddWriter(55)
	h.SetHeader([]byte("HDR"))
	h.AddData([]byte{9, 9, 9})
	h.Finish()

	_, replay, err := reg.AttachReader(55)
	if err != nil {
		t.Fatalf("AttachReader error: %v", err)
	}
	select {
	case <-replay.Finished():
	case <-time.After(2 * time.Second):
		t.Fatalf("replay for game 55 never finished")
	}

	path := vault.Path(root, 55)
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(path); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("vault artifact %s was never written", path)
		}
		time.Sleep(10 * time.Millisecond)
	}

	artifact, err := vault.Load(path)
	if err != nil {
		t.Fatalf("vault.Load: %v", err)
	}
	if string(artifact.Header) != "HDR" {
		t.Fatalf("unexpected header %q", artifact.Header)
	}
	if filepath.Base(path) != "55.fafreplay" {
		t.Fatalf("unexpected artifact path %s", path)
	}
}

// A finished game's Replay is kept reachable for at least one sweep
// interval after it finishes, then pruned.
func TestRegistrySweepPrunesFinishedGameAfterRetention(t *testing.T) {
	cfg := Config{
		QuorumSize:               1,
		StreamComparisonDistance: 4096,
		UpdateIntervalMs:         5,
		ZeroWriterGrace:          time.Second,
		Now:                      fakeClock(),
	}
	reg := New(cfg, 0)

	h := reg.AddWriter(7)
	h.SetHeader([]byte("H"))
	h.Finish()

	_, replay, err := reg.AttachReader(7)
	if err != nil {
		t.Fatalf("AttachReader error: %v", err)
	}
	select {
	case <-replay.Finished():
	case <-time.After(2 * time.Second):
		t.Fatalf("replay for game 7 never finished")
	}

	reg.Sweep() // first sweep: records finishedAt, does not remove yet
	if reg.Len() != 1 {
		t.Fatalf("Len() = %d after first sweep, want 1 (grace sweep)", reg.Len())
	}

	reg.Sweep() // second sweep: retention (0) has elapsed, game is pruned
	if reg.Len() != 0 {
		t.Fatalf("Len() = %d after second sweep, want 0", reg.Len())
	}

	if _, _, err := reg.AttachReader(7); !replayerr.Is(err, replayerr.NoReplay) {
		t.Fatalf("error = %v, want NoReplay after pruning", err)
	}
}

// A game that is still running (no writers have finished it) must never be
// swept, regardless of how many sweeps run.
func TestRegistrySweepLeavesLiveGameAlone(t *testing.T) {
	cfg := Config{QuorumSize: 2, StreamComparisonDistance: 4096, UpdateIntervalMs: 1000}
	reg := New(cfg, 0)

	reg.AddWriter(1) // never finished: QuorumSize 2 with a single live writer

	reg.Sweep()
	reg.Sweep()
	if reg.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 (live game must survive sweeps)", reg.Len())
	}
}

// Cancelling Run's context tears down every tracked game's Replay goroutine,
// regardless of whether it had finished on its own.
func TestRegistryRunShutsDownOnContextCancel(t *testing.T) {
	cfg := Config{QuorumSize: 2, StreamComparisonDistance: 4096, UpdateIntervalMs: 1000}
	reg := New(cfg, time.Hour)
	reg.AddWriter(1)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		reg.Run(ctx, 5*time.Millisecond)
		close(runDone)
	}()

	cancel()
	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after context cancellation")
	}
	if reg.Len() != 0 {
		t.Fatalf("Len() = %d after shutdown, want 0", reg.Len())
	}
}
