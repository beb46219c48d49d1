package replaycore

import (
	"context"
	"time"
)

// WriterHandle is the producer task's view of one registered writer (the
// external collaborator described in spec.md §4.2): it calls SetHeader
// once, AddData any number of times, then Finish exactly once, as it reads
// bytes off the producer's socket. Every call hops onto the owning
// Replay's single goroutine before touching the WriterStream.
type WriterHandle struct {
	token  Token
	replay *Replay
}

// Token returns the opaque token the Replay assigned this writer.
func (h *WriterHandle) Token() Token { return h.token }

// SetHeader installs the writer's verbatim header bytes, unless the writer
// was already finished by forced_timeout_s.
func (h *WriterHandle) SetHeader(raw []byte) {
	h.replay.do(func() {
		if w, ok := h.replay.writers[h.token]; ok && !w.IsFinished() {
			w.SetHeader(raw)
		}
	})
}

// AddData appends payload bytes read from the producer socket. Bytes that
// arrive after forced_timeout_s has already finished the writer are dropped.
func (h *WriterHandle) AddData(data []byte) {
	h.replay.do(func() {
		if w, ok := h.replay.writers[h.token]; ok && !w.IsFinished() {
			w.AddData(data)
		}
	})
}

// Finish marks the writer finished. The producer task's own contract
// guarantees this runs exactly once; WriterStream.Finish is idempotent
// regardless, since advancing to an equal Finished position is a no-op.
func (h *WriterHandle) Finish() {
	h.replay.do(func() {
		if w, ok := h.replay.writers[h.token]; ok {
			w.Finish()
		}
	})
}

// Replay is the per-game actor tying together WriterStream, CanonicalStream,
// DelayTracker and MergeEngine (spec.md §2's "Replay" object). All mutation
// of shared state happens on one owning goroutine, run by Run; everything
// else (producer tasks, DelayTracker samplers, CanonicalReader tasks) reach
// it only through do, which posts a closure and waits for it to execute.
type Replay struct {
	cmds        chan func()
	delayEvents chan DelayEvent
	done        chan struct{}

	engine       *MergeEngine
	writers      map[Token]*WriterStream
	trackerStops map[Token]chan struct{}
	finished     map[Token]bool
	nextToken    Token
	liveWriters  int

	delayS, sampleMs, updateIntervalMs int
	forcedTimeout, zeroWriterGrace     time.Duration

	now   func() time.Time
	sleep func(time.Duration)

	createdAt     time.Time
	zeroSince     time.Time
	haveZeroSince bool

	finishedAll    bool
	finishedSignal chan struct{}
}

// ReplayConfig collects the tunables that shape one Replay's lifecycle and
// merge behavior, per spec.md §6.
type ReplayConfig struct {
	QuorumSize               int
	StreamComparisonDistance int64
	DelaySeconds             int
	UpdateIntervalMs         int
	ForcedTimeout            time.Duration
	ZeroWriterGrace          time.Duration

	// Now and Sleep are injected for deterministic tests; both default to
	// the real time package when nil.
	Now   func() time.Time
	Sleep func(time.Duration)
}

// NewReplay constructs a Replay with an empty canonical stream and starts
// its lifecycle clock at the supplied Now (or time.Now if unset).
func NewReplay(cfg ReplayConfig) *Replay {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	sampleMs := cfg.UpdateIntervalMs
	if sampleMs <= 0 {
		sampleMs = 1000
	}
	return &Replay{
		cmds:             make(chan func()),
		delayEvents:      make(chan DelayEvent, 32),
		done:             make(chan struct{}),
		engine:           NewMergeEngine(cfg.QuorumSize, cfg.StreamComparisonDistance),
		writers:          make(map[Token]*WriterStream),
		trackerStops:     make(map[Token]chan struct{}),
		finished:         make(map[Token]bool),
		delayS:           cfg.DelaySeconds,
		sampleMs:         sampleMs,
		updateIntervalMs: sampleMs,
		forcedTimeout:    cfg.ForcedTimeout,
		zeroWriterGrace:  cfg.ZeroWriterGrace,
		now:              now,
		sleep:            sleep,
		createdAt:        now(),
		finishedSignal:   make(chan struct{}),
	}
}

// Canonical returns the engine's canonical stream. Read-side access to it
// must still go through a Replay.Borrow-derived closure; see AttachReader.
func (rp *Replay) Canonical() *CanonicalStream { return rp.engine.Canonical() }

// Finished returns a channel closed once finish_all has run.
func (rp *Replay) Finished() <-chan struct{} { return rp.finishedSignal }

// Stats returns a diagnostic snapshot of the merge engine's current state,
// fetched via the owning goroutine like any other read.
func (rp *Replay) Stats() EngineStats {
	var s EngineStats
	rp.do(func() { s = rp.engine.Stats() })
	return s
}

// AttachReader returns a CanonicalReader wired to this Replay's owning
// goroutine, suitable for one spectator connection.
func (rp *Replay) AttachReader() *CanonicalReader {
	return NewCanonicalReader(rp.do)
}

// Borrow posts fn to the owning goroutine and blocks until it has executed,
// for external callers (internal/vault's Persist) that need a synchronous
// touch of state reachable only through this Replay's single goroutine.
func (rp *Replay) Borrow(fn func()) { rp.do(fn) }

// do posts fn to the owning goroutine and blocks until it has executed, or
// until the Replay has stopped running.
func (rp *Replay) do(fn func()) {
	reply := make(chan struct{})
	select {
	case rp.cmds <- func() { fn(); close(reply) }:
	case <-rp.done:
		return
	}
	select {
	case <-reply:
	case <-rp.done:
	}
}

// AddWriter registers a new producer connection and returns its handle. The
// writer's DelayTracker starts immediately, sampling from Start.
func (rp *Replay) AddWriter() *WriterHandle {
	var token Token
	rp.do(func() {
		rp.nextToken++
		token = rp.nextToken
		w := NewWriterStream()
		rp.writers[token] = w
		rp.liveWriters++
		rp.engine.Added(token, w)
		rp.startDelayTracker(token, w)
	})
	return &WriterHandle{token: token, replay: rp}
}

func (rp *Replay) startDelayTracker(token Token, w *WriterStream) {
	stop := make(chan struct{})
	rp.trackerStops[token] = stop
	tracker := NewDelayTracker(token, w, rp.delayS, rp.sampleMs, rp.delayEvents, rp.do, rp.sleep)
	go tracker.Run(stop)
}

// Run drives the actor loop until ctx is cancelled. It must be called from
// its own goroutine.
func (rp *Replay) Run(ctx context.Context) {
	defer close(rp.done)

	interval := time.Duration(rp.updateIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-rp.cmds:
			fn()
		case ev := <-rp.delayEvents:
			rp.handleDelayEvent(ev)
		case <-ticker.C:
			rp.tick()
		}
	}
}

func (rp *Replay) handleDelayEvent(ev DelayEvent) {
	switch ev.Kind {
	case DelayHeaderReady:
		rp.engine.HeaderReady(ev.Token)
	case DelayDataUpdate:
		rp.engine.DataUpdated(ev.Token)
	case DelayFinished:
		rp.engine.Finished(ev.Token)
		rp.stopTracker(ev.Token)
		rp.markWriterFinished(ev.Token)
	}
}

func (rp *Replay) stopTracker(token Token) {
	if stop, ok := rp.trackerStops[token]; ok {
		close(stop)
		delete(rp.trackerStops, token)
	}
}

func (rp *Replay) markWriterFinished(token Token) {
	if rp.finished[token] {
		return
	}
	rp.finished[token] = true
	rp.liveWriters--
}

// tick evaluates the grace-period and forced-timeout rules that decide when
// this Replay calls finish_all, grounded on the teacher's periodic-sweep
// cleaner pattern.
func (rp *Replay) tick() {
	if rp.finishedAll {
		return
	}
	now := rp.now()

	if rp.liveWriters == 0 {
		if !rp.haveZeroSince {
			rp.haveZeroSince = true
			rp.zeroSince = now
		} else if now.Sub(rp.zeroSince) >= rp.zeroWriterGrace {
			rp.finishAll()
			return
		}
	} else {
		rp.haveZeroSince = false
	}

	if rp.forcedTimeout > 0 && now.Sub(rp.createdAt) >= rp.forcedTimeout {
		rp.forceFinishAllWriters()
		rp.finishAll()
	}
}

// forceFinishAllWriters synthesizes a finish for every writer still open
// when forced_timeout_s elapses, so finish_all's precondition (every writer
// finished) holds even though no producer task closed voluntarily. It
// replays the same final sequence DelayTracker.Run would have produced on a
// voluntary finish (SetDelayedPosition to the writer's length, a DataUpdate,
// then Finished), since the engine's Quorum exit depends on the delayed
// cursor actually reaching the writer's length, not merely on Finish being
// called.
func (rp *Replay) forceFinishAllWriters() {
	for token, w := range rp.writers {
		if w.IsFinished() {
			continue
		}
		w.Finish()
		w.SetDelayedPosition(int64(w.Len()))
		rp.engine.DataUpdated(token)
		rp.engine.Finished(token)
		rp.stopTracker(token)
		rp.markWriterFinished(token)
	}
}

func (rp *Replay) finishAll() {
	if rp.finishedAll {
		return
	}
	rp.finishedAll = true
	rp.engine.FinishAll()
	close(rp.finishedSignal)
}
