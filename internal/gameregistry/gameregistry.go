// Package gameregistry maps a decimal game id, as parsed by
// internal/handshake, to the internal/replaycore.Replay actor aggregating
// that game's writers. A Replay is created lazily on the first producer
// connection and pruned once it has finished and a grace period has
// elapsed, so long-running servers do not accumulate one goroutine per game
// ever played.
package gameregistry

import (
	"context"
	"sync"
	"time"

	"fafsrv/replayserver/internal/logging"
	"fafsrv/replayserver/internal/replaycore"
	"fafsrv/replayserver/internal/replayerr"
	"fafsrv/replayserver/internal/vault"
)

// Config collects the per-Replay tunables new games are started with, per
// spec.md §6.
type Config struct {
	QuorumSize               int
	StreamComparisonDistance int64
	DelaySeconds             int
	UpdateIntervalMs         int
	ForcedTimeout            time.Duration
	ZeroWriterGrace          time.Duration

	Now   func() time.Time
	Sleep func(time.Duration)
}

// Option configures optional Registry behavior at construction time.
type Option func(*Registry)

// WithClock overrides the registry's own wall-clock time source, used for
// the retention sweep's "has this finished game sat idle long enough to
// drop" decision. It does not affect a Replay's internal clock, which is
// injected separately through Config.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithVaultRoot enables automatic persistence: once a game's Replay
// finishes, its canonical stream is written to root via internal/vault.
// Persistence failures are logged and otherwise ignored, since a vault write
// must never affect a live game's lifecycle.
func WithVaultRoot(root string, logger *logging.Logger) Option {
	return func(r *Registry) {
		r.vaultRoot = root
		if logger != nil {
			r.logger = logger
		}
	}
}

type game struct {
	replay        *replaycore.Replay
	cancel        context.CancelFunc
	finishedAt    time.Time
	hasFinishedAt bool
}

// Registry owns the id -> Replay map for every game this process has ever
// seen a producer for.
type Registry struct {
	mu    sync.RWMutex
	cfg   Config
	games map[uint64]*game
	now   func() time.Time

	// retention is how long a finished Replay is kept reachable (so a
	// straggler consumer can still attach and drain the canonical stream)
	// before the registry drops its last reference and lets it be
	// garbage-collected.
	retention time.Duration

	vaultRoot string
	logger    *logging.Logger
}

// New constructs an empty Registry. retention bounds how long a finished
// game's Replay is kept around for late-attaching readers; zero means
// "prune immediately at the next sweep".
func New(cfg Config, retention time.Duration, opts ...Option) *Registry {
	r := &Registry{
		cfg:       cfg,
		games:     make(map[uint64]*game),
		now:       time.Now,
		retention: retention,
		logger:    logging.L(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddWriter returns the WriterHandle for a new producer connection on
// gameID, starting that game's Replay if this is the first producer ever
// seen for it.
func (r *Registry) AddWriter(gameID uint64) *replaycore.WriterHandle {
	g := r.getOrCreate(gameID)
	return g.replay.AddWriter()
}

// AttachReader returns a CanonicalReader for an existing game's canonical
// stream, along with the Replay itself (for Canonical()/Finished()). It
// returns a NoReplay error if no producer has ever registered gameID,
// matching spec.md §7's "consumer asked for a game id that no producer has
// ever started".
func (r *Registry) AttachReader(gameID uint64) (*replaycore.CanonicalReader, *replaycore.Replay, error) {
	r.mu.RLock()
	g, ok := r.games[gameID]
	r.mu.RUnlock()
	if !ok {
		return nil, nil, replayerr.New(replayerr.NoReplay, "no producer has ever started this game")
	}
	return g.replay.AttachReader(), g.replay, nil
}

func (r *Registry) getOrCreate(gameID uint64) *game {
	r.mu.Lock()
	defer r.mu.Unlock()

	if g, ok := r.games[gameID]; ok {
		return g
	}

	rc := replaycore.ReplayConfig{
		QuorumSize:               r.cfg.QuorumSize,
		StreamComparisonDistance: r.cfg.StreamComparisonDistance,
		DelaySeconds:             r.cfg.DelaySeconds,
		UpdateIntervalMs:         r.cfg.UpdateIntervalMs,
		ForcedTimeout:            r.cfg.ForcedTimeout,
		ZeroWriterGrace:          r.cfg.ZeroWriterGrace,
		Now:                      r.cfg.Now,
		Sleep:                    r.cfg.Sleep,
	}
	replay := replaycore.NewReplay(rc)
	ctx, cancel := context.WithCancel(context.Background())
	g := &game{replay: replay, cancel: cancel}
	r.games[gameID] = g
	go replay.Run(ctx)
	if r.vaultRoot != "" {
		go r.persistWhenFinished(ctx, gameID, replay)
	}
	return g
}

// persistWhenFinished waits for replay to reach finish_all, then writes its
// canonical stream to the vault. It returns early without persisting if ctx
// is cancelled first (process shutdown or the game being pruned), since a
// cancelled Replay's canonical stream may never have reached Finished.
func (r *Registry) persistWhenFinished(ctx context.Context, gameID uint64, replay *replaycore.Replay) {
	select {
	case <-replay.Finished():
	case <-ctx.Done():
		return
	}
	if err := vault.Persist(ctx, r.vaultRoot, gameID, replay.Canonical(), replay.Borrow, r.now); err != nil {
		r.logger.Warn("vault persist failed",
			logging.Int64("game_id", int64(gameID)),
			logging.Error(err))
	}
}

// Sweep prunes every registered game whose Replay finished at least
// retention ago. Grounded on the teacher's replay.Cleaner: one pass that
// reads each entry's state and removes expired ones, holding the registry's
// write lock for the whole pass, so producer/consumer lookups wait until the
// sweep ends.
func (r *Registry) Sweep() {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, g := range r.games {
		select {
		case <-g.replay.Finished():
		default:
			continue // still running, never a sweep candidate
		}
		if !g.hasFinishedAt {
			g.hasFinishedAt = true
			g.finishedAt = now
			continue // give at least one sweep interval to any late reader
		}
		if now.Sub(g.finishedAt) < r.retention {
			continue
		}
		g.cancel()
		delete(r.games, id)
	}
}

// Run performs an eager sweep, then sweeps again every interval until ctx
// is cancelled, at which point every remaining game's Replay is cancelled.
// Mirrors the teacher's Cleaner.Run: eager first pass, ticker-driven
// repeats, unconditional cleanup on exit.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	r.Sweep()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.shutdownAll()
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

func (r *Registry) shutdownAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, g := range r.games {
		g.cancel()
		delete(r.games, id)
	}
}

// Len reports the number of currently tracked games, for tests and the
// admin diagnostics surface.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.games)
}

// GameIDs returns every game id currently tracked, for the admin surface's
// replay listing. Order is unspecified.
func (r *Registry) GameIDs() []uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]uint64, 0, len(r.games))
	for id := range r.games {
		ids = append(ids, id)
	}
	return ids
}

// Stats returns a diagnostic snapshot of gameID's merge engine without
// attaching a new reader, for the admin diagnostics endpoint. It reports
// NoReplay if no producer has ever registered gameID.
func (r *Registry) Stats(gameID uint64) (replaycore.EngineStats, error) {
	r.mu.RLock()
	g, ok := r.games[gameID]
	r.mu.RUnlock()
	if !ok {
		return replaycore.EngineStats{}, replayerr.New(replayerr.NoReplay, "no producer has ever started this game")
	}
	return g.replay.Stats(), nil
}
