package replaycore

import (
	"bytes"
	"sort"

	"fafsrv/replayserver/internal/streampos"
)

// engineMode is the MergeEngine's mode tag. Per spec.md's design notes, the
// two modes are represented as a sum type with mode-specific data rather
// than as a class hierarchy: transitions swap the data wholesale.
type engineMode int

const (
	modeStalemate engineMode = iota
	modeQuorum
)

type writerEntry struct {
	token        Token
	w            *WriterStream
	matchedBytes int64
}

type classKind int

const (
	classMatchByte   classKind = iota // r ~ C, and r has a committed byte beyond |C|
	classMatchNoByte                  // r ~ C, r.len == |C|, not finished: may grow later
	classMatchDone                    // r ~ C, r.len == |C|, finished: nothing more to give
	classShort                        // r ? C
	classDiverged                     // r !~ C
)

// MergeEngine implements spec.md §4.4: it owns the canonical stream and
// combines concurrent writers into it via alternating Stalemate and Quorum
// modes, re-verifying matches with a bounded tail comparison rather than
// the full prefix on every step.
type MergeEngine struct {
	canonical   *CanonicalStream
	cmpDistance int64
	quorumSize  int

	delayedSeen bool
	entries     map[Token]*writerEntry

	mode engineMode

	// Stalemate data model (spec.md §4.4.1). Valid only while mode ==
	// modeStalemate, rebuilt from scratch on every event while in that mode.
	candidates map[byte]map[Token]struct{}

	// Reserve is shared across both modes: short/no-byte writers in
	// Stalemate, and writers bumped out of Q (or newly added) in Quorum.
	reserve map[Token]struct{}

	// Quorum data model (spec.md §4.4.2). Valid only while mode ==
	// modeQuorum.
	q           map[Token]struct{}
	divergedAtP bool
}

// NewMergeEngine constructs an engine with an empty canonical stream, per
// the configured quorum size and comparison distance (spec.md §6).
func NewMergeEngine(quorumSize int, cmpDistance int64) *MergeEngine {
	return &MergeEngine{
		canonical:   NewCanonicalStream(),
		cmpDistance: cmpDistance,
		quorumSize:  quorumSize,
		entries:     make(map[Token]*writerEntry),
		mode:        modeStalemate,
		candidates:  make(map[byte]map[Token]struct{}),
		reserve:     make(map[Token]struct{}),
	}
}

// Canonical returns the engine's canonical stream.
func (e *MergeEngine) Canonical() *CanonicalStream { return e.canonical }

// Added registers a newly connected writer. Classification is deferred to
// the next stabilization pass; a fresh writer always starts in Reserve.
func (e *MergeEngine) Added(token Token, w *WriterStream) {
	e.entries[token] = &writerEntry{token: token, w: w}
	e.reserve[token] = struct{}{}
	e.afterEvent()
}

// HeaderReady accepts the first header_ready event it ever sees (spec.md
// §4.4.4): it takes that writer's header as the canonical header. Later
// calls, for other writers, are no-ops once a header is installed.
func (e *MergeEngine) HeaderReady(token Token) {
	if ent, ok := e.entries[token]; ok && !e.canonical.HasHeader() {
		if raw, ok := ent.w.TakeHeader(); ok {
			e.canonical.SetHeader(raw)
		}
	}
	e.afterEvent()
}

// DataUpdated notes that token's writer has more data (and/or a new sampled
// delayed position) since the last event.
func (e *MergeEngine) DataUpdated(token Token) {
	e.delayedSeen = true
	e.afterEvent()
}

// Finished notes that token's writer has reached Finished. No special
// bookkeeping is needed here: classification re-reads the writer's current
// (now terminal) position on the next stabilization pass.
func (e *MergeEngine) Finished(token Token) {
	e.afterEvent()
}

// FinishAll is called exactly once, after every writer has finished. Per
// spec.md §4.4.5 the engine must at this point be in Stalemate mode with
// both Candidates and Reserve empty; that is an invariant guaranteed by the
// normal event flow, not a condition the caller can violate through
// ordinary use, so a violation here indicates a programming error.
func (e *MergeEngine) FinishAll() {
	if e.mode != modeStalemate || len(e.reserve) != 0 || !e.candidatesEmpty() {
		panic("replaycore: finish_all called outside an empty stalemate state")
	}
	e.canonical.AdvanceDelayed(streampos.DataPos(int64(e.canonical.Len())))
	e.canonical.Finish()
}

func (e *MergeEngine) candidatesEmpty() bool {
	for _, set := range e.candidates {
		if len(set) > 0 {
			return false
		}
	}
	return true
}

func (e *MergeEngine) afterEvent() {
	e.stabilize()
	e.applyMemoryBounds()
}

// stabilize runs the state-stabilization routine (spec.md §4.4.3): while the
// current mode's transition predicate holds, swap modes. Each mode's
// per-event maintenance (reclassification, or a merge step) runs on every
// pass, including passes entered via an internal mode swap — entering
// Quorum always gets its "immediate merge step" for free this way, and
// entering Stalemate always gets its reclassification for free.
func (e *MergeEngine) stabilize() {
	for {
		switch e.mode {
		case modeStalemate:
			e.reclassifyStalemateSet()
			if !e.tryResolveStalemate() {
				return
			}
		case modeQuorum:
			e.mergeStep()
			if !e.tryExitQuorum() {
				return
			}
		}
	}
}

// reclassifyStalemateSet rebuilds Candidates and Reserve from the tokens
// currently tracked in either set (plus, after a quorum exit, the former Q
// members merged into Reserve), discarding and dropping any writer found to
// have diverged or finished short.
func (e *MergeEngine) reclassifyStalemateSet() {
	tokens := make(map[Token]struct{}, len(e.reserve))
	for tok := range e.reserve {
		tokens[tok] = struct{}{}
	}
	for _, set := range e.candidates {
		for tok := range set {
			tokens[tok] = struct{}{}
		}
	}

	newCandidates := make(map[byte]map[Token]struct{})
	newReserve := make(map[Token]struct{})

	for tok := range tokens {
		ent, ok := e.entries[tok]
		if !ok {
			continue
		}
		switch e.classify(ent) {
		case classMatchByte:
			b, _ := ent.w.ByteAt(e.canonical.Len())
			if newCandidates[b] == nil {
				newCandidates[b] = make(map[Token]struct{})
			}
			newCandidates[b][tok] = struct{}{}
		case classMatchNoByte, classShort:
			newReserve[tok] = struct{}{}
		case classMatchDone, classDiverged:
			ent.w.DiscardAll()
			delete(e.entries, tok)
		}
	}

	e.candidates = newCandidates
	e.reserve = newReserve
}

// classify partitions a writer relative to the canonical stream, per
// spec.md §4.4's match/short/diverge definitions.
func (e *MergeEngine) classify(ent *writerEntry) classKind {
	cLen := int64(e.canonical.Len())
	wLen := int64(ent.w.Len())
	if wLen < cLen {
		if ent.w.IsFinished() {
			return classDiverged // finished-short
		}
		return classShort
	}
	if !e.checkMatch(ent, cLen) {
		return classDiverged
	}
	if wLen > cLen {
		return classMatchByte
	}
	if ent.w.IsFinished() {
		return classMatchDone // matched fully and has nothing more to ever give
	}
	return classMatchNoByte
}

// checkMatch implements the §4.4 shortcut: rather than re-comparing the
// writer's entire prefix against the canonical stream, it compares only the
// trailing cmp_distance-byte window ending at cLen. Because canonical data
// only ever grows by agreement among writers that already passed this same
// check, the window subsumes whatever new bytes were appended since the
// last check whenever the increment is smaller than cmp_distance. The
// window never starts below the writer's discard threshold: bytes there
// were already confirmed (applyMemoryBounds discards only up to
// max(matched_bytes, |C| - cmp_distance)) and can no longer be read.
func (e *MergeEngine) checkMatch(ent *writerEntry, cLen int64) bool {
	if cLen == 0 {
		return true
	}
	lo := cLen - e.cmpDistance
	if lo < 0 {
		lo = 0
	}
	if d := int64(ent.w.buf.Discarded()); lo < d {
		lo = d
	}
	if lo >= cLen {
		return true
	}
	return bytes.Equal(ent.w.ReadRange(int(lo), int(cLen)), e.canonical.ReadRange(int(lo), int(cLen)))
}

// canResolveStalemate reports whether §4.4.1's resolution precondition
// holds.
func (e *MergeEngine) canResolveStalemate() bool {
	if !e.delayedSeen {
		return false
	}
	if len(e.candidates) == 0 {
		return false
	}
	if len(e.reserve) == 0 {
		return true
	}
	for _, set := range e.candidates {
		if len(set) >= e.quorumSize {
			return true
		}
	}
	return false
}

// tryResolveStalemate resolves the stalemate if possible, appending exactly
// one byte to the canonical stream and transitioning to Quorum mode.
func (e *MergeEngine) tryResolveStalemate() bool {
	if !e.canResolveStalemate() {
		return false
	}

	winner := e.pickWinningByte()
	winningGroup := e.candidates[winner]

	e.canonical.AppendData([]byte{winner})
	newLen := int64(e.canonical.Len())

	for tok := range winningGroup {
		e.entries[tok].matchedBytes = newLen
	}
	for b, set := range e.candidates {
		if b == winner {
			continue
		}
		for tok := range set {
			e.entries[tok].w.DiscardAll()
			delete(e.entries, tok)
		}
	}

	e.enterQuorum(winningGroup)
	return true
}

// pickWinningByte selects the byte whose candidate group is largest,
// breaking ties by the longest writer in the group, then by byte value
// (spec.md §9 notes this tie-break is not load-bearing for correctness).
func (e *MergeEngine) pickWinningByte() byte {
	var best byte
	bestSize := -1
	var bestLen int64 = -1
	first := true

	for b, set := range e.candidates {
		size := len(set)
		var maxLen int64 = -1
		for tok := range set {
			if l := int64(e.entries[tok].w.Len()); l > maxLen {
				maxLen = l
			}
		}
		switch {
		case first:
			best, bestSize, bestLen, first = b, size, maxLen, false
		case size > bestSize:
			best, bestSize, bestLen = b, size, maxLen
		case size == bestSize && maxLen > bestLen:
			best, bestSize, bestLen = b, size, maxLen
		case size == bestSize && maxLen == bestLen && b > best:
			best = b
		}
	}
	return best
}

// enterQuorum builds Q from the winning candidate group (longest writers
// first, capped at quorum_size, remainder pushed into Reserve) per §4.4.2.
func (e *MergeEngine) enterQuorum(group map[Token]struct{}) {
	tokens := make([]Token, 0, len(group))
	for tok := range group {
		tokens = append(tokens, tok)
	}
	sort.Slice(tokens, func(i, j int) bool {
		li, lj := e.entries[tokens[i]].w.Len(), e.entries[tokens[j]].w.Len()
		if li != lj {
			return li > lj
		}
		return tokens[i] < tokens[j]
	})

	q := make(map[Token]struct{})
	for i, tok := range tokens {
		if i < e.quorumSize {
			q[tok] = struct{}{}
		} else {
			e.reserve[tok] = struct{}{}
		}
	}

	e.candidates = nil
	e.q = q
	e.divergedAtP = false
	e.mode = modeQuorum
}

// mergeStep extends the canonical stream by the longest common prefix
// across Q (starting at the current canonical length), per §4.4.2. Once a
// genuine disagreement is found (some Q member's data extends past the
// computed extension point), no further merge is attempted until the next
// time this Replay enters Quorum afresh.
func (e *MergeEngine) mergeStep() {
	if len(e.q) == 0 || e.divergedAtP {
		e.recomputeDelayedCursor()
		return
	}

	p := int64(e.canonical.Len())
	for {
		var b byte
		first := true
		consistent := true
		for tok := range e.q {
			cb, ok := e.entries[tok].w.ByteAt(int(p))
			if !ok {
				consistent = false
				break
			}
			if first {
				b, first = cb, false
			} else if cb != b {
				consistent = false
			}
		}
		if !consistent {
			break
		}
		e.canonical.AppendData([]byte{b})
		p++
	}

	newLen := int64(e.canonical.Len())
	for tok := range e.q {
		e.entries[tok].matchedBytes = newLen
	}
	for tok := range e.q {
		if int64(e.entries[tok].w.Len()) > p {
			e.divergedAtP = true
			break
		}
	}

	e.recomputeDelayedCursor()
}

// recomputeDelayedCursor enforces the Quorum invariant: canonical.delayed ==
// min(canonical.data.len, min over Q of writer.delayed).
func (e *MergeEngine) recomputeDelayedCursor() {
	if len(e.q) == 0 {
		return
	}
	var minDelayed int64 = -1
	for tok := range e.q {
		d := e.entries[tok].w.DelayedPosition()
		if minDelayed < 0 || d < minDelayed {
			minDelayed = d
		}
	}
	if minDelayed < 0 {
		minDelayed = 0
	}
	if dataLen := int64(e.canonical.Len()); minDelayed > dataLen {
		minDelayed = dataLen
	}
	e.canonical.AdvanceDelayed(streampos.DataPos(minDelayed))
}

// tryExitQuorum reports and, if true, executes the §4.4.2 transition-out
// rule: once the delayed cursor has caught up to the canonical data length,
// the engine must return to Stalemate.
func (e *MergeEngine) tryExitQuorum() bool {
	if e.canonical.DelayedLen() < int64(e.canonical.Len()) {
		return false
	}
	for tok := range e.q {
		e.reserve[tok] = struct{}{}
	}
	e.q = nil
	e.divergedAtP = false
	e.mode = modeStalemate
	e.candidates = make(map[byte]map[Token]struct{})
	return true
}

// applyMemoryBounds discards each currently-matching writer's buffer up to
// max(matched_bytes, |C| - cmp_distance), per spec.md §5's memory bound.
func (e *MergeEngine) applyMemoryBounds() {
	cLen := int64(e.canonical.Len())
	floor := cLen - e.cmpDistance
	if floor < 0 {
		floor = 0
	}

	discard := func(tok Token) {
		ent, ok := e.entries[tok]
		if !ok {
			return
		}
		until := ent.matchedBytes
		if floor > until {
			until = floor
		}
		if wLen := int64(ent.w.Len()); until > wLen {
			until = wLen
		}
		if until < 0 {
			until = 0
		}
		ent.w.Discard(int(until))
	}

	switch e.mode {
	case modeStalemate:
		for _, set := range e.candidates {
			for tok := range set {
				discard(tok)
			}
		}
	case modeQuorum:
		for tok := range e.q {
			discard(tok)
		}
	}
}
