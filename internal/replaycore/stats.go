package replaycore

import "sort"

// WriterStat is one writer's diagnostic snapshot, for internal/diag.
type WriterStat struct {
	Token        Token  `json:"token"`
	Position     string `json:"position"`
	MatchedBytes int64  `json:"matched_bytes"`
	Finished     bool   `json:"finished"`
}

// EngineStats is a read-only snapshot of a MergeEngine's current state,
// consumed by the admin diagnostics surface. It is assembled fresh on every
// call rather than kept live, since diagnostics are pulled rarely compared
// to how often the engine's state actually changes.
type EngineStats struct {
	Mode              string       `json:"mode"`
	CandidateCount    int          `json:"candidate_count"`
	ReserveCount      int          `json:"reserve_count"`
	QuorumCount       int          `json:"quorum_count"`
	CanonicalLen      int          `json:"canonical_len"`
	CanonicalFinished bool         `json:"canonical_finished"`
	Writers           []WriterStat `json:"writers"`
}

// Stats snapshots the engine's state. Callers must invoke it only through
// the owning Replay's do/borrow, same as any other MergeEngine access.
func (e *MergeEngine) Stats() EngineStats {
	candidateCount := 0
	for _, set := range e.candidates {
		candidateCount += len(set)
	}

	modeName := "stalemate"
	if e.mode == modeQuorum {
		modeName = "quorum"
	}

	writers := make([]WriterStat, 0, len(e.entries))
	for tok, ent := range e.entries {
		writers = append(writers, WriterStat{
			Token:        tok,
			Position:     ent.w.Position().String(),
			MatchedBytes: ent.matchedBytes,
			Finished:     ent.w.IsFinished(),
		})
	}
	sort.Slice(writers, func(i, j int) bool { return writers[i].Token < writers[j].Token })

	return EngineStats{
		Mode:              modeName,
		CandidateCount:    candidateCount,
		ReserveCount:      len(e.reserve),
		QuorumCount:       len(e.q),
		CanonicalLen:      e.canonical.Len(),
		CanonicalFinished: e.canonical.IsFinished(),
		Writers:           writers,
	}
}
