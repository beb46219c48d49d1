// Package diag produces the admin-only diagnostic export for one replay: a
// JSON encoding of its merge engine's current state (mode, candidate/reserve
// group sizes, per-writer matched-byte counts), snappy-compressed so it
// stays small even for a game with dozens of concurrent producers. Grounded
// on the teacher's own use of golang/snappy as a framing codec for
// high-frequency, highly-repetitive data (internal/replay/writer.go's
// eventStream).
package diag

import (
	"encoding/json"
	"fmt"

	"github.com/golang/snappy"

	"fafsrv/replayserver/internal/replaycore"
)

// Dump snapshots stats as JSON and snappy-compresses it.
func Dump(stats replaycore.EngineStats) ([]byte, error) {
	raw, err := json.Marshal(stats)
	if err != nil {
		return nil, fmt.Errorf("diag: encode stats: %w", err)
	}
	return snappy.Encode(nil, raw), nil
}

// Load reverses Dump, for tests and the vaultcat-style tooling that may want
// to inspect a captured dump offline.
func Load(compressed []byte) (replaycore.EngineStats, error) {
	raw, err := snappy.Decode(nil, compressed)
	if err != nil {
		return replaycore.EngineStats{}, fmt.Errorf("diag: decompress dump: %w", err)
	}
	var stats replaycore.EngineStats
	if err := json.Unmarshal(raw, &stats); err != nil {
		return replaycore.EngineStats{}, fmt.Errorf("diag: decode stats: %w", err)
	}
	return stats, nil
}
