// Package vaultplay rehydrates a persisted .fafreplay artifact for
// inspection, grounded on the teacher's replay_player tool but decoding
// internal/vault's metadata-line-plus-zstd-payload framing and
// internal/replaycore's binary header layout instead of the teacher's
// manifest/events/frames bundle.
package vaultplay

import (
	"bytes"
	"fmt"

	"fafsrv/replayserver/internal/replaycore"
	"fafsrv/replayserver/internal/vault"
)

// Bundle is a persisted replay rehydrated for display: its metadata line,
// structurally parsed header fields, and the length of its delayed data.
type Bundle struct {
	Metadata   vault.Metadata          `json:"metadata"`
	Header     replaycore.HeaderFields `json:"header"`
	DataLength int                     `json:"data_length"`
}

// Load reads path's artifact and parses its verbatim header bytes into
// structured fields.
func Load(path string) (Bundle, error) {
	if path == "" {
		return Bundle{}, fmt.Errorf("path is required")
	}

	artifact, err := vault.Load(path)
	if err != nil {
		return Bundle{}, err
	}

	_, fields, err := replaycore.ParseHeader(bytes.NewReader(artifact.Header))
	if err != nil {
		return Bundle{}, fmt.Errorf("vaultplay: parse header: %w", err)
	}

	return Bundle{
		Metadata:   artifact.Metadata,
		Header:     fields,
		DataLength: len(artifact.Data),
	}, nil
}
