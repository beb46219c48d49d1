// Package vaultcat walks a vault root directory and lists the persisted
// .fafreplay artifacts it finds, grounded on the teacher's replay_catalog
// tool but walking internal/vault's directory layout instead of a flat
// header.json tree.
package vaultcat

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"fafsrv/replayserver/internal/vault"
)

// Entry pairs an artifact's on-disk path with its metadata line.
type Entry struct {
	Path     string         `json:"path"`
	Metadata vault.Metadata `json:"metadata"`
}

// List walks root and returns every .fafreplay artifact's metadata, sorted
// by game id.
func List(root string) ([]Entry, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("root directory must be provided")
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root must be a directory")
	}

	var entries []Entry
	//1.- Walk the tree looking for the .fafreplay extension Path writes.
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".fafreplay") {
			return nil
		}
		artifact, err := vault.Load(path)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		entries = append(entries, Entry{Path: path, Metadata: artifact.Metadata})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Metadata.GameID < entries[j].Metadata.GameID
	})
	return entries, nil
}

// MarshalEntries produces a stable JSON representation of the entries for
// CLI output.
func MarshalEntries(entries []Entry) ([]byte, error) {
	return json.MarshalIndent(entries, "", "  ")
}
