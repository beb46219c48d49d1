// Package vault persists a finished game's canonical replay to disk, per
// spec.md §6: one JSON metadata line, a newline, then a zstd-compressed
// payload of the header bytes followed by the data bytes. The on-disk
// location is derived purely from the game id, so no separate index is
// needed to find an artifact later.
package vault

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"fafsrv/replayserver/internal/replaycore"
)

// Metadata is the single JSON line written at the start of every persisted
// artifact, ahead of the compressed payload.
type Metadata struct {
	GameID       uint64 `json:"game_id"`
	CreatedAt    string `json:"created_at"`
	HeaderLength int    `json:"header_length"`
	DataLength   int    `json:"data_length"`
}

// Path computes the on-disk location for gameID's persisted artifact, per
// spec.md §6's directory-layout algorithm: zero-pad the decimal id to 10
// digits, drop the last two (rightmost) digits, take the first four 2-digit
// chunks of what remains from the most significant end, strip each chunk's
// leading zero, and join the chunks as path segments under root. The filename is
// the undecorated decimal id with a .fafreplay extension.
func Path(root string, gameID uint64) string {
	padded := fmt.Sprintf("%010d", gameID)
	prefix := padded
	if len(prefix) > 2 {
		prefix = prefix[:len(prefix)-2]
	}

	segs := make([]string, 0, len(prefix)/2+2)
	for i := 0; i+1 < len(prefix) && len(segs) < 4; i += 2 {
		chunk := strings.TrimLeft(prefix[i:i+2], "0")
		if chunk == "" {
			chunk = "0"
		}
		segs = append(segs, chunk)
	}
	segs = append(segs, fmt.Sprintf("%d.fafreplay", gameID))
	return filepath.Join(append([]string{root}, segs...)...)
}

// Persist drains canonical's header and data bytes through a CanonicalReader
// (never touching canonical's fields directly) into a zstd encoder backed
// by an in-memory buffer, then, once the reader returns because canonical
// reached Finished, writes the completed artifact to Path(root, gameID):
// the JSON metadata line, a newline, and the compressed payload.
//
// If ctx is cancelled before canonical finishes, Persist writes nothing and
// returns ctx.Err(): a partial artifact with a metadata line describing
// lengths that were never actually reached would be worse than no artifact.
func Persist(ctx context.Context, root string, gameID uint64, canonical *replaycore.CanonicalStream, borrow func(func()), now func() time.Time) error {
	if now == nil {
		now = time.Now
	}

	var payload bytes.Buffer
	enc, err := zstd.NewWriter(&payload)
	if err != nil {
		return fmt.Errorf("vault: open zstd encoder: %w", err)
	}

	reader := replaycore.NewCanonicalReader(borrow)
	if err := reader.Run(ctx, canonical, enc); err != nil {
		_ = enc.Close()
		return fmt.Errorf("vault: stream canonical replay: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("vault: close zstd encoder: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	var headerLen, dataLen int
	borrow(func() {
		headerLen = len(canonical.Header())
		dataLen = canonical.Len()
	})

	meta := Metadata{
		GameID:       gameID,
		CreatedAt:    now().UTC().Format(time.RFC3339Nano),
		HeaderLength: headerLen,
		DataLength:   dataLen,
	}
	line, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("vault: encode metadata: %w", err)
	}

	path := Path(root, gameID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("vault: create artifact directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("vault: create artifact file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("vault: write metadata line: %w", err)
	}
	if _, err := f.Write(payload.Bytes()); err != nil {
		return fmt.Errorf("vault: write compressed payload: %w", err)
	}
	return nil
}

// Artifact is a persisted replay rehydrated from disk by Load: its metadata
// line plus the decompressed header and data bytes.
type Artifact struct {
	Metadata Metadata
	Header   []byte
	Data     []byte
}

// Load reads and decompresses a .fafreplay artifact previously written by
// Persist. Grounded on the teacher's replay.Load: open, decode the leading
// framing, decompress, return a structured in-memory view for tooling.
func Load(path string) (*Artifact, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("vault: open artifact: %w", err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	line, err := br.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("vault: read metadata line: %w", err)
	}
	var meta Metadata
	if err := json.Unmarshal([]byte(strings.TrimRight(line, "\n")), &meta); err != nil {
		return nil, fmt.Errorf("vault: decode metadata line: %w", err)
	}

	dec, err := zstd.NewReader(br)
	if err != nil {
		return nil, fmt.Errorf("vault: open zstd decoder: %w", err)
	}
	defer dec.Close()

	payload, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("vault: decompress payload: %w", err)
	}
	if len(payload) < meta.HeaderLength {
		return nil, fmt.Errorf("vault: payload shorter than declared header_length")
	}

	return &Artifact{
		Metadata: meta,
		Header:   payload[:meta.HeaderLength],
		Data:     payload[meta.HeaderLength:],
	}, nil
}
