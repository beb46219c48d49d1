package replaycore

import (
	"encoding/binary"
	"io"

	"fafsrv/replayserver/internal/replayerr"
)

// MaxHeaderBytes is the maximum size of a replay header, per spec.md §6.
const MaxHeaderBytes = 1 << 20

// PlayerInfo describes one player entry in the replay header.
type PlayerInfo struct {
	Name         string
	TimeoutCount uint32
}

// ArmyInfo describes one army entry in the replay header.
type ArmyInfo struct {
	Data     []byte
	PlayerID uint8
}

// HeaderFields is the structurally parsed view of a replay header, shown by
// tools/vaultplay (internal/vault's metadata line does not carry it). The verbatim
// byte range is kept separately as Raw, since that is what must be stored
// and re-emitted byte-for-byte (spec.md §6: "the full byte range of the
// header (verbatim) is the header value stored in WriterStream").
type HeaderFields struct {
	VersionString     string
	ReplayVersionMap  string
	ModData           []byte
	ScenarioInfo      []byte
	Players           []PlayerInfo
	CheatsEnabled     bool
	Armies            []ArmyInfo
	RandomSeed        uint32
}

// headerScanner reads exact byte counts from an io.Reader without any
// internal buffering, so it never consumes bytes belonging to the payload
// that follows the header on the same connection. It records every byte it
// reads into raw, both to return the verbatim header and to enforce the
// 1 MiB cap as it goes (rather than only after a full, possibly huge, read).
type headerScanner struct {
	r   io.Reader
	raw []byte
}

func (s *headerScanner) readExact(n int) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	// n comes from a declared length on the wire (modLen/scenarioLen/armyLen):
	// reject an oversized or overflowed (negative, on 32-bit int) declaration
	// before allocating, so a hostile declared length can't force a
	// multi-gigabyte make() on the public producer path.
	if n < 0 || len(s.raw)+n > MaxHeaderBytes {
		return nil, replayerr.New(replayerr.BadData, "replay header exceeds 1 MiB")
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(s.r, buf); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, replayerr.New(replayerr.BadData, "short read in replay header")
		}
		return nil, replayerr.Wrap(replayerr.IO, "read replay header", err)
	}
	s.raw = append(s.raw, buf...)
	return buf, nil
}

func (s *headerScanner) readByte() (byte, error) {
	b, err := s.readExact(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (s *headerScanner) readCString() (string, error) {
	var out []byte
	for {
		b, err := s.readByte()
		if err != nil {
			return "", err
		}
		if b == 0 {
			break
		}
		out = append(out, b)
	}
	return string(out), nil
}

func (s *headerScanner) readU32() (uint32, error) {
	b, err := s.readExact(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (s *headerScanner) skip(n int) error {
	_, err := s.readExact(n)
	return err
}

// ParseHeader reads and validates one replay header off r, per spec.md §6's
// binary layout. It returns the verbatim byte range (for WriterStream /
// CanonicalStream storage) alongside the structurally parsed fields (for
// inspection tooling). r is read byte-exactly; ParseHeader never
// reads past the end of the header, so the caller may continue reading
// payload bytes from the same stream immediately afterwards.
func ParseHeader(r io.Reader) ([]byte, HeaderFields, error) {
	s := &headerScanner{r: r}
	fields, err := parseHeaderFields(s)
	if err != nil {
		return nil, HeaderFields{}, err
	}
	return s.raw, fields, nil
}

func parseHeaderFields(s *headerScanner) (HeaderFields, error) {
	var f HeaderFields
	var err error

	if f.VersionString, err = s.readCString(); err != nil {
		return f, err
	}
	if err = s.skip(3); err != nil {
		return f, err
	}
	if f.ReplayVersionMap, err = s.readCString(); err != nil {
		return f, err
	}
	if err = s.skip(4); err != nil {
		return f, err
	}

	modLen, err := s.readU32()
	if err != nil {
		return f, err
	}
	if f.ModData, err = s.readExact(int(modLen)); err != nil {
		return f, err
	}

	scenarioLen, err := s.readU32()
	if err != nil {
		return f, err
	}
	if f.ScenarioInfo, err = s.readExact(int(scenarioLen)); err != nil {
		return f, err
	}

	playerCount, err := s.readByte()
	if err != nil {
		return f, err
	}
	f.Players = make([]PlayerInfo, 0, playerCount)
	for i := 0; i < int(playerCount); i++ {
		name, err := s.readCString()
		if err != nil {
			return f, err
		}
		timeout, err := s.readU32()
		if err != nil {
			return f, err
		}
		f.Players = append(f.Players, PlayerInfo{Name: name, TimeoutCount: timeout})
	}

	cheats, err := s.readByte()
	if err != nil {
		return f, err
	}
	f.CheatsEnabled = cheats != 0

	armyCount, err := s.readByte()
	if err != nil {
		return f, err
	}
	f.Armies = make([]ArmyInfo, 0, armyCount)
	for i := 0; i < int(armyCount); i++ {
		armyLen, err := s.readU32()
		if err != nil {
			return f, err
		}
		data, err := s.readExact(int(armyLen))
		if err != nil {
			return f, err
		}
		playerID, err := s.readByte()
		if err != nil {
			return f, err
		}
		if playerID != 255 {
			if err := s.skip(1); err != nil {
				return f, err
			}
		}
		f.Armies = append(f.Armies, ArmyInfo{Data: data, PlayerID: playerID})
	}

	if f.RandomSeed, err = s.readU32(); err != nil {
		return f, err
	}
	return f, nil
}
