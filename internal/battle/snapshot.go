package battle

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// SnapshotVersion is bumped whenever the encoded layout changes.
const SnapshotVersion = 1

// Snapshot is an encoded match plus the checksum of the encoding.
type Snapshot struct {
	Version  int
	Data     []byte
	Checksum string
}

// EncodeSnapshot serializes a match with msgpack and checksums the bytes.
// Match has no map fields, so the encoding is deterministic.
func EncodeSnapshot(m *Match) (*Snapshot, error) {
	data, err := msgpack.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode match %d: %w", m.ID, err)
	}
	return &Snapshot{
		Version:  SnapshotVersion,
		Data:     data,
		Checksum: Checksum(data),
	}, nil
}

// DecodeSnapshot verifies the checksum and decodes the match.
func DecodeSnapshot(s *Snapshot) (*Match, error) {
	if s == nil {
		return nil, fmt.Errorf("nil snapshot")
	}
	if s.Version != SnapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", s.Version)
	}
	if got := Checksum(s.Data); got != s.Checksum {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrChecksumMismatch, s.Checksum, got)
	}

	var m Match
	if err := msgpack.Unmarshal(s.Data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &m, nil
}

// Checksum returns the hex sha256 of data.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
