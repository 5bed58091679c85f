package snapshot

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"raftkv/pkg/compression"
	"raftkv/pkg/types"
)

var ErrCorrupted = errors.New("snapshot: corrupted")

// Meta describes what a snapshot covers.
type Meta struct {
	// LastIncluded is the last log entry folded into the snapshot.
	LastIncluded types.LogID
	// Codec is the compression applied to Data.
	Codec compression.Codec
	// Size is the length of Data once decompressed.
	Size int64
}

// Snapshot is a serialized, possibly compressed image of the state machine.
type Snapshot struct {
	Meta Meta
	Data []byte
}

// magic(4) codec(1) term(8) index(8) size(8) data len(8) crc(4)
const (
	headerSize = 4 + 1 + 8 + 8 + 8 + 8 + 4
	magic      = "RKVS"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Marshal encodes the snapshot into the envelope used both on disk and
// inside raft snapshot messages.
func (s Snapshot) Marshal() []byte {
	buf := make([]byte, headerSize+len(s.Data))
	copy(buf[0:4], magic)
	buf[4] = byte(s.Meta.Codec)
	binary.LittleEndian.PutUint64(buf[5:13], uint64(s.Meta.LastIncluded.Term))
	binary.LittleEndian.PutUint64(buf[13:21], uint64(s.Meta.LastIncluded.Index))
	binary.LittleEndian.PutUint64(buf[21:29], uint64(s.Meta.Size))
	binary.LittleEndian.PutUint64(buf[29:37], uint64(len(s.Data)))
	copy(buf[headerSize:], s.Data)

	crc := crc32.Update(0, castagnoli, buf[:37])
	crc = crc32.Update(crc, castagnoli, s.Data)
	binary.LittleEndian.PutUint32(buf[37:41], crc)
	return buf
}

// Unmarshal decodes an envelope produced by Marshal.
func Unmarshal(buf []byte) (Snapshot, error) {
	if len(buf) < headerSize {
		return Snapshot{}, fmt.Errorf("%w: short header (%d bytes)", ErrCorrupted, len(buf))
	}
	if string(buf[0:4]) != magic {
		return Snapshot{}, fmt.Errorf("%w: bad magic", ErrCorrupted)
	}

	dataLen := binary.LittleEndian.Uint64(buf[29:37])
	if dataLen != uint64(len(buf)-headerSize) {
		return Snapshot{}, fmt.Errorf("%w: data length %d, have %d", ErrCorrupted, dataLen, len(buf)-headerSize)
	}
	data := buf[headerSize:]

	crc := crc32.Update(0, castagnoli, buf[:37])
	crc = crc32.Update(crc, castagnoli, data)
	if crc != binary.LittleEndian.Uint32(buf[37:41]) {
		return Snapshot{}, fmt.Errorf("%w: checksum mismatch", ErrCorrupted)
	}

	codec := compression.Codec(buf[4])
	if !codec.Valid() {
		return Snapshot{}, fmt.Errorf("%w: unknown codec %d", ErrCorrupted, buf[4])
	}

	out := make([]byte, len(data))
	copy(out, data)

	return Snapshot{
		Meta: Meta{
			LastIncluded: types.LogID{
				Term:  types.Term(binary.LittleEndian.Uint64(buf[5:13])),
				Index: types.LogIndex(binary.LittleEndian.Uint64(buf[13:21])),
			},
			Codec: codec,
			Size:  int64(binary.LittleEndian.Uint64(buf[21:29])),
		},
		Data: out,
	}, nil
}

// Payload returns the decompressed snapshot body.
func (s Snapshot) Payload() ([]byte, error) {
	data, err := s.Meta.Codec.Decode(s.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupted, err)
	}
	if int64(len(data)) != s.Meta.Size {
		return nil, fmt.Errorf("%w: payload size %d, expected %d", ErrCorrupted, len(data), s.Meta.Size)
	}
	return data, nil
}

// Build compresses payload with codec into a snapshot covering lastIncluded.
func Build(lastIncluded types.LogID, codec compression.Codec, payload []byte) (Snapshot, error) {
	data, err := codec.Encode(payload)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		Meta: Meta{LastIncluded: lastIncluded, Codec: codec, Size: int64(len(payload))},
		Data: data,
	}, nil
}
