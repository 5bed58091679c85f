package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

var (
	ErrCorrupted = errors.New("wal: corrupted record")
	ErrClosed    = errors.New("wal: closed")
)

// RecordType distinguishes what a journal record means on replay.
type RecordType uint8

const (
	// RecordEntry stores one log entry.
	RecordEntry RecordType = iota + 1
	// RecordTruncate drops every entry at or after Index.
	RecordTruncate
	// RecordPurge drops every entry at or before Index and remembers (Term, Index).
	RecordPurge
)

// Record is a single framed journal record
type Record struct {
	Type  RecordType
	Index uint64
	Term  uint64
	Meta  uint64
	Data  []byte
}

// type(1) + index(8) + term(8) + meta(8) + data len(4) + crc(4)
const headerSize = 1 + 8 + 8 + 8 + 4 + 4

const maxRecordSize = 64 << 20

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// WAL is an append-only journal of records synced to disk on every Append.
type WAL struct {
	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	dir      string
	filePath string
}

// Open opens (or creates) the journal file name inside dir.
func Open(dir, name string) (*WAL, error) {
	if dir == "" {
		return nil, fmt.Errorf("empty WAL dir")
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	filePath := filepath.Join(dir, name)
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	return &WAL{
		file:     file,
		writer:   bufio.NewWriter(file),
		dir:      dir,
		filePath: filePath,
	}, nil
}

// Append writes records and returns once they are fsynced.
func (w *WAL) Append(records ...Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer == nil {
		return ErrClosed
	}

	for _, rec := range records {
		if err := writeRecord(w.writer, rec); err != nil {
			return fmt.Errorf("failed to write WAL record: %w", err)
		}
	}

	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL: %w", err)
	}

	return nil
}

// Replay feeds every record to callback in file order. A torn tail is cut
// off: a partially written last record, a last record failing its checksum,
// or a zero-filled remainder. Corruption before the tail is an error.
func (w *WAL) Replay(callback func(Record) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer == nil {
		return ErrClosed
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL before replay: %w", err)
	}

	file, err := os.Open(w.filePath)
	if err != nil {
		return fmt.Errorf("failed to open WAL for reading: %w", err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			slog.Warn("failed to close WAL read file", "error", cerr)
		}
	}()

	reader := bufio.NewReader(file)
	var offset int64

	for {
		rec, n, err := readRecord(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			torn := errors.Is(err, io.ErrUnexpectedEOF)
			if !torn && errors.Is(err, ErrCorrupted) {
				var terr error
				if torn, terr = w.isTornTail(offset, n); terr != nil {
					return terr
				}
			}
			if torn {
				slog.Warn("cutting torn WAL tail", "path", w.filePath, "offset", offset, "error", err)
				if err := w.file.Truncate(offset); err != nil {
					return fmt.Errorf("failed to cut torn WAL tail: %w", err)
				}
				return w.file.Sync()
			}
			return fmt.Errorf("failed to read WAL record at offset %d: %w", offset, err)
		}
		offset += n

		if err := callback(rec); err != nil {
			return fmt.Errorf("WAL replay callback failed: %w", err)
		}
	}
}

// isTornTail reports whether a corrupted record of size bytes at offset is
// the end of the journal, or is followed by nothing but zeros.
func (w *WAL) isTornTail(offset, size int64) (bool, error) {
	info, err := os.Stat(w.filePath)
	if err != nil {
		return false, fmt.Errorf("failed to stat WAL: %w", err)
	}
	if offset+size >= info.Size() {
		return true, nil
	}

	file, err := os.Open(w.filePath)
	if err != nil {
		return false, fmt.Errorf("failed to open WAL for reading: %w", err)
	}
	defer file.Close()

	reader := bufio.NewReader(io.NewSectionReader(file, offset, info.Size()-offset))
	for {
		b, err := reader.ReadByte()
		if errors.Is(err, io.EOF) {
			return true, nil
		}
		if err != nil {
			return false, fmt.Errorf("failed to read WAL tail: %w", err)
		}
		if b != 0 {
			return false, nil
		}
	}
}

// Rewrite atomically replaces the journal content with records.
func (w *WAL) Rewrite(records []Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer == nil {
		return ErrClosed
	}

	tmpPath := w.filePath + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create WAL rewrite file: %w", err)
	}

	bw := bufio.NewWriter(tmp)
	for _, rec := range records {
		if err := writeRecord(bw, rec); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("failed to write WAL record: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to flush WAL rewrite: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync WAL rewrite: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close WAL rewrite: %w", err)
	}

	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to close WAL file: %w", err)
	}
	if err := os.Rename(tmpPath, w.filePath); err != nil {
		return fmt.Errorf("failed to replace WAL file: %w", err)
	}
	if err := SyncDir(w.dir); err != nil {
		return err
	}

	file, err := os.OpenFile(w.filePath, os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to reopen WAL file: %w", err)
	}
	w.file = file
	w.writer = bufio.NewWriter(file)

	return nil
}

func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer != nil {
		if err := w.writer.Flush(); err != nil {
			return fmt.Errorf("failed to flush WAL on close: %w", err)
		}
		w.writer = nil
	}

	if w.file != nil {
		if err := w.file.Close(); err != nil {
			return fmt.Errorf("failed to close WAL file: %w", err)
		}
		w.file = nil
	}

	return nil
}

// SyncDir fsyncs a directory so that renames inside it are durable.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("failed to open dir for sync: %w", err)
	}
	defer d.Close()

	if err := d.Sync(); err != nil {
		return fmt.Errorf("failed to sync dir: %w", err)
	}
	return nil
}

// writeRecord writes a single framed record
func writeRecord(w io.Writer, rec Record) error {
	if len(rec.Data) > maxRecordSize {
		return fmt.Errorf("record too large: %d", len(rec.Data))
	}

	var hdr [headerSize]byte
	hdr[0] = byte(rec.Type)
	binary.LittleEndian.PutUint64(hdr[1:9], rec.Index)
	binary.LittleEndian.PutUint64(hdr[9:17], rec.Term)
	binary.LittleEndian.PutUint64(hdr[17:25], rec.Meta)
	binary.LittleEndian.PutUint32(hdr[25:29], uint32(len(rec.Data)))

	crc := crc32.Update(0, castagnoli, hdr[:29])
	crc = crc32.Update(crc, castagnoli, rec.Data)
	binary.LittleEndian.PutUint32(hdr[29:33], crc)

	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(rec.Data)
	return err
}

// readRecord reads a single framed record and reports how many bytes it took.
// On ErrCorrupted the size is what the header claimed, as far as it can be trusted.
func readRecord(r io.Reader) (Record, int64, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		// io.ReadFull returns io.EOF only when nothing was read
		return Record{}, 0, err
	}

	rec := Record{
		Type:  RecordType(hdr[0]),
		Index: binary.LittleEndian.Uint64(hdr[1:9]),
		Term:  binary.LittleEndian.Uint64(hdr[9:17]),
		Meta:  binary.LittleEndian.Uint64(hdr[17:25]),
	}
	dataLen := binary.LittleEndian.Uint32(hdr[25:29])
	want := binary.LittleEndian.Uint32(hdr[29:33])
	if dataLen > maxRecordSize {
		return Record{}, int64(headerSize), fmt.Errorf("%w: record length %d", ErrCorrupted, dataLen)
	}

	rec.Data = make([]byte, dataLen)
	if _, err := io.ReadFull(r, rec.Data); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Record{}, 0, err
	}

	crc := crc32.Update(0, castagnoli, hdr[:29])
	crc = crc32.Update(crc, castagnoli, rec.Data)
	size := int64(headerSize) + int64(dataLen)
	if crc != want {
		return Record{}, size, ErrCorrupted
	}

	switch rec.Type {
	case RecordEntry, RecordTruncate, RecordPurge:
	default:
		return Record{}, size, fmt.Errorf("%w: unknown record type %d", ErrCorrupted, rec.Type)
	}

	return rec, size, nil
}
