package eventlog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/gokay-avci/unifiedlab/pkg/log"
)

const (
	// Magic marks the start of every frame ("BALU", little-endian).
	Magic uint32 = 0x554C4142

	// MaxFrameLen bounds a single frame payload. Anything larger is
	// treated as corruption.
	MaxFrameLen = 128 << 20

	headerSize = 12
)

// ErrFrameTooLarge is returned by Append when a record exceeds MaxFrameLen.
var ErrFrameTooLarge = errors.New("eventlog: frame exceeds maximum length")

// Record is the decoded content of one frame.
type Record struct {
	TimestampMS int64
	Kind        string
	Payload     []byte
}

// Envelope ties a decoded record to the byte offsets needed for cursor
// persistence.
type Envelope struct {
	StartOffset uint64
	NextOffset  uint64
	Record      Record
}

// WriterConfig controls writer durability.
type WriterConfig struct {
	// Fsync forces an fdatasync after every append. The coordinator
	// enables it; workers may opt out.
	Fsync bool
}

// Writer appends frames to a log file. Append is the only mutation; there
// is no truncate, compact, or rewrite. One writer identity per file.
type Writer struct {
	mu     sync.Mutex
	f      *os.File
	offset uint64
	fsync  bool
}

// OpenWriter opens (or creates) the log at path in append mode, creating
// parent directories as needed.
func OpenWriter(path string, cfg WriterConfig) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log for append: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat log: %w", err)
	}
	return &Writer{f: f, offset: uint64(info.Size()), fsync: cfg.Fsync}, nil
}

// Append serializes (ts, kind, payload) into one frame and writes it,
// returning the frame's start offset.
func (w *Writer) Append(tsMS int64, kind string, payload []byte) (uint64, error) {
	body := encodeRecord(tsMS, kind, payload)
	if len(body) > MaxFrameLen {
		return 0, ErrFrameTooLarge
	}

	var hdr [headerSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], Magic)
	binary.LittleEndian.PutUint32(hdr[4:8], crc32.ChecksumIEEE(body))
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(body)))

	w.mu.Lock()
	defer w.mu.Unlock()

	start := w.offset
	if _, err := w.f.Write(hdr[:]); err != nil {
		return 0, fmt.Errorf("failed to write frame header: %w", err)
	}
	if _, err := w.f.Write(body); err != nil {
		return 0, fmt.Errorf("failed to write frame payload: %w", err)
	}
	w.offset = start + headerSize + uint64(len(body))

	if w.fsync {
		if err := w.f.Sync(); err != nil {
			return 0, fmt.Errorf("failed to sync log: %w", err)
		}
	}
	return start, nil
}

// Offset returns the current end-of-log offset.
func (w *Writer) Offset() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.offset
}

// Close closes the underlying file.
func (w *Writer) Close() error {
	return w.f.Close()
}

// Reader reads frames sequentially from a log file. Readers are
// independent of the writer and of each other; each owns its byte cursor.
type Reader struct {
	f      *os.File
	path   string
	cursor uint64
	logger zerolog.Logger
}

// OpenReader opens the log at path read-only, creating an empty file if it
// does not exist yet so tailers can attach before a writer exists.
func OpenReader(path string) (*Reader, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log for read: %w", err)
	}
	return &Reader{
		f:      f,
		path:   path,
		logger: log.WithComponent("eventlog"),
	}, nil
}

// Cursor returns the reader's current byte offset.
func (r *Reader) Cursor() uint64 {
	return r.cursor
}

// Seek repositions the cursor to an absolute byte offset.
func (r *Reader) Seek(offset uint64) {
	r.cursor = offset
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	return r.f.Close()
}

// Next returns the next valid frame, or (nil, nil) when the log has no
// complete frame at the cursor. Partial frames are assumed to be a writer
// mid-append and are retried on the next call. Corrupted framing (bad
// magic, implausible length, CRC mismatch) triggers a self-healing scan
// for the next magic marker. A well-framed but undecodable payload is
// skipped.
func (r *Reader) Next() (*Envelope, error) {
	for {
		start := r.cursor

		var hdr [headerSize]byte
		n, err := r.f.ReadAt(hdr[:], int64(start))
		if n < headerSize {
			if err == nil || err == io.EOF {
				// Clean EOF or partial header: nothing yet.
				return nil, nil
			}
			return nil, fmt.Errorf("failed to read frame header: %w", err)
		}

		magic := binary.LittleEndian.Uint32(hdr[0:4])
		crc := binary.LittleEndian.Uint32(hdr[4:8])
		length := binary.LittleEndian.Uint32(hdr[8:12])

		if magic != Magic || length > MaxFrameLen {
			r.logger.Warn().
				Str("path", r.path).
				Uint64("offset", start).
				Uint32("magic", magic).
				Uint32("len", length).
				Msg("Invalid frame header, scanning for next magic marker")
			if !r.scan(start + 1) {
				return nil, nil
			}
			continue
		}

		body := make([]byte, length)
		n, err = r.f.ReadAt(body, int64(start)+headerSize)
		if n < int(length) {
			if err == nil || err == io.EOF {
				// Short payload: writer will extend later.
				return nil, nil
			}
			return nil, fmt.Errorf("failed to read frame payload: %w", err)
		}

		if crc32.ChecksumIEEE(body) != crc {
			r.logger.Warn().
				Str("path", r.path).
				Uint64("offset", start).
				Msg("Frame CRC mismatch, scanning for next magic marker")
			if !r.scan(start + 1) {
				return nil, nil
			}
			continue
		}

		next := start + headerSize + uint64(length)
		r.cursor = next

		rec, err := decodeRecord(body)
		if err != nil {
			r.logger.Warn().
				Str("path", r.path).
				Uint64("offset", start).
				Err(err).
				Msg("Undecodable frame payload, skipping one frame")
			continue
		}

		return &Envelope{StartOffset: start, NextOffset: next, Record: rec}, nil
	}
}

// scan performs the self-healing scan: a rolling 4-byte window advancing
// one byte at a time from offset, searching for the magic marker. On a hit
// the cursor is left at the recovered position and scan returns true. On
// EOF the cursor is left at end of file and scan returns false.
func (r *Reader) scan(from uint64) bool {
	var magicBytes [4]byte
	binary.LittleEndian.PutUint32(magicBytes[:], Magic)

	const chunkSize = 64 << 10
	buf := make([]byte, chunkSize)
	pos := from
	var carry []byte

	for {
		n, err := r.f.ReadAt(buf, int64(pos))
		if n <= 0 {
			r.cursor = pos
			return false
		}

		window := append(carry, buf[:n]...)
		for i := 0; i+4 <= len(window); i++ {
			if window[i] == magicBytes[0] &&
				window[i+1] == magicBytes[1] &&
				window[i+2] == magicBytes[2] &&
				window[i+3] == magicBytes[3] {
				hit := pos - uint64(len(carry)) + uint64(i)
				r.cursor = hit
				r.logger.Info().
					Str("path", r.path).
					Uint64("offset", hit).
					Msg("Self-healing scan recovered a frame boundary")
				return true
			}
		}

		// Keep the last 3 bytes so a marker split across chunks is found.
		tail := len(window) - 3
		if tail < 0 {
			tail = 0
		}
		carry = append([]byte(nil), window[tail:]...)
		pos += uint64(n)

		if err == io.EOF || n < chunkSize {
			r.cursor = pos
			return false
		}
	}
}

// encodeRecord packs (ts, kind, payload) into the compact binary tuple
// carried inside a frame: i64 ts | u32 kind len | kind | u32 payload len |
// payload, all little-endian.
func encodeRecord(tsMS int64, kind string, payload []byte) []byte {
	body := make([]byte, 0, 8+4+len(kind)+4+len(payload))
	var scratch [8]byte

	binary.LittleEndian.PutUint64(scratch[:8], uint64(tsMS))
	body = append(body, scratch[:8]...)

	binary.LittleEndian.PutUint32(scratch[:4], uint32(len(kind)))
	body = append(body, scratch[:4]...)
	body = append(body, kind...)

	binary.LittleEndian.PutUint32(scratch[:4], uint32(len(payload)))
	body = append(body, scratch[:4]...)
	body = append(body, payload...)

	return body
}

func decodeRecord(body []byte) (Record, error) {
	if len(body) < 12 {
		return Record{}, fmt.Errorf("record too short: %d bytes", len(body))
	}
	ts := int64(binary.LittleEndian.Uint64(body[0:8]))

	kindLen := binary.LittleEndian.Uint32(body[8:12])
	if uint64(12)+uint64(kindLen)+4 > uint64(len(body)) {
		return Record{}, fmt.Errorf("kind length %d overruns record", kindLen)
	}
	kind := string(body[12 : 12+kindLen])

	off := 12 + kindLen
	payloadLen := binary.LittleEndian.Uint32(body[off : off+4])
	if uint64(off)+4+uint64(payloadLen) != uint64(len(body)) {
		return Record{}, fmt.Errorf("payload length %d does not match record size", payloadLen)
	}
	payload := make([]byte, payloadLen)
	copy(payload, body[off+4:off+4+payloadLen])

	return Record{TimestampMS: ts, Kind: kind, Payload: payload}, nil
}
