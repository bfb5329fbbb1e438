package audit

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/sgerhart/aegisflux/agents/hostguard/internal/logging"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/model"
)

// DefaultMaxSegmentBytes is the rotation threshold when none is configured
const DefaultMaxSegmentBytes = 16 << 20

// Record is one line of a log
type Record struct {
	Seq      uint64          `json:"seq"`
	TS       time.Time       `json:"ts"`
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	PrevHash string          `json:"prev_hash"`
	Hash     string          `json:"hash"`
}

// recordBody is the hashed part of a record
type recordBody struct {
	Seq      uint64          `json:"seq"`
	TS       time.Time       `json:"ts"`
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	PrevHash string          `json:"prev_hash"`
}

// ComputeHash returns the chain hash of r: sha256 over the previous hash
// and the record without its own hash
func ComputeHash(r Record) (string, error) {
	body, err := json.Marshal(recordBody{Seq: r.Seq, TS: r.TS, Type: r.Type, Payload: r.Payload, PrevHash: r.PrevHash})
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(r.PrevHash))
	h.Write([]byte{'\n'})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Log is an append-only, hash-chained JSONL file with size-based rotation.
// Every append is fsynced before it returns. The active segment is
// <name>.jsonl; rotated segments are <name>.<n>.jsonl.zst.
type Log struct {
	dir      string
	name     string
	maxBytes int64
	logger   *logging.Logger
	now      func() time.Time

	mu       sync.Mutex
	f        *os.File
	size     int64
	seq      uint64
	lastHash string
	rotated  int
	closed   bool
}

// Open opens or creates the log named name in dir and recovers the chain
// head. A torn final line left by a crash is truncated away.
func Open(dir, name string, maxBytes int64, logger *logging.Logger) (*Log, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxSegmentBytes
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, &model.StorageError{Op: "create audit dir " + dir, Err: err}
	}
	l := &Log{
		dir:      dir,
		name:     name,
		maxBytes: maxBytes,
		logger:   logger.WithComponent("audit").With("log", name),
		now:      time.Now,
	}

	segs, err := rotatedSegments(dir, name)
	if err != nil {
		return nil, &model.StorageError{Op: "list segments", Err: err}
	}
	if len(segs) > 0 {
		l.rotated = segs[len(segs)-1].n
		last, err := lastRecord(segs[len(segs)-1].path)
		if err != nil {
			return nil, &model.StorageError{Op: "read segment " + segs[len(segs)-1].path, Err: err}
		}
		if last != nil {
			l.seq, l.lastHash = last.Seq, last.Hash
		}
	}

	if err := l.openActive(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Log) activePath() string {
	return filepath.Join(l.dir, l.name+".jsonl")
}

// openActive opens the active segment, truncating a torn tail, and adopts
// its last record as the chain head
func (l *Log) openActive() error {
	path := l.activePath()
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o640)
	if err != nil {
		return &model.StorageError{Op: "open " + path, Err: err}
	}

	data, err := io.ReadAll(f)
	if err != nil {
		f.Close()
		return &model.StorageError{Op: "read " + path, Err: err}
	}
	good := int64(bytes.LastIndexByte(data, '\n') + 1)
	if first := firstLine(data[:good]); first != nil && l.seq > 0 {
		var r Record
		if json.Unmarshal(first, &r) == nil && r.Seq <= l.seq {
			// already compressed by an interrupted rotation
			l.logger.LogStorageEvent("stale_segment_discarded", "path", path, "seq", r.Seq)
			good = 0
		}
	}
	if good < int64(len(data)) {
		l.logger.LogStorageEvent("segment_truncated", "path", path, "bytes", int64(len(data))-good)
		if err := f.Truncate(good); err != nil {
			f.Close()
			return &model.StorageError{Op: "truncate " + path, Err: err}
		}
	}
	if _, err := f.Seek(good, io.SeekStart); err != nil {
		f.Close()
		return &model.StorageError{Op: "seek " + path, Err: err}
	}

	if last := lastLine(data[:good]); last != nil && good > 0 {
		var r Record
		if err := json.Unmarshal(last, &r); err != nil {
			f.Close()
			return &model.StorageError{Op: "decode tail of " + path, Err: err}
		}
		l.seq, l.lastHash = r.Seq, r.Hash
	}
	l.f, l.size = f, good
	return nil
}

// Append writes one record and returns it once it is durable
func (l *Log) Append(typ string, payload any) (Record, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Record{}, fmt.Errorf("encode %s payload: %w", typ, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return Record{}, &model.StorageError{Op: "append " + l.name, Err: os.ErrClosed}
	}
	if l.f == nil {
		if err := l.openActive(); err != nil {
			return Record{}, err
		}
	}

	r := Record{
		Seq:      l.seq + 1,
		TS:       l.now().UTC(),
		Type:     typ,
		Payload:  raw,
		PrevHash: l.lastHash,
	}
	if r.Hash, err = ComputeHash(r); err != nil {
		return Record{}, fmt.Errorf("hash record: %w", err)
	}
	line, err := json.Marshal(r)
	if err != nil {
		return Record{}, fmt.Errorf("encode record: %w", err)
	}
	line = append(line, '\n')

	if _, err := l.f.Write(line); err != nil {
		return Record{}, l.storageErr("write", err)
	}
	if err := l.f.Sync(); err != nil {
		return Record{}, l.storageErr("fsync", err)
	}
	l.seq, l.lastHash = r.Seq, r.Hash
	l.size += int64(len(line))

	if l.size >= l.maxBytes {
		if err := l.rotate(); err != nil {
			// the record is durable; rotation is retried on the next append
			l.logger.LogStorageEvent("storage_error", "op", "rotate", "error", err)
		}
	}
	return r, nil
}

func (l *Log) storageErr(op string, err error) error {
	serr := &model.StorageError{Op: op + " " + l.activePath(), Err: err}
	l.logger.LogStorageEvent("storage_error", "op", op, "error", err)
	return serr
}

// rotate compresses the active segment and starts a new one. Callers hold l.mu.
func (l *Log) rotate() error {
	n := l.rotated + 1
	dst := segmentPath(l.dir, l.name, n)
	if err := compressFile(l.activePath(), dst); err != nil {
		os.Remove(dst + ".tmp")
		return err
	}
	if err := os.Remove(l.activePath()); err != nil {
		os.Remove(dst)
		return err
	}
	l.rotated = n

	old := l.f
	f, err := os.OpenFile(l.activePath(), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o640)
	old.Close()
	if err != nil {
		l.f = nil
		return err
	}
	l.f, l.size = f, 0
	if err := syncDir(l.dir); err != nil {
		return err
	}
	l.logger.LogStorageEvent("segment_rotated", "segment", dst, "seq", l.seq)
	return nil
}

// Head returns the sequence number and hash of the last record
func (l *Log) Head() (uint64, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq, l.lastHash
}

// Export streams every record with ts at or after since, oldest first
func (l *Log) Export(w io.Writer, since time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Export(l.dir, l.name, w, since)
}

// Verify walks the whole chain
func (l *Log) Verify() (VerifyReport, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Verify(l.dir, l.name)
}

// Close closes the active segment
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

func compressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	zw, err := zstd.NewWriter(out)
	if err != nil {
		out.Close()
		return fmt.Errorf("failed to create zstd writer: %w", err)
	}
	if _, err := io.Copy(zw, in); err != nil {
		zw.Close()
		out.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, dst)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

func firstLine(data []byte) []byte {
	if i := bytes.IndexByte(data, '\n'); i > 0 {
		return data[:i]
	}
	return nil
}

func lastLine(data []byte) []byte {
	data = bytes.TrimRight(data, "\n")
	if len(data) == 0 {
		return nil
	}
	return data[bytes.LastIndexByte(data, '\n')+1:]
}

// lastRecord returns the final record of a compressed segment
func lastRecord(path string) (*Record, error) {
	var last *Record
	err := scanSegment(path, func(r Record) error {
		last = &r
		return nil
	})
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return last, err
}

// scanSegment decodes each record of a segment, compressed or not
func scanSegment(path string, fn func(Record) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var src io.Reader = f
	if filepath.Ext(path) == ".zst" {
		zr, err := zstd.NewReader(f)
		if err != nil {
			return fmt.Errorf("failed to create zstd reader: %w", err)
		}
		defer zr.Close()
		src = zr
	}

	sc := bufio.NewScanner(src)
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var r Record
		if err := json.Unmarshal(line, &r); err != nil {
			return fmt.Errorf("%s: decode record: %w", filepath.Base(path), err)
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return sc.Err()
}
