package collector

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"strings"

	"github.com/sgerhart/aegisflux/agents/hostguard/internal/model"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/store"
)

// cursor is the persisted read position in a log file
type cursor struct {
	Offset int64 `json:"offset"`
}

// LogTail reads lines appended to a log file since the last committed cursor
type LogTail struct {
	path     string
	key      string
	maxLines int
	store    store.Store
}

// NewLogTail creates a tail over path whose cursor lives in s
func NewLogTail(path string, maxLines int, s store.Store) *LogTail {
	return &LogTail{
		path:     path,
		key:      CursorKey(path),
		maxLines: maxLines,
		store:    s,
	}
}

// CursorKey maps a file path to its store key
func CursorKey(path string) string {
	return "cursor/" + strings.ReplaceAll(strings.Trim(path, "/"), "/", "_")
}

// Batch is a set of new lines plus the cursor that consumes them
type Batch struct {
	Lines []string
	tail  *LogTail
	next  cursor
}

// Commit persists the cursor past the batch's lines
func (b Batch) Commit(ctx context.Context) error {
	if b.tail == nil {
		return nil
	}
	return store.PutJSON(ctx, b.tail.store, b.tail.key, b.next)
}

// Read returns complete lines written since the committed cursor. On the
// first run the cursor is placed at the end of the file so history is not
// replayed. A file smaller than the cursor was rotated or truncated and is
// read from the start.
func (t *LogTail) Read(ctx context.Context) (Batch, error) {
	f, err := os.Open(t.path)
	if err != nil {
		return Batch{}, &model.TransientIOError{Source: t.path, Err: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Batch{}, &model.TransientIOError{Source: t.path, Err: err}
	}

	var cur cursor
	err = store.GetJSON(ctx, t.store, t.key, &cur)
	if errors.Is(err, store.ErrNotFound) {
		return Batch{tail: t, next: cursor{Offset: info.Size()}}, nil
	}
	if err != nil {
		return Batch{}, err
	}
	if info.Size() < cur.Offset {
		cur.Offset = 0
	}

	if _, err := f.Seek(cur.Offset, io.SeekStart); err != nil {
		return Batch{}, &model.TransientIOError{Source: t.path, Err: err}
	}

	batch := Batch{tail: t, next: cur}
	reader := bufio.NewReader(f)
	for t.maxLines <= 0 || len(batch.Lines) < t.maxLines {
		line, err := reader.ReadString('\n')
		if err != nil {
			// a trailing partial line is left for the next read
			break
		}
		batch.next.Offset += int64(len(line))
		batch.Lines = append(batch.Lines, strings.TrimRight(line, "\r\n"))
	}
	return batch, nil
}
