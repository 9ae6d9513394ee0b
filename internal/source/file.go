package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

const maxFileBatch = 4 << 20 // 4MB read per Fetch

// FileSource tails a JSON Lines file, one Message per line. Each Fetch
// returns the complete lines appended since the previous call; a trailing
// partial line is left for the next call. A line longer than the read batch
// is logged and skipped.
type FileSource struct {
	path     string
	maxBatch int

	mu     sync.Mutex
	offset int64
	// skipping is set while discarding a line longer than maxBatch.
	skipping bool
}

// NewFileSource creates a FileSource reading path from the beginning.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path, maxBatch: maxFileBatch}
}

func (f *FileSource) Fetch(ctx context.Context) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.Open(f.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", f.path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", f.path, err)
	}
	if info.Size() < f.offset {
		// Truncated or replaced: start over. Dedup absorbs the replays.
		slog.Warn("source file shrank, rereading from start", "path", f.path)
		f.offset = 0
		f.skipping = false
	}

	if _, err := file.Seek(f.offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seeking %s: %w", f.path, err)
	}
	data, err := io.ReadAll(io.LimitReader(file, int64(f.maxBatch)))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", f.path, err)
	}

	if f.skipping {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			f.offset += int64(len(data))
			return nil, nil
		}
		f.offset += int64(i + 1)
		f.skipping = false
		data = data[i+1:]
	}

	end := bytes.LastIndexByte(data, '\n')
	if end < 0 {
		if len(data) >= f.maxBatch {
			slog.Warn("skipping oversized source line", "path", f.path, "offset", f.offset, "max_bytes", f.maxBatch)
			f.offset += int64(len(data))
			f.skipping = true
		}
		return nil, nil
	}
	data = data[:end+1]

	var msgs []Message
	for _, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var m Message
		if err := json.Unmarshal(line, &m); err != nil {
			slog.Warn("skipping malformed source line", "path", f.path, "error", err)
			continue
		}
		msgs = append(msgs, Normalize(m))
	}
	f.offset += int64(len(data))
	return msgs, nil
}
