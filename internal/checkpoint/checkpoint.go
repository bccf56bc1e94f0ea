// Package checkpoint implements the commit log: a durable record, per
// channel and bucket, of how many bytes of that bucket file are known to
// be flushed and synced. On startup, any bytes past the recorded durable
// length are truncated before the engine resumes appending, so a reader
// never observes a record that didn't survive the last crash.
//
// The commit log is a plain text file, one line per (channel, bucket):
//
//	<channel> <bucket_start decimal> <durable_offset decimal>
//
// rewritten in full and atomically on every commit.
package checkpoint

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sociomantic/dlsnode/internal/dlslog"
	"github.com/sociomantic/dlsnode/pkg/fs"
)

// commitLockTimeout bounds how long Commit waits to acquire the commit
// log's lock file before giving up (LockWithTimeout rather than Lock), so
// a wedged lock holder can't hang a commit tick forever.
const commitLockTimeout = 10 * time.Second

// Key identifies one bucket file by its owning channel and first key.
type Key struct {
	Channel  string
	FirstKey uint64
}

// Log tracks the durable length of every known bucket and commits them to
// a single file on disk.
type Log struct {
	fsys   fs.FS
	path   string
	aw     *fs.AtomicWriter
	locker *fs.Locker

	mu      sync.Mutex
	entries map[Key]int64
}

// Open loads an existing commit log (if present) and returns a Log ready
// to track further entries. A missing file is not an error: it means no
// channel has ever committed.
func Open(fsys fs.FS, path string) (*Log, error) {
	l := &Log{
		fsys:    fsys,
		path:    path,
		aw:      fs.NewAtomicWriter(fsys),
		locker:  fs.NewLocker(fsys),
		entries: make(map[Key]int64),
	}

	data, err := fsys.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return l, nil
		}
		return nil, fmt.Errorf("checkpoint: read %s: %w", path, err)
	}

	if err := l.parse(data); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Log) parse(data []byte) error {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0

	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) != 3 {
			dlslog.Default().Warn("checkpoint: skipping malformed commit log line", "line", lineNo, "fields", len(fields))
			continue
		}

		firstKey, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			dlslog.Default().Warn("checkpoint: skipping malformed commit log line", "line", lineNo, "error", err)
			continue
		}

		length, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			dlslog.Default().Warn("checkpoint: skipping malformed commit log line", "line", lineNo, "error", err)
			continue
		}

		l.entries[Key{Channel: fields[0], FirstKey: firstKey}] = length
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrParse, err)
	}
	return nil
}

// DurableLength reports the last-committed durable length for a bucket, or
// (0, false) if it has never been committed.
func (l *Log) DurableLength(k Key) (int64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	n, ok := l.entries[k]
	return n, ok
}

// Set records a bucket's durable length in memory. It takes effect on disk
// at the next Commit.
func (l *Log) Set(k Key, length int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries[k] = length
}

// Remove drops every entry for a channel, for use when a channel is
// deleted outright.
func (l *Log) Remove(channel string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for k := range l.entries {
		if k.Channel == channel {
			delete(l.entries, k)
		}
	}
}

// Commit rewrites the commit log file from the in-memory entry set via a
// temp file and atomic rename, so a crash mid-write never corrupts the
// previous, still-valid commit log. The rewrite is serialized by a flock
// on path+".lock", so at most one writer (in this process or another) is
// ever mid-rename at a time.
func (l *Log) Commit() error {
	lock, err := l.locker.LockWithTimeout(l.path+".lock", commitLockTimeout)
	if err != nil {
		return fmt.Errorf("checkpoint: commit %s: acquire lock: %w", l.path, err)
	}
	defer func() { _ = lock.Close() }()

	l.mu.Lock()
	buf := l.render()
	l.mu.Unlock()

	err = withSignalsBlocked(func() error {
		return l.aw.Write(l.path, bytes.NewReader(buf), l.aw.DefaultOptions())
	})
	if err != nil {
		return fmt.Errorf("checkpoint: commit %s: %w", l.path, err)
	}
	return nil
}

// render formats all entries, sorted for deterministic output (easier
// crash-recovery debugging and stable diffs in tests).
func (l *Log) render() []byte {
	keys := make([]Key, 0, len(l.entries))
	for k := range l.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Channel != keys[j].Channel {
			return keys[i].Channel < keys[j].Channel
		}
		return keys[i].FirstKey < keys[j].FirstKey
	})

	var buf bytes.Buffer
	for _, k := range keys {
		fmt.Fprintf(&buf, "%s %d %d\n", k.Channel, k.FirstKey, l.entries[k])
	}
	return buf.Bytes()
}

// TruncateBucket truncates path to durableLength, the bucket's last
// known-durable length, if the file is currently longer. This is the startup recovery step: any
// bytes appended since the last successful commit did not survive the
// crash and must not be served to readers as if they had.
func TruncateBucket(fsys fs.FS, path string, durableLength int64) error {
	info, err := fsys.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("checkpoint: stat %s: %w", path, err)
	}

	if info.Size() <= durableLength {
		return nil
	}

	// fs.File has no Truncate method, so shrinking happens via a full
	// rewrite through AtomicWriter rather than an in-place truncate: that
	// keeps the previous (over-long but otherwise valid) file intact until
	// the retained prefix has been fully written and synced elsewhere.
	data, err := fsys.ReadFile(path)
	if err != nil {
		return fmt.Errorf("checkpoint: read %s: %w", path, err)
	}

	dlslog.Default().Warn("checkpoint: truncating bucket tail not covered by last commit",
		"path", path, "from", info.Size(), "to", durableLength)

	aw := fs.NewAtomicWriter(fsys)
	return aw.WriteWithDefaults(path, bytes.NewReader(data[:durableLength]))
}
