// Package bucket implements reading and appending to a single bucket file:
// legacy ({key, len, value} records with no file header) and Version1
// ({key, len, parity, value} records behind a 16-byte file header), plus
// the race-tolerant end-of-bucket detection a live reader needs when it
// may be racing a writer still appending to the same file.
package bucket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sociomantic/dlsnode/internal/dlslog"
	"github.com/sociomantic/dlsnode/internal/inputbuf"
	"github.com/sociomantic/dlsnode/pkg/fs"
)

// osAppendFlags opens (creating if needed) a bucket file for append-only
// writes.
const osAppendFlags = os.O_APPEND | os.O_CREATE | os.O_RDWR

// ErrSizeLimitExceeded is returned by Append when the write would grow the
// bucket file past the configured maximum.
var ErrSizeLimitExceeded = errors.New("bucket: size limit exceeded")

// ErrUnsupportedVersion is returned when a bucket file's header declares a
// version newer than this implementation understands.
var ErrUnsupportedVersion = errors.New("bucket: unsupported version")

// File wraps an open bucket file for either reading or appending. Readers
// buffer through an inputbuf.Buffer; a File opened for append writes
// directly (callers batch records before calling Append, matching the
// engine's write-buffer flush policy).
type File struct {
	f       fs.File
	path    string
	version Version

	in  *inputbuf.Buffer
	pos int64 // next unread offset, for reads

	writable bool
	size     int64 // cached size, refreshed on demand by readers
}

// Open opens path for reading. A freshly created, empty file and a legacy
// file with no header are both valid: Open classifies the file by peeking
// its first HeaderSize bytes, and repositions the read cursor to 0 when no
// header is present.
func Open(fsys fs.FS, path string, bufCapacity int) (*File, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return nil, fmt.Errorf("bucket: open %s: %w", path, err)
	}

	bf := &File{f: f, path: path, in: inputbuf.New(bufCapacity)}

	if err := bf.classify(); err != nil {
		_ = f.Close()
		return nil, err
	}

	return bf, nil
}

// OpenForAppend opens (creating if necessary) path for appending new
// records, writing a fresh Version1 file header if the file is empty.
func OpenForAppend(fsys fs.FS, path string) (*File, error) {
	f, err := fsys.OpenFile(path, osAppendFlags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("bucket: open %s for append: %w", path, err)
	}

	bf := &File{f: f, path: path, writable: true, version: CurrentVersion}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("bucket: stat %s: %w", path, err)
	}

	if info.Size() == 0 {
		if _, err := f.Write(EncodeFileHeader(CurrentVersion)); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("bucket: write header %s: %w", path, err)
		}
	} else {
		existing, err := sniffVersion(f)
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		bf.version = existing
	}

	bf.size = info.Size()
	if bf.size == 0 {
		bf.size = HeaderSize
	}
	return bf, nil
}

// classify peeks the first HeaderSize bytes to decide legacy vs versioned,
// leaving the read cursor positioned at the first record (0 for legacy,
// HeaderSize for versioned).
func (bf *File) classify() error {
	v, err := sniffVersion(bf.f)
	if err != nil {
		return err
	}
	bf.version = v

	if v == VersionLegacy {
		if _, err := bf.f.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("bucket: seek %s: %w", bf.path, err)
		}
		bf.pos = 0
	} else {
		bf.pos = HeaderSize
	}
	return nil
}

// sniffVersion reads up to the first HeaderSize bytes of f and reports the
// bucket's version. The file offset is left just past the bytes read;
// callers reposition explicitly where that matters.
func sniffVersion(f fs.File) (Version, error) {
	head := make([]byte, HeaderSize)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF { //nolint:errorlint
		return 0, fmt.Errorf("bucket: read header: %w", err)
	}

	v, ok := DecodeFileHeader(head[:n])
	if !ok {
		return VersionLegacy, nil
	}
	if v > MaxSupportedVersion {
		return 0, fmt.Errorf("%w: version %d", ErrUnsupportedVersion, v)
	}
	return v, nil
}

// Path returns the bucket file's path.
func (bf *File) Path() string { return bf.path }

// Version reports the bucket file's record format.
func (bf *File) Version() Version { return bf.version }

// NextRecord reads the next record header. endOfBucket is true (with a nil
// error) whenever no further complete record is currently available: a
// short read at the true end of file, a header whose declared value length
// would run past the file's current size (a writer is still appending, or
// the tail was truncated by a crash), or — for Version1 — a parity
// mismatch. None of these surface as errors to the iterator: per the
// format's race-tolerant design, they are all indistinguishable outcomes
// to a reader that may simply be running ahead of a concurrent writer.
func (bf *File) NextRecord() (hdr Header, endOfBucket bool, err error) {
	hdrSize := recordHeaderSize(bf.version)
	buf := make([]byte, hdrSize)

	n, rerr := bf.in.ReadData(buf, bf.read)
	if rerr != nil || n < hdrSize {
		return Header{}, true, nil
	}

	hdr, ok := decodeRecordHeader(bf.version, buf)
	if !ok {
		dlslog.Default().Warn("bucket: parity mismatch, treating as end of bucket",
			"path", bf.path, "key", hdr.Key)
		return Header{}, true, nil
	}

	size, serr := bf.currentSize()
	if serr != nil {
		return Header{}, false, serr
	}

	if bf.pos+int64(hdrSize)+int64(hdr.Len) > size {
		return Header{}, true, nil
	}

	bf.pos += int64(hdrSize)
	return hdr, false, nil
}

// ReadValue reads exactly n bytes of record value following a header
// returned by NextRecord.
func (bf *File) ReadValue(n int) ([]byte, error) {
	buf := make([]byte, n)
	read, err := bf.in.ReadData(buf, bf.read)
	bf.pos += int64(read)
	if err != nil {
		return nil, fmt.Errorf("bucket: read value %s: %w", bf.path, err)
	}
	return buf, nil
}

// SkipValue advances past n bytes of record value without reading them.
func (bf *File) SkipValue(n int64) error {
	if err := bf.in.Discard(n, bf.seek); err != nil {
		return fmt.Errorf("bucket: skip value %s: %w", bf.path, err)
	}
	bf.pos += n
	return nil
}

func (bf *File) read(dst []byte) (int, error) { return bf.f.Read(dst) }

func (bf *File) seek(offset int64, whence int) (int64, error) { return bf.f.Seek(offset, whence) }

// currentSize refreshes and returns the file's current size, so NextRecord
// can distinguish "writer hasn't finished this record yet" from genuine
// corruption without needing a second file handle.
func (bf *File) currentSize() (int64, error) {
	info, err := bf.f.Stat()
	if err != nil {
		return 0, fmt.Errorf("bucket: stat %s: %w", bf.path, err)
	}
	bf.size = info.Size()
	return bf.size, nil
}

// Append writes one record (header + value) to a File opened with
// OpenForAppend. maxSize, if positive, bounds the file's total size;
// exceeding it returns ErrSizeLimitExceeded without writing anything.
func (bf *File) Append(key uint64, value []byte, maxSize int64) error {
	if !bf.writable {
		return fmt.Errorf("bucket: %s not opened for append", bf.path)
	}

	recSize := int64(recordHeaderSize(bf.version) + len(value))
	if maxSize > 0 && bf.size+recSize > maxSize {
		return fmt.Errorf("%w: %s would grow to %d bytes (limit %d)",
			ErrSizeLimitExceeded, bf.path, bf.size+recSize, maxSize)
	}

	buf := AppendRecord(make([]byte, 0, recSize), bf.version, key, value)
	if _, err := bf.f.Write(buf); err != nil {
		return fmt.Errorf("bucket: append %s: %w", bf.path, err)
	}

	bf.size += recSize
	return nil
}

// Flush commits buffered writes to stable storage.
func (bf *File) Flush() error {
	if err := bf.f.Sync(); err != nil {
		return fmt.Errorf("bucket: sync %s: %w", bf.path, err)
	}
	return nil
}

// Size returns the bucket file's current size as last observed by this
// File (updated by Append and by readers' currentSize refresh).
func (bf *File) Size() int64 { return bf.size }

// Fd exposes the underlying descriptor, for callers wiring Append/Flush
// through the async I/O pool.
func (bf *File) Fd() uintptr { return bf.f.Fd() }

// Close closes the underlying file.
func (bf *File) Close() error {
	if err := bf.f.Close(); err != nil {
		return fmt.Errorf("bucket: close %s: %w", bf.path, err)
	}
	return nil
}

// CloseAsync closes the underlying file through closeFn (the async I/O
// pool's Close) rather than calling the fs.File's Close directly, so a
// slow close syscall never blocks the writer's own goroutine beyond
// handing the descriptor to the pool.
func (bf *File) CloseAsync(ctx context.Context, closeFn func(context.Context, int) error) error {
	if err := closeFn(ctx, int(bf.f.Fd())); err != nil {
		return fmt.Errorf("bucket: close %s: %w", bf.path, err)
	}
	return nil
}
