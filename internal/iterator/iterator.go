// Package iterator implements the step iterator (component C7): stepping
// record-by-record across the bucket files in a channel's key range,
// opening each bucket in turn via internal/layout and internal/bucket.
//
// StepIterator blocks the calling goroutine on each underlying file read.
// That's the natural fit for every consumer in this repo (the storage
// engine's own channel actor goroutine, dlsctl, a benchmark tool): each
// only ever has one range read in flight at a time, so a blocking call
// simply suspends that one goroutine, the same way the spec's fiber-based
// non-blocking Step exists to avoid stalling a whole single-threaded
// runtime. A future caller multiplexing many in-flight range reads on one
// goroutine would need a non-blocking variant of Next; none of the
// current callers do.
package iterator

import (
	"fmt"

	"github.com/sociomantic/dlsnode/internal/bucket"
	"github.com/sociomantic/dlsnode/internal/layout"
	"github.com/sociomantic/dlsnode/pkg/fs"
)

// Record is one decoded (key, value) pair.
type Record struct {
	Key   uint64
	Value []byte
}

// StepIterator walks every record in [minKey, maxKey] across a channel's
// bucket files. Buckets are visited in ascending first-key order; within a
// bucket, records are yielded in file (append) order, not sorted by key.
type StepIterator struct {
	fsys          fs.FS
	channelDir    string
	minKey, maxKey uint64
	bufCapacity   int

	cur     *bucket.File
	curMeta layout.Bucket
	done    bool
}

// NewStepIterator creates a step iterator over channelDir's buckets.
func NewStepIterator(fsys fs.FS, channelDir string, minKey, maxKey uint64, bufCapacity int) *StepIterator {
	return &StepIterator{fsys: fsys, channelDir: channelDir, minKey: minKey, maxKey: maxKey, bufCapacity: bufCapacity}
}

// Next returns the next in-range record, or ok=false once the range is
// exhausted.
func (it *StepIterator) Next() (rec Record, ok bool, err error) {
	if it.done {
		return Record{}, false, nil
	}

	for {
		if it.cur == nil {
			b, found, ferr := it.nextBucket()
			if ferr != nil {
				return Record{}, false, ferr
			}
			if !found {
				it.done = true
				return Record{}, false, nil
			}

			cur, oerr := bucket.Open(it.fsys, b.Path, it.bufCapacity)
			if oerr != nil {
				return Record{}, false, oerr
			}
			it.cur = cur
			it.curMeta = b
		}

		hdr, endOfBucket, rerr := it.cur.NextRecord()
		if rerr != nil {
			return Record{}, false, rerr
		}
		if endOfBucket {
			if cerr := it.cur.Close(); cerr != nil {
				return Record{}, false, cerr
			}
			it.cur = nil
			continue
		}

		if hdr.Key < it.minKey || hdr.Key > it.maxKey {
			if serr := it.cur.SkipValue(int64(hdr.Len)); serr != nil {
				return Record{}, false, serr
			}
			continue
		}

		val, verr := it.cur.ReadValue(int(hdr.Len))
		if verr != nil {
			return Record{}, false, verr
		}
		return Record{Key: hdr.Key, Value: val}, true, nil
	}
}

func (it *StepIterator) nextBucket() (layout.Bucket, bool, error) {
	if it.cur == nil && it.curMeta == (layout.Bucket{}) {
		return layout.GetFirstBucketInRange(it.fsys, it.channelDir, it.minKey, it.maxKey)
	}
	return layout.GetNextBucket(it.fsys, it.channelDir, it.curMeta.FirstKey, it.maxKey)
}

// Close releases the iterator's currently open bucket file, if any.
func (it *StepIterator) Close() error {
	if it.cur == nil {
		return nil
	}
	err := it.cur.Close()
	it.cur = nil
	if err != nil {
		return fmt.Errorf("iterator: close: %w", err)
	}
	return nil
}
