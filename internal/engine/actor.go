package engine

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/sociomantic/dlsnode/internal/bucket"
	"github.com/sociomantic/dlsnode/internal/checkpoint"
	"github.com/sociomantic/dlsnode/internal/iterator"
	"github.com/sociomantic/dlsnode/internal/layout"
)

// channelActor owns one channel's writer LRU exclusively: every operation
// that touches it runs inside the actor's goroutine, reached by sending a
// closure over cmds. This is the Go-idiomatic replacement for the spec's
// single-threaded-fiber-per-channel model — the actor goroutine is the
// "event loop", and blocking I/O inside it suspends only this channel,
// never the whole process.
type channelActor struct {
	eng     *Engine
	channel string
	dir     string

	cmds chan func()
	done chan struct{}

	lru *writerLRU
}

func newChannelActor(eng *Engine, channel, dir string) *channelActor {
	a := &channelActor{
		eng:     eng,
		channel: channel,
		dir:     dir,
		cmds:    make(chan func()),
		done:    make(chan struct{}),
		lru:     newWriterLRU(eng.cfg.WriterLRUCapacity),
	}
	go a.run()
	return a
}

func (a *channelActor) run() {
	defer close(a.done)
	for cmd := range a.cmds {
		cmd()
	}
}

// call runs fn inside the actor goroutine and waits for it to finish,
// unless ctx is cancelled first (in which case fn may still run later; the
// caller simply stops waiting for it).
func (a *channelActor) call(ctx context.Context, fn func() error) error {
	resp := make(chan error, 1)
	select {
	case a.cmds <- func() { resp <- fn() }:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *channelActor) put(ctx context.Context, key uint64, value []byte) error {
	return a.call(ctx, func() error {
		w, err := a.writerFor(ctx, key)
		if err != nil {
			return err
		}

		if err := w.bf.Append(key, value, a.eng.cfg.MaxBucketSize); err != nil {
			return err
		}

		w.needsFlush = true
		w.needsCheckpoint = true
		return nil
	})
}

// writerFor returns the (possibly newly opened) writer for key's bucket,
// registering it with the checkpoint log on first open and closing
// whatever writer the LRU evicts to make room.
func (a *channelActor) writerFor(ctx context.Context, key uint64) (*writerEntry, error) {
	slot := layout.SlotOf(key)
	bucketID := layout.BucketOf(key)
	path := layout.BucketPath(a.dir, slot, bucketID)
	firstKey := layout.FirstKeyOfBucket(slot, bucketID)

	if w, ok := a.lru.get(path); ok {
		return w, nil
	}

	if err := a.eng.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("engine: create slot dir for %s: %w", path, err)
	}

	bf, err := bucket.OpenForAppend(a.eng.fs, path)
	if err != nil {
		return nil, err
	}

	w := &writerEntry{bf: bf, firstKey: firstKey}
	if _, ok := a.eng.cp.DurableLength(checkpoint.Key{Channel: a.channel, FirstKey: firstKey}); !ok {
		a.eng.cp.Set(checkpoint.Key{Channel: a.channel, FirstKey: firstKey}, bf.Size())
	}

	if evicted := a.lru.put(path, w); evicted != nil {
		if err := a.closeWriter(ctx, evicted); err != nil {
			return nil, err
		}
	}

	return w, nil
}

// syncWriter fsyncs w's bucket file through the engine's shared async I/O
// pool instead of calling Sync directly, so the number of fsyncs in flight
// at once across every channel's actor is bounded by
// NumberOfThreadWorkers rather than by however many channels happen to be
// flushing concurrently.
func (a *channelActor) syncWriter(ctx context.Context, w *writerEntry) error {
	return a.eng.pool.Fsync(ctx, int(w.bf.Fd()))
}

func (a *channelActor) closeWriter(ctx context.Context, w *writerEntry) error {
	if w.needsFlush {
		if err := a.syncWriter(ctx, w); err != nil {
			return err
		}
		a.eng.cp.Set(checkpoint.Key{Channel: a.channel, FirstKey: w.firstKey}, w.bf.Size())
	}
	return w.bf.CloseAsync(ctx, a.eng.pool.Close)
}

func (a *channelActor) flush(ctx context.Context) error {
	return a.call(ctx, func() error {
		for _, w := range a.lru.all() {
			if !w.needsFlush {
				continue
			}
			if err := a.syncWriter(ctx, w); err != nil {
				return err
			}
			a.eng.cp.Set(checkpoint.Key{Channel: a.channel, FirstKey: w.firstKey}, w.bf.Size())
			w.needsFlush = false
			w.needsCheckpoint = false
		}
		return nil
	})
}

// getRange streams a channel's [minKey, maxKey] range through an
// iterator.StepIterator, the component the storage engine's external
// interface documents as the shape of a range read, and materializes it
// into a slice for callers that want the whole result at once.
func (a *channelActor) getRange(ctx context.Context, minKey, maxKey uint64) ([]Record, error) {
	var out []Record
	err := a.call(ctx, func() error {
		if err := a.flushLocked(ctx); err != nil {
			return err
		}

		it := iterator.NewStepIterator(a.eng.fs, a.dir, minKey, maxKey, a.eng.cfg.FileBufferSize)
		defer it.Close()

		for {
			rec, ok, ierr := it.Next()
			if ierr != nil {
				return ierr
			}
			if !ok {
				return nil
			}
			out = append(out, Record{Key: rec.Key, Value: rec.Value})
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// flushLocked flushes every dirty writer and records its new length in the
// checkpoint log's memory without committing the log to disk, so a
// getRange sees its own channel's unflushed appends without paying for a
// full commit-log rewrite on every read.
func (a *channelActor) flushLocked(ctx context.Context) error {
	for _, w := range a.lru.all() {
		if !w.needsFlush {
			continue
		}
		if err := a.syncWriter(ctx, w); err != nil {
			return err
		}
		a.eng.cp.Set(checkpoint.Key{Channel: a.channel, FirstKey: w.firstKey}, w.bf.Size())
		w.needsFlush = false
	}
	return nil
}

func (a *channelActor) openWriterCount() int {
	resp := make(chan int, 1)
	select {
	case a.cmds <- func() { resp <- a.lru.len() }:
		return <-resp
	case <-a.done:
		return 0
	}
}

func (a *channelActor) shutdown(ctx context.Context) error {
	err := a.call(ctx, func() error {
		for _, w := range a.lru.all() {
			if cerr := a.closeWriter(ctx, w); cerr != nil {
				return cerr
			}
		}
		return nil
	})

	close(a.cmds)
	<-a.done

	if err != nil {
		return fmt.Errorf("engine: shutdown channel %s: %w", a.channel, err)
	}
	return nil
}
