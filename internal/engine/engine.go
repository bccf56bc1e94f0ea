// Package engine implements the storage engine (component C5): one actor
// goroutine per channel owning that channel's writer LRU and servicing
// put/getRange/getAll/flush/removeChannel/stats requests sent over a
// command channel, plus registration with the checkpoint log so a
// commit-log commit always reflects exactly what has been fsynced. Every
// channel actor shares one Engine-owned async I/O pool for fsync calls, so
// the number of outstanding fsyncs across the whole node is bounded by
// Config.NumberOfThreadWorkers rather than by the number of active channels.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/sociomantic/dlsnode/internal/aio"
	"github.com/sociomantic/dlsnode/internal/bucket"
	"github.com/sociomantic/dlsnode/internal/checkpoint"
	"github.com/sociomantic/dlsnode/internal/dlslog"
	"github.com/sociomantic/dlsnode/internal/layout"
	"github.com/sociomantic/dlsnode/pkg/fs"
)

// ErrChannelNotFound is returned for operations on a channel that was
// never created and has no bucket files on disk.
var ErrChannelNotFound = errors.New("engine: channel not found")

// Record is one decoded (key, value) pair returned by a range read.
type Record struct {
	Key   uint64
	Value []byte
}

// Config holds the per-engine tunables the spec exposes as configuration.
type Config struct {
	RootDir               string
	FileBufferSize        int
	WriteBufferSize       int
	WriterLRUCapacity     int
	MaxBucketSize         int64
	NumberOfThreadWorkers int
}

// Engine owns every channel's storage and commit-log state.
type Engine struct {
	cfg  Config
	fs   fs.FS
	cp   *checkpoint.Log
	pool *aio.Pool

	mu       sync.Mutex
	channels map[string]*channelActor
}

// writerEntry is one cached open writer plus whether it has unflushed
// appends since the last commit.
type writerEntry struct {
	bf             *bucket.File
	firstKey       uint64
	needsFlush     bool
	needsCheckpoint bool
}

// Open loads the commit log at <rootDir>/commitlog and returns a ready
// Engine. It does not eagerly open every channel's buckets; actors are
// created lazily on first use per channel.
func Open(fsys fs.FS, cfg Config) (*Engine, error) {
	if cfg.WriterLRUCapacity <= 0 {
		cfg.WriterLRUCapacity = 3
	}
	if cfg.NumberOfThreadWorkers <= 0 {
		cfg.NumberOfThreadWorkers = 4
	}

	cp, err := checkpoint.Open(fsys, filepath.Join(cfg.RootDir, "commitlog"))
	if err != nil {
		return nil, err
	}

	return &Engine{
		cfg:      cfg,
		fs:       fsys,
		cp:       cp,
		pool:     aio.New(cfg.NumberOfThreadWorkers, aio.NewOSBackend()),
		channels: make(map[string]*channelActor),
	}, nil
}

func (e *Engine) channelDir(channel string) string {
	return filepath.Join(e.cfg.RootDir, channel)
}

// actorFor returns the channel's actor, starting it (and recovering its
// on-disk state per the commit log) on first access.
func (e *Engine) actorFor(channel string) (*channelActor, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if a, ok := e.channels[channel]; ok {
		return a, nil
	}

	dir := e.channelDir(channel)
	if err := e.fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("engine: create channel dir %s: %w", dir, err)
	}

	if err := recoverChannel(e.fs, e.cp, channel, dir); err != nil {
		return nil, err
	}

	a := newChannelActor(e, channel, dir)
	e.channels[channel] = a
	return a, nil
}

// recoverChannel truncates every bucket file under dir back to its last
// committed durable length, undoing any append that didn't survive a
// crash.
func recoverChannel(fsys fs.FS, cp *checkpoint.Log, channel, dir string) error {
	entries, err := fsys.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("engine: read channel dir %s: %w", dir, err)
	}

	for _, slotEntry := range entries {
		if !slotEntry.IsDir() {
			continue
		}
		slotDir := filepath.Join(dir, slotEntry.Name())

		bucketEntries, err := fsys.ReadDir(slotDir)
		if err != nil {
			return fmt.Errorf("engine: read slot dir %s: %w", slotDir, err)
		}

		for _, bucketEntry := range bucketEntries {
			if bucketEntry.IsDir() {
				continue
			}
			path := filepath.Join(slotDir, bucketEntry.Name())

			firstKey, ok := firstKeyFromPath(dir, path)
			if !ok {
				continue
			}

			durable, ok := cp.DurableLength(checkpoint.Key{Channel: channel, FirstKey: firstKey})
			if !ok {
				continue
			}
			if err := checkpoint.TruncateBucket(fsys, path, durable); err != nil {
				return err
			}
		}
	}

	return nil
}

func firstKeyFromPath(channelDir, path string) (uint64, bool) {
	rel, err := filepath.Rel(channelDir, path)
	if err != nil {
		return 0, false
	}
	slotName := filepath.Dir(rel)
	bucketName := filepath.Base(rel)

	var slot, bkt uint64
	if _, err := fmt.Sscanf(slotName, "%x", &slot); err != nil {
		return 0, false
	}
	if _, err := fmt.Sscanf(bucketName, "%x", &bkt); err != nil {
		return 0, false
	}
	return layout.FirstKeyOfBucket(slot, bkt), true
}

// Put appends value under key on channel, opening (or reusing from the
// writer LRU) the bucket file the key decomposes into.
func (e *Engine) Put(ctx context.Context, channel string, key uint64, value []byte) error {
	a, err := e.actorFor(channel)
	if err != nil {
		return err
	}
	return a.put(ctx, key, value)
}

// GetRange returns every record on channel with key in [minKey, maxKey].
// Buckets are visited in ascending first-key order; records within a
// bucket come back in the order they were appended, not sorted by key.
func (e *Engine) GetRange(ctx context.Context, channel string, minKey, maxKey uint64) ([]Record, error) {
	a, err := e.actorFor(channel)
	if err != nil {
		return nil, err
	}
	return a.getRange(ctx, minKey, maxKey)
}

// GetAll returns every record on channel, in the same order as GetRange.
func (e *Engine) GetAll(ctx context.Context, channel string) ([]Record, error) {
	return e.GetRange(ctx, channel, 0, ^uint64(0))
}

// Flush fsyncs every dirty writer on channel and commits the checkpoint
// log, so every record appended before this call is guaranteed durable
// afterwards.
func (e *Engine) Flush(ctx context.Context, channel string) error {
	a, err := e.actorFor(channel)
	if err != nil {
		return err
	}
	if err := a.flush(ctx); err != nil {
		return err
	}
	return e.cp.Commit()
}

// FlushAll flushes every known channel concurrently (each channel's actor
// already serializes its own writers, so the channels themselves can be
// flushed in parallel) and then commits the checkpoint log once, covering
// every channel's newly-flushed state in a single rewrite.
func (e *Engine) FlushAll(ctx context.Context) error {
	e.mu.Lock()
	actors := make([]*channelActor, 0, len(e.channels))
	for _, a := range e.channels {
		actors = append(actors, a)
	}
	e.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, a := range actors {
		g.Go(func() error { return a.flush(gctx) })
	}
	if err := g.Wait(); err != nil {
		return err
	}

	return e.cp.Commit()
}

// RemoveChannel closes and deletes all of a channel's state, on disk and
// in the commit log.
func (e *Engine) RemoveChannel(ctx context.Context, channel string) error {
	e.mu.Lock()
	a, ok := e.channels[channel]
	delete(e.channels, channel)
	e.mu.Unlock()

	if ok {
		if err := a.shutdown(ctx); err != nil {
			return err
		}
	}

	e.cp.Remove(channel)
	if err := e.cp.Commit(); err != nil {
		return err
	}

	dir := e.channelDir(channel)
	if err := layout.RemoveFiles(e.fs, dir); err != nil {
		return fmt.Errorf("engine: remove channel dir %s: %w", dir, err)
	}

	dlslog.Default().Info("engine: removed channel", "channel", channel)
	return nil
}

// Stats is a point-in-time snapshot of the engine's state, for operator
// visibility (the dlsctl "stats" command and any monitoring integration).
type Stats struct {
	Channels map[string]ChannelStats
}

// ChannelStats summarizes one channel's in-memory state.
type ChannelStats struct {
	OpenWriters int
}

// Stats returns a snapshot across every channel with an active actor.
// Channels that exist on disk but have never been touched this process
// are not included.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := Stats{Channels: make(map[string]ChannelStats, len(e.channels))}
	for name, a := range e.channels {
		out.Channels[name] = ChannelStats{OpenWriters: a.openWriterCount()}
	}
	return out
}

// Shutdown flushes and stops every channel actor.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	actors := make([]*channelActor, 0, len(e.channels))
	for _, a := range e.channels {
		actors = append(actors, a)
	}
	e.channels = make(map[string]*channelActor)
	e.mu.Unlock()

	for _, a := range actors {
		if err := a.shutdown(ctx); err != nil {
			return err
		}
	}

	err := e.cp.Commit()
	e.pool.Shutdown()
	return err
}
