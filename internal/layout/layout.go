// Package layout maps record keys to the on-disk slot/bucket directory
// structure and implements the range-traversal algorithm used by the
// storage engine and step iterator to find the next bucket file in a key
// range.
//
// A key's 16 hex digits split as SSSSSSSSSS BBB KKK: the low 12 bits select
// an offset inside a bucket, the next 12 bits select a bucket inside a
// slot, and the top 40 bits select a slot. A bucket's path is
// "<channel_dir>/<slot, 10 lowercase hex digits>/<bucket, 3 lowercase hex
// digits>".
package layout

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/sociomantic/dlsnode/internal/dlslog"
	"github.com/sociomantic/dlsnode/pkg/fs"
)

const (
	// BucketBits is the number of low bits spanning a bucket's key range
	// (4096 keys per bucket).
	BucketBits = 12

	// SlotBits is the number of bits spanning a slot's bucket id space
	// (4096 buckets per slot).
	SlotBits = 12

	// MaxBucketID is the largest bucket id addressable inside one slot.
	MaxBucketID = uint64(1)<<SlotBits - 1

	// slotDirWidth is the fixed width of a slot directory name, in hex digits.
	slotDirWidth = 10

	// bucketFileWidth is the fixed width of a bucket file name, in hex digits.
	bucketFileWidth = 3

	// MinBucketFileSize is the smallest size a bucket file can have and
	// still possibly hold a record: the legacy record header (key + len,
	// 16 bytes) and the V1 file header (version + magic, 16 bytes) are both
	// exactly this size. Files smaller than this can hold no record and no
	// valid header, so traversal skips them.
	MinBucketFileSize = 16
)

// ErrInvalidRange is returned when a range query's min exceeds its max.
var ErrInvalidRange = errors.New("layout: min > max")

// Bucket identifies one bucket file and its position in key space.
type Bucket struct {
	Slot     uint64
	ID       uint64
	FirstKey uint64
	Path     string
}

// SlotOf extracts the slot id (top 40 bits) from a key.
func SlotOf(key uint64) uint64 {
	return key >> (BucketBits + SlotBits)
}

// BucketOf extracts the bucket id (middle 12 bits) from a key.
func BucketOf(key uint64) uint64 {
	return (key >> BucketBits) & MaxBucketID
}

// FirstKeyOfBucket returns the smallest theoretical key that could live in
// the given (slot, bucket).
func FirstKeyOfBucket(slot, bucket uint64) uint64 {
	return (slot << (BucketBits + SlotBits)) | (bucket << BucketBits)
}

// SlotDirName formats a slot id as the fixed-width, lowercase, hex directory
// name used on disk.
func SlotDirName(slot uint64) string {
	return fmt.Sprintf("%0*x", slotDirWidth, slot)
}

// BucketFileName formats a bucket id as the fixed-width, lowercase, hex file
// name used on disk.
func BucketFileName(bucket uint64) string {
	return fmt.Sprintf("%0*x", bucketFileWidth, bucket)
}

// BucketPath joins a channel directory, slot, and bucket into a full path.
func BucketPath(channelDir string, slot, bucket uint64) string {
	return filepath.Join(channelDir, SlotDirName(slot), BucketFileName(bucket))
}

func newBucket(channelDir string, slot, bucket uint64) Bucket {
	return Bucket{
		Slot:     slot,
		ID:       bucket,
		FirstKey: FirstKeyOfBucket(slot, bucket),
		Path:     BucketPath(channelDir, slot, bucket),
	}
}

// GetFirstBucketInRange returns the first (lowest-keyed) bucket file with
// any possible record in [minHash, maxHash], or ok=false if none exists.
func GetFirstBucketInRange(fsys fs.FS, channelDir string, minHash, maxHash uint64) (Bucket, bool, error) {
	if minHash > maxHash {
		return Bucket{}, false, ErrInvalidRange
	}

	minSlot, minBucket := SlotOf(minHash), BucketOf(minHash)
	maxSlot, maxBucket := SlotOf(maxHash), BucketOf(maxHash)

	return getFirstBucket(fsys, channelDir, minSlot, minBucket, maxSlot, maxBucket)
}

// GetNextBucket returns the first bucket file strictly after the bucket
// containing lastHash, within [.., maxHash], or ok=false at end-of-channel.
func GetNextBucket(fsys fs.FS, channelDir string, lastHash, maxHash uint64) (Bucket, bool, error) {
	slot := SlotOf(lastHash)
	bucket := BucketOf(lastHash)

	if bucket == MaxBucketID {
		slot++
		bucket = 0
	} else {
		bucket++
	}

	maxSlot, maxBucket := SlotOf(maxHash), BucketOf(maxHash)
	if slot > maxSlot || (slot == maxSlot && bucket > maxBucket) {
		return Bucket{}, false, nil
	}

	return getFirstBucket(fsys, channelDir, slot, bucket, maxSlot, maxBucket)
}

// getFirstBucket implements a two-level search: find the lowest slot
// directory in [minSlot, maxSlot], then scan
// candidate bucket ids inside it sequentially via Stat (cheaper than
// sorting a potentially large directory listing, since slots are usually
// dense). If the chosen slot yields nothing in range, it advances to the
// next candidate slot directory.
func getFirstBucket(fsys fs.FS, channelDir string, minSlot, minBucket, maxSlot, maxBucket uint64) (Bucket, bool, error) {
	for {
		slot, ok, err := lowestSlotDirInRange(fsys, channelDir, minSlot, maxSlot)
		if err != nil || !ok {
			return Bucket{}, false, err
		}

		startBucket := uint64(0)
		if slot == minSlot {
			startBucket = minBucket
		}

		endBucket := MaxBucketID
		if slot == maxSlot {
			endBucket = maxBucket
		}

		b, ok, err := scanBucketsInSlot(fsys, channelDir, slot, startBucket, endBucket)
		if err != nil {
			return Bucket{}, false, err
		}
		if ok {
			return b, true, nil
		}

		if slot == maxSlot {
			return Bucket{}, false, nil
		}

		minSlot = slot + 1
		minBucket = 0
	}
}

// lowestSlotDirInRange lists channelDir and returns the numerically smallest
// hex-named subdirectory within [minSlot, maxSlot]. Non-hex entries are
// logged and skipped, per the layout-invalid error kind.
func lowestSlotDirInRange(fsys fs.FS, channelDir string, minSlot, maxSlot uint64) (uint64, bool, error) {
	entries, err := fsys.ReadDir(channelDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("layout: reading channel dir %q: %w", channelDir, err)
	}

	// os.ReadDir sorts lexicographically by name; fixed-width hex names
	// sort lexicographically in the same order as numerically, so the
	// first in-range entry encountered is the lowest.
	idx := sort.Search(len(entries), func(i int) bool {
		if !entries[i].IsDir() {
			return false
		}
		slot, ok := parseHexSlot(entries[i].Name())
		return ok && slot >= minSlot
	})

	for ; idx < len(entries); idx++ {
		if !entries[idx].IsDir() {
			continue
		}

		slot, ok := parseHexSlot(entries[idx].Name())
		if !ok {
			dlslog.Default().Warn("layout: skipping non-hex slot directory",
				"channel_dir", channelDir, "name", entries[idx].Name())
			continue
		}

		if slot > maxSlot {
			return 0, false, nil
		}
		if slot >= minSlot {
			return slot, true, nil
		}
	}

	return 0, false, nil
}

// scanBucketsInSlot stats candidate bucket file names sequentially from
// startBucket to endBucket, returning the first one that exists and is at
// least MinBucketFileSize bytes.
func scanBucketsInSlot(fsys fs.FS, channelDir string, slot, startBucket, endBucket uint64) (Bucket, bool, error) {
	slotDir := filepath.Join(channelDir, SlotDirName(slot))

	for bucket := startBucket; bucket <= endBucket; bucket++ {
		path := filepath.Join(slotDir, BucketFileName(bucket))

		info, err := fsys.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				if bucket == MaxBucketID {
					break
				}
				continue
			}
			return Bucket{}, false, fmt.Errorf("layout: stat %q: %w", path, err)
		}

		if info.Size() < MinBucketFileSize {
			if bucket == MaxBucketID {
				break
			}
			continue
		}

		return newBucket(channelDir, slot, bucket), true, nil
	}

	return Bucket{}, false, nil
}

func parseHexSlot(name string) (uint64, bool) {
	if len(name) != slotDirWidth {
		return 0, false
	}
	v, err := strconv.ParseUint(name, 16, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// RemoveFiles deletes every bucket file under every slot directory of base,
// then removes each now-empty slot directory. Used by explicit
// channel-remove.
func RemoveFiles(fsys fs.FS, base string) error {
	entries, err := fsys.ReadDir(base)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("layout: reading channel dir %q: %w", base, err)
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}

		if _, ok := parseHexSlot(e.Name()); !ok {
			dlslog.Default().Warn("layout: skipping non-hex entry during remove",
				"base", base, "name", e.Name())
			continue
		}

		slotDir := filepath.Join(base, e.Name())

		bucketEntries, err := fsys.ReadDir(slotDir)
		if err != nil {
			return fmt.Errorf("layout: reading slot dir %q: %w", slotDir, err)
		}

		for _, be := range bucketEntries {
			if err := fsys.Remove(filepath.Join(slotDir, be.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("layout: removing bucket file %q: %w", be.Name(), err)
			}
		}

		if err := fsys.Remove(slotDir); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("layout: removing slot dir %q: %w", slotDir, err)
		}
	}

	return fsys.Remove(base)
}
