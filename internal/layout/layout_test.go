package layout

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/sociomantic/dlsnode/pkg/fs"
)

func touchBucket(t *testing.T, fsys fs.FS, channelDir string, slot, bucket uint64, size int) {
	t.Helper()

	path := BucketPath(channelDir, slot, bucket)
	if err := fsys.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	f, err := fsys.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	if _, err := f.Write(make([]byte, size)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func Test_SlotOf_BucketOf_RoundTripFirstKey(t *testing.T) {
	for _, key := range []uint64{0, 1, 0xfff, 0x1000, 0xffffff, 0x123456789abc} {
		slot := SlotOf(key)
		bucket := BucketOf(key)
		first := FirstKeyOfBucket(slot, bucket)

		if first > key {
			t.Fatalf("key=%#x: FirstKeyOfBucket(%d,%d)=%#x > key", key, slot, bucket, first)
		}
		if key-first >= 1<<BucketBits {
			t.Fatalf("key=%#x: offset into bucket %#x exceeds bucket size", key, key-first)
		}
	}
}

func Test_GetFirstBucketInRange_RejectsInvertedRange(t *testing.T) {
	_, _, err := GetFirstBucketInRange(fs.NewReal(), t.TempDir(), 10, 5)
	if !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("err=%v, want ErrInvalidRange", err)
	}
}

func Test_GetFirstBucketInRange_EmptyChannel_ReturnsNotOK(t *testing.T) {
	dir := t.TempDir()
	_, ok, err := GetFirstBucketInRange(fs.NewReal(), dir, 0, ^uint64(0))
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if ok {
		t.Fatalf("expected no bucket in an empty channel dir")
	}
}

func Test_GetFirstBucketInRange_FindsLowestInRangeAcrossSlots(t *testing.T) {
	fsys := fs.NewReal()
	dir := t.TempDir()

	touchBucket(t, fsys, dir, 0, 5, MinBucketFileSize)
	touchBucket(t, fsys, dir, 2, 1, MinBucketFileSize)
	touchBucket(t, fsys, dir, 2, 3, MinBucketFileSize)

	b, ok, err := GetFirstBucketInRange(fsys, dir, FirstKeyOfBucket(1, 0), ^uint64(0))
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if !ok {
		t.Fatalf("expected a bucket in range")
	}
	if b.Slot != 2 || b.ID != 1 {
		t.Fatalf("got slot=%d bucket=%d, want slot=2 bucket=1", b.Slot, b.ID)
	}
}

func Test_GetFirstBucketInRange_SkipsFilesBelowMinSize(t *testing.T) {
	fsys := fs.NewReal()
	dir := t.TempDir()

	touchBucket(t, fsys, dir, 0, 0, MinBucketFileSize-1)
	touchBucket(t, fsys, dir, 0, 1, MinBucketFileSize)

	b, ok, err := GetFirstBucketInRange(fsys, dir, 0, ^uint64(0))
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if !ok || b.ID != 1 {
		t.Fatalf("got ok=%v id=%d, want ok=true id=1", ok, b.ID)
	}
}

func Test_GetNextBucket_AdvancesWithinSlot(t *testing.T) {
	fsys := fs.NewReal()
	dir := t.TempDir()

	touchBucket(t, fsys, dir, 0, 1, MinBucketFileSize)
	touchBucket(t, fsys, dir, 0, 4, MinBucketFileSize)

	lastKey := FirstKeyOfBucket(0, 1)
	b, ok, err := GetNextBucket(fsys, dir, lastKey, ^uint64(0))
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if !ok || b.Slot != 0 || b.ID != 4 {
		t.Fatalf("got ok=%v slot=%d id=%d, want ok=true slot=0 id=4", ok, b.Slot, b.ID)
	}
}

func Test_GetNextBucket_CrossesIntoNextSlot_AtMaxBucketID(t *testing.T) {
	fsys := fs.NewReal()
	dir := t.TempDir()

	touchBucket(t, fsys, dir, 1, 0, MinBucketFileSize)

	lastKey := FirstKeyOfBucket(0, MaxBucketID)
	b, ok, err := GetNextBucket(fsys, dir, lastKey, ^uint64(0))
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if !ok || b.Slot != 1 || b.ID != 0 {
		t.Fatalf("got ok=%v slot=%d id=%d, want ok=true slot=1 id=0", ok, b.Slot, b.ID)
	}
}

func Test_GetNextBucket_ReturnsNotOK_AtEndOfMaxKey(t *testing.T) {
	fsys := fs.NewReal()
	dir := t.TempDir()

	touchBucket(t, fsys, dir, 0, 0, MinBucketFileSize)

	maxKey := FirstKeyOfBucket(0, 0)
	_, ok, err := GetNextBucket(fsys, dir, maxKey, maxKey)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if ok {
		t.Fatalf("expected no next bucket when already at maxHash")
	}
}

func Test_RemoveFiles_DeletesSlotsAndChannelDir(t *testing.T) {
	fsys := fs.NewReal()
	dir := t.TempDir()

	touchBucket(t, fsys, dir, 0, 0, MinBucketFileSize)
	touchBucket(t, fsys, dir, 1, 2, MinBucketFileSize)

	if err := RemoveFiles(fsys, dir); err != nil {
		t.Fatalf("RemoveFiles: %v", err)
	}

	if _, err := fsys.Stat(dir); err == nil {
		t.Fatalf("expected channel dir to be removed")
	}
}

func Test_RemoveFiles_MissingDir_IsNoOp(t *testing.T) {
	fsys := fs.NewReal()
	if err := RemoveFiles(fsys, filepath.Join(t.TempDir(), "missing")); err != nil {
		t.Fatalf("RemoveFiles: %v", err)
	}
}
