// dlsbench seeds a channel with randomly-keyed records and then measures
// the throughput of a full-channel scan, tagging each run with a UUIDv7 so
// repeated runs against the same data directory are distinguishable in
// logs.
package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"time"

	flag "github.com/spf13/pflag"
	"github.com/google/uuid"

	"github.com/sociomantic/dlsnode/internal/engine"
	"github.com/sociomantic/dlsnode/pkg/fs"
)

// fillRandom fills dst with pseudo-random bytes eight at a time, since
// math/rand/v2 no longer exposes a package-level Read.
func fillRandom(dst []byte) {
	for i := 0; i < len(dst); i += 8 {
		var buf [8]byte
		v := rand.Uint64()
		for j := range buf {
			buf[j] = byte(v >> (8 * j))
		}
		copy(dst[i:], buf[:])
	}
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, out, errOut *os.File) int {
	flagSet := flag.NewFlagSet("dlsbench", flag.ContinueOnError)
	flagSet.SetOutput(errOut)

	dataDir := flagSet.StringP("data-dir", "d", "", "data directory (required; a fresh temp one is recommended)")
	channel := flagSet.StringP("channel", "c", "bench", "channel name to seed and scan")
	count := flagSet.IntP("count", "n", 10000, "number of records to seed")
	valueSize := flagSet.IntP("value-size", "s", 128, "value size in bytes")

	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if *dataDir == "" {
		fmt.Fprintln(errOut, "error: --data-dir is required")
		return 2
	}

	runID, err := uuid.NewV7()
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}

	fsys := fs.NewReal()
	eng, err := engine.Open(fsys, engine.Config{RootDir: *dataDir, WriterLRUCapacity: 4})
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}

	ctx := context.Background()
	fmt.Fprintf(out, "run %s: seeding %d records of %d bytes into channel %q\n", runID, *count, *valueSize, *channel)

	value := make([]byte, *valueSize)
	seedStart := time.Now()
	for i := range *count {
		key := rand.Uint64()
		fillRandom(value)
		if err := eng.Put(ctx, *channel, key, value); err != nil {
			fmt.Fprintf(errOut, "put %d: %v\n", i, err)
			return 1
		}
	}
	seedElapsed := time.Since(seedStart)

	if err := eng.Flush(ctx, *channel); err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}

	scanStart := time.Now()
	recs, err := eng.GetAll(ctx, *channel)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	scanElapsed := time.Since(scanStart)

	fmt.Fprintf(out, "seeded %d records in %s (%.0f records/sec)\n",
		*count, seedElapsed, float64(*count)/seedElapsed.Seconds())
	fmt.Fprintf(out, "scanned %d records in %s (%.0f records/sec)\n",
		len(recs), scanElapsed, float64(len(recs))/scanElapsed.Seconds())

	return 0
}
