// dlsctl is an interactive REPL for exercising a dlsnode data directory
// directly against the storage engine, without going through a running
// node process. Useful for inspection and manual testing.
//
// Commands:
//
//	put <channel> <key-hex> <value>    Append a record
//	get <channel> <key-hex>            Read one key's records
//	range <channel> <min-hex> <max-hex> Read a key range
//	all <channel>                      Read every record on a channel
//	flush <channel>                    Fsync and checkpoint a channel
//	rm <channel>                       Delete a channel entirely
//	stats                              Show open-writer counts
//	help                               Show this help
//	exit / quit / q                    Exit
package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/natefinch/atomic"
	flag "github.com/spf13/pflag"
	"github.com/peterh/liner"

	"github.com/sociomantic/dlsnode/internal/engine"
	"github.com/sociomantic/dlsnode/pkg/fs"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, out, errOut *os.File) int {
	flagSet := flag.NewFlagSet("dlsctl", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	dataDir := flagSet.StringP("data-dir", "d", "data", "path to the node's data directory")

	if err := flagSet.Parse(args); err != nil {
		return 2
	}

	eng, err := engine.Open(fs.NewReal(), engine.Config{RootDir: *dataDir, WriterLRUCapacity: 3})
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}

	repl := &replState{eng: eng, out: out, ctx: context.Background()}
	return repl.run()
}

type replState struct {
	eng   *engine.Engine
	out   io.Writer
	ctx   context.Context
	liner *liner.State
}

func (r *replState) run() int {
	r.liner = liner.NewLiner()
	defer r.liner.Close()
	r.liner.SetCtrlCAborts(true)

	historyPath := historyFilePath()
	if f, err := os.Open(historyPath); err == nil {
		r.liner.ReadHistory(f)
		f.Close()
	}

	for {
		line, err := r.liner.Prompt("dlsctl> ")
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				break
			}
			fmt.Fprintln(r.out, err)
			continue
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		r.liner.AppendHistory(line)

		if r.dispatch(line) {
			break
		}
	}

	var buf bytes.Buffer
	if _, err := r.liner.WriteHistory(&buf); err == nil {
		// a crash mid-write over the previous history file would otherwise
		// leave it truncated or empty.
		if err := atomic.WriteFile(historyPath, &buf); err != nil {
			fmt.Fprintln(r.out, "warning: could not save history:", err)
		}
	}

	return 0
}

func historyFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".dlsctl_history"
	}
	return filepath.Join(home, ".dlsctl_history")
}

// dispatch runs one REPL line, returning true when the REPL should exit.
func (r *replState) dispatch(line string) bool {
	fields := strings.Fields(line)
	cmd := fields[0]
	rest := fields[1:]

	switch cmd {
	case "exit", "quit", "q":
		return true
	case "help":
		fmt.Fprintln(r.out, "put <channel> <key-hex> <value> | get <channel> <key-hex> | range <channel> <min-hex> <max-hex> | all <channel> | flush <channel> | rm <channel> | stats | exit")
	case "put":
		r.cmdPut(rest)
	case "get":
		r.cmdRange(rest, true)
	case "range":
		r.cmdRange(rest, false)
	case "all":
		r.cmdAll(rest)
	case "flush":
		r.cmdFlush(rest)
	case "rm":
		r.cmdRemove(rest)
	case "stats":
		r.cmdStats()
	default:
		fmt.Fprintf(r.out, "unknown command: %s\n", cmd)
	}
	return false
}

func (r *replState) cmdPut(args []string) {
	if len(args) < 3 {
		fmt.Fprintln(r.out, "usage: put <channel> <key-hex> <value>")
		return
	}
	key, err := strconv.ParseUint(args[1], 16, 64)
	if err != nil {
		fmt.Fprintln(r.out, err)
		return
	}
	value := strings.Join(args[2:], " ")
	if err := r.eng.Put(r.ctx, args[0], key, []byte(value)); err != nil {
		fmt.Fprintln(r.out, err)
		return
	}
	fmt.Fprintln(r.out, "ok")
}

func (r *replState) cmdRange(args []string, singleKey bool) {
	if (singleKey && len(args) < 2) || (!singleKey && len(args) < 3) {
		fmt.Fprintln(r.out, "usage: get <channel> <key-hex> | range <channel> <min-hex> <max-hex>")
		return
	}

	minKey, err := strconv.ParseUint(args[1], 16, 64)
	if err != nil {
		fmt.Fprintln(r.out, err)
		return
	}
	maxKey := minKey
	if !singleKey {
		maxKey, err = strconv.ParseUint(args[2], 16, 64)
		if err != nil {
			fmt.Fprintln(r.out, err)
			return
		}
	}

	recs, err := r.eng.GetRange(r.ctx, args[0], minKey, maxKey)
	if err != nil {
		fmt.Fprintln(r.out, err)
		return
	}
	r.printRecords(recs)
}

func (r *replState) cmdAll(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(r.out, "usage: all <channel>")
		return
	}
	recs, err := r.eng.GetAll(r.ctx, args[0])
	if err != nil {
		fmt.Fprintln(r.out, err)
		return
	}
	r.printRecords(recs)
}

func (r *replState) printRecords(recs []engine.Record) {
	for _, rec := range recs {
		fmt.Fprintf(r.out, "%016x %s\n", rec.Key, rec.Value)
	}
	fmt.Fprintf(r.out, "(%d records)\n", len(recs))
}

func (r *replState) cmdFlush(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(r.out, "usage: flush <channel>")
		return
	}
	if err := r.eng.Flush(r.ctx, args[0]); err != nil {
		fmt.Fprintln(r.out, err)
		return
	}
	fmt.Fprintln(r.out, "ok")
}

func (r *replState) cmdRemove(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(r.out, "usage: rm <channel>")
		return
	}

	confirm, err := r.liner.Prompt(fmt.Sprintf("remove channel %q? (yes/no): ", args[0]))
	if err != nil || strings.TrimSpace(strings.ToLower(confirm)) != "yes" {
		fmt.Fprintln(r.out, "aborted")
		return
	}

	if err := r.eng.RemoveChannel(r.ctx, args[0]); err != nil {
		fmt.Fprintln(r.out, err)
		return
	}
	fmt.Fprintln(r.out, "ok")
}

func (r *replState) cmdStats() {
	stats := r.eng.Stats()
	for name, cs := range stats.Channels {
		fmt.Fprintf(r.out, "%s: open_writers=%d\n", name, cs.OpenWriters)
	}
}
