// Command dlsnode runs a single DLS storage node: it loads a config file,
// opens the storage engine against its data directory, starts the
// checkpoint commit ticker, and blocks until a termination signal arrives.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/sociomantic/dlsnode/internal/config"
	"github.com/sociomantic/dlsnode/internal/dlslog"
	"github.com/sociomantic/dlsnode/internal/engine"
	"github.com/sociomantic/dlsnode/pkg/fs"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, out, errOut *os.File) int {
	flagSet := flag.NewFlagSet("dlsnode", flag.ContinueOnError)
	flagSet.SetOutput(errOut)

	configPath := flagSet.StringP("config", "c", "", "path to dlsnode.json config file")
	dataDir := flagSet.String("data-dir", "", "override the config file's data directory")

	if err := flagSet.Parse(args); err != nil {
		return 2
	}

	var cfg config.Config
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintln(errOut, err)
			return 1
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	logger := dlslog.New(out)
	dlslog.SetDefault(logger)

	fsys := fs.NewReal()
	if err := fsys.MkdirAll(cfg.DataDir, 0o755); err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}

	eng, err := engine.Open(fsys, engine.Config{
		RootDir:               cfg.DataDir,
		FileBufferSize:        cfg.FileBufferSize,
		WriteBufferSize:       cfg.WriteBufferSize,
		WriterLRUCapacity:     cfg.WriterLRUCapacity,
		MaxBucketSize:         cfg.MaxBucketSize,
		NumberOfThreadWorkers: cfg.NumberOfThreadWorkers,
	})
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}

	logger.Info("dlsnode: started", "data_dir", cfg.DataDir)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(time.Duration(cfg.CheckpointCommitSeconds) * time.Second)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ticker.C:
			if err := eng.FlushAll(ctx); err != nil {
				logger.Err("dlsnode: periodic checkpoint commit failed", "error", err)
			}
		case <-ctx.Done():
			break loop
		}
	}

	logger.Info("dlsnode: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := eng.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}

	return 0
}
