// Spins up fleeindexd, a Redis-protocol-compatible server backed by a
// lock-free in-memory index instead of a durable store.

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"runtime"

	"github.com/fleeindex/fleeindex/pkg/port"
	"github.com/fleeindex/fleeindex/pkg/utils"
)

var (
	printVersion = flag.Bool("print_version", false, "Print the version and exit.")
	numThreads   = flag.Int("num_threads", 0,
		"Concurrent worker slots to allocate for the index (defaults to GOMAXPROCS).")
)

func main() {
	flag.Parse()
	utils.InitLogging()

	if *printVersion {
		slog.Info("fleeindexd build info.", "version", utils.Version, "commit", utils.Commit, "build", utils.BuildTime)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, os.Kill)

	go func() { // Listen for OS interrupts in the background.
		select {
		case sig := <-signals:
			slog.Info("Received termination signal, cancelling server context.", "signal", sig)
			cancel()
		}
	}()

	threads := *numThreads
	if threads <= 0 {
		threads = runtime.GOMAXPROCS(0)
	}

	store := port.NewFleeStorage(threads)
	if err := port.RunRedisServer(ctx, store); err != nil {
		slog.Error("fleeindexd server stopped.", "err", err)
		os.Exit(1)
	}
}
