// Command bcached is the cache-set daemon: it loads a config, brings up
// the bucket allocator, B-tree, journal, and write pipeline, then serves
// the control socket until signalled to stop (spec §6 "cmd/bcached").
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/blockcache/bcached/bcachelog"
	"github.com/blockcache/bcached/config"
)

func main() {
	configPath := flag.String("config", "/etc/bcached.yaml", "path to the engine configuration file")
	debug := flag.Bool("debug", false, "enable debug-level logging")
	flag.Parse()

	log := bcachelog.Default()
	if *debug {
		log = log.With(map[string]string{"debug": "true"})
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	e, err := newEngine(cfg, log)
	if err != nil {
		log.Printf("bcached: startup failed: %v", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := e.run(ctx); err != nil && ctx.Err() == nil {
		log.Printf("bcached: %v", err)
		os.Exit(1)
	}
}
