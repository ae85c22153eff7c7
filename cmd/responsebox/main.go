package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jamesdanedu/musicCog-sub000/internal/link"
	"github.com/jamesdanedu/musicCog-sub000/internal/logger"
	"github.com/jamesdanedu/musicCog-sub000/internal/server"
)

func main() {
	configPath := flag.String("config", "/etc/musiccog/config.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Run against a simulated response box")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8090)")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("[main] responsebox link starting")

	cfg := server.LoadConfig(*configPath)
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	// Build the hardware link. Demo mode swaps the serial transport for
	// the simulated box with spontaneous button activity.
	linkCfg := cfg.LinkConfig()
	var factory link.TransportFactory
	if *demo {
		factory = link.SimFactory(link.SimConfig{AutoPress: true})
		linkCfg.SettleDelay = 100 * time.Millisecond
	}
	hw := link.New(linkCfg, factory)
	defer hw.Close()

	// CSV event logger for the scoring pipeline.
	eventLog := logger.New(logger.Config{
		Enabled: cfg.Logging.Enabled,
		Path:    cfg.Logging.Path,
	})
	eventLog.Attach(hw)
	defer eventLog.Close()

	// First connection attempt. On failure the link keeps retrying with
	// backoff by itself, so the server starts regardless.
	if err := hw.Connect(); err != nil {
		log.Printf("[main] initial connect failed: %v (auto-reconnect engaged)", err)
	}

	srv := server.New(cfg, hw)
	if err := srv.Run(ctx); err != nil {
		log.Printf("[main] server exited: %v", err)
	}
}
