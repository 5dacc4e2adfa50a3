package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/shaunagostinho/espfleet/internal/server"
)

func main() {
	configPath := flag.String("config", "/etc/espfleet/config.yaml", "Path to config file")
	bind := flag.String("bind", "", "Override bind address (e.g. 0.0.0.0)")
	port := flag.Int("port", 0, "Override listen port")
	noMDNS := flag.Bool("no-mdns", false, "Disable mDNS advertisement")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Printf("[main] espfleet %s starting", server.Version)

	cfg := server.LoadConfig(*configPath)
	if *bind != "" {
		cfg.BindAddress = *bind
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *noMDNS {
		cfg.MDNS.Enabled = false
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

	srv := server.New(cfg)
	if err := srv.Run(ctx); err != nil {
		log.Printf("[main] server exited: %v", err)
		os.Exit(1)
	}
}
