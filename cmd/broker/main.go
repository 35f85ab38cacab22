// Command broker runs the NEF broker: it binds the configured transport
// endpoints, wires up the worker table and request router, and serves
// until SIGINT/SIGTERM. Signal handling and lifecycle wiring follow
// proxy/main.go's main().
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/nef-run/nef/internal/broker"
	"github.com/nef-run/nef/internal/config"
	"github.com/nef-run/nef/internal/eventbus"
	"github.com/nef-run/nef/internal/logging"
	"github.com/nef-run/nef/internal/transport"
)

func main() {
	cfgFile := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "broker:", err)
		os.Exit(1)
	}

	if err := logging.Init(*cfg, "broker"); err != nil {
		fmt.Fprintln(os.Stderr, "broker:", err)
		os.Exit(1)
	}

	endpoints := []string{"ipc://" + cfg.Broker.IPCFile}
	if cfg.Broker.TCPAddress != "" {
		endpoints = append(endpoints, cfg.Broker.TCPAddress)
	}

	mr, err := transport.BindRouters(endpoints...)
	if err != nil {
		log.WithFields(log.Fields{"error": err}).Fatal("broker: failed to bind transport")
	}
	defer mr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}

	events := eventbus.New(eventbus.Joint)
	wg.Add(1)
	go events.Run(ctx, wg)

	b := broker.New(mr, events, cfg.Broker.ReconnectGrace)

	done := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.Run(mr, done)
	}()

	log.WithFields(log.Fields{"endpoints": endpoints}).Info("broker started")

	termChan := make(chan os.Signal, 1)
	signal.Notify(termChan, syscall.SIGINT, syscall.SIGTERM)
	<-termChan

	log.Debug("broker received termination signal")
	close(done)
	cancel()
	wg.Wait()

	log.Debug("broker exiting")
}
