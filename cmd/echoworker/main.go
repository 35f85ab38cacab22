// Command echoworker is the sample worker procman supervises to exercise
// locking, async, timeout and progress-notification behavior (spec.md §8
// scenarios 1, 2, 3, 6). Signal handling follows proxy/main.go's main().
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/nef-run/nef/internal/config"
	"github.com/nef-run/nef/internal/echoworker"
	"github.com/nef-run/nef/internal/logging"
	"github.com/nef-run/nef/internal/workerhost"
)

func main() {
	cfgFile := flag.String("config", "", "path to config file")
	debug := flag.Bool("debug", false, "log that the worker runs in debug mode (no debug port is opened; heartbeat checks are suppressed by the supervisor, spec.md §4.7)")
	flag.Parse()

	cfg, err := config.Load(*cfgFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "echoworker:", err)
		os.Exit(1)
	}
	if err := logging.Init(*cfg, "echoworker"); err != nil {
		fmt.Fprintln(os.Stderr, "echoworker:", err)
		os.Exit(1)
	}
	if *debug {
		log.Info("echoworker: started in debug mode, heartbeat checks suppressed by the supervisor")
	}

	endpoint := "ipc://" + cfg.Broker.IPCFile
	host, err := workerhost.New(endpoint, echoworker.Name, echoworker.NewDispatcher())
	if err != nil {
		log.WithFields(log.Fields{"error": err}).Fatal("echoworker: failed to connect to broker")
	}
	defer host.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- host.Run(ctx) }()

	termChan := make(chan os.Signal, 1)
	signal.Notify(termChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-termChan:
		log.Debug("echoworker received termination signal")
		cancel()
		<-errCh
	case err := <-errCh:
		if err != nil {
			log.WithFields(log.Fields{"error": err}).Error("echoworker: connection loop exited")
			os.Exit(1)
		}
	}

	log.Debug("echoworker exiting")
}
