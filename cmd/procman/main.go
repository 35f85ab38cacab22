// Command procman is the process manager binary: it takes ownership of
// the NEF pid file, loads the persistent worker registry, runs the
// broker in-process (so the C9 events bus can carry worker_connected/
// worker_disconnected/worker_failedHb straight from the broker core to
// the supervisor without a network hop), starts the configured worker
// fleet in dependency order, and babysits it until a termination signal
// arrives. The CLI surface mirrors spec.md §6's -j/-J/-s/-r/-c flags;
// the cobra/viper wiring follows client/cmd/cli.go.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/nef-run/nef/internal/broker"
	"github.com/nef-run/nef/internal/config"
	"github.com/nef-run/nef/internal/eventbus"
	"github.com/nef-run/nef/internal/logging"
	"github.com/nef-run/nef/internal/procman"
	"github.com/nef-run/nef/internal/transport"
)

var (
	cfgFile     string
	just        []string
	trulyJust   []string
	skip        []string
	reset       bool
	forceColors bool

	rootCmd = &cobra.Command{
		Use:   "procman",
		Short: "NEF process manager: starts and supervises the worker fleet",
		RunE:  run,
	}
)

func init() {
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "path to config file")
	rootCmd.Flags().StringArrayVarP(&just, "just", "j", nil, "start only this worker and its require chain (repeatable)")
	rootCmd.Flags().StringArrayVarP(&trulyJust, "truly-just", "J", nil, "start only this worker, skipping required dependencies (repeatable)")
	rootCmd.Flags().StringArrayVarP(&skip, "skip", "s", nil, "exclude this worker from startup (repeatable)")
	rootCmd.Flags().BoolVarP(&reset, "reset", "r", false, "erase the persistent worker table (no workers are re-registered from config)")
	rootCmd.Flags().BoolVarP(&forceColors, "colors", "c", false, "force color output")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "procman:", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "procman:", err)
		os.Exit(1)
	}
	cfg.ProcessType = "procman"

	if err := logging.Init(*cfg, "procman"); err != nil {
		fmt.Fprintln(os.Stderr, "procman:", err)
		os.Exit(1)
	}
	if forceColors {
		log.SetFormatter(&log.TextFormatter{ForceColors: true, FullTimestamp: true})
	}

	varDir := cfg.VarDir
	if varDir == "" {
		varDir, err = procman.DefaultVarDir()
		if err != nil {
			log.WithFields(log.Fields{"error": err}).Error("procman: failed to resolve var directory")
			os.Exit(1)
		}
	}
	if err := os.MkdirAll(varDir, 0o755); err != nil {
		log.WithFields(log.Fields{"error": err}).Error("procman: failed to create var directory")
		os.Exit(1)
	}

	pidPath := filepath.Join(varDir, "procman.pid")
	if err := procman.UpdatePidFile(pidPath, procman.PidFileOptions{ProcessType: "procman", KillCurrent: false}); err != nil {
		log.WithFields(log.Fields{"error": err, "path": pidPath}).Error("procman: failed to take pid file ownership")
		os.Exit(1)
	}
	defer os.Remove(pidPath)

	registryPath := cfg.Procman.RegistryPath
	if registryPath == "" {
		registryPath = filepath.Join(varDir, "workers.yaml")
	}
	registry, err := procman.NewRegistry(registryPath)
	if err != nil {
		log.WithFields(log.Fields{"error": err}).Error("procman: failed to load worker registry")
		os.Exit(1)
	}
	defer registry.Close()

	if reset {
		if err := registry.Reset(); err != nil {
			log.WithFields(log.Fields{"error": err}).Error("procman: failed to reset worker registry")
			os.Exit(1)
		}
		log.Info("procman: worker registry reset")
	}

	endpoints := []string{"ipc://" + cfg.Broker.IPCFile}
	if cfg.Broker.TCPAddress != "" {
		endpoints = append(endpoints, cfg.Broker.TCPAddress)
	}
	mr, err := transport.BindRouters(endpoints...)
	if err != nil {
		log.WithFields(log.Fields{"error": err}).Error("procman: failed to bind broker transport")
		os.Exit(1)
	}
	defer mr.Close()

	events := eventbus.New(eventbus.Joint)
	ctx, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}

	wg.Add(1)
	go events.Run(ctx, wg)

	b := broker.New(mr, events, cfg.Broker.ReconnectGrace)
	registry.SetStatsSource(b)

	brokerDone := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.Run(mr, brokerDone)
	}()

	sup := procman.NewSupervisor(registry, events, procman.SupervisorConfig{
		BaseBackoff:      cfg.Procman.BaseBackoff,
		MaxBackoff:       cfg.Procman.MaxBackoff,
		StableWindow:     cfg.Procman.StableWindow,
		RequireTimeout:   cfg.Procman.RequireTimeout,
		GracefulKill:     cfg.Procman.GracefulKill,
		ForceKill:        cfg.Procman.ForceKill,
		MemGuardInterval: cfg.Procman.MemGuardInterval,
	})

	result, err := sup.Start(procman.StartOptions{Just: just, TrulyJust: trulyJust, Skip: skip})
	if err != nil {
		log.WithFields(log.Fields{"error": err}).Error("procman: fatal error resolving start order")
		os.Exit(1)
	}
	log.WithFields(log.Fields{
		"online": result.Online, "failed": result.Failed, "failedWorkers": result.FailedWorkers,
	}).Info("procman: initial start complete")

	go sup.RunMemoryGuard(ctx)

	termChan := make(chan os.Signal, 1)
	signal.Notify(termChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	sig := <-termChan

	log.WithFields(log.Fields{"signal": sig}).Info("procman: received termination signal, shutting down")
	sup.Stop()
	close(brokerDone)
	cancel()
	wg.Wait()

	switch sig {
	case syscall.SIGINT:
		os.Exit(130)
	case syscall.SIGTERM:
		os.Exit(137)
	case syscall.SIGHUP:
		os.Exit(129)
	}
	return nil
}
