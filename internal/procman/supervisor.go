package procman

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nef-run/nef/internal/broker"
	"github.com/nef-run/nef/internal/eventbus"
)

// SupervisorConfig tunes the respawn/cooldown and guard timers of
// spec.md §4.7. Zero values fall back to the spec's suggested defaults.
type SupervisorConfig struct {
	// BaseBackoff is the first respawn delay after an unclean exit.
	BaseBackoff time.Duration
	// MaxBackoff caps the doubling backoff (spec.md §4.7, P6).
	MaxBackoff time.Duration
	// StableWindow is how long a worker must run before an exit is no
	// longer considered a crash for backoff purposes.
	StableWindow time.Duration
	// RequireTimeout bounds how long a dependent worker waits for a
	// `require` predecessor to come online before being marked failed.
	RequireTimeout time.Duration
	// GracefulKill/ForceKill are the SIGTERM and SIGKILL wait windows
	// shared by heartbeat-restart and the memory guard.
	GracefulKill time.Duration
	ForceKill    time.Duration
	// MemGuardInterval is how often RSS is sampled for every running
	// worker (spec.md §4.7's memory guard).
	MemGuardInterval time.Duration
}

func (c SupervisorConfig) withDefaults() SupervisorConfig {
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 60 * time.Second
	}
	if c.StableWindow <= 0 {
		c.StableWindow = 60 * time.Second
	}
	if c.RequireTimeout <= 0 {
		c.RequireTimeout = 30 * time.Second
	}
	if c.GracefulKill <= 0 {
		c.GracefulKill = 20 * time.Second
	}
	if c.ForceKill <= 0 {
		c.ForceKill = 5 * time.Second
	}
	if c.MemGuardInterval <= 0 {
		c.MemGuardInterval = 5 * time.Minute
	}
	return c
}

// ProcessEvent is the payload for process_started/process_stopped/
// process_online/process_offline (spec.md §4.7).
type ProcessEvent struct {
	Name      string
	PID       int
	RespawnID int64
	Status    string
}

// StartCompleteEvent is the payload for start_complete (spec.md §4.7),
// emitted exactly once when the initial start ordering has converged.
type StartCompleteEvent struct {
	Online        []string
	Failed        int
	FailedWorkers []string
}

// StartOptions selects which workers Start launches, mirroring the
// procman CLI's -j/-J/-s flags (spec.md §6).
type StartOptions struct {
	Just      []string // -j: this worker plus its require chain
	TrulyJust []string // -J: only this worker, no required dependencies
	Skip      []string // -s: exclude from startup
}

type supervisedProc struct {
	name       string
	cmd        *exec.Cmd
	respawnID  int64
	startedAt  time.Time
	exited     chan struct{}
	onlineOnce sync.Once
	onlineCh   chan struct{}
	stopping   bool // true once Stop/RestartWorker asked this proc not to auto-respawn

	// cooldownSkip, when closed, wakes watch()'s backoff sleep early so
	// ClearWorker/RestartWorker can force an immediate restart.
	cooldownSkip     chan struct{}
	cooldownSkipOnce sync.Once
}

func (p *supervisedProc) skipCooldown() {
	p.cooldownSkipOnce.Do(func() { close(p.cooldownSkip) })
}

// Supervisor is the C7 process supervisor: dependency-ordered start,
// crash respawn with cooldown backoff, heartbeat-triggered restart, and a
// periodic memory guard, all driven off the Registry (C6) and the
// broker's eventbus (C9).
type Supervisor struct {
	cfg      SupervisorConfig
	registry *Registry
	events   *eventbus.Bus

	mu    sync.Mutex
	procs map[string]*supervisedProc

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewSupervisor builds a Supervisor around registry, subscribing to the
// broker's worker_connected/worker_disconnected/worker_failedHb events on
// events (spec.md §4.7's "procman subscribes to the broker's
// worker_failedHb events").
func NewSupervisor(registry *Registry, events *eventbus.Bus, cfg SupervisorConfig) *Supervisor {
	s := &Supervisor{
		cfg:      cfg.withDefaults(),
		registry: registry,
		events:   events,
		procs:    make(map[string]*supervisedProc),
		stopCh:   make(chan struct{}),
	}
	events.Subscribe("worker_connected", s.handleWorkerConnected)
	events.Subscribe("worker_disconnected", s.handleWorkerDisconnected)
	events.Subscribe("worker_failedHb", s.handleFailedHeartbeat)
	return s
}

func workerInfoName(ev eventbus.Event) (string, bool) {
	info, ok := ev.Payload.(broker.WorkerInfo)
	if !ok {
		return "", false
	}
	return info.Name, true
}

func (s *Supervisor) handleWorkerConnected(ev eventbus.Event) {
	name, ok := workerInfoName(ev)
	if !ok {
		return
	}
	s.registry.SetOnline(name, true)

	s.mu.Lock()
	proc := s.procs[name]
	s.mu.Unlock()
	if proc != nil {
		proc.onlineOnce.Do(func() { close(proc.onlineCh) })
	}
	s.events.Publish(eventbus.Event{Name: "process_online", Payload: ProcessEvent{Name: name}})
}

func (s *Supervisor) handleWorkerDisconnected(ev eventbus.Event) {
	name, ok := workerInfoName(ev)
	if !ok {
		return
	}
	s.registry.SetOnline(name, false)
}

// handleFailedHeartbeat implements spec.md §4.7's heartbeat-driven
// restart: unless heartbeatDisabled (or the worker is in debug mode,
// which suppresses heartbeat checks per the same section), SIGTERM then
// SIGKILL the stuck process. The normal exit-handling goroutine (started
// in spawn) takes care of the respawn once the process actually
// dies, so this only needs to kill it.
func (s *Supervisor) handleFailedHeartbeat(ev eventbus.Event) {
	name, ok := workerInfoName(ev)
	if !ok {
		return
	}
	s.registry.SetHeartbeatFailed(name, true)

	d, found := s.registry.Find(name)
	if !found || d.HeartbeatDisabled || d.Debug {
		return
	}

	s.mu.Lock()
	proc := s.procs[name]
	s.mu.Unlock()
	if proc == nil || proc.cmd.Process == nil {
		return
	}
	log.WithFields(log.Fields{"worker": name, "pid": proc.cmd.Process.Pid}).Warn(
		"procman: worker missed heartbeat, killing for restart")
	go s.killProc(proc)
}

// killProc SIGTERMs proc, waits GracefulKill for its own exit-watcher
// goroutine to observe the exit, then SIGKILLs it.
func (s *Supervisor) killProc(proc *supervisedProc) {
	if proc.cmd.Process == nil {
		return
	}
	_ = proc.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-proc.exited:
		return
	case <-time.After(s.cfg.GracefulKill):
	}
	_ = proc.cmd.Process.Signal(syscall.SIGKILL)
	select {
	case <-proc.exited:
	case <-time.After(s.cfg.ForceKill):
	}
}

// resolveTargets computes the set of worker names Start should launch,
// per spec.md §6's -j/-J/-s semantics.
func resolveTargets(byName map[string]WorkerDescriptor, opts StartOptions) map[string]bool {
	targets := make(map[string]bool)
	switch {
	case len(opts.TrulyJust) > 0:
		for _, n := range opts.TrulyJust {
			targets[n] = true
		}
	case len(opts.Just) > 0:
		var add func(name string)
		add = func(name string) {
			if targets[name] {
				return
			}
			d, ok := byName[name]
			if !ok {
				return
			}
			targets[name] = true
			for _, req := range d.Require {
				add(req)
			}
		}
		for _, n := range opts.Just {
			add(n)
		}
	default:
		for _, d := range byName {
			if d.Enabled {
				targets[d.Name] = true
			}
		}
	}
	for _, n := range opts.Skip {
		delete(targets, n)
	}
	return targets
}

// topoSort orders targets so every `require`/`after` predecessor within
// the target set precedes its dependent, failing on a cycle.
func topoSort(byName map[string]WorkerDescriptor, targets map[string]bool) ([]string, error) {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(targets))
	var order []string

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("procman: dependency cycle detected at worker %q", name)
		}
		state[name] = visiting
		d := byName[name]
		deps := make([]string, 0, len(d.Require)+len(d.After))
		deps = append(deps, d.Require...)
		deps = append(deps, d.After...)
		for _, dep := range deps {
			if !targets[dep] {
				continue
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[name] = done
		order = append(order, name)
		return nil
	}

	names := make([]string, 0, len(targets))
	for n := range targets {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		if err := visit(n); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// Start launches every targeted worker in dependency order (spec.md
// §4.7's "dependency resolution"): `require` predecessors must come
// online within RequireTimeout or the dependent is never started and is
// marked failed; `after` predecessors need only have been started.
// start_complete is published exactly once, after the ordering converges.
func (s *Supervisor) Start(opts StartOptions) (StartCompleteEvent, error) {
	descs := s.registry.Descriptors()
	byName := make(map[string]WorkerDescriptor, len(descs))
	for _, d := range descs {
		byName[d.Name] = d
	}

	targets := resolveTargets(byName, opts)
	order, err := topoSort(byName, targets)
	if err != nil {
		return StartCompleteEvent{}, err
	}

	failed := make(map[string]bool)
	var online []string

	for _, name := range order {
		d := byName[name]

		blocked := false
		for _, req := range d.Require {
			if !targets[req] {
				continue // not under our control; assume already satisfied
			}
			if failed[req] {
				blocked = true
				break
			}
			if !s.waitOnline(req, s.cfg.RequireTimeout) {
				blocked = true
				break
			}
		}
		if blocked {
			failed[name] = true
			s.registry.SetExited(name, "failed", "a required dependency never came online", 0, time.Time{})
			continue
		}

		if err := s.spawn(name); err != nil {
			failed[name] = true
			s.registry.SetExited(name, "failed", err.Error(), 0, time.Time{})
			continue
		}
		online = append(online, name)
	}

	result := StartCompleteEvent{Online: online}
	for name := range failed {
		result.FailedWorkers = append(result.FailedWorkers, name)
	}
	sort.Strings(result.FailedWorkers)
	result.Failed = len(result.FailedWorkers)
	s.events.Publish(eventbus.Event{Name: "start_complete", Payload: result})
	return result, nil
}

func (s *Supervisor) waitOnline(name string, timeout time.Duration) bool {
	s.mu.Lock()
	proc, ok := s.procs[name]
	s.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-proc.onlineCh:
		return true
	case <-time.After(timeout):
		return false
	}
}

// spawn launches name's process and starts its exit-watching goroutine,
// which handles respawn-with-cooldown on unexpected exit.
func (s *Supervisor) spawn(name string) error {
	d, ok := s.registry.Find(name)
	if !ok {
		return fmt.Errorf("procman: worker %q not registered", name)
	}

	args := append([]string(nil), d.Args...)
	if d.Debug {
		args = append(args, "--debug")
	}
	cmd := exec.Command(d.Path, args...)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("procman: failed to spawn %q: %w", name, err)
	}

	s.mu.Lock()
	prev := s.procs[name]
	respawnID := int64(1)
	if prev != nil {
		respawnID = prev.respawnID + 1
	}
	proc := &supervisedProc{
		name:         name,
		cmd:          cmd,
		respawnID:    respawnID,
		startedAt:    time.Now(),
		exited:       make(chan struct{}),
		onlineCh:     make(chan struct{}),
		cooldownSkip: make(chan struct{}),
	}
	s.procs[name] = proc
	s.mu.Unlock()

	s.registry.SetSpawned(name, cmd.Process.Pid, respawnID)
	s.events.Publish(eventbus.Event{Name: "process_started", Payload: ProcessEvent{
		Name: name, PID: cmd.Process.Pid, RespawnID: respawnID, Status: "running",
	}})

	s.wg.Add(1)
	go s.watch(proc)
	return nil
}

// watch waits for proc's process to exit and applies spec.md §4.7's
// respawn-with-cooldown rule: a clean (code 0) exit resets the backoff; an
// unclean exit within StableWindow of start doubles it, capped at
// MaxBackoff, and the next spawn is delayed that long.
func (s *Supervisor) watch(proc *supervisedProc) {
	defer s.wg.Done()
	err := proc.cmd.Wait()
	close(proc.exited)

	d, ok := s.registry.Find(proc.name)
	if !ok {
		return // unregistered while running; nothing to respawn
	}

	rt, _ := s.registry.Runtime(proc.name)
	clean := err == nil
	ranStably := time.Since(proc.startedAt) >= s.cfg.StableWindow

	var delay time.Duration
	if clean || ranStably {
		delay = 0
	} else {
		delay = rt.RespawnDelay * 2
		if delay < s.cfg.BaseBackoff {
			delay = s.cfg.BaseBackoff
		}
		if delay > s.cfg.MaxBackoff {
			delay = s.cfg.MaxBackoff
		}
	}

	status := "stopped"
	desc := "exited cleanly"
	if !clean {
		status = "crashed"
		desc = err.Error()
	}
	cooldownUntil := time.Time{}
	if delay > 0 {
		cooldownUntil = time.Now().Add(delay)
	}
	s.registry.SetExited(proc.name, status, desc, delay, cooldownUntil)
	s.events.Publish(eventbus.Event{Name: "process_stopped", Payload: ProcessEvent{
		Name: proc.name, PID: proc.cmd.ProcessState.Pid(), RespawnID: proc.respawnID, Status: status,
	}})

	s.mu.Lock()
	stopping := proc.stopping
	s.mu.Unlock()
	if stopping || !d.Enabled {
		return
	}

	if delay > 0 {
		select {
		case <-s.stopCh:
			return
		case <-proc.cooldownSkip:
			s.registry.ClearCooldown(proc.name)
		case <-time.After(delay):
		}
	}
	if err := s.spawn(proc.name); err != nil {
		log.WithFields(log.Fields{"worker": proc.name, "error": err}).Error("procman: respawn failed")
	}
}

// ClearWorker resets a worker's backoff to zero and, if it is currently
// cooling down, triggers an immediate restart (spec.md §4.7's
// clearWorker). If the worker is already running, this is a no-op beyond
// clearing the recorded backoff.
func (s *Supervisor) ClearWorker(name string) {
	s.registry.ClearCooldown(name)
	s.mu.Lock()
	proc, ok := s.procs[name]
	s.mu.Unlock()
	if ok {
		select {
		case <-proc.exited:
			proc.skipCooldown()
		default:
		}
	}
}

// RestartWorker clears cooldown and forces an immediate restart
// regardless of current state (spec.md §4.7's restartWorker): if the
// worker is running it is killed first; either way it is respawned
// immediately afterward, bypassing any backoff wait.
func (s *Supervisor) RestartWorker(name string) {
	s.registry.ClearCooldown(name)
	s.mu.Lock()
	proc := s.procs[name]
	s.mu.Unlock()

	if proc != nil && proc.cmd.Process != nil {
		select {
		case <-proc.exited:
			// already exited; just make sure its cooldown wait (if
			// any) is skipped rather than double-spawning.
			proc.skipCooldown()
			return
		default:
		}
		s.mu.Lock()
		proc.stopping = true
		s.mu.Unlock()
		go s.killProc(proc)
		<-proc.exited
		if err := s.spawn(name); err != nil {
			log.WithFields(log.Fields{"worker": name, "error": err}).Error("procman: restartWorker respawn failed")
		}
		return
	}
	if err := s.spawn(name); err != nil {
		log.WithFields(log.Fields{"worker": name, "error": err}).Error("procman: restartWorker respawn failed")
	}
}

// EnableDebug sets the worker's persistent debug/pauseOnStart flags and
// restarts it with its debug argument appended; heartbeat checks are
// suppressed while debug is on (spec.md §4.7).
func (s *Supervisor) EnableDebug(name string, pauseOnStart bool) error {
	if err := s.registry.SetDebug(name, true, pauseOnStart); err != nil {
		return err
	}
	s.RestartWorker(name)
	return nil
}

// DisableDebug clears the worker's debug/pauseOnStart flags and restarts
// it (spec.md §4.7).
func (s *Supervisor) DisableDebug(name string) error {
	if err := s.registry.SetDebug(name, false, false); err != nil {
		return err
	}
	s.RestartWorker(name)
	return nil
}

// RunMemoryGuard samples every running worker's RSS every
// MemGuardInterval and kills-then-restarts any exceeding its configured
// MemoryCeiling (spec.md §4.7's memory guard). It blocks until ctx is
// cancelled or Stop is called.
func (s *Supervisor) RunMemoryGuard(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.MemGuardInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.checkMemory()
		}
	}
}

func (s *Supervisor) checkMemory() {
	for _, rec := range s.registry.FindWorkers(FindWhere{}, true, false) {
		if rec.MemoryCeiling == 0 || rec.Usage == nil {
			continue
		}
		if rec.Usage.RSSBytes <= rec.MemoryCeiling {
			continue
		}
		s.mu.Lock()
		proc := s.procs[rec.Name]
		s.mu.Unlock()
		if proc == nil {
			continue
		}
		log.WithFields(log.Fields{
			"worker": rec.Name, "rss": rec.Usage.RSSBytes, "ceiling": rec.MemoryCeiling,
		}).Warn("procman: worker exceeded memory ceiling, killing for restart")
		s.events.Publish(eventbus.Event{Name: "process_offline", Payload: ProcessEvent{
			Name: rec.Name, PID: rec.PID, Status: "memory_guard_killed",
		}})
		go s.killProc(proc)
	}
}

// Stop signals every running worker to stop respawning and gracefully
// kills any still-running process, then waits for their watcher
// goroutines to finish.
func (s *Supervisor) Stop() {
	close(s.stopCh)
	s.mu.Lock()
	procs := make([]*supervisedProc, 0, len(s.procs))
	for _, p := range s.procs {
		p.stopping = true
		procs = append(procs, p)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range procs {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.killProc(p)
		}()
	}
	wg.Wait()
	s.wg.Wait()
}
