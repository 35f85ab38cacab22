// Package procman implements the process manager (spec.md components
// C6-C8): the persistent worker registry, the supervisor that spawns and
// babysits worker processes under dependency order, cooldown, heartbeat
// restart and a memory guard, and pid-file ownership.
//
// The retrieval pack carries no process-supervisor analogue (the teacher,
// geoffjay/plantd, assumes an external process manager such as systemd),
// so this package is grounded directly on spec.md §4.6-4.8, following the
// cooldown/respawn shape sketched by the stringwork WorkerManager retrieved
// in other_examples/, and carrying the same logrus/yaml/fsnotify/gopsutil
// ambient stack the rest of this module uses.
package procman

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/nef-run/nef/internal/protocol"
)

// registrySchemaVersion is bumped whenever the on-disk document shape
// changes; migrate walks an older document forward one step per version.
const registrySchemaVersion = 2

// WorkerDescriptor is the persisted half of a worker's state (spec.md §3).
type WorkerDescriptor struct {
	Name              string   `yaml:"name"`
	Path              string   `yaml:"path"`
	Args              []string `yaml:"args,omitempty"`
	Enabled           bool     `yaml:"enabled"`
	Debug             bool     `yaml:"debug"`
	PauseOnStart      bool     `yaml:"pauseOnStart"`
	HeartbeatDisabled bool     `yaml:"heartbeatDisabled"`
	Require           []string `yaml:"require,omitempty"`
	After             []string `yaml:"after,omitempty"`
	Tags              []string `yaml:"tags,omitempty"`
	// MemoryCeiling is the RSS, in bytes, above which the memory guard
	// (spec.md §4.7) kills and restarts this worker. Zero means unguarded.
	MemoryCeiling uint64 `yaml:"memoryCeiling,omitempty"`
}

// WorkerRuntime is the in-memory half of a worker's state (spec.md §3);
// never persisted.
type WorkerRuntime struct {
	Running           bool
	Online            bool
	HeartbeatFailed   bool
	PID               int
	RespawnID         int64
	Status            string
	StatusDescription string
	RespawnDelay      time.Duration
	CooldownUntil     time.Time
	StartedAt         time.Time
}

// StatsSource joins broker-side request/reply counters into
// findWorkers(includeStats=true). Implemented by *broker.Broker.
type StatsSource interface {
	StatsForWorker(name string) (requests, replies int64, ok bool)
}

// UsageSource joins OS-level resource usage into
// findWorkers(includeUsage=true). The default implementation samples
// gopsutil/v3/process; tests may substitute a fake.
type UsageSource interface {
	Usage(pid int) (rssBytes uint64, cpuPercent float64, ok bool)
}

type registryDoc struct {
	Version int                `yaml:"version"`
	Workers []WorkerDescriptor `yaml:"workers"`
}

// Registry stores the persistent worker table (spec.md §4.6, component
// C6): descriptors loaded from/written to an atomically-rewritten YAML
// file, joined at query time with in-memory runtime state.
type Registry struct {
	mu       sync.Mutex
	path     string
	descs    map[string]*WorkerDescriptor
	runtime  map[string]*WorkerRuntime
	watcher  *fsnotify.Watcher
	onChange func()
	stats    StatsSource
	usage    UsageSource
	closed   chan struct{}
}

// NewRegistry loads path (creating an empty table if it doesn't exist yet)
// and starts an fsnotify watch on it so an operator editing the table out
// of band (the "Others: directory watchers" row of spec.md §2) is picked
// up without a procman restart.
func NewRegistry(path string) (*Registry, error) {
	r := &Registry{
		path:    path,
		descs:   make(map[string]*WorkerDescriptor),
		runtime: make(map[string]*WorkerRuntime),
		usage:   gopsutilUsage{},
		closed:  make(chan struct{}),
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	if err := r.startWatch(); err != nil {
		log.WithFields(log.Fields{"error": err, "path": path}).Warn(
			"procman: registry file watch unavailable, falling back to in-process-only updates")
	}
	return r, nil
}

// SetStatsSource wires the broker's per-worker request/reply counters into
// findWorkers(includeStats=true).
func (r *Registry) SetStatsSource(s StatsSource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats = s
}

// OnChange registers a callback invoked after the on-disk table is
// reloaded because of an external edit (fsnotify) or a Reset.
func (r *Registry) OnChange(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
}

// Close stops the file watcher.
func (r *Registry) Close() error {
	close(r.closed)
	if r.watcher != nil {
		return r.watcher.Close()
	}
	return nil
}

func (r *Registry) load() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadLocked()
}

func (r *Registry) loadLocked() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			r.descs = make(map[string]*WorkerDescriptor)
			return nil
		}
		return protocol.NewInternal("procman: failed to read registry file", err)
	}

	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return protocol.NewInternal("procman: failed to parse registry file", err)
	}
	raw = migrate(raw)

	var doc registryDoc
	migrated, err := yaml.Marshal(raw)
	if err != nil {
		return protocol.NewInternal("procman: failed to re-marshal migrated registry", err)
	}
	if err := yaml.Unmarshal(migrated, &doc); err != nil {
		return protocol.NewInternal("procman: failed to decode migrated registry", err)
	}

	descs := make(map[string]*WorkerDescriptor, len(doc.Workers))
	for i := range doc.Workers {
		d := doc.Workers[i]
		descs[d.Name] = &d
		if _, ok := r.runtime[d.Name]; !ok {
			r.runtime[d.Name] = &WorkerRuntime{}
		}
	}
	r.descs = descs
	return nil
}

// migrate walks doc forward from its recorded "version" field (missing =
// version 1) to registrySchemaVersion, one pure function per step, per
// spec.md §6's "schema versioned; older versions migrated upward by a
// sequence of pure functions."
func migrate(doc map[string]interface{}) map[string]interface{} {
	version := 1
	if v, ok := doc["version"]; ok {
		if iv, ok := toInt(v); ok {
			version = iv
		}
	}
	for version < registrySchemaVersion {
		fn, ok := migrations[version]
		if !ok {
			break
		}
		doc = fn(doc)
		version++
	}
	doc["version"] = registrySchemaVersion
	return doc
}

// migrations maps "from version" to the function that upgrades a document
// one step. v1->v2 renamed the ad hoc "mem_limit" field (bytes, as a
// plain int) to the typed "memoryCeiling" field workers now carry.
var migrations = map[int]func(map[string]interface{}) map[string]interface{}{
	1: func(doc map[string]interface{}) map[string]interface{} {
		workers, ok := doc["workers"].([]interface{})
		if !ok {
			return doc
		}
		for _, w := range workers {
			switch wm := w.(type) {
			case map[string]interface{}:
				if v, ok := wm["mem_limit"]; ok {
					wm["memoryCeiling"] = v
					delete(wm, "mem_limit")
				}
			case map[interface{}]interface{}:
				// yaml.v2 decodes nested mappings with interface{} keys.
				if v, ok := wm["mem_limit"]; ok {
					wm["memoryCeiling"] = v
					delete(wm, "mem_limit")
				}
			}
		}
		return doc
	},
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func (r *Registry) startWatch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(r.path)
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return err
	}
	r.watcher = w
	go r.watchLoop()
	return nil
}

func (r *Registry) watchLoop() {
	for {
		select {
		case <-r.closed:
			return
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(r.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := r.load(); err != nil {
				log.WithFields(log.Fields{"error": err}).Error(
					"procman: failed to reload registry after external edit")
				continue
			}
			log.Debug("procman: reloaded registry table after external edit")
			r.mu.Lock()
			cb := r.onChange
			r.mu.Unlock()
			if cb != nil {
				cb()
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			log.WithFields(log.Fields{"error": err}).Warn("procman: registry watcher error")
		}
	}
}

// persistLocked writes the current descriptor table atomically
// (write-to-temp, rename), matching spec.md §5's "authoritative persistent
// table... is written atomically."
func (r *Registry) persistLocked() error {
	doc := registryDoc{Version: registrySchemaVersion}
	names := make([]string, 0, len(r.descs))
	for n := range r.descs {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		doc.Workers = append(doc.Workers, *r.descs[n])
	}

	data, err := yaml.Marshal(doc)
	if err != nil {
		return protocol.NewInternal("procman: failed to marshal registry", err)
	}

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return protocol.NewInternal("procman: failed to create registry directory", err)
	}
	tmp, err := os.CreateTemp(dir, ".registry-*.yaml.tmp")
	if err != nil {
		return protocol.NewInternal("procman: failed to create temp registry file", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return protocol.NewInternal("procman: failed to write temp registry file", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return protocol.NewInternal("procman: failed to close temp registry file", err)
	}
	if err := os.Rename(tmpPath, r.path); err != nil {
		_ = os.Remove(tmpPath)
		return protocol.NewInternal("procman: failed to rename temp registry file into place", err)
	}
	return nil
}

// Descriptors returns a snapshot of every registered worker descriptor.
func (r *Registry) Descriptors() []WorkerDescriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]WorkerDescriptor, 0, len(r.descs))
	names := make([]string, 0, len(r.descs))
	for n := range r.descs {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		out = append(out, *r.descs[n])
	}
	return out
}

// Find looks up a worker descriptor by name.
func (r *Registry) Find(name string) (WorkerDescriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.descs[name]
	if !ok {
		return WorkerDescriptor{}, false
	}
	return *d, true
}

// RegisterWorker creates or replaces a worker descriptor and persists the
// table.
func (r *Registry) RegisterWorker(d WorkerDescriptor) error {
	if d.Name == "" {
		return protocol.NewBadArg("registerWorker: name is required", nil)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.descs[d.Name] = &d
	if _, ok := r.runtime[d.Name]; !ok {
		r.runtime[d.Name] = &WorkerRuntime{}
	}
	return r.persistLocked()
}

// UnregisterWorker deletes a worker descriptor and persists the table.
func (r *Registry) UnregisterWorker(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.descs[name]; !ok {
		return protocol.NewNoSuch(name, "not registered")
	}
	delete(r.descs, name)
	delete(r.runtime, name)
	return r.persistLocked()
}

// Reset erases the persistent worker table (procman's -r/--reset flag);
// the caller is expected to re-register workers from config afterward.
func (r *Registry) Reset() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.descs = make(map[string]*WorkerDescriptor)
	r.runtime = make(map[string]*WorkerRuntime)
	return r.persistLocked()
}

// Runtime returns a snapshot of a worker's in-memory runtime state.
func (r *Registry) Runtime(name string) (WorkerRuntime, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt, ok := r.runtime[name]
	if !ok {
		return WorkerRuntime{}, false
	}
	return *rt, true
}

func (r *Registry) runtimeLocked(name string) *WorkerRuntime {
	rt, ok := r.runtime[name]
	if !ok {
		rt = &WorkerRuntime{}
		r.runtime[name] = rt
	}
	return rt
}

// SetSpawned records a fresh process launch.
func (r *Registry) SetSpawned(name string, pid int, respawnID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt := r.runtimeLocked(name)
	rt.Running = true
	rt.PID = pid
	rt.RespawnID = respawnID
	rt.StartedAt = time.Now()
	rt.Status = "running"
	rt.StatusDescription = ""
}

// SetExited records a process exit and whatever backoff state applies.
func (r *Registry) SetExited(name, status, description string, respawnDelay time.Duration, cooldownUntil time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt := r.runtimeLocked(name)
	rt.Running = false
	rt.Online = false
	rt.PID = 0
	rt.Status = status
	rt.StatusDescription = description
	rt.RespawnDelay = respawnDelay
	rt.CooldownUntil = cooldownUntil
}

// SetOnline records that a worker's broker connection came up or went down.
func (r *Registry) SetOnline(name string, online bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt := r.runtimeLocked(name)
	rt.Online = online
	if online {
		rt.HeartbeatFailed = false
	}
}

// SetHeartbeatFailed records that the broker observed a missed-heartbeat
// transition for name (spec.md §4.2's failedHeartbeat event).
func (r *Registry) SetHeartbeatFailed(name string, failed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runtimeLocked(name).HeartbeatFailed = failed
}

// ClearCooldown zeroes a worker's backoff state (clearWorker/restartWorker).
func (r *Registry) ClearCooldown(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt := r.runtimeLocked(name)
	rt.RespawnDelay = 0
	rt.CooldownUntil = time.Time{}
}

// SetDebug persists a worker's debug/pauseOnStart flags (enableDebug /
// disableDebug, spec.md §4.7).
func (r *Registry) SetDebug(name string, debug, pauseOnStart bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.descs[name]
	if !ok {
		return protocol.NewNoSuch(name, "not registered")
	}
	d.Debug = debug
	d.PauseOnStart = pauseOnStart
	return r.persistLocked()
}

// WithRunning calls fn with the named worker's descriptor and runtime,
// failing NOSUCH if it is unknown, disabled, or not running (spec.md §4.6).
func (r *Registry) WithRunning(name string, fn func(WorkerDescriptor, WorkerRuntime) error) error {
	r.mu.Lock()
	d, ok := r.descs[name]
	if !ok || !d.Enabled {
		r.mu.Unlock()
		return protocol.NewNoSuch(name, "not registered or disabled")
	}
	rt := r.runtimeLocked(name)
	if !rt.Running {
		r.mu.Unlock()
		return protocol.NewNoSuch(name, "not running")
	}
	desc, runtime := *d, *rt
	r.mu.Unlock()
	return fn(desc, runtime)
}

// WithAlive calls fn with the named worker's descriptor and runtime,
// failing NOSUCH as WithRunning does, and additionally RECOVERING if the
// worker is connected but its heartbeat has failed (spec.md §4.6).
func (r *Registry) WithAlive(name string, fn func(WorkerDescriptor, WorkerRuntime) error) error {
	return r.WithRunning(name, func(d WorkerDescriptor, rt WorkerRuntime) error {
		if rt.HeartbeatFailed {
			return protocol.NewRecovering(name)
		}
		return fn(d, rt)
	})
}

// FindWhere filters findWorkers (spec.md §4.6). A nil pointer/empty string
// field means "don't filter on this".
type FindWhere struct {
	Name    string
	Running *bool
	Online  *bool
	PID     *int
	Debug   *bool
	Tag     string
}

func (w FindWhere) matches(d WorkerDescriptor, rt WorkerRuntime) bool {
	if w.Name != "" && d.Name != w.Name {
		return false
	}
	if w.Running != nil && rt.Running != *w.Running {
		return false
	}
	if w.Online != nil && rt.Online != *w.Online {
		return false
	}
	if w.PID != nil && rt.PID != *w.PID {
		return false
	}
	if w.Debug != nil && d.Debug != *w.Debug {
		return false
	}
	if w.Tag != "" {
		found := false
		for _, t := range d.Tags {
			if t == w.Tag {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// UsageStats is the includeUsage join payload (spec.md §4.6).
type UsageStats struct {
	RSSBytes   uint64
	CPUPercent float64
}

// BrokerStats is the includeStats join payload (spec.md §4.6).
type BrokerStats struct {
	TotalRequests int64
	TotalReplies  int64
}

// WorkerRecord is one findWorkers result row: the union of persistent and
// runtime fields, optionally joined with usage and broker stats.
type WorkerRecord struct {
	WorkerDescriptor
	WorkerRuntime
	Usage *UsageStats  `json:"usage,omitempty"`
	Stats *BrokerStats `json:"stats,omitempty"`
}

// FindWorkers implements spec.md §4.6's query operator.
func (r *Registry) FindWorkers(where FindWhere, includeUsage, includeStats bool) []WorkerRecord {
	r.mu.Lock()
	names := make([]string, 0, len(r.descs))
	for n := range r.descs {
		names = append(names, n)
	}
	sort.Strings(names)

	var out []WorkerRecord
	for _, n := range names {
		d := *r.descs[n]
		rt := *r.runtimeLocked(n)
		if !where.matches(d, rt) {
			continue
		}
		rec := WorkerRecord{WorkerDescriptor: d, WorkerRuntime: rt}
		out = append(out, rec)
	}
	usage := r.usage
	stats := r.stats
	r.mu.Unlock()

	if includeUsage && usage != nil {
		for i := range out {
			if out[i].PID == 0 {
				continue
			}
			if rss, cpu, ok := usage.Usage(out[i].PID); ok {
				out[i].Usage = &UsageStats{RSSBytes: rss, CPUPercent: cpu}
			}
		}
	}
	if includeStats && stats != nil {
		for i := range out {
			if reqs, replies, ok := stats.StatsForWorker(out[i].Name); ok {
				out[i].Stats = &BrokerStats{TotalRequests: reqs, TotalReplies: replies}
			}
		}
	}
	return out
}
