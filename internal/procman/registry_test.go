package procman

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nef-run/nef/internal/protocol"
)

func newTestRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.yaml")
	r, err := NewRegistry(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r, path
}

func TestNewRegistryCreatesEmptyTableWhenMissing(t *testing.T) {
	r, _ := newTestRegistry(t)
	assert.Empty(t, r.Descriptors())
}

func TestRegisterWorkerPersistsAndReloads(t *testing.T) {
	r, path := newTestRegistry(t)
	require.NoError(t, r.RegisterWorker(WorkerDescriptor{
		Name: "echo", Path: "/bin/echo", Enabled: true,
	}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "name: echo")

	r2, err := NewRegistry(path)
	require.NoError(t, err)
	defer r2.Close()
	d, ok := r2.Find("echo")
	require.True(t, ok)
	assert.Equal(t, "/bin/echo", d.Path)
	assert.True(t, d.Enabled)
}

func TestUnregisterWorkerRemovesIt(t *testing.T) {
	r, _ := newTestRegistry(t)
	require.NoError(t, r.RegisterWorker(WorkerDescriptor{Name: "a", Enabled: true}))
	require.NoError(t, r.UnregisterWorker("a"))
	_, ok := r.Find("a")
	assert.False(t, ok)
}

func TestUnregisterWorkerUnknownIsNoSuch(t *testing.T) {
	r, _ := newTestRegistry(t)
	err := r.UnregisterWorker("missing")
	require.Error(t, err)
	perr, ok := err.(*protocol.Error)
	require.True(t, ok)
	assert.Equal(t, protocol.CodeNoSuch, perr.Code)
}

func TestResetClearsDescriptorsAndRuntime(t *testing.T) {
	r, _ := newTestRegistry(t)
	require.NoError(t, r.RegisterWorker(WorkerDescriptor{Name: "a", Enabled: true}))
	r.SetSpawned("a", 1234, 1)
	require.NoError(t, r.Reset())
	assert.Empty(t, r.Descriptors())
	rt, ok := r.Runtime("a")
	assert.False(t, ok)
	assert.Zero(t, rt.PID)
}

func TestMigrateV1MemLimitRenamedToMemoryCeiling(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.yaml")
	const v1 = `version: 1
workers:
  - name: a
    path: /bin/a
    enabled: true
    mem_limit: 104857600
`
	require.NoError(t, os.WriteFile(path, []byte(v1), 0o644))

	r, err := NewRegistry(path)
	require.NoError(t, err)
	defer r.Close()

	d, ok := r.Find("a")
	require.True(t, ok)
	assert.Equal(t, uint64(104857600), d.MemoryCeiling)
}

func TestWithRunningFailsNoSuchWhenNotRunning(t *testing.T) {
	r, _ := newTestRegistry(t)
	require.NoError(t, r.RegisterWorker(WorkerDescriptor{Name: "a", Enabled: true}))

	err := r.WithRunning("a", func(WorkerDescriptor, WorkerRuntime) error { return nil })
	require.Error(t, err)
	perr, ok := err.(*protocol.Error)
	require.True(t, ok)
	assert.Equal(t, protocol.CodeNoSuch, perr.Code)
}

func TestWithAliveFailsRecoveringOnFailedHeartbeat(t *testing.T) {
	r, _ := newTestRegistry(t)
	require.NoError(t, r.RegisterWorker(WorkerDescriptor{Name: "a", Enabled: true}))
	r.SetSpawned("a", 1111, 1)
	r.SetHeartbeatFailed("a", true)

	err := r.WithAlive("a", func(WorkerDescriptor, WorkerRuntime) error { return nil })
	require.Error(t, err)
	perr, ok := err.(*protocol.Error)
	require.True(t, ok)
	assert.Equal(t, protocol.CodeRecovering, perr.Code)
}

func TestFindWorkersFiltersByWhere(t *testing.T) {
	r, _ := newTestRegistry(t)
	require.NoError(t, r.RegisterWorker(WorkerDescriptor{Name: "a", Enabled: true, Tags: []string{"core"}}))
	require.NoError(t, r.RegisterWorker(WorkerDescriptor{Name: "b", Enabled: true}))
	r.SetSpawned("a", 100, 1)
	r.SetOnline("a", true)

	online := true
	recs := r.FindWorkers(FindWhere{Online: &online}, false, false)
	require.Len(t, recs, 1)
	assert.Equal(t, "a", recs[0].Name)

	tagged := r.FindWorkers(FindWhere{Tag: "core"}, false, false)
	require.Len(t, tagged, 1)
	assert.Equal(t, "a", tagged[0].Name)
}

type fakeUsage struct {
	rss uint64
	cpu float64
}

func (f fakeUsage) Usage(pid int) (uint64, float64, bool) {
	if pid == 0 {
		return 0, 0, false
	}
	return f.rss, f.cpu, true
}

type fakeStats struct {
	reqs, replies int64
}

func (f fakeStats) StatsForWorker(name string) (int64, int64, bool) {
	return f.reqs, f.replies, true
}

func TestFindWorkersJoinsUsageAndStats(t *testing.T) {
	r, _ := newTestRegistry(t)
	require.NoError(t, r.RegisterWorker(WorkerDescriptor{Name: "a", Enabled: true}))
	r.SetSpawned("a", 500, 1)
	r.usage = fakeUsage{rss: 2048, cpu: 5.5}
	r.SetStatsSource(fakeStats{reqs: 10, replies: 9})

	recs := r.FindWorkers(FindWhere{Name: "a"}, true, true)
	require.Len(t, recs, 1)
	require.NotNil(t, recs[0].Usage)
	assert.Equal(t, uint64(2048), recs[0].Usage.RSSBytes)
	require.NotNil(t, recs[0].Stats)
	assert.EqualValues(t, 10, recs[0].Stats.TotalRequests)
}

func TestOnChangeCalledAfterExternalEdit(t *testing.T) {
	r, path := newTestRegistry(t)
	require.NoError(t, r.RegisterWorker(WorkerDescriptor{Name: "a", Enabled: true}))

	changed := make(chan struct{}, 1)
	r.OnChange(func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Skip("fsnotify did not observe the rewrite on this filesystem; watch is best-effort")
	}
}
