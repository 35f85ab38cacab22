package procman

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	log "github.com/sirupsen/logrus"

	"github.com/nef-run/nef/internal/protocol"
)

// PidFileOptions parameterizes UpdatePidFile (spec.md §4.8, component C8).
type PidFileOptions struct {
	// ProcessType, if set, is compared against the existing owner's
	// NEF_PROCESS_TYPE environment variable before treating it as a live
	// match.
	ProcessType string
	// KillCurrent gracefully kills a live, matching prior owner instead
	// of failing EXISTS.
	KillCurrent bool
}

// UpdatePidFile implements the atomic pid-file takeover algorithm of
// spec.md §4.8: read the existing file, probe liveness, optionally
// disambiguate by process type, optionally kill a live owner, then write
// the current process's pid.
func UpdatePidFile(path string, opts PidFileOptions) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return writePidFile(path)
		}
		return protocol.NewInternal("procman: failed to read pid file", err)
	}

	existingPID, perr := strconv.Atoi(strings.TrimSpace(string(data)))
	if perr != nil {
		log.WithFields(log.Fields{"path": path}).Warn("procman: pid file contents unreadable, overwriting")
		return writePidFile(path)
	}

	if !processAlive(existingPID) {
		return writePidFile(path)
	}

	if opts.ProcessType != "" {
		if owner, ok := envProcessType(existingPID); !ok || owner != opts.ProcessType {
			return writePidFile(path)
		}
		// ok == false: the OS doesn't expose another process's
		// environment here; spec.md §9's design note accepts a
		// best-effort overwrite as the reduced invariant on such
		// platforms rather than refusing to ever take the pid file.
	}

	if opts.KillCurrent {
		if err := killGracefully(existingPID, 20*time.Second, 5*time.Second); err != nil {
			return protocol.NewInternal("procman: failed to kill prior pid file owner", err)
		}
		return writePidFile(path)
	}

	return protocol.NewExists(fmt.Sprintf("pid file %s (owned by live pid %d)", path, existingPID))
}

func writePidFile(path string) error {
	pid := []byte(strconv.Itoa(os.Getpid()))
	if err := os.WriteFile(path, pid, 0o644); err != nil {
		return protocol.NewInternal("procman: failed to write pid file", err)
	}
	return nil
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// envProcessType best-effort reads another process's NEF_PROCESS_TYPE
// environment variable via gopsutil. ok is false when the OS doesn't
// expose it here (e.g. sandboxed or cross-user), per spec.md §9.
func envProcessType(pid int) (value string, ok bool) {
	proc, err := gopsProcessByPID(pid)
	if err != nil {
		return "", false
	}
	envs, err := proc.Environ()
	if err != nil {
		return "", false
	}
	for _, kv := range envs {
		if v, found := strings.CutPrefix(kv, "NEF_PROCESS_TYPE="); found {
			return v, true
		}
	}
	return "", true
}

// killGracefully SIGTERMs pid, polling for exit up to graceful; if it is
// still alive, SIGKILLs it and polls up to force. Used by pid-file
// takeover; the supervisor kills its own children through killProc.
func killGracefully(pid int, graceful, force time.Duration) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil // already gone
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		if !processAlive(pid) {
			return nil
		}
		return err
	}
	if pollUntilDead(pid, graceful) {
		return nil
	}
	if err := proc.Signal(syscall.SIGKILL); err != nil && processAlive(pid) {
		return err
	}
	pollUntilDead(pid, force)
	return nil
}

func pollUntilDead(pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return !processAlive(pid)
}

// DefaultVarDir resolves the directory procman/broker store pid files and
// the persistent worker table in: $NEF_VAR if set, else
// $HOME/.local/share/nef, matching the NEF_VAR environment variable named
// in spec.md §6.
func DefaultVarDir() (string, error) {
	if v := os.Getenv("NEF_VAR"); v != "" {
		return v, nil
	}
	home, err := homedir.Dir()
	if err != nil {
		return "", protocol.NewInternal("procman: failed to resolve home directory", err)
	}
	return home + "/.local/share/nef", nil
}
