package reaper

import (
	"context"
	"errors"
	"os"
	"strings"

	"github.com/kubev2v/bot-runner/internal/helper"
	"github.com/shirou/gopsutil/v4/process"
)

// ErrProcessGone is returned by a ProcessTable when the process exited
// between the snapshot and the signal.
var ErrProcessGone = errors.New("process is gone")

// ProcessInfo is the part of a process the reaper looks at.
type ProcessInfo struct {
	PID     int32
	Cmdline string
	Env     []string
}

// Getenv returns the value of key in the process environment.
func (p ProcessInfo) Getenv(key string) (string, bool) {
	prefix := key + "="
	for _, kv := range p.Env {
		if strings.HasPrefix(kv, prefix) {
			return kv[len(prefix):], true
		}
	}
	return "", false
}

// JobID returns the job a tagged helper belongs to.
func (p ProcessInfo) JobID() string {
	v, _ := p.Getenv(helper.EnvJobID)
	return v
}

// IsHelper reports whether the process carries the helper marker.
func (p ProcessInfo) IsHelper(marker string) bool {
	v, found := p.Getenv(helper.EnvHelper)
	return found && v == marker
}

type ProcessTable interface {
	// Snapshot lists the processes visible to the caller. Processes that
	// vanish or cannot be read while listing are skipped.
	Snapshot(ctx context.Context) ([]ProcessInfo, error)
	// Terminate asks the process to exit.
	Terminate(ctx context.Context, pid int32) error
}

// SystemTable reads the host's process table.
type SystemTable struct{}

func NewSystemTable() *SystemTable {
	return &SystemTable{}
}

func (s *SystemTable) Snapshot(ctx context.Context) ([]ProcessInfo, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}

	self := int32(os.Getpid())
	infos := make([]ProcessInfo, 0, len(procs))
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		cmdline, err := p.CmdlineWithContext(ctx)
		if err != nil {
			// vanished or not ours to read
			continue
		}
		// environment of foreign users is not readable, the command line
		// is still enough for the marker sweep
		env, _ := p.EnvironWithContext(ctx)
		infos = append(infos, ProcessInfo{PID: p.Pid, Cmdline: cmdline, Env: env})
	}
	return infos, nil
}

func (s *SystemTable) Terminate(ctx context.Context, pid int32) error {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return ErrProcessGone
		}
		return err
	}
	if err := p.TerminateWithContext(ctx); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return ErrProcessGone
		}
		return err
	}
	return nil
}
