package helper

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// EnvJobID carries the id of the job that started the helper.
	EnvJobID = "BOT_RUNNER_JOB_ID"
	// EnvHelper carries the marker that identifies the process as a helper.
	EnvHelper = "BOT_RUNNER_HELPER"
)

// Tags returns the environment entries a helper of jobID is started with.
func Tags(jobID, marker string) []string {
	return []string{
		fmt.Sprintf("%s=%s", EnvJobID, jobID),
		fmt.Sprintf("%s=%s", EnvHelper, marker),
	}
}

// Launcher starts helper processes tagged with their job so the reaper can
// find them once the job is gone.
type Launcher struct {
	marker string
}

func NewLauncher(marker string) *Launcher {
	return &Launcher{marker: marker}
}

func (l *Launcher) Marker() string {
	return l.marker
}

// Command prepares the helper without starting it. The helper gets its own
// process group.
func (l *Launcher) Command(jobID, name string, args ...string) *exec.Cmd {
	cmd := exec.Command(name, args...)
	cmd.Env = append(os.Environ(), Tags(jobID, l.marker)...)
	setProcessGroup(cmd)
	return cmd
}

// Start runs the helper. The process is stopped when ctx is done.
func (l *Launcher) Start(ctx context.Context, jobID, name string, args ...string) (*Process, error) {
	cmd := l.Command(jobID, name, args...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting helper %s for job %s: %w", name, jobID, err)
	}

	p := &Process{cmd: cmd, jobID: jobID, exited: make(chan struct{})}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.exited)
	}()
	go func() {
		select {
		case <-ctx.Done():
			_ = p.Stop()
		case <-p.exited:
		}
	}()

	zap.S().Named("helper").Debugw("helper started", "job_id", jobID, "pid", cmd.Process.Pid, "command", name)
	return p, nil
}

type Process struct {
	cmd      *exec.Cmd
	jobID    string
	exited   chan struct{}
	waitErr  error
	stopOnce sync.Once
}

func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Exited is closed once the helper is gone.
func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

// Stop terminates the helper's process group and waits a bit for it to exit.
// It is safe to call more than once.
func (p *Process) Stop() error {
	var err error
	p.stopOnce.Do(func() {
		select {
		case <-p.exited:
			return
		default:
		}

		if e := terminate(p.cmd); e != nil && !errors.Is(e, os.ErrProcessDone) {
			err = e
			return
		}

		select {
		case <-p.exited:
		case <-time.After(5 * time.Second):
			_ = p.cmd.Process.Kill()
			<-p.exited
		}
		zap.S().Named("helper").Debugw("helper stopped", "job_id", p.jobID, "pid", p.cmd.Process.Pid)
	})
	return err
}
