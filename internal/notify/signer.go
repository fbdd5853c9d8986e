package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/kubev2v/bot-runner/internal/config"
)

// Signer returns a detached signature of document.
type Signer interface {
	Sign(ctx context.Context, document []byte) ([]byte, error)
}

type SigningError struct {
	Stderr string
	Err    error
}

func (e *SigningError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("signing document: %s", e.Err)
	}
	return fmt.Sprintf("signing document: %s: %s", e.Err, e.Stderr)
}

func (e *SigningError) Unwrap() error {
	return e.Err
}

// CommandSigner runs an external signing tool with the document on stdin
// and reads the signature from stdout.
type CommandSigner struct {
	command []string
	timeout time.Duration
}

func NewCommandSigner(command []string, timeout time.Duration) (*CommandSigner, error) {
	if len(command) == 0 {
		return nil, errors.New("signer command is empty")
	}
	return &CommandSigner{command: command, timeout: timeout}, nil
}

// NewSignerFromConfig returns nil when no signer command is configured.
func NewSignerFromConfig(cfg *config.Config) (Signer, error) {
	if len(cfg.Signer.Command) == 0 {
		return nil, nil
	}
	return NewCommandSigner(cfg.Signer.Command, cfg.Signer.Timeout)
}

func (c *CommandSigner) Sign(ctx context.Context, document []byte) ([]byte, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.command[0], c.command[1:]...)
	cmd.Stdin = bytes.NewReader(document)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, &SigningError{Stderr: strings.TrimSpace(stderr.String()), Err: err}
	}
	if stdout.Len() == 0 {
		return nil, &SigningError{Err: errors.New("signer returned an empty signature")}
	}
	return stdout.Bytes(), nil
}
