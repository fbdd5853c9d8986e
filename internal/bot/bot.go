package bot

import (
	"context"
	"errors"
	"iter"
)

var (
	ErrAuthentication = errors.New("authentication failed")
	ErrSessionTimeout = errors.New("session validation timed out")
	ErrUnknownVariant = errors.New("unknown bot variant")
)

type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Query selects the work units. Either Keys lists them explicitly or the
// target system resolves Filter into units page by page.
type Query struct {
	Keys   []string `json:"keys,omitempty" validate:"omitempty,dive,required"`
	Filter string   `json:"filter,omitempty"`
}

// Result is the outcome of one work unit.
type Result struct {
	Key     string `json:"key"`
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// Arguments is the payload a job is submitted with.
type Arguments struct {
	Credentials Credentials `json:"credentials"`
	Query       Query       `json:"query"`
	// Total is the number of work units when known up front. A bot yielding
	// more units than Total fails the job with an invalid progress update.
	Total       *int              `json:"total,omitempty" validate:"omitnil,gte=0"`
	NotifyEmail string            `json:"notify_email,omitempty" validate:"omitempty,email"`
	Export      bool              `json:"export,omitempty"`
	Params      map[string]string `json:"params,omitempty"`
}

// Bot is what every automation variant exposes to the runtime.
type Bot interface {
	// Authenticate returns false, or an error wrapping ErrAuthentication,
	// when the target rejects creds.
	Authenticate(ctx context.Context, creds Credentials) (bool, error)
	// LocateTarget yields one result per work unit. A non-nil error ends the
	// sequence and fails the job.
	LocateTarget(ctx context.Context, query Query) iter.Seq2[Result, error]
}

// Sizer is implemented by bots that learn the number of work units while
// running.
type Sizer interface {
	Total() (int, bool)
}
