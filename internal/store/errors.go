package store

import (
	"errors"

	"github.com/kubev2v/bot-runner/internal/store/model"
)

var (
	ErrRecordNotFound = errors.New("record not found")
	ErrDuplicateKey   = errors.New("already exists")
	// ErrTerminalRecord is returned when writing to a Finished or Failed record.
	ErrTerminalRecord = model.ErrTerminal
	// ErrInvalidUpdate is returned when an update breaks the record lifecycle.
	ErrInvalidUpdate = model.ErrInvalid
)
