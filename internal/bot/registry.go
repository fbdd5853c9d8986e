package bot

import (
	"fmt"
	"maps"
	"slices"
)

// Job is what a factory knows about the job it builds a bot for.
type Job struct {
	ID        string
	Variant   string
	Arguments Arguments
}

type Factory func(job Job) (Bot, error)

// Registry maps variant names to factories. It is built once and never
// changes afterwards.
type Registry struct {
	factories map[string]Factory
}

func NewRegistry(entries map[string]Factory) *Registry {
	return &Registry{factories: maps.Clone(entries)}
}

func (r *Registry) Lookup(name string) (Factory, error) {
	f, found := r.factories[name]
	if !found || f == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownVariant, name)
	}
	return f, nil
}

func (r *Registry) Has(name string) bool {
	_, err := r.Lookup(name)
	return err == nil
}

// Names returns the registered variants in lexical order.
func (r *Registry) Names() []string {
	return slices.Sorted(maps.Keys(r.factories))
}

// New builds the bot of job.Variant.
func (r *Registry) New(job Job) (Bot, error) {
	f, err := r.Lookup(job.Variant)
	if err != nil {
		return nil, err
	}
	return f(job)
}
