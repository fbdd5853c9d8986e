package notify

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// BreakerMailer stops calling a provider that keeps failing, so jobs do not
// each wait for the mail timeout while the provider is down.
type BreakerMailer struct {
	name string
	next Mailer
	cb   *gobreaker.CircuitBreaker
}

func NewBreakerMailer(name string, next Mailer) *BreakerMailer {
	return &BreakerMailer{
		name: name,
		next: next,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				zap.S().Named("mailer").Warnw("mail circuit breaker changed state", "provider", name, "from", from.String(), "to", to.String())
			},
		}),
	}
}

func (b *BreakerMailer) Send(ctx context.Context, to string, msg Message) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.Send(ctx, to, msg)
	})
	if err == nil {
		return nil
	}

	var mailErr *MailError
	if errors.As(err, &mailErr) {
		return err
	}
	return &MailError{Provider: b.name, To: to, Err: err}
}

func (b *BreakerMailer) State() gobreaker.State {
	return b.cb.State()
}
