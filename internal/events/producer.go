package events

import (
	"context"
	"errors"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	LineEventType string = "bot-runner.progress.line"
	eventSource   string = "bot-runner"
	defaultTopic  string = "bot-runner.progress"
)

var ErrProducerClosed = errors.New("line producer is closed")

// message is one encoded progress line waiting in the buffer.
type message struct {
	JobID string
	Line  string
	Time  time.Time
}

// Writer is the interface to be implemented by the underlying writer.
type Writer interface {
	Write(ctx context.Context, topic string, e cloudevents.Event) error
	Close(ctx context.Context) error
}

// LineProducer buffers progress lines and hands them to a Writer from its
// own goroutine, so the job reporting a line never waits for the sink.
type LineProducer struct {
	buffer       *buffer
	wakeCh       chan struct{}
	doneCh       chan struct{}
	stoppedCh    chan struct{}
	mu           sync.Mutex
	closed       bool
	closeOnce    sync.Once
	closeErr     error
	writer       Writer
	topic        string
	closeTimeout time.Duration
}

func NewLineProducer(w Writer, opts ...ProducerOptions) *LineProducer {
	p := &LineProducer{
		buffer:       newBuffer(),
		wakeCh:       make(chan struct{}, 1),
		doneCh:       make(chan struct{}),
		stoppedCh:    make(chan struct{}),
		writer:       w,
		topic:        defaultTopic,
		closeTimeout: 5 * time.Second,
	}

	for _, o := range opts {
		o(p)
	}

	go p.run()
	return p
}

// WriteLine queues line for the writer. A line accepted here is written
// before Close returns.
func (p *LineProducer) WriteLine(_ context.Context, jobID, line string) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrProducerClosed
	}
	p.buffer.PushBack(message{
		JobID: jobID,
		Line:  line,
		Time:  time.Now().UTC(),
	})
	p.mu.Unlock()

	select {
	case p.wakeCh <- struct{}{}:
	default:
	}
	return nil
}

// Pending returns the number of lines not yet handed to the writer.
func (p *LineProducer) Pending() int {
	return p.buffer.Size()
}

// Close flushes the buffered lines and closes the writer.
func (p *LineProducer) Close() error {
	p.closeOnce.Do(func() {
		// no push can happen after this, the final drain sees every line
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		close(p.doneCh)

		closeCtx, cancel := context.WithTimeout(context.Background(), p.closeTimeout)
		defer cancel()

		g, ctx := errgroup.WithContext(closeCtx)
		g.Go(func() error {
			select {
			case <-p.stoppedCh:
			case <-ctx.Done():
				return ctx.Err()
			}
			return p.writer.Close(ctx)
		})
		if err := g.Wait(); err != nil {
			zap.S().Named("line_producer").Errorf("line producer closed with error: %s", err)
			p.closeErr = err
			return
		}

		zap.S().Named("line_producer").Info("line producer closed")
	})
	return p.closeErr
}

func (p *LineProducer) run() {
	defer close(p.stoppedCh)

	for {
		p.drain()

		select {
		case <-p.wakeCh:
		case <-p.doneCh:
			p.drain()
			return
		}
	}
}

func (p *LineProducer) drain() {
	for {
		msg, ok := p.buffer.Pop()
		if !ok {
			return
		}
		if err := p.writer.Write(context.Background(), p.topic, newLineEvent(msg)); err != nil {
			zap.S().Named("line_producer").Errorw("failed to send line", "error", err, "job_id", msg.JobID)
		}
	}
}

// newLineEvent wraps a line in a cloud event. The data is the line itself so
// consumers reading the payload see the plain wire format.
func newLineEvent(msg message) cloudevents.Event {
	e := cloudevents.NewEvent()
	e.SetID(uuid.NewString())
	e.SetSource(eventSource)
	e.SetType(LineEventType)
	e.SetSubject(msg.JobID)
	e.SetTime(msg.Time)
	_ = e.SetData(cloudevents.TextPlain, []byte(msg.Line))
	return e
}
