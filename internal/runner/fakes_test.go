package runner_test

import (
	"context"
	"errors"
	"iter"
	"sync"
	"sync/atomic"

	"github.com/kubev2v/bot-runner/internal/bot"
	"github.com/kubev2v/bot-runner/internal/notify"
	"github.com/kubev2v/bot-runner/internal/reaper"
)

type scriptedBot struct {
	authOK  bool
	authErr error
	results []bot.Result
	// failAt is the index of the unit that fails with failErr, -1 for none
	failAt  int
	failErr error
	// panicAt is the index of the unit that panics, -1 for none
	panicAt int
	// hang blocks after the results until ctx is done
	hang   bool
	closed atomic.Bool
}

func newScriptedBot(results ...bot.Result) *scriptedBot {
	return &scriptedBot{authOK: true, results: results, failAt: -1, panicAt: -1}
}

func (s *scriptedBot) Authenticate(ctx context.Context, _ bot.Credentials) (bool, error) {
	return s.authOK, s.authErr
}

func (s *scriptedBot) LocateTarget(ctx context.Context, _ bot.Query) iter.Seq2[bot.Result, error] {
	return func(yield func(bot.Result, error) bool) {
		for i, r := range s.results {
			if i == s.panicAt {
				panic("nil map in target session")
			}
			if i == s.failAt {
				yield(bot.Result{}, s.failErr)
				return
			}
			if !yield(r, nil) {
				return
			}
		}
		if s.hang {
			<-ctx.Done()
			yield(bot.Result{}, ctx.Err())
		}
	}
}

func (s *scriptedBot) Close() error {
	s.closed.Store(true)
	return nil
}

// sizedBot learns its total once it starts locating.
type sizedBot struct {
	*scriptedBot
	started atomic.Bool
}

func (s *sizedBot) LocateTarget(ctx context.Context, q bot.Query) iter.Seq2[bot.Result, error] {
	s.started.Store(true)
	return s.scriptedBot.LocateTarget(ctx, q)
}

func (s *sizedBot) Total() (int, bool) {
	return len(s.results), s.started.Load()
}

func results(n int, failed ...int) []bot.Result {
	bad := map[int]bool{}
	for _, f := range failed {
		bad[f] = true
	}
	out := make([]bot.Result, n)
	for i := range out {
		out[i] = bot.Result{Key: string(rune('a' + i%26)), OK: !bad[i], Message: "processed item"}
	}
	return out
}

type recordingSink struct {
	mu    sync.Mutex
	lines []string
}

func (r *recordingSink) WriteLine(_ context.Context, _ string, line string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
	return nil
}

func (r *recordingSink) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

type recordingSweeper struct {
	mu   sync.Mutex
	jobs []string
}

func (r *recordingSweeper) SweepJob(_ context.Context, jobID string) reaper.Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, jobID)
	return reaper.Report{}
}

type memUploader struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
}

func (m *memUploader) Upload(_ context.Context, key string, data []byte, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	if m.objects == nil {
		m.objects = map[string][]byte{}
	}
	m.objects[key] = data
	return "mem://" + key, nil
}

type memMailer struct {
	to   []string
	sent []notify.Message
	err  error
}

func (m *memMailer) Send(_ context.Context, to string, msg notify.Message) error {
	if m.err != nil {
		return &notify.MailError{Provider: "mem", To: to, Err: m.err}
	}
	m.to = append(m.to, to)
	m.sent = append(m.sent, msg)
	return nil
}

type staticSigner struct{}

func (staticSigner) Sign(_ context.Context, doc []byte) ([]byte, error) {
	if len(doc) == 0 {
		return nil, &notify.SigningError{Err: errors.New("empty document")}
	}
	return []byte("signature"), nil
}
