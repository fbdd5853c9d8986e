package progress_test

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/kubev2v/bot-runner/internal/progress"
	"github.com/kubev2v/bot-runner/internal/store"
	"github.com/kubev2v/bot-runner/internal/store/model"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func mustTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	Expect(err).To(BeNil())
	return t
}

type recordingSink struct {
	mu    sync.Mutex
	lines []string
	err   error
}

func (s *recordingSink) WriteLine(_ context.Context, _ string, line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, line)
	return s.err
}

var _ = Describe("reporter", func() {
	var (
		ctx      context.Context
		progs    store.Progress
		sink     *recordingSink
		reporter *progress.Reporter
	)

	BeforeEach(func() {
		ctx = context.TODO()
		progs = store.NewMemoryProgress()
		sink = &recordingSink{}
		total := 100
		Expect(progs.Create(ctx, model.NewProgressRecord("AB12CD", "portal", &total, time.Now().UTC()))).To(Succeed())
		reporter = progress.NewReporter("AB12CD", progs, sink, progress.WithClock(func() time.Time {
			return mustTime("2026-10-18T10:00:00Z")
		}))
	})

	It("counts units and publishes one line per update", func() {
		Expect(reporter.Start(ctx, "authenticated")).To(Succeed())
		for i := 1; i <= 15; i++ {
			Expect(reporter.Unit(ctx, i != 4 && i != 9, "Processing item")).To(Succeed())
		}

		rec, err := progs.Get(ctx, "AB12CD")
		Expect(err).To(BeNil())
		Expect(rec.Status).To(Equal(model.JobStatusRunning))
		Expect(rec.Row).To(Equal(15))
		Expect(rec.Success).To(Equal(13))
		Expect(rec.Errors).To(Equal(2))
		Expect(rec.Remaining()).To(Equal(85))

		Expect(sink.lines).To(HaveLen(16))
		Expect(sink.lines[0]).To(Equal("[(AB12CD, info, 0, 10:00:00)> authenticated]"))
		Expect(sink.lines[4]).To(Equal("[(AB12CD, warning, 4, 10:00:00)> Processing item]"))
		last, err := progress.Decode(sink.lines[15])
		Expect(err).To(BeNil())
		Expect(last.Row).To(Equal(15))
	})

	It("finishes with a success line", func() {
		Expect(reporter.Start(ctx, "authenticated")).To(Succeed())
		Expect(reporter.Finish(ctx, "job finished successfully")).To(Succeed())

		rec, err := progs.Get(ctx, "AB12CD")
		Expect(err).To(BeNil())
		Expect(rec.Status).To(Equal(model.JobStatusFinished))
		Expect(rec.MessageType).To(Equal(model.MessageTypeSuccess))
	})

	It("fails from Initializing and rejects later writes", func() {
		Expect(reporter.Fail(ctx, "invalid credentials")).To(Succeed())
		Expect(reporter.Unit(ctx, true, "late")).To(MatchError(store.ErrTerminalRecord))

		rec, err := progs.Get(ctx, "AB12CD")
		Expect(err).To(BeNil())
		Expect(rec.Status).To(Equal(model.JobStatusFailed))
		Expect(rec.MessageType).To(Equal(model.MessageTypeError))
		Expect(rec.Row).To(BeZero())
	})

	It("ignores sink failures", func() {
		sink.err = errors.New("broker down")
		Expect(reporter.Start(ctx, "authenticated")).To(Succeed())
		Expect(sink.lines).To(HaveLen(1))
	})

	It("sets a lazily discovered total once", func() {
		Expect(progs.Create(ctx, model.NewProgressRecord("LAZY01", "portal", nil, time.Now().UTC()))).To(Succeed())
		lazy := progress.NewReporter("LAZY01", progs, nil)

		Expect(lazy.Start(ctx, "authenticated")).To(Succeed())
		Expect(lazy.SetTotal(ctx, 40)).To(Succeed())
		Expect(lazy.SetTotal(ctx, 50)).To(Succeed())

		rec, err := progs.Get(ctx, "LAZY01")
		Expect(err).To(BeNil())
		Expect(*rec.Total).To(Equal(40))
		Expect(rec.Remaining()).To(Equal(40))
	})
})
