package reaper_test

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/kubev2v/bot-runner/internal/helper"
	"github.com/kubev2v/bot-runner/internal/reaper"
	"github.com/kubev2v/bot-runner/internal/store"
	"github.com/kubev2v/bot-runner/internal/store/model"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

const marker = "bot-runner-helper"

type fakeTable struct {
	mu         sync.Mutex
	procs      []reaper.ProcessInfo
	terminated []int32
	gone       map[int32]bool
	denied     map[int32]bool
	listErr    error
}

func (f *fakeTable) Snapshot(context.Context) ([]reaper.ProcessInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]reaper.ProcessInfo(nil), f.procs...), nil
}

func (f *fakeTable) Terminate(_ context.Context, pid int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gone[pid] {
		return reaper.ErrProcessGone
	}
	if f.denied[pid] {
		return errors.New("operation not permitted")
	}
	f.terminated = append(f.terminated, pid)
	return nil
}

func (f *fakeTable) Terminated() []int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int32(nil), f.terminated...)
}

func helperOf(pid int32, jobID string) reaper.ProcessInfo {
	return reaper.ProcessInfo{PID: pid, Cmdline: "proxy --port 3128", Env: append([]string{"PATH=/usr/bin"}, helper.Tags(jobID, marker)...)}
}

func withStatus(progress store.Progress, jobID string, statuses ...model.JobStatus) {
	Expect(progress.Create(context.TODO(), model.NewProgressRecord(jobID, "portal", nil, time.Now()))).To(Succeed())
	for _, s := range statuses {
		s := s
		_, err := progress.Update(context.TODO(), jobID, model.ProgressUpdate{Status: &s})
		Expect(err).To(BeNil())
	}
}

var _ = Describe("reaper", func() {
	var (
		table    *fakeTable
		progress store.Progress
		r        *reaper.Reaper
	)

	BeforeEach(func() {
		table = &fakeTable{gone: map[int32]bool{}, denied: map[int32]bool{}}
		progress = store.NewMemoryStore().Progress()
		r = reaper.New(table, progress, reaper.WithMarker(marker))
	})

	Context("job sweep", func() {
		It("only touches the helpers of the given job", func() {
			table.procs = []reaper.ProcessInfo{
				helperOf(10, "aaaaaa"),
				helperOf(11, "aaaaaa"),
				helperOf(20, "bbbbbb"),
				{PID: 30, Cmdline: "bash"},
			}

			report := r.SweepJob(context.TODO(), "aaaaaa")
			Expect(report).To(Equal(reaper.Report{Scanned: 4, Matched: 2, Terminated: 2}))
			Expect(table.Terminated()).To(ConsistOf(int32(10), int32(11)))
		})

		It("ignores processes with the job tag but another marker", func() {
			p := helperOf(10, "aaaaaa")
			p.Env = helper.Tags("aaaaaa", "someone-else")
			table.procs = []reaper.ProcessInfo{p}

			Expect(r.SweepJob(context.TODO(), "aaaaaa").Matched).To(BeZero())
		})

		It("skips processes that are gone or protected", func() {
			table.procs = []reaper.ProcessInfo{helperOf(10, "aaaaaa"), helperOf(11, "aaaaaa"), helperOf(12, "aaaaaa")}
			table.gone[10] = true
			table.denied[11] = true

			report := r.SweepJob(context.TODO(), "aaaaaa")
			Expect(report).To(Equal(reaper.Report{Scanned: 3, Matched: 3, Terminated: 1}))
			Expect(table.Terminated()).To(Equal([]int32{12}))
		})

		It("returns an empty report when the table cannot be read", func() {
			table.listErr = errors.New("permission denied")
			Expect(r.SweepJob(context.TODO(), "aaaaaa")).To(Equal(reaper.Report{}))
		})
	})

	Context("no helpers on the host", func() {
		It("reports the scan and leaves every record untouched", func() {
			withStatus(progress, "runjob", model.JobStatusRunning)
			withStatus(progress, "initjb")
			withStatus(progress, "donejb", model.JobStatusRunning, model.JobStatusFinished)

			table.procs = []reaper.ProcessInfo{
				{PID: 1, Cmdline: "/sbin/init"},
				{PID: 2, Cmdline: "bash", Env: []string{"PATH=/usr/bin"}},
				{PID: 3, Cmdline: "sleep 30", Env: helper.Tags("runjob", "someone-else")},
			}

			before, err := progress.List(context.TODO(), store.NewListOptions().WithSortOrder(store.SortByJobID))
			Expect(err).To(BeNil())
			Expect(before).To(HaveLen(3))

			for _, sweep := range []func(context.Context) reaper.Report{r.SweepDead, r.SweepMarker, r.Sweep} {
				Expect(sweep(context.TODO())).To(Equal(reaper.Report{Scanned: 3}))
			}
			Expect(r.SweepJob(context.TODO(), "runjob")).To(Equal(reaper.Report{Scanned: 3}))

			after, err := progress.List(context.TODO(), store.NewListOptions().WithSortOrder(store.SortByJobID))
			Expect(err).To(BeNil())
			Expect(after).To(Equal(before))
			Expect(table.Terminated()).To(BeEmpty())
		})
	})

	Context("dead sweep", func() {
		It("leaves helpers of running jobs alone", func() {
			withStatus(progress, "runjob", model.JobStatusRunning)
			withStatus(progress, "initjb")
			withStatus(progress, "donejb", model.JobStatusRunning, model.JobStatusFinished)
			withStatus(progress, "failjb", model.JobStatusFailed)

			table.procs = []reaper.ProcessInfo{
				helperOf(1, "runjob"),
				helperOf(2, "initjb"),
				helperOf(3, "donejb"),
				helperOf(4, "failjb"),
				helperOf(5, "gone00"),
				{PID: 6, Cmdline: "proxy " + marker},
			}

			report := r.SweepDead(context.TODO())
			Expect(report.Matched).To(Equal(3))
			Expect(table.Terminated()).To(ConsistOf(int32(3), int32(4), int32(5)))
		})
	})

	Context("marker sweep", func() {
		// two jobs share the host; the keyword sweep cannot tell them apart
		It("kills every helper carrying the marker, across jobs", func() {
			withStatus(progress, "jobaaa", model.JobStatusRunning)
			withStatus(progress, "jobbbb", model.JobStatusRunning)

			table.procs = []reaper.ProcessInfo{
				{PID: 1, Cmdline: "proxy --name " + marker + " --job jobaaa"},
				{PID: 2, Cmdline: "proxy --name " + marker + " --job jobbbb"},
				{PID: 3, Cmdline: "vim notes.txt"},
			}

			report := reaper.New(table, progress, reaper.WithMarker(marker), reaper.WithMode(reaper.ModeMarker)).Sweep(context.TODO())
			Expect(report).To(Equal(reaper.Report{Scanned: 3, Matched: 2, Terminated: 2}))
		})

		It("spares the other job when sweeping by job instead", func() {
			withStatus(progress, "jobaaa", model.JobStatusRunning, model.JobStatusFinished)
			withStatus(progress, "jobbbb", model.JobStatusRunning)

			table.procs = []reaper.ProcessInfo{helperOf(1, "jobaaa"), helperOf(2, "jobbbb")}

			report := r.Sweep(context.TODO())
			Expect(report.Terminated).To(Equal(1))
			Expect(table.Terminated()).To(Equal([]int32{1}))
		})
	})

	Context("run", func() {
		It("sweeps periodically and purges old terminal records", func() {
			withStatus(progress, "oldjob", model.JobStatusFailed)
			table.procs = []reaper.ProcessInfo{helperOf(7, "oldjob")}

			r = reaper.New(table, progress,
				reaper.WithMarker(marker),
				reaper.WithInterval(10*time.Millisecond),
				reaper.WithPurgeAfter(time.Nanosecond),
			)

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan struct{})
			go func() {
				r.Run(ctx)
				close(done)
			}()

			Eventually(table.Terminated).Should(ContainElement(int32(7)))
			Eventually(func() error {
				_, err := progress.Get(context.TODO(), "oldjob")
				return err
			}).Should(MatchError(store.ErrRecordNotFound))

			cancel()
			Eventually(done).Should(BeClosed())
		})
	})
})
