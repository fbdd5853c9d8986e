package worker_test

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/kubev2v/bot-runner/internal/worker"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var errRevoked = errors.New("revoked")

var _ = Describe("pool", func() {
	var pool *worker.Pool

	newPool := func(cfg *worker.Config) *worker.Pool {
		p, err := worker.NewPool(cfg)
		Expect(err).To(BeNil())
		return p
	}

	AfterEach(func() {
		if pool != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			pool.Stop(ctx)
		}
	})

	It("rejects invalid configuration", func() {
		_, err := worker.NewPool(&worker.Config{Workers: 0, QueueSize: 1})
		Expect(err).To(HaveOccurred())
		_, err = worker.NewPool(&worker.Config{Workers: 1, QueueSize: 0})
		Expect(err).To(HaveOccurred())
	})

	It("runs every submitted task", func() {
		pool = newPool(&worker.Config{Workers: 3, QueueSize: 50})
		pool.Start()

		var ran atomic.Int64
		for range 30 {
			Expect(pool.Submit(worker.Task{Run: func(context.Context) error {
				ran.Add(1)
				return nil
			}})).To(Succeed())
		}

		Eventually(ran.Load).Should(BeEquivalentTo(30))
		Eventually(func() int64 { return pool.GetMetrics()["completed_tasks"] }).Should(BeEquivalentTo(30))
	})

	It("refuses tasks when the queue is full", func() {
		pool = newPool(&worker.Config{Workers: 1, QueueSize: 1})
		// not started, nothing drains the queue
		Expect(pool.Submit(worker.Task{Key: "a", Run: func(context.Context) error { return nil }})).To(Succeed())
		err := pool.Submit(worker.Task{Key: "b", Run: func(context.Context) error { return nil }})
		Expect(errors.Is(err, worker.ErrQueueFull)).To(BeTrue())
	})

	It("refuses a key that is already queued", func() {
		pool = newPool(&worker.Config{Workers: 1, QueueSize: 5})
		Expect(pool.Submit(worker.Task{Key: "a", Run: func(context.Context) error { return nil }})).To(Succeed())
		err := pool.Submit(worker.Task{Key: "a", Run: func(context.Context) error { return nil }})
		Expect(errors.Is(err, worker.ErrDuplicateTask)).To(BeTrue())
	})

	It("cancels a running task by key with its cause", func() {
		pool = newPool(&worker.Config{Workers: 1, QueueSize: 5})
		pool.Start()

		started := make(chan struct{})
		cause := make(chan error, 1)
		Expect(pool.Submit(worker.Task{Key: "job1", Run: func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			cause <- context.Cause(ctx)
			return ctx.Err()
		}})).To(Succeed())

		Eventually(started).Should(BeClosed())
		Expect(pool.Cancel("job1", errRevoked)).To(BeTrue())
		Eventually(cause).Should(Receive(MatchError(errRevoked)))
		Eventually(func() bool { return pool.Cancel("job1", errRevoked) }).Should(BeFalse())
	})

	It("runs a cancelled queued task with a done context", func() {
		pool = newPool(&worker.Config{Workers: 1, QueueSize: 5})

		seen := make(chan error, 1)
		Expect(pool.Submit(worker.Task{Key: "job2", Run: func(ctx context.Context) error {
			seen <- context.Cause(ctx)
			return nil
		}})).To(Succeed())
		Expect(pool.Cancel("job2", errRevoked)).To(BeTrue())

		pool.Start()
		Eventually(seen).Should(Receive(MatchError(errRevoked)))
	})

	It("times out tasks", func() {
		pool = newPool(&worker.Config{Workers: 1, QueueSize: 5, TaskTimeout: 20 * time.Millisecond})
		pool.Start()

		cause := make(chan error, 1)
		Expect(pool.Submit(worker.Task{Run: func(ctx context.Context) error {
			<-ctx.Done()
			cause <- context.Cause(ctx)
			return ctx.Err()
		}})).To(Succeed())

		Eventually(cause).Should(Receive(MatchError(worker.ErrTaskTimeout)))
		Eventually(func() int64 { return pool.GetMetrics()["failed_tasks"] }).Should(BeEquivalentTo(1))
	})

	It("survives a panicking task", func() {
		pool = newPool(&worker.Config{Workers: 1, QueueSize: 5})
		pool.Start()

		Expect(pool.Submit(worker.Task{Run: func(context.Context) error { panic("boom") }})).To(Succeed())
		done := make(chan struct{})
		Expect(pool.Submit(worker.Task{Run: func(context.Context) error {
			close(done)
			return nil
		}})).To(Succeed())

		Eventually(done).Should(BeClosed())
		Expect(pool.GetMetrics()["failed_tasks"]).To(BeEquivalentTo(1))
	})

	It("drains the queue on stop and refuses new tasks", func() {
		p := newPool(&worker.Config{Workers: 2, QueueSize: 10})
		p.Start()

		var ran atomic.Int64
		for range 10 {
			Expect(p.Submit(worker.Task{Run: func(context.Context) error {
				time.Sleep(time.Millisecond)
				ran.Add(1)
				return nil
			}})).To(Succeed())
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		p.Stop(ctx)

		Expect(ran.Load()).To(BeEquivalentTo(10))
		err := p.Submit(worker.Task{Run: func(context.Context) error { return nil }})
		Expect(errors.Is(err, worker.ErrPoolStopped)).To(BeTrue())
		Expect(p.IsIdle()).To(BeTrue())
	})
})
