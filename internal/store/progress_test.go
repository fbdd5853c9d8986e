package store_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/kubev2v/bot-runner/internal/config"
	"github.com/kubev2v/bot-runner/internal/store"
	"github.com/kubev2v/bot-runner/internal/store/model"
	"github.com/kubev2v/bot-runner/pkg/migrations"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"
)

func intPtr(i int) *int {
	return &i
}

func statusPtr(s model.JobStatus) *model.JobStatus {
	return &s
}

func strPtr(s string) *string {
	return &s
}

func newRecord(id string, total int) model.ProgressRecord {
	return model.NewProgressRecord(id, "portal", intPtr(total), time.Now().UTC().Truncate(time.Second))
}

// progressBehaviour is run against every backend.
func progressBehaviour(open func() store.Store) {
	var (
		s   store.Store
		ctx context.Context
	)

	BeforeEach(func() {
		s = open()
		ctx = context.TODO()
	})

	AfterEach(func() {
		s.Close()
	})

	Context("Create", func() {
		It("creates a record in Initializing", func() {
			Expect(s.Progress().Create(ctx, newRecord("AB12CD", 100))).To(Succeed())

			rec, err := s.Progress().Get(ctx, "AB12CD")
			Expect(err).To(BeNil())
			Expect(rec.Status).To(Equal(model.JobStatusInitializing))
			Expect(rec.Row).To(Equal(0))
			Expect(rec.Remaining()).To(Equal(100))
			Expect(rec.Variant).To(Equal("portal"))
		})

		It("rejects a duplicate job id", func() {
			Expect(s.Progress().Create(ctx, newRecord("AB12CD", 100))).To(Succeed())
			err := s.Progress().Create(ctx, newRecord("AB12CD", 5))
			Expect(err).To(MatchError(store.ErrDuplicateKey))

			rec, err := s.Progress().Get(ctx, "AB12CD")
			Expect(err).To(BeNil())
			Expect(*rec.Total).To(Equal(100))
		})

		It("rejects an invalid record", func() {
			rec := newRecord("", 10)
			Expect(s.Progress().Create(ctx, rec)).To(MatchError(store.ErrInvalidUpdate))
		})

		It("lets exactly one of many concurrent creates win", func() {
			var (
				wg   sync.WaitGroup
				mu   sync.Mutex
				wins int
			)
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					err := s.Progress().Create(ctx, newRecord("RACE01", 10))
					if err == nil {
						mu.Lock()
						wins++
						mu.Unlock()
						return
					}
					Expect(err).To(MatchError(store.ErrDuplicateKey))
				}()
			}
			wg.Wait()
			Expect(wins).To(Equal(1))
		})
	})

	Context("Update", func() {
		BeforeEach(func() {
			Expect(s.Progress().Create(ctx, newRecord("AB12CD", 100))).To(Succeed())
		})

		It("fails for an unknown job", func() {
			_, err := s.Progress().Update(ctx, "ZZZZZZ", model.ProgressUpdate{Message: strPtr("hi")})
			Expect(err).To(MatchError(store.ErrRecordNotFound))
		})

		It("tracks work units", func() {
			_, err := s.Progress().Update(ctx, "AB12CD", model.ProgressUpdate{Status: statusPtr(model.JobStatusRunning)})
			Expect(err).To(BeNil())

			errs, success := 0, 0
			for row := 1; row <= 15; row++ {
				if row%7 == 0 {
					errs++
				} else {
					success++
				}
				_, err := s.Progress().Update(ctx, "AB12CD", model.ProgressUpdate{
					Row:     intPtr(row),
					Errors:  intPtr(errs),
					Success: intPtr(success),
					Message: strPtr(fmt.Sprintf("Processing item %d", row)),
				})
				Expect(err).To(BeNil())
			}

			rec, err := s.Progress().Get(ctx, "AB12CD")
			Expect(err).To(BeNil())
			Expect(rec.Row).To(Equal(15))
			Expect(rec.Success).To(Equal(13))
			Expect(rec.Errors).To(Equal(2))
			Expect(rec.Remaining()).To(Equal(85))
			Expect(rec.Message).To(Equal("Processing item 15"))
		})

		It("rejects a decreasing row", func() {
			_, err := s.Progress().Update(ctx, "AB12CD", model.ProgressUpdate{Status: statusPtr(model.JobStatusRunning), Row: intPtr(5)})
			Expect(err).To(BeNil())

			_, err = s.Progress().Update(ctx, "AB12CD", model.ProgressUpdate{Row: intPtr(4)})
			Expect(err).To(MatchError(store.ErrInvalidUpdate))

			rec, err := s.Progress().Get(ctx, "AB12CD")
			Expect(err).To(BeNil())
			Expect(rec.Row).To(Equal(5))
		})

		It("rejects any write after a terminal status", func() {
			_, err := s.Progress().Update(ctx, "AB12CD", model.ProgressUpdate{Status: statusPtr(model.JobStatusFailed)})
			Expect(err).To(BeNil())

			_, err = s.Progress().Update(ctx, "AB12CD", model.ProgressUpdate{Message: strPtr("late")})
			Expect(err).To(MatchError(store.ErrTerminalRecord))

			_, err = s.Progress().Update(ctx, "AB12CD", model.ProgressUpdate{Status: statusPtr(model.JobStatusRunning)})
			Expect(err).To(MatchError(store.ErrTerminalRecord))
		})

		It("keeps row monotonic for a concurrent reader", func() {
			_, err := s.Progress().Update(ctx, "AB12CD", model.ProgressUpdate{Status: statusPtr(model.JobStatusRunning)})
			Expect(err).To(BeNil())

			done := make(chan struct{})
			go func() {
				defer GinkgoRecover()
				defer close(done)
				for row := 1; row <= 50; row++ {
					_, err := s.Progress().Update(ctx, "AB12CD", model.ProgressUpdate{Row: intPtr(row), Success: intPtr(row)})
					Expect(err).To(BeNil())
				}
			}()

			last := 0
			for {
				rec, err := s.Progress().Get(ctx, "AB12CD")
				Expect(err).To(BeNil())
				Expect(rec.Row).To(BeNumerically(">=", last))
				Expect(rec.Errors + rec.Success).To(BeNumerically("<=", rec.Row))
				Expect(rec.Remaining()).To(Equal(*rec.Total - rec.Row))
				last = rec.Row

				select {
				case <-done:
					Expect(last).To(BeNumerically("<=", 50))
					return
				default:
				}
			}
		})
	})

	Context("List", func() {
		BeforeEach(func() {
			for i, row := range []int{7, 2, 9} {
				id := fmt.Sprintf("JOB%03d", i)
				Expect(s.Progress().Create(ctx, newRecord(id, 10))).To(Succeed())
				_, err := s.Progress().Update(ctx, id, model.ProgressUpdate{Status: statusPtr(model.JobStatusRunning), Row: intPtr(row)})
				Expect(err).To(BeNil())
			}
		})

		It("orders by row by default", func() {
			records, err := s.Progress().List(ctx, nil)
			Expect(err).To(BeNil())
			Expect(records).To(HaveLen(3))
			Expect(records[0].Row).To(Equal(2))
			Expect(records[1].Row).To(Equal(7))
			Expect(records[2].Row).To(Equal(9))
		})

		It("orders descending and limits", func() {
			records, err := s.Progress().List(ctx, store.NewListOptions().Descending().WithLimit(2))
			Expect(err).To(BeNil())
			Expect(records).To(HaveLen(2))
			Expect(records[0].JobID).To(Equal("JOB002"))
			Expect(records[1].JobID).To(Equal("JOB000"))
		})

		It("filters by status", func() {
			_, err := s.Progress().Update(ctx, "JOB001", model.ProgressUpdate{Status: statusPtr(model.JobStatusFinished)})
			Expect(err).To(BeNil())

			records, err := s.Progress().List(ctx, store.NewListOptions().ByStatus(model.JobStatusFinished))
			Expect(err).To(BeNil())
			Expect(records).To(HaveLen(1))
			Expect(records[0].JobID).To(Equal("JOB001"))
		})
	})

	Context("Purge", func() {
		It("removes terminal records only", func() {
			Expect(s.Progress().Create(ctx, newRecord("DONE01", 10))).To(Succeed())
			Expect(s.Progress().Create(ctx, newRecord("LIVE01", 10))).To(Succeed())
			_, err := s.Progress().Update(ctx, "DONE01", model.ProgressUpdate{Status: statusPtr(model.JobStatusFailed)})
			Expect(err).To(BeNil())

			n, err := s.Progress().Purge(ctx, nil)
			Expect(err).To(BeNil())
			Expect(n).To(Equal(int64(1)))

			_, err = s.Progress().Get(ctx, "DONE01")
			Expect(err).To(MatchError(store.ErrRecordNotFound))
			_, err = s.Progress().Get(ctx, "LIVE01")
			Expect(err).To(BeNil())
		})

		It("honours the age and id filters", func() {
			Expect(s.Progress().Create(ctx, newRecord("DONE01", 10))).To(Succeed())
			_, err := s.Progress().Update(ctx, "DONE01", model.ProgressUpdate{Status: statusPtr(model.JobStatusFailed)})
			Expect(err).To(BeNil())

			n, err := s.Progress().Purge(ctx, store.NewPurgeFilter().UpdatedBefore(time.Now().Add(-time.Hour)))
			Expect(err).To(BeNil())
			Expect(n).To(BeZero())

			n, err = s.Progress().Purge(ctx, store.NewPurgeFilter().ByJobID("OTHER1"))
			Expect(err).To(BeNil())
			Expect(n).To(BeZero())

			n, err = s.Progress().Purge(ctx, store.NewPurgeFilter().ByJobID("DONE01").UpdatedBefore(time.Now().Add(time.Hour)))
			Expect(err).To(BeNil())
			Expect(n).To(Equal(int64(1)))
		})
	})
}

var _ = Describe("progress store", func() {
	Describe("sql backend", func() {
		progressBehaviour(func() store.Store {
			cfg := config.NewDefault()
			cfg.Database.Type = "sqlite"
			cfg.Database.Name = filepath.Join(GinkgoT().TempDir(), "progress.db")

			db, err := store.InitDB(cfg)
			Expect(err).To(BeNil())
			Expect(migrations.MigrateStore(context.TODO(), db, cfg)).To(Succeed())
			return store.NewStore(db)
		})
	})

	Describe("redis backend", func() {
		progressBehaviour(func() store.Store {
			mr := miniredis.RunT(GinkgoT())
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			return store.NewRedisStore(client, "test")
		})
	})

	Describe("memory backend", func() {
		progressBehaviour(func() store.Store {
			return store.NewMemoryStore()
		})
	})
})
