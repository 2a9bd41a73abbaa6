package dispatcher_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/geolake/geolake/internal/config"
	"github.com/geolake/geolake/internal/dispatcher"
	"github.com/geolake/geolake/internal/queue"
	"github.com/geolake/geolake/internal/registry"
	"github.com/geolake/geolake/internal/store"
	"github.com/geolake/geolake/internal/store/model"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/gorm"
)

const insertUserStm = "INSERT INTO users (id, auth_subject, api_key, role_id, created_on) VALUES (%d, 'subject-%d', 'key-%d', 1, CURRENT_TIMESTAMP);"

type failingQueue struct {
	*queue.MemoryQueue
}

func (f failingQueue) Publish(ctx context.Context, msg queue.Message) error {
	return errors.New("broker unreachable")
}

// stoppingQueue stops the dispatcher while the message is being published.
type stoppingQueue struct {
	*queue.MemoryQueue
	stop context.CancelFunc
}

func (q stoppingQueue) Publish(ctx context.Context, msg queue.Message) error {
	q.stop()
	return ctx.Err()
}

// lossyQueue acknowledges messages it never delivers.
type lossyQueue struct {
	*queue.MemoryQueue
}

func (l lossyQueue) Publish(ctx context.Context, msg queue.Message) error {
	return nil
}

var _ = Describe("dispatcher", Ordered, func() {
	var (
		s      store.Store
		gormdb *gorm.DB
		now    time.Time
		reg    *registry.Registry
		q      *queue.MemoryQueue
		d      *dispatcher.Dispatcher
	)

	clock := func() time.Time { return now }

	submit := func(userID uint, priority int, offset time.Duration) *model.Request {
		r, err := s.Request().Create(context.TODO(), model.Request{
			UserID:    userID,
			Priority:  priority,
			Dataset:   "era5",
			Product:   "reanalysis",
			Query:     model.Query(`{"variable":"2t"}`),
			CreatedOn: now.Add(offset),
		})
		Expect(err).To(BeNil())
		return r
	}

	register := func(host string) *model.Worker {
		w, err := reg.Register(context.TODO(), model.WorkerDescriptor{Host: host, SchedulerPort: 8786})
		Expect(err).To(BeNil())
		return w
	}

	finish := func(a *dispatcher.Assignment) {
		Expect(s.Request().MarkFailed(context.TODO(), a.Request.ID, model.RequestStatusRunning, &a.Worker.ID, "done in test", now)).To(Succeed())
		Expect(reg.MarkIdle(context.TODO(), a.Worker.ID, a.Request.ID)).To(Succeed())
	}

	BeforeAll(func() {
		cfg, err := config.NewDefault()
		Expect(err).To(BeNil())
		cfg.Database.Type = "sqlite"
		cfg.Database.Name = ":memory:"

		db, err := store.InitDB(cfg)
		Expect(err).To(BeNil())
		s = store.NewStore(db)
		gormdb = db
		Expect(s.InitialMigration(context.TODO())).To(Succeed())
		Expect(s.Seed(context.TODO())).To(Succeed())
	})

	AfterAll(func() {
		s.Close()
	})

	BeforeEach(func() {
		now = time.Now().UTC().Truncate(time.Second)
		reg = registry.New(s, 30*time.Second, 1, registry.WithClock(clock))
		q = queue.NewMemoryQueue(50 * time.Millisecond)
		d = dispatcher.New(s, reg, q, dispatcher.Config{Grace: 30 * time.Second}, dispatcher.WithClock(clock))

		for i := 1; i <= 2; i++ {
			Expect(gormdb.Exec(fmt.Sprintf(insertUserStm, i, i, i)).Error).To(BeNil())
		}
	})

	AfterEach(func() {
		q.Close()
		gormdb.Exec("DELETE FROM requests;")
		gormdb.Exec("DELETE FROM workers;")
		gormdb.Exec("DELETE FROM users;")
	})

	Context("dispatch once", func() {
		It("reports an empty queue", func() {
			register("compute-1")
			_, err := d.DispatchOnce(context.TODO())
			Expect(err).To(MatchError(dispatcher.ErrNothingQueued))
		})

		It("leaves the request queued without idle worker", func() {
			r := submit(1, 10, 0)

			_, err := d.DispatchOnce(context.TODO())
			Expect(err).To(MatchError(dispatcher.ErrWorkerUnavailable))

			stored, err := s.Request().Get(context.TODO(), r.ID)
			Expect(err).To(BeNil())
			Expect(stored.Status).To(Equal(model.RequestStatusQueued))
		})

		It("assigns the request and publishes the dispatch message", func() {
			w := register("compute-1")
			r := submit(1, 10, 0)

			a, err := d.DispatchOnce(context.TODO())
			Expect(err).To(BeNil())
			Expect(a.Request.ID).To(Equal(r.ID))
			Expect(a.Worker.ID).To(Equal(w.ID))

			stored, err := s.Request().Get(context.TODO(), r.ID)
			Expect(err).To(BeNil())
			Expect(stored.Status).To(Equal(model.RequestStatusRunning))
			Expect(*stored.WorkerID).To(Equal(w.ID))
			Expect(stored.Attempts).To(Equal(1))

			worker, err := reg.Get(context.TODO(), w.ID)
			Expect(err).To(BeNil())
			Expect(worker.Status).To(Equal(model.WorkerStatusBusy))
			Expect(*worker.CurrentRequestID).To(Equal(r.ID))

			delivery, err := q.Receive(context.TODO(), w.ID)
			Expect(err).To(BeNil())
			Expect(delivery.Message.DispatchID).To(Equal(a.DispatchID))
			Expect(delivery.Message.RequestID).To(Equal(r.ID))
			Expect(delivery.Message.Dataset).To(Equal("era5"))
			Expect(string(delivery.Message.Query)).To(Equal(`{"variable":"2t"}`))
		})

		It("dispatches in priority order", func() {
			register("compute-1")
			r1 := submit(1, 2, 0)
			r2 := submit(1, 1, time.Second)
			r3 := submit(1, 3, 2*time.Second)

			order := []uint{}
			for range 3 {
				a, err := d.DispatchOnce(context.TODO())
				Expect(err).To(BeNil())
				order = append(order, a.Request.ID)

				// one worker: nothing else goes out until it is idle again
				_, err = d.DispatchOnce(context.TODO())
				Expect(err).To(MatchError(dispatcher.ErrWorkerUnavailable))
				finish(a)
			}
			Expect(order).To(Equal([]uint{r2.ID, r1.ID, r3.ID}))
		})

		It("spreads requests on the least recently used workers", func() {
			w1 := register("compute-1")
			w2 := register("compute-2")
			submit(1, 10, 0)
			submit(1, 10, time.Second)
			submit(1, 10, 2*time.Second)

			a1, err := d.DispatchOnce(context.TODO())
			Expect(err).To(BeNil())
			Expect(a1.Worker.ID).To(Equal(w1.ID))

			now = now.Add(time.Second)
			a2, err := d.DispatchOnce(context.TODO())
			Expect(err).To(BeNil())
			Expect(a2.Worker.ID).To(Equal(w2.ID))

			now = now.Add(time.Second)
			finish(a2)
			now = now.Add(time.Second)
			finish(a1)

			a3, err := d.DispatchOnce(context.TODO())
			Expect(err).To(BeNil())
			// w2 went idle first but w1 was assigned longer ago
			Expect(a3.Worker.ID).To(Equal(w1.ID))
		})

		It("honors the per-user running limit", func() {
			d = dispatcher.New(s, reg, q, dispatcher.Config{Grace: 30 * time.Second, RunningRequestLimit: 1}, dispatcher.WithClock(clock))
			register("compute-1")
			register("compute-2")
			first := submit(1, 0, 0)
			submit(1, 0, time.Second)
			other := submit(2, 50, 2*time.Second)

			a, err := d.DispatchOnce(context.TODO())
			Expect(err).To(BeNil())
			Expect(a.Request.ID).To(Equal(first.ID))

			a, err = d.DispatchOnce(context.TODO())
			Expect(err).To(BeNil())
			Expect(a.Request.ID).To(Equal(other.ID))

			_, err = d.DispatchOnce(context.TODO())
			Expect(err).To(MatchError(dispatcher.ErrNothingQueued))
		})

		It("reverts the assignment when the message cannot be published", func() {
			d = dispatcher.New(s, reg, failingQueue{q}, dispatcher.Config{}, dispatcher.WithClock(clock))
			w := register("compute-1")
			r := submit(1, 10, 0)

			_, err := d.DispatchOnce(context.TODO())
			Expect(err).To(MatchError(ContainSubstring("broker unreachable")))

			stored, err := s.Request().Get(context.TODO(), r.ID)
			Expect(err).To(BeNil())
			Expect(stored.Status).To(Equal(model.RequestStatusQueued))
			Expect(stored.WorkerID).To(BeNil())
			Expect(stored.Attempts).To(Equal(0))

			worker, err := reg.Get(context.TODO(), w.ID)
			Expect(err).To(BeNil())
			Expect(worker.Status).To(Equal(model.WorkerStatusIdle))
			Expect(worker.CurrentRequestID).To(BeNil())
		})

		It("reverts the assignment when stopped while publishing", func() {
			ctx, cancel := context.WithCancel(context.TODO())
			defer cancel()
			d = dispatcher.New(s, reg, stoppingQueue{MemoryQueue: q, stop: cancel}, dispatcher.Config{}, dispatcher.WithClock(clock))
			w := register("compute-1")
			r := submit(1, 10, 0)

			_, err := d.DispatchOnce(ctx)
			Expect(err).To(MatchError(context.Canceled))

			stored, err := s.Request().Get(context.TODO(), r.ID)
			Expect(err).To(BeNil())
			Expect(stored.Status).To(Equal(model.RequestStatusQueued))
			Expect(stored.WorkerID).To(BeNil())
			Expect(stored.Attempts).To(Equal(0))

			worker, err := reg.Get(context.TODO(), w.ID)
			Expect(err).To(BeNil())
			Expect(worker.Status).To(Equal(model.WorkerStatusIdle))
			Expect(worker.CurrentRequestID).To(BeNil())
		})
	})

	Context("concurrent dispatchers", func() {
		It("never assigns a request or a worker twice", func() {
			for i := 0; i < 4; i++ {
				register(fmt.Sprintf("compute-%d", i))
			}
			for i := 0; i < 10; i++ {
				submit(uint(i%2+1), i%3, time.Duration(i)*time.Second)
			}

			var wg sync.WaitGroup
			total := make(chan int, 5)
			for i := 0; i < 5; i++ {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					other := dispatcher.New(s, reg, q, dispatcher.Config{}, dispatcher.WithClock(clock))
					n, err := other.Drain(context.TODO())
					Expect(err).To(BeNil())
					total <- n
				}()
			}
			wg.Wait()
			close(total)

			sum := 0
			for n := range total {
				sum += n
			}
			Expect(sum).To(Equal(4))

			running, err := s.Request().List(context.TODO(), store.NewRequestQueryFilter().ByStatus(model.RequestStatusRunning), nil)
			Expect(err).To(BeNil())
			Expect(running).To(HaveLen(4))

			seen := map[uint]bool{}
			for _, r := range running {
				Expect(seen[*r.WorkerID]).To(BeFalse())
				seen[*r.WorkerID] = true
			}

			busy, err := reg.List(context.TODO(), model.WorkerStatusBusy)
			Expect(err).To(BeNil())
			Expect(busy).To(HaveLen(4))
		})
	})

	Context("reclaim", func() {
		It("requeues then fails the requests of silent workers", func() {
			w := register("compute-1")
			r := submit(1, 10, 0)

			_, err := d.DispatchOnce(context.TODO())
			Expect(err).To(BeNil())
			Expect(s.Request().RecordClaim(context.TODO(), r.ID, w.ID, now)).To(Succeed())

			// within the grace period nothing happens
			now = now.Add(10 * time.Second)
			n, err := d.Reclaim(context.TODO())
			Expect(err).To(BeNil())
			Expect(n).To(BeZero())

			now = now.Add(time.Minute)
			n, err = d.Reclaim(context.TODO())
			Expect(err).To(BeNil())
			Expect(n).To(Equal(1))

			stored, err := s.Request().Get(context.TODO(), r.ID)
			Expect(err).To(BeNil())
			Expect(stored.Status).To(Equal(model.RequestStatusQueued))
			Expect(stored.RetryCount).To(Equal(1))

			worker, err := reg.Get(context.TODO(), w.ID)
			Expect(err).To(BeNil())
			Expect(worker.Status).To(Equal(model.WorkerStatusOffline))
			Expect(worker.CurrentRequestID).To(BeNil())

			// the worker comes back and takes it again, then goes silent for good
			register("compute-1")
			_, err = d.DispatchOnce(context.TODO())
			Expect(err).To(BeNil())
			Expect(s.Request().RecordClaim(context.TODO(), r.ID, w.ID, now)).To(Succeed())

			now = now.Add(time.Minute)
			n, err = d.Reclaim(context.TODO())
			Expect(err).To(BeNil())
			Expect(n).To(Equal(1))

			stored, err = s.Request().Get(context.TODO(), r.ID)
			Expect(err).To(BeNil())
			Expect(stored.Status).To(Equal(model.RequestStatusFailed))
			Expect(stored.FailReason).To(Equal(fmt.Sprintf("stale claim: worker %d stopped heartbeating", w.ID)))
			Expect(stored.Attempts).To(Equal(2))
		})

		It("requeues an assignment whose message never reached its worker", func() {
			lossy := dispatcher.New(s, reg, lossyQueue{q}, dispatcher.Config{Grace: 30 * time.Second}, dispatcher.WithClock(clock))
			w := register("compute-1")
			r := submit(1, 10, 0)

			_, err := lossy.DispatchOnce(context.TODO())
			Expect(err).To(BeNil())
			Expect(q.Len(w.ID)).To(BeZero())

			// the worker stays healthy, it just never hears about the request
			for range 2 {
				now = now.Add(10 * time.Second)
				_, err = reg.Heartbeat(context.TODO(), w.ID)
				Expect(err).To(BeNil())

				n, err := d.Reclaim(context.TODO())
				Expect(err).To(BeNil())
				Expect(n).To(BeZero())
			}

			now = now.Add(15 * time.Second)
			_, err = reg.Heartbeat(context.TODO(), w.ID)
			Expect(err).To(BeNil())

			n, err := d.Reclaim(context.TODO())
			Expect(err).To(BeNil())
			Expect(n).To(Equal(1))

			stored, err := s.Request().Get(context.TODO(), r.ID)
			Expect(err).To(BeNil())
			Expect(stored.Status).To(Equal(model.RequestStatusQueued))
			Expect(stored.WorkerID).To(BeNil())
			Expect(stored.Attempts).To(Equal(0))
			Expect(stored.RetryCount).To(Equal(0))

			worker, err := reg.Get(context.TODO(), w.ID)
			Expect(err).To(BeNil())
			Expect(worker.Status).To(Equal(model.WorkerStatusIdle))
			Expect(worker.CurrentRequestID).To(BeNil())

			a, err := d.DispatchOnce(context.TODO())
			Expect(err).To(BeNil())
			Expect(a.Request.ID).To(Equal(r.ID))
			Expect(q.Len(w.ID)).To(Equal(1))
		})

		It("leaves healthy workers alone", func() {
			register("compute-1")
			submit(1, 10, 0)
			_, err := d.DispatchOnce(context.TODO())
			Expect(err).To(BeNil())

			n, err := d.Reclaim(context.TODO())
			Expect(err).To(BeNil())
			Expect(n).To(BeZero())
		})
	})

	Context("run", func() {
		It("dispatches on notification until stopped", func() {
			d = dispatcher.New(s, reg, q, dispatcher.Config{PollInterval: time.Hour, ReclaimInterval: time.Hour})
			w := register("compute-1")

			ctx, cancel := context.WithCancel(context.TODO())
			done := make(chan error, 1)
			go func() {
				done <- d.Run(ctx)
			}()

			r := submit(1, 10, 0)
			Eventually(func() model.RequestStatus {
				_ = q.Notify(context.TODO())
				stored, err := s.Request().Get(context.TODO(), r.ID)
				Expect(err).To(BeNil())
				return stored.Status
			}, 5*time.Second, 50*time.Millisecond).Should(Equal(model.RequestStatusRunning))

			Expect(q.Len(w.ID)).To(Equal(1))

			cancel()
			Eventually(done).Should(Receive(BeNil()))
		})
	})
})
