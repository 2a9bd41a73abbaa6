package agent_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/geolake/geolake/internal/agent"
	"github.com/geolake/geolake/internal/artifact"
	"github.com/geolake/geolake/internal/config"
	"github.com/geolake/geolake/internal/dispatcher"
	"github.com/geolake/geolake/internal/engine"
	"github.com/geolake/geolake/internal/queue"
	"github.com/geolake/geolake/internal/registry"
	"github.com/geolake/geolake/internal/service"
	"github.com/geolake/geolake/internal/store"
	"github.com/geolake/geolake/internal/store/model"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/gorm"
)

const insertUserStm = "INSERT INTO users (id, auth_subject, api_key, role_id, created_on) VALUES (%d, 'subject-%d', 'key-%d', (SELECT id FROM roles WHERE name = 'standard'), CURRENT_TIMESTAMP);"

var _ = Describe("agent", Ordered, func() {
	var (
		s         store.Store
		gormdb    *gorm.DB
		now       time.Time
		clockMu   sync.Mutex
		reg       *registry.Registry
		q         *queue.MemoryQueue
		d         *dispatcher.Dispatcher
		requests  *service.RequestService
		root      string
		artifacts *hookStore
		eng       *fakeEngine
		a         *agent.Agent
		owner     model.User
	)

	clock := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return now
	}
	advance := func(dt time.Duration) {
		clockMu.Lock()
		defer clockMu.Unlock()
		now = now.Add(dt)
	}

	descriptor := model.WorkerDescriptor{Host: "compute-1", SchedulerPort: 8786, DashboardAddress: "compute-1:8787"}

	submit := func() *model.Request {
		req, err := requests.Submit(context.TODO(), service.SubmitForm{
			UserID:  owner.ID,
			Dataset: "era5",
			Product: "reanalysis",
			Query:   json.RawMessage(`{"variable":"2t"}`),
		})
		Expect(err).To(BeNil())
		return req
	}

	dispatch := func() *dispatcher.Assignment {
		assignment, err := d.DispatchOnce(context.TODO())
		Expect(err).To(BeNil())
		return assignment
	}

	get := func(id uint) *model.Request {
		req, err := s.Request().Get(context.TODO(), id)
		Expect(err).To(BeNil())
		return req
	}

	worker := func() *model.Worker {
		w, err := reg.Get(context.TODO(), a.WorkerID())
		Expect(err).To(BeNil())
		return w
	}

	newAgent := func(r *registry.Registry, opts ...agent.Option) *agent.Agent {
		return agent.New(s, r, q, eng, artifacts, agent.Config{
			Descriptor:         descriptor,
			HeartbeatInterval:  time.Second,
			CancelPollInterval: 20 * time.Millisecond,
			StorageName:        "local",
		}, opts...)
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
		Expect(s.Seed(context.TODO(), model.Storage{Name: "local", Protocol: "file"})).To(Succeed())
	})

	AfterAll(func() {
		s.Close()
	})

	BeforeEach(func() {
		now = time.Now().UTC().Truncate(time.Second)
		reg = registry.New(s, 30*time.Second, 1, registry.WithClock(clock))
		q = queue.NewMemoryQueue(20 * time.Millisecond)
		d = dispatcher.New(s, reg, q, dispatcher.Config{}, dispatcher.WithClock(clock))
		requests = service.NewRequestService(s, q)

		root = GinkgoT().TempDir()
		local, err := artifact.NewLocalStore(root, "http://geolake/download")
		Expect(err).To(BeNil())
		artifacts = &hookStore{Store: local}
		eng = newFakeEngine("netcdf")

		Expect(gormdb.Exec(fmt.Sprintf(insertUserStm, 1, 1, 1)).Error).To(BeNil())
		owner = model.User{ID: 1}

		a = newAgent(reg, agent.WithClock(clock))
		_, err = a.Register(context.TODO())
		Expect(err).To(BeNil())
	})

	AfterEach(func() {
		_ = q.Close()
		gormdb.Exec("DELETE FROM requests;")
		gormdb.Exec("DELETE FROM downloads;")
		gormdb.Exec("DELETE FROM workers;")
		gormdb.Exec("DELETE FROM users;")
	})

	Context("process", func() {
		It("reports an empty queue", func() {
			processed, err := a.ProcessNext(context.TODO())
			Expect(err).To(BeNil())
			Expect(processed).To(BeFalse())
		})

		It("executes a dispatched request to done", func() {
			req := submit()
			dispatch()

			processed, err := a.ProcessNext(context.TODO())
			Expect(err).To(BeNil())
			Expect(processed).To(BeTrue())

			done := get(req.ID)
			Expect(done.Status).To(Equal(model.RequestStatusDone))
			Expect(done.ClaimedAt).ToNot(BeNil())
			Expect(done.Download).ToNot(BeNil())
			Expect(done.Download.BytesSize).To(Equal(int64(6)))
			Expect(done.Download.DownloadURI).To(Equal(fmt.Sprintf("http://geolake/download/%d/result.nc", req.ID)))

			data, err := os.ReadFile(filepath.Join(root, fmt.Sprint(req.ID), "result.nc"))
			Expect(err).To(BeNil())
			Expect(string(data)).To(Equal("netcdf"))

			w := worker()
			Expect(w.Status).To(Equal(model.WorkerStatusIdle))
			Expect(w.CurrentRequestID).To(BeNil())
			Expect(q.Len(w.ID)).To(BeZero())
		})

		It("drops redelivered messages", func() {
			req := submit()
			assignment := dispatch()

			Expect(q.Publish(context.TODO(), queue.Message{
				DispatchID: assignment.DispatchID,
				RequestID:  req.ID,
				WorkerID:   assignment.Worker.ID,
				Dataset:    req.Dataset,
				Product:    req.Product,
				Query:      json.RawMessage(req.Query),
			})).To(Succeed())

			for i := 0; i < 2; i++ {
				processed, err := a.ProcessNext(context.TODO())
				Expect(err).To(BeNil())
				Expect(processed).To(BeTrue())
			}

			Expect(eng.Calls()).To(Equal(1))
			Expect(get(req.ID).Status).To(Equal(model.RequestStatusDone))
			Expect(q.Len(a.WorkerID())).To(BeZero())
		})

		It("drops messages of requests cancelled before the claim", func() {
			req := submit()
			dispatch()
			Expect(s.Request().MarkFailed(context.TODO(), req.ID, model.RequestStatusRunning, nil, "reclaimed", now)).To(Succeed())

			processed, err := a.ProcessNext(context.TODO())
			Expect(err).To(BeNil())
			Expect(processed).To(BeTrue())
			Expect(eng.Calls()).To(BeZero())
			Expect(q.Len(a.WorkerID())).To(BeZero())
		})
	})

	Context("failures", func() {
		It("records the engine failure", func() {
			eng.execute = func(ctx context.Context, task engine.Task) (*engine.Result, error) {
				return nil, &engine.ExecutionError{StatusCode: http.StatusUnprocessableEntity, Message: "unknown variable 2t"}
			}
			req := submit()
			dispatch()

			_, err := a.ProcessNext(context.TODO())
			Expect(err).To(BeNil())

			failed := get(req.ID)
			Expect(failed.Status).To(Equal(model.RequestStatusFailed))
			Expect(failed.FailReason).To(ContainSubstring("engine returned status 422: unknown variable 2t"))
			Expect(failed.DownloadID).To(BeNil())
			Expect(worker().Status).To(Equal(model.WorkerStatusIdle))
		})

		It("records the storage failure", func() {
			artifacts.onPut = func(ctx context.Context, key string) error {
				return errDiskFull
			}
			req := submit()
			dispatch()

			_, err := a.ProcessNext(context.TODO())
			Expect(err).To(BeNil())

			failed := get(req.ID)
			Expect(failed.Status).To(Equal(model.RequestStatusFailed))
			Expect(failed.FailReason).To(ContainSubstring("storage write failed"))
			Expect(failed.FailReason).To(ContainSubstring(errDiskFull.Error()))
		})

		It("truncates long failure reasons", func() {
			long := make([]byte, 3*model.MaxFailReasonLength)
			for i := range long {
				long[i] = 'x'
			}
			eng.execute = func(ctx context.Context, task engine.Task) (*engine.Result, error) {
				return nil, errors.New(string(long))
			}
			req := submit()
			dispatch()

			_, err := a.ProcessNext(context.TODO())
			Expect(err).To(BeNil())
			Expect(len(get(req.ID).FailReason)).To(Equal(model.MaxFailReasonLength))
		})
	})

	Context("cancel", func() {
		It("stops a running execution", func() {
			eng.execute = func(ctx context.Context, task engine.Task) (*engine.Result, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			}
			req := submit()
			dispatch()

			done := make(chan error, 1)
			go func() {
				_, err := a.ProcessNext(context.TODO())
				done <- err
			}()

			Eventually(eng.Calls).Should(Equal(1))
			_, err := requests.Cancel(context.TODO(), owner, req.ID)
			Expect(err).To(BeNil())

			Eventually(done, 5*time.Second).Should(Receive(BeNil()))
			failed := get(req.ID)
			Expect(failed.Status).To(Equal(model.RequestStatusFailed))
			Expect(failed.FailReason).To(Equal(service.CancelledReason))
			Expect(worker().Status).To(Equal(model.WorkerStatusIdle))
		})

		It("does not start a request cancelled before execution", func() {
			req := submit()
			dispatch()
			Expect(s.Request().RequestCancel(context.TODO(), req.ID)).To(Succeed())

			_, err := a.ProcessNext(context.TODO())
			Expect(err).To(BeNil())
			Expect(eng.Calls()).To(BeZero())
			Expect(get(req.ID).FailReason).To(Equal(service.CancelledReason))
		})
	})

	Context("lost claim", func() {
		It("discards the artifact of a reclaimed request", func() {
			req := submit()
			dispatch()

			// the dispatcher reclaims the request while the artifact is being persisted
			artifacts.afterPut = func(obj *artifact.Object) {
				current, err := s.Request().Get(context.TODO(), req.ID)
				Expect(err).To(BeNil())
				_, err = reg.Reclaim(context.TODO(), *current, "stale claim: worker stopped heartbeating")
				Expect(err).To(BeNil())
			}

			_, err := a.ProcessNext(context.TODO())
			Expect(err).To(BeNil())

			reclaimed := get(req.ID)
			Expect(reclaimed.Status).To(Equal(model.RequestStatusQueued))
			Expect(reclaimed.DownloadID).To(BeNil())
			Expect(reclaimed.RetryCount).To(Equal(1))

			Expect(artifacts.Deleted()).To(ConsistOf(fmt.Sprintf("%d/result.nc", req.ID)))
			_, err = os.Stat(filepath.Join(root, fmt.Sprint(req.ID), "result.nc"))
			Expect(os.IsNotExist(err)).To(BeTrue())

			count := int64(0)
			Expect(gormdb.Model(&model.Download{}).Count(&count).Error).To(BeNil())
			Expect(count).To(BeZero())

			w := worker()
			Expect(w.Status).To(Equal(model.WorkerStatusIdle))
			Expect(w.CurrentRequestID).To(BeNil())
		})
		It("leaves the next assignment of the worker alone", func() {
			release := make(chan struct{})
			eng.execute = func(ctx context.Context, task engine.Task) (*engine.Result, error) {
				<-release
				return &engine.Result{Reader: io.NopCloser(strings.NewReader("netcdf")), Size: 6, Name: "result.nc"}, nil
			}
			req := submit()
			dispatch()

			done := make(chan error, 1)
			go func() {
				_, err := a.ProcessNext(context.TODO())
				done <- err
			}()
			Eventually(eng.Calls).Should(Equal(1))

			// the worker goes silent mid execution and its request is reclaimed
			advance(time.Minute)
			n, err := d.Reclaim(context.TODO())
			Expect(err).To(BeNil())
			Expect(n).To(Equal(1))
			Expect(get(req.ID).Status).To(Equal(model.RequestStatusQueued))
			Expect(get(req.ID).RetryCount).To(Equal(1))

			// it comes back and gets the request again before the old execution ends
			Expect(a.Heartbeat(context.TODO())).To(Succeed())
			Expect(worker().Status).To(Equal(model.WorkerStatusIdle))
			redispatched := dispatch()
			Expect(redispatched.Request.ID).To(Equal(req.ID))

			close(release)
			Eventually(done, 5*time.Second).Should(Receive(BeNil()))

			pending := get(req.ID)
			Expect(pending.Status).To(Equal(model.RequestStatusRunning))
			Expect(*pending.WorkerID).To(Equal(a.WorkerID()))
			Expect(pending.ClaimedAt).To(BeNil())
			Expect(pending.RetryCount).To(Equal(1))

			w := worker()
			Expect(w.Status).To(Equal(model.WorkerStatusBusy))
			Expect(*w.CurrentRequestID).To(Equal(req.ID))
			Expect(q.Len(w.ID)).To(Equal(1))

			// the fresh dispatch runs normally
			processed, err := a.ProcessNext(context.TODO())
			Expect(err).To(BeNil())
			Expect(processed).To(BeTrue())
			Expect(get(req.ID).Status).To(Equal(model.RequestStatusDone))
			Expect(eng.Calls()).To(Equal(2))
			Expect(worker().Status).To(Equal(model.WorkerStatusIdle))
		})
	})

	Context("heartbeat", func() {
		It("registers again once swept offline", func() {
			advance(time.Minute)
			_, err := reg.SweepOffline(context.TODO())
			Expect(err).To(BeNil())
			Expect(worker().Status).To(Equal(model.WorkerStatusOffline))

			Expect(a.Heartbeat(context.TODO())).To(Succeed())
			w := worker()
			Expect(w.Status).To(Equal(model.WorkerStatusIdle))
			Expect(w.LastHeartbeat.Unix()).To(Equal(clock().Unix()))
		})

		It("requires a registration", func() {
			fresh := newAgent(reg)
			Expect(fresh.Heartbeat(context.TODO())).To(MatchError(agent.ErrNotRegistered))
			_, err := fresh.ProcessNext(context.TODO())
			Expect(err).To(MatchError(agent.ErrNotRegistered))
		})
	})

	Context("end to end", func() {
		It("runs two requests one after the other on a single worker", func() {
			live := registry.New(s, 30*time.Second, 1)
			liveDispatcher := dispatcher.New(s, live, q, dispatcher.Config{PollInterval: 50 * time.Millisecond, ReclaimInterval: time.Hour})
			liveAgent := newAgent(live)

			ctx, cancel := context.WithCancel(context.TODO())
			var wg sync.WaitGroup
			wg.Add(2)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				Expect(liveDispatcher.Run(ctx)).To(Succeed())
			}()
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				Expect(liveAgent.Run(ctx)).To(Succeed())
			}()

			r1 := submit()
			r2 := submit()

			Eventually(func() []model.RequestStatus {
				return []model.RequestStatus{get(r1.ID).Status, get(r2.ID).Status}
			}, 10*time.Second, 50*time.Millisecond).Should(Equal([]model.RequestStatus{model.RequestStatusDone, model.RequestStatusDone}))

			cancel()
			wg.Wait()

			first, second := get(r1.ID), get(r2.ID)
			Expect(first.Attempts).To(Equal(1))
			Expect(second.Attempts).To(Equal(1))
			Expect(*first.WorkerID).To(Equal(*second.WorkerID))
			// one worker: r2 is claimed only after r1 completed
			Expect(second.ClaimedAt.Before(*first.LastUpdate)).To(BeFalse())
			Expect(*first.DownloadID).To(BeNumerically("<", *second.DownloadID))
		})
	})
})
