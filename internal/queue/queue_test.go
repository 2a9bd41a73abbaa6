package queue_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/geolake/geolake/internal/queue"
	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func message(requestID, workerID uint) queue.Message {
	return queue.Message{
		DispatchID: uuid.NewString(),
		RequestID:  requestID,
		WorkerID:   workerID,
		Dataset:    "era5",
		Product:    "reanalysis",
		Query:      json.RawMessage(`{"variable":"2t"}`),
	}
}

// behaves runs the contract every Queue implementation honors.
func behaves(newQueue func() queue.Queue) {
	var q queue.Queue

	BeforeEach(func() {
		q = newQueue()
	})

	AfterEach(func() {
		if q != nil {
			q.Close()
			q = nil
		}
	})

	It("delivers messages of a worker in order", func() {
		Expect(q.Publish(context.TODO(), message(1, 1))).To(Succeed())
		Expect(q.Publish(context.TODO(), message(2, 1))).To(Succeed())
		Expect(q.Publish(context.TODO(), message(3, 2))).To(Succeed())

		d, err := q.Receive(context.TODO(), 1)
		Expect(err).To(BeNil())
		Expect(d.Message.RequestID).To(BeEquivalentTo(1))
		Expect(string(d.Message.Query)).To(Equal(`{"variable":"2t"}`))
		Expect(d.Ack(context.TODO())).To(Succeed())

		d, err = q.Receive(context.TODO(), 1)
		Expect(err).To(BeNil())
		Expect(d.Message.RequestID).To(BeEquivalentTo(2))
		Expect(d.Ack(context.TODO())).To(Succeed())

		d, err = q.Receive(context.TODO(), 2)
		Expect(err).To(BeNil())
		Expect(d.Message.WorkerID).To(BeEquivalentTo(2))
		Expect(d.Ack(context.TODO())).To(Succeed())
	})

	It("delivers an unacked message again", func() {
		sent := message(1, 1)
		Expect(q.Publish(context.TODO(), sent)).To(Succeed())

		d, err := q.Receive(context.TODO(), 1)
		Expect(err).To(BeNil())
		Expect(d.Message.DispatchID).To(Equal(sent.DispatchID))

		again, err := q.Receive(context.TODO(), 1)
		Expect(err).To(BeNil())
		Expect(again.Message.DispatchID).To(Equal(sent.DispatchID))
		Expect(again.Ack(context.TODO())).To(Succeed())

		_, err = q.Receive(context.TODO(), 1)
		Expect(errors.Is(err, queue.ErrEmpty)).To(BeTrue())
	})

	It("times out on an empty queue", func() {
		start := time.Now()
		_, err := q.Receive(context.TODO(), 42)
		Expect(err).To(MatchError(queue.ErrEmpty))
		Expect(time.Since(start)).To(BeNumerically("<", 5*time.Second))
	})

	It("wakes up subscribers", func() {
		ctx, cancel := context.WithCancel(context.TODO())
		defer cancel()

		ch, err := q.Subscribe(ctx)
		Expect(err).To(BeNil())

		Expect(q.Notify(context.TODO())).To(Succeed())
		Eventually(ch).Should(Receive())

		cancel()
		Eventually(ch).Should(BeClosed())
	})
}

var _ = Describe("memory queue", func() {
	behaves(func() queue.Queue {
		return queue.NewMemoryQueue(100 * time.Millisecond)
	})

	It("wakes up a blocked receiver on publish", func() {
		q := queue.NewMemoryQueue(5 * time.Second)
		defer q.Close()

		received := make(chan queue.Message, 1)
		go func() {
			defer GinkgoRecover()
			d, err := q.Receive(context.TODO(), 1)
			Expect(err).To(BeNil())
			received <- d.Message
		}()

		time.Sleep(50 * time.Millisecond)
		Expect(q.Publish(context.TODO(), message(7, 1))).To(Succeed())
		Eventually(received).Should(Receive(HaveField("RequestID", BeEquivalentTo(7))))
		Expect(q.Len(1)).To(Equal(1))
	})

	It("refuses to work once closed", func() {
		q := queue.NewMemoryQueue(time.Second)
		Expect(q.Close()).To(Succeed())
		Expect(q.Publish(context.TODO(), message(1, 1))).To(MatchError(queue.ErrClosed))
		_, err := q.Receive(context.TODO(), 1)
		Expect(err).To(MatchError(queue.ErrClosed))
	})
})

var _ = Describe("redis queue", func() {
	addr := os.Getenv("GEOLAKE_TEST_REDIS_ADDR")

	BeforeEach(func() {
		if addr == "" {
			Skip("GEOLAKE_TEST_REDIS_ADDR not set")
		}
	})

	behaves(func() queue.Queue {
		client, err := queue.NewRedisClient(queue.RedisConfig{Addrs: []string{addr}})
		Expect(err).To(BeNil())
		return queue.NewRedisQueue(client, fmt.Sprintf("geolake-test-%s", uuid.NewString()), 200*time.Millisecond)
	})
})
