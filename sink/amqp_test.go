package sink_test

import (
	"context"
	"encoding/json"
	"os"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/VsevolodSauta/batchpool"
	"github.com/VsevolodSauta/batchpool/sink"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("AMQPPublisher", func() {
	DescribeTable("routing keys",
		func(jobType, expected string) {
			Expect(sink.RoutingKey(jobType)).To(Equal(expected))
		},
		Entry("typed job", "generation", "progress.generation"),
		Entry("untyped job", "", "progress.default"),
	)

	Context("against a live broker", func() {
		var (
			conn *amqp.Connection
			ch   *amqp.Channel
			ctx  context.Context
		)

		BeforeEach(func() {
			url := os.Getenv("BATCHPOOL_TEST_AMQP_URL")
			if url == "" {
				Skip("BATCHPOOL_TEST_AMQP_URL not set")
			}
			ctx = context.Background()
			var err error
			conn, err = amqp.Dial(url)
			Expect(err).NotTo(HaveOccurred())
			ch, err = conn.Channel()
			Expect(err).NotTo(HaveOccurred())
		})

		AfterEach(func() {
			if ch != nil {
				_ = ch.Close()
			}
			if conn != nil {
				_ = conn.Close()
			}
		})

		It("should route snapshots by job type", func() {
			p, err := sink.NewAMQPPublisher(ch, "batchpool.progress.test", testLogger())
			Expect(err).NotTo(HaveOccurred())

			q, err := ch.QueueDeclare("", false, true, true, false, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(ch.QueueBind(q.Name, "progress.scoring", "batchpool.progress.test", false, nil)).To(Succeed())
			deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
			Expect(err).NotTo(HaveOccurred())

			p.OnProgress(ctx, batchpool.ProgressSnapshot{JobID: "job-1", JobType: "generation", Processed: 1})
			p.OnProgress(ctx, batchpool.ProgressSnapshot{JobID: "job-2", JobType: "scoring", Processed: 4, Total: 5})

			var msg amqp.Delivery
			Eventually(deliveries, 2*time.Second).Should(Receive(&msg))
			Expect(msg.ContentType).To(Equal("application/json"))
			Expect(msg.RoutingKey).To(Equal("progress.scoring"))

			var snapshot batchpool.ProgressSnapshot
			Expect(json.Unmarshal(msg.Body, &snapshot)).To(Succeed())
			Expect(snapshot.JobID).To(Equal("job-2"))
			Expect(snapshot.Processed).To(Equal(4))
			Consistently(deliveries, 100*time.Millisecond).ShouldNot(Receive())
		})
	})
})
