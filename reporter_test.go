package batchpool_test

import (
	"context"
	"sync"
	"time"

	"github.com/VsevolodSauta/batchpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	. "github.com/onsi/gomega/gstruct"
)

var _ = Describe("Reporter", func() {
	var (
		store   *batchpool.MemoryStore
		metrics *batchpool.Metrics
		job     *batchpool.Job
		items   []*batchpool.Item
		ctx     context.Context

		mu        sync.Mutex
		snapshots []batchpool.ProgressSnapshot
		collect   batchpool.Observer
	)

	BeforeEach(func() {
		ctx = context.Background()
		store = batchpool.NewMemoryStore()
		metrics = batchpool.NewMetrics(prometheus.NewRegistry())
		job, items = newTestJob("job-1", 3)
		Expect(store.CreateJob(ctx, job, items)).To(Succeed())

		snapshots = nil
		collect = batchpool.ObserverFunc(func(ctx context.Context, s batchpool.ProgressSnapshot) {
			mu.Lock()
			defer mu.Unlock()
			snapshots = append(snapshots, s)
		})
	})

	AfterEach(func() {
		_ = store.Close()
	})

	It("should count successes and failures and log failures", func() {
		reporter := batchpool.NewReporter(store, metrics, testLogger(), collect)

		updated, err := reporter.Settle(ctx, job, items[0], batchpool.Outcome{Success: true, Cost: 0.2, Duration: time.Millisecond})
		Expect(err).NotTo(HaveOccurred())
		Expect(updated.ProcessedItems).To(Equal(1))

		updated, err = reporter.Settle(ctx, job, items[2], batchpool.Outcome{Error: "bad input", Cost: 0.1})
		Expect(err).NotTo(HaveOccurred())
		Expect(updated.FailedItems).To(Equal(1))
		Expect(updated.ErrorLog).To(Equal([]string{"item #3: bad input"}))
		Expect(updated.ActualCost).To(BeNumerically("~", 0.3, 1e-9))

		Expect(snapshots).To(HaveLen(2))
		Expect(snapshots[0].CurrentItem).To(Equal(1))
		Expect(snapshots[0].Processed).To(Equal(1))
		Expect(snapshots[1]).To(MatchFields(IgnoreExtras, Fields{
			"JobID":       Equal("job-1"),
			"JobType":     Equal("test"),
			"Total":       Equal(3),
			"Processed":   Equal(1),
			"Failed":      Equal(1),
			"CurrentItem": Equal(3),
		}))

		Expect(testutil.ToFloat64(metrics.ItemsSettled.WithLabelValues("test", "completed"))).To(Equal(1.0))
		Expect(testutil.ToFloat64(metrics.ItemsSettled.WithLabelValues("test", "failed"))).To(Equal(1.0))
	})

	It("should keep notifying after an observer panics", func() {
		panicky := batchpool.ObserverFunc(func(ctx context.Context, s batchpool.ProgressSnapshot) {
			panic("observer broke")
		})
		reporter := batchpool.NewReporter(store, nil, testLogger(), panicky, collect)

		_, err := reporter.Settle(ctx, job, items[0], batchpool.Outcome{Success: true})
		Expect(err).NotTo(HaveOccurred())
		Expect(snapshots).To(HaveLen(1))
	})

	It("should return the store error without notifying", func() {
		reporter := batchpool.NewReporter(store, nil, testLogger(), collect)
		_, err := reporter.Settle(ctx, &batchpool.Job{ID: "missing"}, items[0], batchpool.Outcome{Success: true})
		Expect(err).To(MatchError(batchpool.ErrNotFound))
		Expect(snapshots).To(BeEmpty())
	})

	It("should notify status changes with no current item", func() {
		reporter := batchpool.NewReporter(store, nil, testLogger(), collect)
		job.Status = batchpool.JobStatusPaused
		reporter.Notify(ctx, job)
		reporter.Notify(ctx, nil)

		Expect(snapshots).To(HaveLen(1))
		Expect(snapshots[0].Status).To(Equal(batchpool.JobStatusPaused))
		Expect(snapshots[0].CurrentItem).To(BeZero())
		Expect(snapshots[0].LastUpdated).NotTo(BeZero())
	})
})
