package batchpool_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/VsevolodSauta/batchpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func testInputs(n int) []json.RawMessage {
	inputs := make([]json.RawMessage, n)
	for i := range inputs {
		inputs[i] = json.RawMessage(fmt.Sprintf(`{"n": %d}`, i+1))
	}
	return inputs
}

func testConfig() *batchpool.Config {
	return &batchpool.Config{
		Exec: batchpool.ExecConfig{
			Concurrency:   2,
			RetryAttempts: 1,
			RetryDelay:    time.Millisecond,
		},
		LeaseTTL:           time.Second,
		StatusPollInterval: 20 * time.Millisecond,
	}
}

var _ = Describe("Controller", func() {
	var (
		store *batchpool.MemoryStore
		ctrl  *batchpool.Controller
		ctx   context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		store = batchpool.NewMemoryStore()
	})

	AfterEach(func() {
		if ctrl != nil {
			_ = ctrl.Close()
		}
		_ = store.Close()
	})

	newController := func(processor batchpool.Processor, opts ...batchpool.ControllerOption) *batchpool.Controller {
		return batchpool.NewController(store, processor, testConfig(), testLogger(), opts...)
	}

	create := func(n int, mutate ...func(*batchpool.JobSpec)) *batchpool.Job {
		spec := batchpool.JobSpec{Name: "test job", Type: "generation", Inputs: testInputs(n)}
		for _, m := range mutate {
			m(&spec)
		}
		job, items, err := ctrl.CreateJob(ctx, spec)
		Expect(err).NotTo(HaveOccurred())
		Expect(items).To(HaveLen(n))
		return job
	}

	loadJob := func(id string) *batchpool.Job {
		job, err := store.LoadJob(ctx, id)
		Expect(err).NotTo(HaveOccurred())
		return job
	}

	processedOf := func(id string) func() int {
		return func() int { return loadJob(id).ProcessedItems }
	}

	Describe("CreateJob", func() {
		BeforeEach(func() {
			ctrl = newController(newRecordingProcessor(0))
		})

		It("should persist a pending job with numbered items and an estimate", func() {
			job, items, err := ctrl.CreateJob(ctx, batchpool.JobSpec{Name: "articles", Type: "generation", Inputs: testInputs(20)})
			Expect(err).NotTo(HaveOccurred())
			Expect(job.ID).NotTo(BeEmpty())
			Expect(job.Status).To(Equal(batchpool.JobStatusPending))
			Expect(job.TotalItems).To(Equal(20))
			Expect(job.Config).To(Equal(testConfig().Exec))
			Expect(*job.EstimatedCost).To(Equal(0.25))
			Expect(items[0].Sequence).To(Equal(1))
			Expect(items[19].Sequence).To(Equal(20))
			Expect(string(items[4].Input)).To(MatchJSON(`{"n": 5}`))
		})

		It("should keep a caller supplied ID, config and estimate", func() {
			estimate := 1.5
			cfg := batchpool.ExecConfig{Concurrency: 5, StopOnError: true}
			job := create(2, func(spec *batchpool.JobSpec) {
				spec.ID = "custom-id"
				spec.Config = &cfg
				spec.EstimatedCost = &estimate
			})
			Expect(job.ID).To(Equal("custom-id"))
			Expect(job.Config).To(Equal(cfg))
			Expect(*job.EstimatedCost).To(Equal(1.5))
		})

		DescribeTable("should reject invalid specs without persisting anything",
			func(spec batchpool.JobSpec) {
				_, _, err := ctrl.CreateJob(ctx, spec)
				Expect(err).To(MatchError(batchpool.ErrValidation))

				jobs, err := ctrl.ListJobs(ctx, batchpool.JobFilter{})
				Expect(err).NotTo(HaveOccurred())
				Expect(jobs).To(BeEmpty())
			},
			Entry("missing name", batchpool.JobSpec{Inputs: testInputs(1)}),
			Entry("blank name", batchpool.JobSpec{Name: "   ", Inputs: testInputs(1)}),
			Entry("no inputs", batchpool.JobSpec{Name: "empty"}),
			Entry("malformed input", batchpool.JobSpec{Name: "bad", Inputs: []json.RawMessage{[]byte(`{"n": `)}}),
			Entry("zero concurrency", batchpool.JobSpec{Name: "bad", Inputs: testInputs(1), Config: &batchpool.ExecConfig{}}),
			Entry("negative retries", batchpool.JobSpec{Name: "bad", Inputs: testInputs(1), Config: &batchpool.ExecConfig{Concurrency: 1, RetryAttempts: -1}}),
		)
	})

	Describe("running a job", func() {
		It("should complete a job and record every item", func() {
			processor := newRecordingProcessor(5 * time.Millisecond)
			ctrl = newController(processor)
			job := create(5)

			Expect(ctrl.Start(ctx, job.ID)).To(Succeed())
			summary, err := ctrl.Wait(ctx, job.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(summary.FinalStatus).To(Equal(batchpool.JobStatusCompleted))
			Expect(summary.Succeeded).To(Equal(5))
			Expect(processor.peakConcurrency()).To(BeNumerically("<=", 2))

			final, items, err := ctrl.GetJob(ctx, job.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(final.Status).To(Equal(batchpool.JobStatusCompleted))
			Expect(final.ProcessedItems).To(Equal(5))
			Expect(final.FailedItems).To(BeZero())
			Expect(final.StartedAt).NotTo(BeNil())
			Expect(final.CompletedAt).NotTo(BeNil())
			Expect(final.LockedBy).To(BeEmpty())
			Expect(final.ActualCost).To(BeNumerically("~", 0.005, 1e-9))
			for _, item := range items {
				Expect(item.Status).To(Equal(batchpool.ItemStatusCompleted))
				Expect(string(item.Output)).To(MatchJSON(item.Input))
				Expect(item.Attempts).To(Equal(1))
			}

			progress, err := ctrl.Progress(ctx, job.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(progress.Processed).To(Equal(5))
			Expect(progress.Total).To(Equal(5))
		})

		It("should complete with partial failures and log each one", func() {
			processor := newRecordingProcessor(0, 3, 6, 9)
			ctrl = newController(processor)
			job := create(10)

			Expect(ctrl.Start(ctx, job.ID)).To(Succeed())
			summary, err := ctrl.Wait(ctx, job.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(summary.FinalStatus).To(Equal(batchpool.JobStatusCompleted))

			final := loadJob(job.ID)
			Expect(final.ProcessedItems).To(Equal(7))
			Expect(final.FailedItems).To(Equal(3))
			Expect(final.ErrorLog).To(HaveLen(3))
			Expect(final.ErrorLog).To(ContainElement(HavePrefix("item #6: ")))
			Expect(processor.callsFor(3)).To(Equal(2), "one retry per failing item")
		})

		It("should fail when every attempted item failed", func() {
			ctrl = newController(newRecordingProcessor(0, 1, 2))
			job := create(2)

			Expect(ctrl.Start(ctx, job.ID)).To(Succeed())
			summary, err := ctrl.Wait(ctx, job.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(summary.FinalStatus).To(Equal(batchpool.JobStatusFailed))
			Expect(loadJob(job.ID).FailedItems).To(Equal(2))
		})

		It("should fail and stop early with stop-on-error", func() {
			ctrl = newController(newRecordingProcessor(5*time.Millisecond, 2))
			job := create(20, func(spec *batchpool.JobSpec) {
				spec.Config = &batchpool.ExecConfig{Concurrency: 2, StopOnError: true}
			})

			Expect(ctrl.Start(ctx, job.ID)).To(Succeed())
			summary, err := ctrl.Wait(ctx, job.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(summary.Stopped).To(BeTrue())
			Expect(summary.FinalStatus).To(Equal(batchpool.JobStatusFailed))

			final := loadJob(job.ID)
			Expect(final.ProcessedItems + final.FailedItems).To(BeNumerically("<", 20))
			Expect(final.ErrorLog).To(ContainElement(HavePrefix("item #2: ")))
			Expect(final.ErrorLog[len(final.ErrorLog)-1]).To(Equal("stopped: item failed with stop-on-error set"))
		})

		It("should apply run options and persist the override", func() {
			var mu sync.Mutex
			var seen []batchpool.Tuning
			processor := batchpool.ProcessorFunc(func(ctx context.Context, item *batchpool.Item, tuning batchpool.Tuning) (batchpool.Result, error) {
				mu.Lock()
				seen = append(seen, tuning)
				mu.Unlock()
				return batchpool.Result{Success: true}, nil
			})
			ctrl = newController(nil)
			job := create(3)

			override := batchpool.ExecConfig{Concurrency: 1, RetryAttempts: 4}
			Expect(ctrl.Start(ctx, job.ID,
				batchpool.WithProcessor(processor),
				batchpool.WithExecConfig(override),
				batchpool.WithTuning(batchpool.Tuning{"prompt": "v3"}),
			)).To(Succeed())
			_, err := ctrl.Wait(ctx, job.ID)
			Expect(err).NotTo(HaveOccurred())

			Expect(loadJob(job.ID).Config).To(Equal(override))
			mu.Lock()
			defer mu.Unlock()
			Expect(seen).To(HaveLen(3))
			Expect(seen[0]).To(HaveKeyWithValue("prompt", "v3"))
		})

		It("should refuse to start without a processor", func() {
			ctrl = newController(nil)
			job := create(1)
			Expect(ctrl.Start(ctx, job.ID)).To(MatchError(batchpool.ErrValidation))
			Expect(loadJob(job.ID).Status).To(Equal(batchpool.JobStatusPending))
		})

		It("should notify observers and record metrics", func() {
			var mu sync.Mutex
			var statuses []batchpool.JobStatus
			observer := batchpool.ObserverFunc(func(ctx context.Context, s batchpool.ProgressSnapshot) {
				mu.Lock()
				defer mu.Unlock()
				statuses = append(statuses, s.Status)
			})
			metrics := batchpool.NewMetrics(prometheus.NewRegistry())
			ctrl = newController(newRecordingProcessor(0), batchpool.WithMetrics(metrics), batchpool.WithObservers(observer))
			job := create(3)

			Expect(ctrl.Start(ctx, job.ID)).To(Succeed())
			_, err := ctrl.Wait(ctx, job.ID)
			Expect(err).NotTo(HaveOccurred())

			mu.Lock()
			Expect(statuses).To(HaveLen(5), "start, three items and the final status")
			Expect(statuses[len(statuses)-1]).To(Equal(batchpool.JobStatusCompleted))
			mu.Unlock()

			Expect(testutil.ToFloat64(metrics.JobsFinished.WithLabelValues("generation", "completed"))).To(Equal(1.0))
			Expect(testutil.ToFloat64(metrics.ItemsSettled.WithLabelValues("generation", "completed"))).To(Equal(3.0))
			Expect(testutil.ToFloat64(metrics.ActiveWorkers.WithLabelValues("generation"))).To(BeZero())
		})
	})

	Describe("pause and resume", func() {
		It("should halt claims while paused and finish after resume", func() {
			processor := newRecordingProcessor(30 * time.Millisecond)
			ctrl = newController(processor)
			job := create(12, func(spec *batchpool.JobSpec) {
				spec.Config = &batchpool.ExecConfig{Concurrency: 1}
			})

			Expect(ctrl.Start(ctx, job.ID)).To(Succeed())
			Eventually(processedOf(job.ID), 2*time.Second, 5*time.Millisecond).Should(BeNumerically(">=", 1))

			Expect(ctrl.Pause(ctx, job.ID)).To(Succeed())
			Expect(loadJob(job.ID).Status).To(Equal(batchpool.JobStatusPaused))

			// The in-flight item settles, then nothing moves.
			time.Sleep(80 * time.Millisecond)
			held := processor.started.Load()
			Consistently(processor.started.Load, 150*time.Millisecond, 10*time.Millisecond).Should(Equal(held))
			Expect(held).To(BeNumerically("<", 12))

			Expect(ctrl.Resume(ctx, job.ID)).To(Succeed())
			summary, err := ctrl.Wait(ctx, job.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(summary.FinalStatus).To(Equal(batchpool.JobStatusCompleted))
			Expect(loadJob(job.ID).ProcessedItems).To(Equal(12))
			for seq := 1; seq <= 12; seq++ {
				Expect(processor.callsFor(seq)).To(Equal(1), "item #%d", seq)
			}
		})

		It("should pick up a pause and resume written by another process", func() {
			processor := newRecordingProcessor(30 * time.Millisecond)
			ctrl = newController(processor)
			job := create(12, func(spec *batchpool.JobSpec) {
				spec.Config = &batchpool.ExecConfig{Concurrency: 1}
			})

			Expect(ctrl.Start(ctx, job.ID)).To(Succeed())
			Eventually(processedOf(job.ID), 2*time.Second, 5*time.Millisecond).Should(BeNumerically(">=", 1))

			_, err := store.TransitionJob(ctx, job.ID, []batchpool.JobStatus{batchpool.JobStatusRunning}, batchpool.JobStatusPaused, batchpool.JobUpdate{})
			Expect(err).NotTo(HaveOccurred())

			time.Sleep(120 * time.Millisecond)
			held := processor.started.Load()
			Consistently(processor.started.Load, 150*time.Millisecond, 10*time.Millisecond).Should(Equal(held))

			_, err = store.TransitionJob(ctx, job.ID, []batchpool.JobStatus{batchpool.JobStatusPaused}, batchpool.JobStatusRunning, batchpool.JobUpdate{})
			Expect(err).NotTo(HaveOccurred())

			summary, err := ctrl.Wait(ctx, job.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(summary.FinalStatus).To(Equal(batchpool.JobStatusCompleted))
		})

		It("should restart a paused job left behind by a closed controller", func() {
			processor := newRecordingProcessor(20 * time.Millisecond)
			ctrl = newController(processor)
			job := create(8, func(spec *batchpool.JobSpec) {
				spec.Config = &batchpool.ExecConfig{Concurrency: 1}
			})

			Expect(ctrl.Start(ctx, job.ID)).To(Succeed())
			Eventually(processedOf(job.ID), 2*time.Second, 5*time.Millisecond).Should(BeNumerically(">=", 1))
			Expect(ctrl.Pause(ctx, job.ID)).To(Succeed())
			Expect(ctrl.Close()).To(Succeed())

			stopped := loadJob(job.ID)
			Expect(stopped.Status).To(Equal(batchpool.JobStatusPaused))
			Expect(stopped.LockedBy).To(BeEmpty())

			ctrl = newController(processor)
			Expect(ctrl.Resume(ctx, job.ID)).To(Succeed())
			summary, err := ctrl.Wait(ctx, job.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(summary.FinalStatus).To(Equal(batchpool.JobStatusCompleted))
			Expect(loadJob(job.ID).ProcessedItems).To(Equal(8))
		})
	})

	Describe("cancel", func() {
		It("should stop a running job and record the cancellation", func() {
			processor := newRecordingProcessor(30 * time.Millisecond)
			ctrl = newController(processor)
			job := create(20)

			Expect(ctrl.Start(ctx, job.ID)).To(Succeed())
			Eventually(processedOf(job.ID), 2*time.Second, 5*time.Millisecond).Should(BeNumerically(">=", 2))

			Expect(ctrl.Cancel(ctx, job.ID)).To(Succeed())
			summary, err := ctrl.Wait(ctx, job.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(summary.FinalStatus).To(Equal(batchpool.JobStatusCancelled))

			final := loadJob(job.ID)
			Expect(final.Status).To(Equal(batchpool.JobStatusCancelled))
			Expect(final.Status.Legacy()).To(Equal(batchpool.JobStatusFailed))
			Expect(final.ErrorLog).To(ContainElement("cancelled by user"))
			Expect(final.CompletedAt).NotTo(BeNil())
			Expect(final.ProcessedItems).To(BeNumerically("<", 20))

			counts, err := store.CountItems(ctx, job.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(counts.Processing).To(BeZero())
			Expect(counts.Completed).To(Equal(final.ProcessedItems))
		})

		It("should cancel a paused job with no local run", func() {
			ctrl = newController(newRecordingProcessor(0))
			job := create(2)
			_, err := store.TransitionJob(ctx, job.ID, []batchpool.JobStatus{batchpool.JobStatusPending}, batchpool.JobStatusPaused, batchpool.JobUpdate{})
			Expect(err).NotTo(HaveOccurred())

			Expect(ctrl.Cancel(ctx, job.ID)).To(Succeed())
			Expect(loadJob(job.ID).Status).To(Equal(batchpool.JobStatusCancelled))

			summary, err := ctrl.Wait(ctx, job.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(summary.FinalStatus).To(Equal(batchpool.JobStatusCancelled))
		})

		It("should stop the local run when another process cancels", func() {
			ctrl = newController(newRecordingProcessor(30 * time.Millisecond))
			job := create(20)

			Expect(ctrl.Start(ctx, job.ID)).To(Succeed())
			Eventually(processedOf(job.ID), 2*time.Second, 5*time.Millisecond).Should(BeNumerically(">=", 1))

			_, err := store.TransitionJob(ctx, job.ID, []batchpool.JobStatus{batchpool.JobStatusRunning}, batchpool.JobStatusCancelled, batchpool.JobUpdate{})
			Expect(err).NotTo(HaveOccurred())

			summary, err := ctrl.Wait(ctx, job.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(summary.FinalStatus).To(Equal(batchpool.JobStatusCancelled))
			Expect(summary.Claimed).To(BeNumerically("<", 20))
		})
	})

	Describe("state checks", func() {
		BeforeEach(func() {
			ctrl = newController(newRecordingProcessor(0))
		})

		It("should reject illegal transitions", func() {
			job := create(1)
			Expect(ctrl.Pause(ctx, job.ID)).To(MatchError(batchpool.ErrInvalidState))
			Expect(ctrl.Resume(ctx, job.ID)).To(MatchError(batchpool.ErrInvalidState))
			Expect(ctrl.Cancel(ctx, job.ID)).To(MatchError(batchpool.ErrInvalidState))

			Expect(ctrl.Start(ctx, job.ID)).To(Succeed())
			_, err := ctrl.Wait(ctx, job.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(loadJob(job.ID).Status).To(Equal(batchpool.JobStatusCompleted))

			Expect(ctrl.Start(ctx, job.ID)).To(MatchError(batchpool.ErrInvalidState))
			Expect(ctrl.Pause(ctx, job.ID)).To(MatchError(batchpool.ErrInvalidState))
			Expect(ctrl.Resume(ctx, job.ID)).To(MatchError(batchpool.ErrInvalidState))
			Expect(ctrl.Cancel(ctx, job.ID)).To(MatchError(batchpool.ErrInvalidState))
			Expect(loadJob(job.ID).Status).To(Equal(batchpool.JobStatusCompleted))
		})

		It("should report unknown jobs", func() {
			Expect(ctrl.Start(ctx, "missing")).To(MatchError(batchpool.ErrNotFound))
			Expect(ctrl.Pause(ctx, "missing")).To(MatchError(batchpool.ErrNotFound))
			Expect(ctrl.Resume(ctx, "missing")).To(MatchError(batchpool.ErrNotFound))
			Expect(ctrl.Cancel(ctx, "missing")).To(MatchError(batchpool.ErrNotFound))
			_, _, err := ctrl.GetJob(ctx, "missing")
			Expect(err).To(MatchError(batchpool.ErrNotFound))
			_, err = ctrl.Progress(ctx, "missing")
			Expect(err).To(MatchError(batchpool.ErrNotFound))
		})

		It("should refuse to wait on a job this process never ran", func() {
			job := create(1)
			_, err := ctrl.Wait(ctx, job.ID)
			Expect(err).To(MatchError(batchpool.ErrInvalidState))
		})

		It("should refuse new runs after Close", func() {
			job := create(1)
			Expect(ctrl.Close()).To(Succeed())
			Expect(ctrl.Start(ctx, job.ID)).To(MatchError(batchpool.ErrInvalidState))
			Expect(loadJob(job.ID).Status).To(Equal(batchpool.JobStatusPending))
		})
	})

	Describe("Recover", func() {
		It("should relaunch a running job whose owner is gone", func() {
			processor := newRecordingProcessor(0)
			ctrl = newController(processor, batchpool.WithOwnerID("survivor"))
			job := create(6)

			// Simulate a process that died mid-run: running, one item
			// claimed, lease expired.
			_, err := store.TransitionJob(ctx, job.ID, []batchpool.JobStatus{batchpool.JobStatusPending}, batchpool.JobStatusRunning, batchpool.JobUpdate{})
			Expect(err).NotTo(HaveOccurred())
			items, err := store.ListItems(ctx, job.ID)
			Expect(err).NotTo(HaveOccurred())
			_, err = store.ClaimItem(ctx, items[0].ID)
			Expect(err).NotTo(HaveOccurred())
			_, err = store.AcquireLease(ctx, job.ID, "dead-process", time.Millisecond)
			Expect(err).NotTo(HaveOccurred())
			time.Sleep(10 * time.Millisecond)

			n, err := ctrl.Recover(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(1))

			summary, err := ctrl.Wait(ctx, job.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(summary.FinalStatus).To(Equal(batchpool.JobStatusCompleted))
			Expect(loadJob(job.ID).ProcessedItems).To(Equal(6))
			Expect(processor.callsFor(1)).To(Equal(1))
		})

		It("should leave jobs owned by a live process alone", func() {
			ctrl = newController(newRecordingProcessor(0))
			job := create(2)
			_, err := store.TransitionJob(ctx, job.ID, []batchpool.JobStatus{batchpool.JobStatusPending}, batchpool.JobStatusRunning, batchpool.JobUpdate{})
			Expect(err).NotTo(HaveOccurred())
			_, err = store.AcquireLease(ctx, job.ID, "other-process", time.Minute)
			Expect(err).NotTo(HaveOccurred())

			n, err := ctrl.Recover(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(BeZero())
			Expect(loadJob(job.ID).ProcessedItems).To(BeZero())
		})

		It("should resume a job from another controller after Close", func() {
			processor := newRecordingProcessor(20 * time.Millisecond)
			ctrl = newController(processor)
			job := create(10)

			Expect(ctrl.Start(ctx, job.ID)).To(Succeed())
			Eventually(processedOf(job.ID), 2*time.Second, 5*time.Millisecond).Should(BeNumerically(">=", 2))
			Expect(ctrl.Close()).To(Succeed())

			stopped := loadJob(job.ID)
			Expect(stopped.Status).To(Equal(batchpool.JobStatusRunning))
			Expect(stopped.LockedBy).To(BeEmpty())

			ctrl = newController(processor)
			n, err := ctrl.Recover(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(1))

			summary, err := ctrl.Wait(ctx, job.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(summary.FinalStatus).To(Equal(batchpool.JobStatusCompleted))
			Expect(loadJob(job.ID).ProcessedItems).To(Equal(10))
			for seq := 1; seq <= 10; seq++ {
				Expect(processor.callsFor(seq)).To(Equal(1), "item #%d", seq)
			}
		})

		It("should need a default processor", func() {
			ctrl = newController(nil)
			_, err := ctrl.Recover(ctx)
			Expect(err).To(MatchError(batchpool.ErrValidation))
		})
	})

	Describe("deleting jobs", func() {
		finishAt := func(id string, status batchpool.JobStatus, at time.Time) {
			_, err := store.UpdateJob(ctx, id, batchpool.JobUpdate{Status: &status, CompletedAt: &at})
			Expect(err).NotTo(HaveOccurred())
		}

		BeforeEach(func() {
			ctrl = newController(newRecordingProcessor(0))
		})

		It("should delete a finished job with its items", func() {
			job := create(3)
			Expect(ctrl.Start(ctx, job.ID)).To(Succeed())
			_, err := ctrl.Wait(ctx, job.ID)
			Expect(err).NotTo(HaveOccurred())

			Expect(ctrl.DeleteJob(ctx, job.ID)).To(Succeed())
			_, _, err = store.GetJob(ctx, job.ID)
			Expect(err).To(MatchError(batchpool.ErrNotFound))
			_, err = ctrl.Wait(ctx, job.ID)
			Expect(err).To(MatchError(batchpool.ErrNotFound))
		})

		It("should delete a job that never started", func() {
			job := create(1)
			Expect(ctrl.DeleteJob(ctx, job.ID)).To(Succeed())
			Expect(ctrl.DeleteJob(ctx, job.ID)).To(MatchError(batchpool.ErrNotFound))
		})

		It("should refuse to delete a running or paused job", func() {
			running := create(1)
			_, err := store.TransitionJob(ctx, running.ID, []batchpool.JobStatus{batchpool.JobStatusPending}, batchpool.JobStatusRunning, batchpool.JobUpdate{})
			Expect(err).NotTo(HaveOccurred())
			Expect(ctrl.DeleteJob(ctx, running.ID)).To(MatchError(batchpool.ErrInvalidState))

			paused := create(1)
			_, err = store.TransitionJob(ctx, paused.ID, []batchpool.JobStatus{batchpool.JobStatusPending}, batchpool.JobStatusPaused, batchpool.JobUpdate{})
			Expect(err).NotTo(HaveOccurred())
			Expect(ctrl.DeleteJob(ctx, paused.ID)).To(MatchError(batchpool.ErrInvalidState))

			Expect(loadJob(running.ID).Status).To(Equal(batchpool.JobStatusRunning))
			Expect(loadJob(paused.ID).Status).To(Equal(batchpool.JobStatusPaused))
		})

		It("should clean up only finished jobs older than the TTL", func() {
			old := time.Now().Add(-48 * time.Hour)
			oldCompleted := create(1)
			finishAt(oldCompleted.ID, batchpool.JobStatusCompleted, old)
			oldFailed := create(1)
			finishAt(oldFailed.ID, batchpool.JobStatusFailed, old)
			oldCancelled := create(1)
			finishAt(oldCancelled.ID, batchpool.JobStatusCancelled, old)
			recent := create(1)
			finishAt(recent.ID, batchpool.JobStatusCompleted, time.Now())
			pending := create(1)

			n, err := ctrl.CleanupExpiredJobs(ctx, 24*time.Hour)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(3))

			remaining, err := ctrl.ListJobs(ctx, batchpool.JobFilter{})
			Expect(err).NotTo(HaveOccurred())
			ids := make([]string, 0, len(remaining))
			for _, job := range remaining {
				ids = append(ids, job.ID)
			}
			Expect(ids).To(ConsistOf(recent.ID, pending.ID))
		})

		It("should reject a non-positive TTL", func() {
			_, err := ctrl.CleanupExpiredJobs(ctx, 0)
			Expect(err).To(MatchError(batchpool.ErrValidation))
		})
	})
})

var _ = Describe("JobStatus", func() {
	DescribeTable("terminal statuses and the legacy mapping",
		func(status batchpool.JobStatus, terminal bool, legacy batchpool.JobStatus) {
			Expect(status.IsTerminal()).To(Equal(terminal))
			Expect(status.Legacy()).To(Equal(legacy))
		},
		Entry("pending", batchpool.JobStatusPending, false, batchpool.JobStatusPending),
		Entry("running", batchpool.JobStatusRunning, false, batchpool.JobStatusRunning),
		Entry("paused", batchpool.JobStatusPaused, false, batchpool.JobStatusPaused),
		Entry("completed", batchpool.JobStatusCompleted, true, batchpool.JobStatusCompleted),
		Entry("failed", batchpool.JobStatusFailed, true, batchpool.JobStatusFailed),
		Entry("cancelled", batchpool.JobStatusCancelled, true, batchpool.JobStatusFailed),
	)
})
