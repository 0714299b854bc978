package batchpool_test

import (
	"context"
	"os"

	"github.com/VsevolodSauta/batchpool"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("BadgerStore", func() {
	StoreTestSuite(func() (batchpool.Store, func()) {
		tmpDir, err := os.MkdirTemp("", "batchpool_badger_*")
		Expect(err).NotTo(HaveOccurred())

		store, err := batchpool.NewBadgerStore(tmpDir, testLogger())
		Expect(err).NotTo(HaveOccurred())

		return store, func() {
			_ = store.Close()
			_ = os.RemoveAll(tmpDir)
		}
	})

	Describe("in-memory mode", func() {
		StoreTestSuite(func() (batchpool.Store, func()) {
			store, err := batchpool.NewInMemoryBadgerStore(testLogger())
			Expect(err).NotTo(HaveOccurred())
			return store, func() { _ = store.Close() }
		})
	})

	It("should keep jobs and counters across a reopen", func() {
		tmpDir, err := os.MkdirTemp("", "batchpool_badger_reopen_*")
		Expect(err).NotTo(HaveOccurred())
		defer os.RemoveAll(tmpDir)

		ctx := context.Background()
		store, err := batchpool.NewBadgerStore(tmpDir, testLogger())
		Expect(err).NotTo(HaveOccurred())

		job, items := newTestJob("job-1", 3)
		Expect(store.CreateJob(ctx, job, items)).To(Succeed())
		_, err = store.ClaimItem(ctx, items[0].ID)
		Expect(err).NotTo(HaveOccurred())
		_, err = store.IncrementProgress(ctx, "job-1", batchpool.ProgressDelta{Failed: 1, LogLine: "item #1: boom"})
		Expect(err).NotTo(HaveOccurred())
		Expect(store.Close()).To(Succeed())

		store, err = batchpool.NewBadgerStore(tmpDir, testLogger())
		Expect(err).NotTo(HaveOccurred())
		defer store.Close()

		loaded, loadedItems, err := store.GetJob(ctx, "job-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(loaded.FailedItems).To(Equal(1))
		Expect(loaded.ErrorLog).To(Equal([]string{"item #1: boom"}))
		Expect(loadedItems[0].Status).To(Equal(batchpool.ItemStatusProcessing))

		n, err := store.ResetProcessingItems(ctx, "job-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(1))
	})
})
