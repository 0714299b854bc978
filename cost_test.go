package batchpool_test

import (
	"github.com/VsevolodSauta/batchpool"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Cost estimation", func() {
	DescribeTable("default table",
		func(jobType string, count int, expected float64) {
			Expect(batchpool.EstimateCost(jobType, count)).To(Equal(expected))
		},
		Entry("generation", "generation", 20, 0.25),
		Entry("rewrite", "rewrite", 10, 0.08),
		Entry("grounding", "grounding", 3, 0.015),
		Entry("scoring", "scoring", 7, 0.014),
		Entry("unknown type uses the default rate", "translation", 5, 0.05),
		Entry("zero items", "generation", 0, 0.0),
		Entry("negative count", "generation", -3, 0.0),
	)

	It("should be deterministic", func() {
		first := batchpool.EstimateCost("generation", 137)
		for i := 0; i < 10; i++ {
			Expect(batchpool.EstimateCost("generation", 137)).To(Equal(first))
		}
	})

	It("should round to four decimal places", func() {
		table := batchpool.CostTable{"tiny": 0.00001234, batchpool.DefaultCostKey: 0}
		Expect(table.Estimate("tiny", 3)).To(Equal(0.0))
		Expect(table.Estimate("tiny", 100)).To(Equal(0.0012))
	})

	It("should price unknown types at zero without a default entry", func() {
		table := batchpool.CostTable{"a": 1}
		Expect(table.Estimate("b", 10)).To(Equal(0.0))
	})
})
