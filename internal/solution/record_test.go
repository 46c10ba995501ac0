package solution

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/mkessel/dynopt/internal/discretize"
	"github.com/mkessel/dynopt/internal/minlp"
	"github.com/mkessel/dynopt/internal/model"
	"github.com/mkessel/dynopt/internal/problem"
)

var _ = Describe("Record", func() {
	var rec *Record

	BeforeEach(func() {
		rec = NewRecord([]string{"x", "u"})
	})

	It("appends indices in order with their symbols", func() {
		Expect(rec.Append(0, 0, map[string]float64{"x": 1, "u": 2})).To(Succeed())
		Expect(rec.Append(1, 0.5, map[string]float64{"x": 0.5, "u": 2})).To(Succeed())
		Expect(rec.Len()).To(Equal(2))
		Expect(rec.Times()).To(Equal([]float64{0, 0.5}))

		series, err := rec.Series("x")
		Expect(err).NotTo(HaveOccurred())
		Expect(series).To(Equal([]float64{1, 0.5}))
	})

	It("rejects out-of-order indices", func() {
		Expect(rec.Append(1, 0.5, map[string]float64{"x": 1, "u": 2})).NotTo(Succeed())
	})

	It("rejects time running backwards", func() {
		Expect(rec.Append(0, 1, map[string]float64{"x": 1, "u": 2})).To(Succeed())
		Expect(rec.Append(1, 0.5, map[string]float64{"x": 1, "u": 2})).NotTo(Succeed())
	})

	It("rejects samples missing a tracked symbol", func() {
		Expect(rec.Append(0, 0, map[string]float64{"x": 1})).NotTo(Succeed())
	})

	It("hands out copies, never its own storage", func() {
		values := map[string]float64{"x": 1, "u": 2}
		Expect(rec.Append(0, 0, values)).To(Succeed())
		values["x"] = 99

		sample, err := rec.At(0)
		Expect(err).NotTo(HaveOccurred())
		Expect(sample.Values["x"]).To(Equal(1.0))

		sample.Values["x"] = -1
		again, _ := rec.At(0)
		Expect(again.Values["x"]).To(Equal(1.0))
	})

	It("reports the final sample for state threading", func() {
		_, ok := rec.Final()
		Expect(ok).To(BeFalse())

		Expect(rec.Append(0, 0, map[string]float64{"x": 1, "u": 2})).To(Succeed())
		final, ok := rec.Final()
		Expect(ok).To(BeTrue())
		Expect(final.Index).To(Equal(0))
	})
})

var _ = Describe("Extract", func() {
	var (
		sys *problem.System
		g   *discretize.Grid
	)

	BeforeEach(func() {
		doc := &problem.Document{
			States:            []string{"x"},
			Equations:         []string{"diff(x(t), t) = -x(t)"},
			InitialConditions: map[string]float64{"x": 1},
			Settings:          problem.DefaultSettings(),
		}
		var err error
		sys, err = problem.Compile(doc)
		Expect(err).NotTo(HaveOccurred())
		g, err = discretize.NewGrid(0.5, 1)
		Expect(err).NotTo(HaveOccurred())
	})

	It("reads every symbol at every index", func() {
		vals := model.Values{"x[0]": 1, "x[1]": 0.5, "x[2]": 0.25}
		rec, err := Extract(sys, g, vals)
		Expect(err).NotTo(HaveOccurred())
		Expect(rec.Len()).To(Equal(3))

		series, err := rec.Series("x")
		Expect(err).NotTo(HaveOccurred())
		Expect(series).To(Equal([]float64{1, 0.5, 0.25}))
	})

	It("turns a missing value into an ExtractionError", func() {
		vals := model.Values{"x[0]": 1, "x[2]": 0.25}
		_, err := Extract(sys, g, vals)

		var xerr *minlp.ExtractionError
		Expect(err).To(HaveOccurred())
		Expect(errors.As(err, &xerr)).To(BeTrue())
		Expect(xerr.Symbol).To(Equal("x"))
		Expect(xerr.Index).To(Equal(1))
	})
})
