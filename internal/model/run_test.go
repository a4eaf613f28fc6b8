package model_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/Prismadic/magnet/internal/model"
)

var _ = Describe("Run", func() {
	var (
		r  *model.Run
		t0 time.Time
	)

	BeforeEach(func() {
		r = model.NewRun(model.Job{ID: "train.s.1", Type: model.JobTypeTrain}, 1)
		t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	})

	It("starts pending", func() {
		Expect(r.ID).To(Equal("train.s.1.1"))
		Expect(r.Type).To(Equal(model.JobTypeTrain))
		Expect(r.Status).To(Equal(model.RunStatusPending))
		Expect(r.StartTime).To(BeNil())
	})

	It("stamps start once and end on the terminal move", func() {
		Expect(r.Transition(model.RunStatusInProgress, t0)).To(Succeed())
		Expect(r.Transition(model.RunStatusInProgress, t0.Add(time.Second))).To(Succeed())
		Expect(*r.StartTime).To(Equal(t0))
		Expect(r.EndTime).To(BeNil())

		Expect(r.Transition(model.RunStatusCompleted, t0.Add(time.Minute))).To(Succeed())
		Expect(*r.EndTime).To(Equal(t0.Add(time.Minute)))
	})

	It("sets both times on a direct jump to failed", func() {
		Expect(r.Transition(model.RunStatusFailed, t0)).To(Succeed())
		Expect(*r.StartTime).To(Equal(t0))
		Expect(*r.EndTime).To(Equal(t0))
	})

	It("never ends before it started", func() {
		Expect(r.Transition(model.RunStatusInProgress, t0)).To(Succeed())
		Expect(r.Transition(model.RunStatusCompleted, t0.Add(-time.Hour))).To(Succeed())
		Expect(*r.EndTime).To(Equal(t0))
	})

	It("rejects moves out of a terminal status", func() {
		Expect(r.Transition(model.RunStatusCompleted, t0)).To(Succeed())
		end := *r.EndTime
		for _, next := range []model.RunStatus{model.RunStatusInProgress, model.RunStatusFailed, model.RunStatusCompleted} {
			Expect(r.Transition(next, t0.Add(time.Hour))).To(MatchError(model.ErrTerminalRun))
		}
		Expect(r.Status).To(Equal(model.RunStatusCompleted))
		Expect(*r.EndTime).To(Equal(end))
	})

	It("rejects unknown statuses", func() {
		Expect(r.Transition(model.RunStatus("paused"), t0)).To(MatchError(model.ErrInvalidStatus))
		Expect(r.Transition(model.RunStatusPending, t0)).To(MatchError(model.ErrInvalidStatus))
	})
})
