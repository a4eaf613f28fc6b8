package run_test

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/Prismadic/magnet/internal/charge"
	"github.com/Prismadic/magnet/internal/model"
	"github.com/Prismadic/magnet/internal/run"
	"github.com/Prismadic/magnet/internal/status"
	"github.com/Prismadic/magnet/internal/testutil"
)

type fakeHandlers struct {
	acquire   func(ctx context.Context, exec *run.Execution, p model.AcquireParams) error
	process   func(ctx context.Context, exec *run.Execution, p model.ProcessParams) error
	train     func(ctx context.Context, exec *run.Execution, p model.TrainParams) error
	inference func(ctx context.Context, exec *run.Execution, p model.InferenceParams) error
}

func completeRun(ctx context.Context, exec *run.Execution) error {
	if err := exec.Start(ctx); err != nil {
		return err
	}
	return exec.Complete(ctx, map[string]any{"ok": true}, nil)
}

func (f *fakeHandlers) Acquire(ctx context.Context, exec *run.Execution, p model.AcquireParams) error {
	if f.acquire != nil {
		return f.acquire(ctx, exec, p)
	}
	return completeRun(ctx, exec)
}

func (f *fakeHandlers) Process(ctx context.Context, exec *run.Execution, p model.ProcessParams) error {
	if f.process != nil {
		return f.process(ctx, exec, p)
	}
	return completeRun(ctx, exec)
}

func (f *fakeHandlers) Train(ctx context.Context, exec *run.Execution, p model.TrainParams) error {
	if f.train != nil {
		return f.train(ctx, exec, p)
	}
	return completeRun(ctx, exec)
}

func (f *fakeHandlers) Inference(ctx context.Context, exec *run.Execution, p model.InferenceParams) error {
	if f.inference != nil {
		return f.inference(ctx, exec, p)
	}
	return completeRun(ctx, exec)
}

var _ = Describe("Coordinator", func() {
	var (
		ctx      context.Context
		env      *testutil.Env
		c        *charge.Charge
		handlers *fakeHandlers
		coord    *run.Coordinator
	)

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		env, err = testutil.Aligned(ctx, testutil.BusConfig())
		Expect(err).NotTo(HaveOccurred())
		c = charge.New(env.Prism)
		handlers = &fakeHandlers{}
		coord = run.New(env.Prism, handlers)
	})

	excite := func(t model.JobType, params model.JobParams) *model.Job {
		job, err := c.Excite(ctx, t, params)
		Expect(err).NotTo(HaveOccurred())
		return job
	}

	Describe("Work", func() {
		It("runs an excited train job to completion", func() {
			var seen model.TrainParams
			handlers.train = func(ctx context.Context, exec *run.Execution, p model.TrainParams) error {
				seen = p
				if err := exec.Start(ctx); err != nil {
					return err
				}
				return exec.Complete(ctx, map[string]any{"trained": true}, map[string]any{"loss": 0.1})
			}
			job := excite(model.JobTypeTrain, model.TrainParams{Model: "m1", Epochs: 2})

			n, err := coord.Work(ctx, model.JobTypeTrain)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(1))
			Expect(seen).To(Equal(model.TrainParams{Model: "m1", Epochs: 2}))

			stored, err := c.GetRun(ctx, job.ID+".1")
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Status).To(Equal(model.RunStatusCompleted))
			Expect(stored.Attempt).To(Equal(1))
			Expect(stored.StartTime).NotTo(BeNil())
			Expect(stored.EndTime).NotTo(BeNil())
			Expect(stored.EndTime.Before(*stored.StartTime)).To(BeFalse())
			Expect(stored.Results).To(HaveKeyWithValue("trained", true))
			Expect(stored.Metrics).To(HaveKeyWithValue("loss", 0.1))
			Expect(stored.Job.IsClaimed).To(BeTrue())

			after, err := c.GetJob(ctx, job.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(after.IsClaimed).To(BeTrue())
			Expect(after.Attempts).To(Equal(1))
			Expect(env.Recorder.ByLevel(status.LevelSuccess)).To(ContainElement("run " + job.ID + ".1 completed"))
		})

		It("skips jobs of other roles", func() {
			excite(model.JobTypeProcess, model.ProcessParams{Model: "p"})
			n, err := coord.Work(ctx, model.JobTypeTrain)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(BeZero())
		})

		It("does not run a completed job twice", func() {
			excite(model.JobTypeTrain, model.TrainParams{Model: "m1"})
			n, _ := coord.Work(ctx, model.JobTypeTrain)
			Expect(n).To(Equal(1))
			n, err := coord.Work(ctx, model.JobTypeTrain)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(BeZero())
		})

		It("reports undecodable jobs and carries on", func() {
			jobs, _ := env.Prism.Jobs()
			_, err := jobs.Put(ctx, "broken", []byte("{"))
			Expect(err).NotTo(HaveOccurred())
			excite(model.JobTypeTrain, model.TrainParams{Model: "m1"})

			n, err := coord.Work(ctx, model.JobTypeTrain)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(1))
			Expect(env.Recorder.ByLevel(status.LevelFatal)).To(ContainElement(HavePrefix("invalid job broken")))
		})

		It("fails when the prism is off", func() {
			Expect(env.Prism.Off(ctx)).To(Succeed())
			_, err := coord.Work(ctx, model.JobTypeTrain)
			Expect(err).To(HaveOccurred())
		})

		It("retries failed jobs until attempts run out", func() {
			calls := 0
			handlers.train = func(ctx context.Context, exec *run.Execution, _ model.TrainParams) error {
				calls++
				if err := exec.Start(ctx); err != nil {
					return err
				}
				return exec.Fail(ctx, errors.New("diverged"), nil, nil)
			}
			job := excite(model.JobTypeTrain, model.TrainParams{Model: "m1"})

			for i := 1; i <= 3; i++ {
				n, err := coord.Work(ctx, model.JobTypeTrain)
				Expect(err).NotTo(HaveOccurred())
				Expect(n).To(Equal(1))
			}
			n, _ := coord.Work(ctx, model.JobTypeTrain)
			Expect(n).To(BeZero())
			Expect(calls).To(Equal(3))

			for _, id := range []string{".1", ".2", ".3"} {
				r, err := c.GetRun(ctx, job.ID+id)
				Expect(err).NotTo(HaveOccurred())
				Expect(r.Status).To(Equal(model.RunStatusFailed))
				Expect(r.Results).To(HaveKeyWithValue("error", "diverged"))
			}
			after, _ := c.GetJob(ctx, job.ID)
			Expect(after.IsClaimed).To(BeTrue())
			Expect(after.Attempts).To(Equal(3))
			Expect(env.Recorder.ByLevel(status.LevelWarn)).To(ContainElement("job " + job.ID + " used 3 of 3 attempts, leaving it claimed"))

			By("unclaiming to allow another attempt")
			_, err := c.Unclaim(ctx, job.ID)
			Expect(err).NotTo(HaveOccurred())
			n, _ = coord.Work(ctx, model.JobTypeTrain)
			Expect(n).To(Equal(1))
			_, err = c.GetRun(ctx, job.ID+".4")
			Expect(err).NotTo(HaveOccurred())
		})

		It("keeps a running job claimed when someone tries to unclaim it", func() {
			var (
				unclaimErr error
				nested     int
			)
			handlers.train = func(ctx context.Context, exec *run.Execution, _ model.TrainParams) error {
				if err := exec.Start(ctx); err != nil {
					return err
				}
				_, unclaimErr = c.Unclaim(ctx, exec.Run().Job.ID)
				nested, _ = coord.Work(ctx, model.JobTypeTrain)
				return exec.Complete(ctx, nil, nil)
			}
			job := excite(model.JobTypeTrain, model.TrainParams{Model: "m1"})

			n, err := coord.Work(ctx, model.JobTypeTrain)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(1))
			Expect(unclaimErr).To(MatchError(charge.ErrRunActive))
			Expect(nested).To(BeZero())

			_, err = c.GetRun(ctx, job.ID+".2")
			Expect(err).To(HaveOccurred())
			after, _ := c.GetJob(ctx, job.ID)
			Expect(after.IsClaimed).To(BeTrue())
			Expect(after.Attempts).To(Equal(1))
		})

		It("picks a job up again after its run could not be stored", func() {
			calls := 0
			handlers.train = func(ctx context.Context, exec *run.Execution, _ model.TrainParams) error {
				calls++
				return completeRun(ctx, exec)
			}
			job := excite(model.JobTypeTrain, model.TrainParams{Model: "m1"})
			env.Server.FailWrites("magnet_kv_runs", errors.New("disk full"))

			n, err := coord.Work(ctx, model.JobTypeTrain)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(BeZero())
			Expect(calls).To(BeZero())
			Expect(env.Recorder.ByLevel(status.LevelWarn)).To(ContainElement(HavePrefix("could not claim " + job.ID)))

			n, err = coord.Work(ctx, model.JobTypeTrain)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(1))
			Expect(calls).To(Equal(1))
			stored, err := c.GetRun(ctx, job.ID+".1")
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Status).To(Equal(model.RunStatusCompleted))
		})

		It("honours a configured attempt limit", func() {
			coord = run.New(env.Prism, handlers, run.WithMaxAttempts(1))
			handlers.train = func(ctx context.Context, exec *run.Execution, _ model.TrainParams) error {
				return errors.New("no")
			}
			job := excite(model.JobTypeTrain, model.TrainParams{Model: "m1"})
			_, _ = coord.Work(ctx, model.JobTypeTrain)
			after, _ := c.GetJob(ctx, job.ID)
			Expect(after.IsClaimed).To(BeTrue())
			Expect(coord.MaxAttempts()).To(Equal(1))
		})

		It("runs each job once across concurrent workers", func() {
			const jobCount = 8
			var mu sync.Mutex
			runs := map[string]int{}
			handlers.train = func(ctx context.Context, exec *run.Execution, _ model.TrainParams) error {
				mu.Lock()
				runs[exec.Run().Job.ID]++
				mu.Unlock()
				return completeRun(ctx, exec)
			}
			for i := 0; i < jobCount; i++ {
				excite(model.JobTypeTrain, model.TrainParams{Model: "m1"})
			}

			var wg sync.WaitGroup
			total := make(chan int, 4)
			for i := 0; i < 4; i++ {
				peer, err := testutil.AlignedOn(ctx, env.Server, testutil.BusConfig())
				Expect(err).NotTo(HaveOccurred())
				worker := run.New(peer.Prism, handlers)
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					n, err := worker.Work(ctx, model.JobTypeTrain)
					Expect(err).NotTo(HaveOccurred())
					total <- n
				}()
			}
			wg.Wait()
			close(total)

			sum := 0
			for n := range total {
				sum += n
			}
			Expect(sum).To(Equal(jobCount))
			Expect(runs).To(HaveLen(jobCount))
			for id, n := range runs {
				Expect(n).To(Equal(1), "job %s ran %d times", id, n)
			}
		})
	})

	Describe("Claim", func() {
		It("lets only one fresh run claim a job", func() {
			job := excite(model.JobTypeTrain, model.TrainParams{Model: "m1"})
			first := model.NewRun(*job, 1)
			second := model.NewRun(*job, 1)

			Expect(coord.Claim(ctx, first, model.RunStatusInProgress)).To(Succeed())
			Expect(coord.Claim(ctx, second, model.RunStatusInProgress)).To(MatchError(run.ErrAlreadyClaimed))
			Expect(coord.Claim(ctx, first, model.RunStatusInProgress)).To(Succeed())
		})

		It("rejects an attempt that already ran", func() {
			job := excite(model.JobTypeTrain, model.TrainParams{Model: "m1"})
			r := model.NewRun(*job, 1)
			Expect(coord.Claim(ctx, r, model.RunStatusInProgress)).To(Succeed())
			Expect(coord.Claim(ctx, r, model.RunStatusFailed)).To(Succeed())

			again := model.NewRun(*job, 1)
			Expect(coord.Claim(ctx, again, model.RunStatusInProgress)).To(MatchError(run.ErrAlreadyClaimed))
			Expect(coord.Claim(ctx, model.NewRun(*job, 2), model.RunStatusInProgress)).To(Succeed())
		})

		It("keeps terminal runs terminal", func() {
			job := excite(model.JobTypeTrain, model.TrainParams{Model: "m1"})
			r := model.NewRun(*job, 1)
			Expect(coord.Claim(ctx, r, model.RunStatusInProgress)).To(Succeed())
			Expect(coord.Claim(ctx, r, model.RunStatusCompleted)).To(Succeed())

			Expect(coord.Claim(ctx, r, model.RunStatusFailed)).To(MatchError(model.ErrTerminalRun))
			Expect(coord.Claim(ctx, r, model.RunStatusInProgress)).To(MatchError(model.ErrTerminalRun))
			Expect(r.Status).To(Equal(model.RunStatusCompleted))

			stored, _ := c.GetRun(ctx, r.ID)
			Expect(stored.Status).To(Equal(model.RunStatusCompleted))
		})

		It("releases the job when the run cannot be stored", func() {
			job := excite(model.JobTypeTrain, model.TrainParams{Model: "m1"})
			env.Server.FailWrites("magnet_kv_runs", errors.New("disk full"))

			r := model.NewRun(*job, 1)
			Expect(coord.Claim(ctx, r, model.RunStatusInProgress)).To(MatchError(ContainSubstring("disk full")))
			Expect(r.Status).To(Equal(model.RunStatusPending))

			after, _ := c.GetJob(ctx, job.ID)
			Expect(after.IsClaimed).To(BeFalse())
			Expect(after.Attempts).To(BeZero())
			Expect(env.Recorder.ByLevel(status.LevelWarn)).To(ContainElement("released " + job.ID + ": run " + job.ID + ".1 could not be stored"))

			Expect(coord.Claim(ctx, r, model.RunStatusInProgress)).To(Succeed())
		})

		It("keeps an existing claim when a repeated claim cannot be stored", func() {
			job := excite(model.JobTypeTrain, model.TrainParams{Model: "m1"})
			r := model.NewRun(*job, 1)
			Expect(coord.Claim(ctx, r, model.RunStatusInProgress)).To(Succeed())

			env.Server.FailWrites("magnet_kv_runs", errors.New("disk full"))
			Expect(coord.Claim(ctx, r, model.RunStatusInProgress)).NotTo(Succeed())
			after, _ := c.GetJob(ctx, job.ID)
			Expect(after.IsClaimed).To(BeTrue())
			Expect(after.Attempts).To(Equal(1))
		})

		It("fails for a job that is not stored", func() {
			r := model.NewRun(model.Job{ID: "train.test.ghost", Type: model.JobTypeTrain}, 1)
			Expect(coord.Claim(ctx, r, model.RunStatusInProgress)).NotTo(Succeed())
		})
	})

	Describe("HandleRun", func() {
		var job *model.Job

		BeforeEach(func() {
			job = excite(model.JobTypeTrain, model.TrainParams{Model: "m1"})
		})

		handle := func(r *model.Run) error {
			return coord.HandleRun(ctx, r)
		}

		It("fails a run whose handler returned an error", func() {
			handlers.train = func(ctx context.Context, exec *run.Execution, _ model.TrainParams) error {
				if err := exec.Start(ctx); err != nil {
					return err
				}
				return errors.New("out of memory")
			}
			r := model.NewRun(*job, 1)
			Expect(handle(r)).To(MatchError("out of memory"))
			Expect(r.Status).To(Equal(model.RunStatusFailed))
			Expect(r.Results).To(HaveKeyWithValue("error", "out of memory"))

			after, _ := c.GetJob(ctx, job.ID)
			Expect(after.IsClaimed).To(BeFalse())
			Expect(after.Attempts).To(Equal(1))
			Expect(env.Recorder.ByLevel(status.LevelWarn)).To(ContainElement("job " + job.ID + " released for retry after attempt 1 of 3"))
		})

		It("fails a run whose handler panicked", func() {
			handlers.train = func(ctx context.Context, exec *run.Execution, _ model.TrainParams) error {
				_ = exec.Start(ctx)
				panic("nil map")
			}
			r := model.NewRun(*job, 1)
			Expect(handle(r)).To(MatchError("panic: nil map"))
			Expect(r.Status).To(Equal(model.RunStatusFailed))

			stored, err := c.GetRun(ctx, r.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Status).To(Equal(model.RunStatusFailed))
			Expect(stored.Results).To(HaveKeyWithValue("error", "panic: nil map"))
		})

		It("fails a run the handler left open", func() {
			handlers.train = func(ctx context.Context, exec *run.Execution, _ model.TrainParams) error {
				return exec.Start(ctx)
			}
			r := model.NewRun(*job, 1)
			Expect(handle(r)).To(MatchError(ContainSubstring("without a terminal status")))
			Expect(r.Status).To(Equal(model.RunStatusFailed))
			Expect(r.EndTime).NotTo(BeNil())
		})

		It("fails a run before the handler started it", func() {
			handlers.train = func(context.Context, *run.Execution, model.TrainParams) error {
				return errors.New("bad input")
			}
			r := model.NewRun(*job, 1)
			Expect(handle(r)).To(MatchError("bad input"))
			Expect(r.Status).To(Equal(model.RunStatusFailed))
			Expect(r.StartTime).NotTo(BeNil())
		})

		It("rejects finishing a run twice", func() {
			var second error
			handlers.train = func(ctx context.Context, exec *run.Execution, _ model.TrainParams) error {
				if err := completeRun(ctx, exec); err != nil {
					return err
				}
				second = exec.Fail(ctx, errors.New("late"), nil, nil)
				return nil
			}
			r := model.NewRun(*job, 1)
			Expect(handle(r)).To(Succeed())
			Expect(second).To(MatchError(model.ErrTerminalRun))
			Expect(r.Status).To(Equal(model.RunStatusCompleted))

			stored, _ := c.GetRun(ctx, r.ID)
			Expect(stored.Status).To(Equal(model.RunStatusCompleted))
		})

		It("fails runs of an unknown type", func() {
			r := model.NewRun(*job, 1)
			r.Job.Params = nil
			r.Type = model.JobType("deploy")

			Expect(handle(r)).To(MatchError(model.ErrUnknownJobType))
			Expect(r.Status).To(Equal(model.RunStatusFailed))
			Expect(env.Recorder.ByLevel(status.LevelWarn)).To(ContainElement("unknown run type: deploy"))
		})

		It("records the run even when the context ends", func() {
			cctx, cancel := context.WithCancel(ctx)
			handlers.train = func(ctx context.Context, exec *run.Execution, _ model.TrainParams) error {
				if err := exec.Start(ctx); err != nil {
					return err
				}
				cancel()
				return ctx.Err()
			}
			r := model.NewRun(*job, 1)
			Expect(coord.HandleRun(cctx, r)).To(MatchError(context.Canceled))

			stored, err := c.GetRun(ctx, r.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Status).To(Equal(model.RunStatusFailed))
		})
	})
})

var _ = Describe("Worker", func() {
	It("scans until stopped", func() {
		ctx := context.Background()
		env, err := testutil.Aligned(ctx, testutil.BusConfig())
		Expect(err).NotTo(HaveOccurred())
		c := charge.New(env.Prism)
		coord := run.New(env.Prism, &fakeHandlers{})

		w := run.NewWorker(coord, model.JobTypeInference, 10*time.Millisecond)
		done := make(chan error, 1)
		go func() { done <- w.Run(ctx) }()

		job, err := c.Excite(ctx, model.JobTypeInference, model.InferenceParams{Query: "q"})
		Expect(err).NotTo(HaveOccurred())
		Eventually(func() (model.RunStatus, error) {
			r, err := c.GetRun(ctx, job.ID+".1")
			if err != nil {
				return "", err
			}
			return r.Status, nil
		}).Should(Equal(model.RunStatusCompleted))

		w.Stop()
		Eventually(done).Should(Receive(BeNil()))
	})

	It("stops without having run", func() {
		w := run.NewWorker(nil, model.JobTypeTrain, time.Hour)
		stopped := make(chan struct{})
		go func() {
			w.Stop()
			w.Stop()
			close(stopped)
		}()
		Eventually(stopped).Should(BeClosed())

		Expect(w.Run(context.Background())).To(Succeed())
		Expect(w.Run(context.Background())).To(MatchError(run.ErrWorkerStarted))
	})

	It("tolerates a second stop after running", func() {
		ctx := context.Background()
		env, err := testutil.Aligned(ctx, testutil.BusConfig())
		Expect(err).NotTo(HaveOccurred())
		c := charge.New(env.Prism)
		w := run.NewWorker(run.New(env.Prism, &fakeHandlers{}), model.JobTypeTrain, 10*time.Millisecond)

		done := make(chan error, 1)
		go func() { done <- w.Run(ctx) }()
		job, err := c.Excite(ctx, model.JobTypeTrain, model.TrainParams{Model: "m1"})
		Expect(err).NotTo(HaveOccurred())
		Eventually(func() error {
			_, err := c.GetRun(ctx, job.ID+".1")
			return err
		}).Should(Succeed())

		w.Stop()
		Eventually(done).Should(Receive(BeNil()))
		w.Stop()
	})

	It("returns when the context ends", func() {
		ctx, cancel := context.WithCancel(context.Background())
		env, err := testutil.Aligned(ctx, testutil.BusConfig())
		Expect(err).NotTo(HaveOccurred())
		w := run.NewWorker(run.New(env.Prism, &fakeHandlers{}), model.JobTypeTrain, time.Hour)

		done := make(chan error, 1)
		go func() { done <- w.Run(ctx) }()
		cancel()
		Eventually(done).Should(Receive(MatchError(context.Canceled)))
	})
})
