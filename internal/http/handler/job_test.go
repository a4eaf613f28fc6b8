package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/Prismadic/magnet/internal/bus"
	"github.com/Prismadic/magnet/internal/charge"
	"github.com/Prismadic/magnet/internal/http/handler"
	"github.com/Prismadic/magnet/internal/model"
)

type mockJobService struct {
	exciteFn  func(ctx context.Context, t model.JobType, params model.JobParams) (*model.Job, error)
	getJobFn  func(ctx context.Context, jobID string) (*model.Job, error)
	listFn    func(ctx context.Context, t model.JobType) ([]model.Job, error)
	getRunFn  func(ctx context.Context, runID string) (*model.Run, error)
	unclaimFn func(ctx context.Context, jobID string, opts []charge.UnclaimOption) (*model.Job, error)
}

func (m *mockJobService) Excite(ctx context.Context, t model.JobType, params model.JobParams) (*model.Job, error) {
	if m.exciteFn != nil {
		return m.exciteFn(ctx, t, params)
	}
	return &model.Job{ID: "job", Type: t, Params: params}, nil
}

func (m *mockJobService) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	if m.getJobFn != nil {
		return m.getJobFn(ctx, jobID)
	}
	return nil, bus.ErrNotFound
}

func (m *mockJobService) ListJobs(ctx context.Context, t model.JobType) ([]model.Job, error) {
	if m.listFn != nil {
		return m.listFn(ctx, t)
	}
	return nil, nil
}

func (m *mockJobService) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	if m.getRunFn != nil {
		return m.getRunFn(ctx, runID)
	}
	return nil, bus.ErrNotFound
}

func (m *mockJobService) Unclaim(ctx context.Context, jobID string, opts ...charge.UnclaimOption) (*model.Job, error) {
	if m.unclaimFn != nil {
		return m.unclaimFn(ctx, jobID, opts)
	}
	return nil, bus.ErrNotFound
}

var _ = Describe("JobHandler", func() {
	var (
		router *gin.Engine
		svc    *mockJobService
	)

	BeforeEach(func() {
		gin.SetMode(gin.TestMode)
		router = gin.New()
		svc = &mockJobService{}
		h := handler.NewJobHandler(svc)

		router.POST("/jobs", h.Create)
		router.GET("/jobs", h.List)
		router.GET("/jobs/:id", h.Get)
		router.POST("/jobs/:id/unclaim", h.Unclaim)
		router.GET("/runs/:id", h.GetRun)
		router.GET("/schemas/:type", h.Schema)
	})

	serve := func(method, path string, body any) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		if body != nil {
			Expect(json.NewEncoder(&buf).Encode(body)).To(Succeed())
		}
		req := httptest.NewRequest(method, path, &buf)
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	decode := func(w *httptest.ResponseRecorder) map[string]any {
		var resp map[string]any
		Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
		return resp
	}

	Describe("Create", func() {
		It("creates a job with typed params", func() {
			var gotType model.JobType
			var gotParams model.JobParams
			svc.exciteFn = func(_ context.Context, t model.JobType, params model.JobParams) (*model.Job, error) {
				gotType, gotParams = t, params
				return &model.Job{ID: "train.s.1", Type: t, Params: params}, nil
			}

			w := serve(http.MethodPost, "/jobs", map[string]any{
				"type":   "train",
				"params": map[string]any{"model": "m1", "epochs": 2},
			})

			Expect(w.Code).To(Equal(http.StatusCreated))
			Expect(gotType).To(Equal(model.JobTypeTrain))
			Expect(gotParams).To(Equal(model.TrainParams{Model: "m1", Epochs: 2}))
			resp := decode(w)
			Expect(resp["id"]).To(Equal("train.s.1"))
			Expect(resp["is_claimed"]).To(Equal(false))
		})

		It("returns 400 without a type", func() {
			w := serve(http.MethodPost, "/jobs", map[string]any{"params": map[string]any{}})
			Expect(w.Code).To(Equal(http.StatusBadRequest))
		})

		It("returns 400 for an unknown type", func() {
			w := serve(http.MethodPost, "/jobs", map[string]any{"type": "deploy"})
			Expect(w.Code).To(Equal(http.StatusBadRequest))
			Expect(decode(w)["error"]).To(ContainSubstring("unknown job type"))
		})

		It("returns 400 for params with unknown fields", func() {
			w := serve(http.MethodPost, "/jobs", map[string]any{
				"type":   "process",
				"params": map[string]any{"model": "m", "colour": "red"},
			})
			Expect(w.Code).To(Equal(http.StatusBadRequest))
		})

		It("returns 400 when validation fails in the service", func() {
			svc.exciteFn = func(context.Context, model.JobType, model.JobParams) (*model.Job, error) {
				return nil, fmt.Errorf("%w: local acquisition needs a location", model.ErrInvalidParams)
			}
			w := serve(http.MethodPost, "/jobs", map[string]any{
				"type":   "acquire",
				"params": map[string]any{"data_source": "local"},
			})
			Expect(w.Code).To(Equal(http.StatusBadRequest))
			Expect(decode(w)["error"]).To(ContainSubstring("needs a location"))
		})

		It("returns 409 when the job id is taken", func() {
			svc.exciteFn = func(context.Context, model.JobType, model.JobParams) (*model.Job, error) {
				return nil, fmt.Errorf("store job: %w", bus.ErrKeyExists)
			}
			w := serve(http.MethodPost, "/jobs", map[string]any{"type": "inference"})
			Expect(w.Code).To(Equal(http.StatusConflict))
		})

		It("hides unexpected errors", func() {
			svc.exciteFn = func(context.Context, model.JobType, model.JobParams) (*model.Job, error) {
				return nil, errors.New("connection refused")
			}
			w := serve(http.MethodPost, "/jobs", map[string]any{"type": "inference"})
			Expect(w.Code).To(Equal(http.StatusInternalServerError))
			Expect(decode(w)["error"]).To(Equal("failed to create job"))
		})
	})

	Describe("List", func() {
		It("lists all jobs", func() {
			svc.listFn = func(_ context.Context, t model.JobType) ([]model.Job, error) {
				Expect(t).To(BeEmpty())
				return []model.Job{
					{ID: "a", Type: model.JobTypeTrain, Params: model.TrainParams{Model: "m"}},
					{ID: "b", Type: model.JobTypeInference, Params: model.InferenceParams{}},
				}, nil
			}
			w := serve(http.MethodGet, "/jobs", nil)
			Expect(w.Code).To(Equal(http.StatusOK))
			resp := decode(w)
			Expect(resp["total"]).To(BeNumerically("==", 2))
			Expect(resp["jobs"]).To(HaveLen(2))
		})

		It("filters by type", func() {
			var got model.JobType
			svc.listFn = func(_ context.Context, t model.JobType) ([]model.Job, error) {
				got = t
				return nil, nil
			}
			w := serve(http.MethodGet, "/jobs?type=process", nil)
			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(got).To(Equal(model.JobTypeProcess))
		})

		It("rejects an unknown type filter", func() {
			w := serve(http.MethodGet, "/jobs?type=deploy", nil)
			Expect(w.Code).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("Get", func() {
		It("returns the job", func() {
			svc.getJobFn = func(_ context.Context, id string) (*model.Job, error) {
				return &model.Job{ID: id, Type: model.JobTypeTrain, Params: model.TrainParams{Model: "m"}}, nil
			}
			w := serve(http.MethodGet, "/jobs/train.s.1", nil)
			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(decode(w)["id"]).To(Equal("train.s.1"))
		})

		It("returns 404 for a missing job", func() {
			w := serve(http.MethodGet, "/jobs/nope", nil)
			Expect(w.Code).To(Equal(http.StatusNotFound))
		})
	})

	Describe("Unclaim", func() {
		It("returns the released job", func() {
			var optCount int
			svc.unclaimFn = func(_ context.Context, id string, opts []charge.UnclaimOption) (*model.Job, error) {
				optCount = len(opts)
				return &model.Job{ID: id, Type: model.JobTypeTrain, Params: model.TrainParams{Model: "m"}, Attempts: 3}, nil
			}
			w := serve(http.MethodPost, "/jobs/train.s.1/unclaim", nil)
			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(optCount).To(BeZero())
			resp := decode(w)
			Expect(resp["is_claimed"]).To(Equal(false))
			Expect(resp["attempts"]).To(BeNumerically("==", 3))
		})

		It("passes force through", func() {
			var optCount int
			svc.unclaimFn = func(_ context.Context, id string, opts []charge.UnclaimOption) (*model.Job, error) {
				optCount = len(opts)
				return &model.Job{ID: id, Type: model.JobTypeTrain, Params: model.TrainParams{Model: "m"}}, nil
			}
			w := serve(http.MethodPost, "/jobs/train.s.1/unclaim?force=true", nil)
			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(optCount).To(Equal(1))
		})

		It("returns 409 while the latest run is still going", func() {
			svc.unclaimFn = func(context.Context, string, []charge.UnclaimOption) (*model.Job, error) {
				return nil, fmt.Errorf("%w: run train.s.1.1 is \"in_progress\"", charge.ErrRunActive)
			}
			w := serve(http.MethodPost, "/jobs/train.s.1/unclaim", nil)
			Expect(w.Code).To(Equal(http.StatusConflict))
			Expect(decode(w)["error"]).To(ContainSubstring("in_progress"))
		})

		It("returns 409 when the job changed underneath", func() {
			svc.unclaimFn = func(context.Context, string, []charge.UnclaimOption) (*model.Job, error) {
				return nil, fmt.Errorf("store job: %w", bus.ErrRevisionMismatch)
			}
			w := serve(http.MethodPost, "/jobs/train.s.1/unclaim", nil)
			Expect(w.Code).To(Equal(http.StatusConflict))
		})
	})

	Describe("GetRun", func() {
		It("returns the run", func() {
			svc.getRunFn = func(_ context.Context, id string) (*model.Run, error) {
				return &model.Run{ID: id, Status: model.RunStatusCompleted, Job: model.Job{ID: "j", Type: model.JobTypeInference, Params: model.InferenceParams{}}}, nil
			}
			w := serve(http.MethodGet, "/runs/j.1", nil)
			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(decode(w)["status"]).To(Equal("completed"))
		})

		It("returns 404 for a missing run", func() {
			w := serve(http.MethodGet, "/runs/j.9", nil)
			Expect(w.Code).To(Equal(http.StatusNotFound))
		})
	})

	Describe("Schema", func() {
		It("serves the params schema", func() {
			w := serve(http.MethodGet, "/schemas/acquire", nil)
			Expect(w.Code).To(Equal(http.StatusOK))
			resp := decode(w)
			Expect(resp["title"]).To(Equal("acquire params"))
			Expect(resp["properties"]).To(HaveKey("data_source"))
		})

		It("returns 404 for unknown types", func() {
			w := serve(http.MethodGet, "/schemas/deploy", nil)
			Expect(w.Code).To(Equal(http.StatusNotFound))
		})
	})
})
