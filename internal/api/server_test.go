package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"shift-match/internal/matching"
	"shift-match/internal/model"
	"shift-match/internal/refresher"
	"shift-match/internal/reliability"
	"shift-match/internal/storage"
)

type stubJobStore struct {
	jobs []model.Job
}

func (s *stubJobStore) ListOpenJobs(_ context.Context, _ time.Time, limit, offset int) ([]model.Job, error) {
	if offset >= len(s.jobs) {
		return nil, nil
	}
	end := offset + limit
	if end > len(s.jobs) {
		end = len(s.jobs)
	}
	return s.jobs[offset:end], nil
}

func (s *stubJobStore) CountOpenJobs(context.Context, time.Time) (int64, error) {
	return int64(len(s.jobs)), nil
}

func (s *stubJobStore) CreateJob(_ context.Context, job *model.Job) error {
	job.ID = uint(len(s.jobs) + 1)
	s.jobs = append(s.jobs, *job)
	return nil
}

type stubService struct {
	applyErr  error
	cancelErr error
	snapshot  reliability.Snapshot
}

func (s *stubService) Apply(_ context.Context, workerID, workDateID uint) (*model.Application, error) {
	if s.applyErr != nil {
		return nil, s.applyErr
	}
	return &model.Application{ID: 1, WorkerID: workerID, WorkDateID: workDateID, Status: model.StatusScheduled}, nil
}

func (s *stubService) AcceptOffer(_ context.Context, workerID, workDateID uint) (*model.Application, error) {
	return &model.Application{ID: 2, WorkerID: workerID, WorkDateID: workDateID, Status: model.StatusScheduled}, nil
}

func (s *stubService) SetStatus(_ context.Context, _, applicationID uint, to model.ApplicationStatus) (*model.Application, error) {
	return &model.Application{ID: applicationID, Status: to}, nil
}

func (s *stubService) CancelByWorker(context.Context, uint, uint) error {
	return s.cancelErr
}

func (s *stubService) WithdrawByWorker(context.Context, uint, uint) error {
	return nil
}

func (s *stubService) CompleteWorkerReview(_ context.Context, _, applicationID uint) (*model.Application, error) {
	return &model.Application{ID: applicationID, WorkerReviewStatus: model.ReviewCompleted}, nil
}

func (s *stubService) CompleteFacilityReview(_ context.Context, _, applicationID uint) (*model.Application, error) {
	return &model.Application{ID: applicationID, FacilityReviewStatus: model.ReviewCompleted}, nil
}

func (s *stubService) ListWorkerApplications(context.Context, uint, int, int) ([]model.Application, error) {
	return []model.Application{{ID: 1}}, nil
}

func (s *stubService) ListFacilityApplications(context.Context, uint) ([]model.Application, error) {
	return []model.Application{{ID: 1}}, nil
}

func (s *stubService) MarkFacilityViewed(context.Context, uint) (int64, error) {
	return 1, nil
}

func (s *stubService) ReliabilityRate(context.Context, uint) (reliability.Snapshot, error) {
	return s.snapshot, nil
}

func (s *stubService) RefreshStatuses(context.Context, storage.RefreshScope) (refresher.Result, error) {
	return refresher.Result{ScheduledToWorking: 2}, nil
}

func newTestHandler(store *stubJobStore, svc *stubService) http.Handler {
	now := func() time.Time {
		return time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	}
	return NewHandler(store, svc, now)
}

func TestApplyEndpoint(t *testing.T) {
	t.Parallel()

	handler := newTestHandler(&stubJobStore{}, &stubService{})

	req := httptest.NewRequest(http.MethodPost, "/api/applications",
		strings.NewReader(`{"worker_id":3,"work_date_id":5}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var app model.Application
	if err := json.Unmarshal(rec.Body.Bytes(), &app); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if app.WorkerID != 3 || app.Status != model.StatusScheduled {
		t.Fatalf("unexpected application: %+v", app)
	}
}

func TestApplyEndpointErrorMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want int
	}{
		{"capacity", matching.ErrCapacityFull, http.StatusConflict},
		{"duplicate", matching.ErrDuplicateApplication, http.StatusConflict},
		{"not found", matching.ErrNotFound, http.StatusNotFound},
		{"suspended", matching.ErrWorkerSuspended, http.StatusUnprocessableEntity},
		{"profile", matching.ErrProfileIncomplete, http.StatusUnprocessableEntity},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			handler := newTestHandler(&stubJobStore{}, &stubService{applyErr: tc.err})
			req := httptest.NewRequest(http.MethodPost, "/api/applications",
				strings.NewReader(`{"worker_id":1,"work_date_id":1}`))
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rec.Code)
			}
		})
	}
}

func TestApplyEndpointBadPayload(t *testing.T) {
	t.Parallel()

	handler := newTestHandler(&stubJobStore{}, &stubService{})
	req := httptest.NewRequest(http.MethodPost, "/api/applications", strings.NewReader("not json"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestCancelEndpointPastStart(t *testing.T) {
	t.Parallel()

	handler := newTestHandler(&stubJobStore{}, &stubService{cancelErr: matching.ErrPastStartTime})
	req := httptest.NewRequest(http.MethodPost, "/api/applications/cancel",
		strings.NewReader(`{"worker_id":1,"application_id":1}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestListJobsPagingHeaders(t *testing.T) {
	t.Parallel()

	store := &stubJobStore{}
	for i := 0; i < 3; i++ {
		store.jobs = append(store.jobs, model.Job{ID: uint(i + 1), Title: "Shift"})
	}
	handler := newTestHandler(store, &stubService{})

	req := httptest.NewRequest(http.MethodGet, "/api/jobs?limit=2&page=1", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("X-Has-More") != "true" {
		t.Fatalf("expected X-Has-More true, got %q", rec.Header().Get("X-Has-More"))
	}
	if rec.Header().Get("X-Total") != "3" {
		t.Fatalf("expected X-Total 3, got %q", rec.Header().Get("X-Total"))
	}

	var jobs []model.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &jobs); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs on the page, got %d", len(jobs))
	}
}

func TestReliabilityEndpoint(t *testing.T) {
	t.Parallel()

	svc := &stubService{snapshot: reliability.Snapshot{Total: 4, Cancelled: 2, LastMinuteCancelled: 1}}
	handler := newTestHandler(&stubJobStore{}, svc)

	req := httptest.NewRequest(http.MethodGet, "/api/workers/reliability?worker_id=9", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body["cancel_rate"].(float64) != 50 {
		t.Fatalf("expected cancel_rate 50, got %v", body["cancel_rate"])
	}
	if body["last_minute_cancel_rate"].(float64) != 25 {
		t.Fatalf("expected last_minute_cancel_rate 25, got %v", body["last_minute_cancel_rate"])
	}
}

func TestReliabilityEndpointRequiresWorkerID(t *testing.T) {
	t.Parallel()

	handler := newTestHandler(&stubJobStore{}, &stubService{})
	req := httptest.NewRequest(http.MethodGet, "/api/workers/reliability", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestRefreshEndpoint(t *testing.T) {
	t.Parallel()

	handler := newTestHandler(&stubJobStore{}, &stubService{})
	req := httptest.NewRequest(http.MethodPost, "/api/refresh",
		strings.NewReader(`{"worker_id":3}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]int64
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body["scheduled_to_working"] != 2 {
		t.Fatalf("expected 2 advanced rows, got %d", body["scheduled_to_working"])
	}
}
