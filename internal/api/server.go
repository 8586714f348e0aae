// Package api 提供 HTTP 接口，把业务哨兵错误映射为状态码。
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"shift-match/internal/matching"
	"shift-match/internal/model"
	"shift-match/internal/refresher"
	"shift-match/internal/reliability"
	"shift-match/internal/storage"
)

// JobStore 求人读写接口。
type JobStore interface {
	ListOpenJobs(ctx context.Context, now time.Time, limit, offset int) ([]model.Job, error)
	CountOpenJobs(ctx context.Context, now time.Time) (int64, error)
	CreateJob(ctx context.Context, job *model.Job) error
}

// MatchingService 应募生命周期接口。
type MatchingService interface {
	Apply(ctx context.Context, workerID, workDateID uint) (*model.Application, error)
	AcceptOffer(ctx context.Context, workerID, workDateID uint) (*model.Application, error)
	SetStatus(ctx context.Context, facilityID, applicationID uint, to model.ApplicationStatus) (*model.Application, error)
	CancelByWorker(ctx context.Context, workerID, applicationID uint) error
	WithdrawByWorker(ctx context.Context, workerID, applicationID uint) error
	CompleteWorkerReview(ctx context.Context, workerID, applicationID uint) (*model.Application, error)
	CompleteFacilityReview(ctx context.Context, facilityID, applicationID uint) (*model.Application, error)
	ListWorkerApplications(ctx context.Context, workerID uint, limit, offset int) ([]model.Application, error)
	ListFacilityApplications(ctx context.Context, facilityID uint) ([]model.Application, error)
	MarkFacilityViewed(ctx context.Context, facilityID uint) (int64, error)
	ReliabilityRate(ctx context.Context, workerID uint) (reliability.Snapshot, error)
	RefreshStatuses(ctx context.Context, scope storage.RefreshScope) (refresher.Result, error)
}

// NewHandler 构造 HTTP 多路复用器。now 为空时使用系统时钟。
func NewHandler(store JobStore, svc MatchingService, now func() time.Time) http.Handler {
	if now == nil {
		now = time.Now
	}
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("/api/jobs", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			listJobs(w, r, store, now())
		case http.MethodPost:
			var job model.Job
			if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
				writeError(w, http.StatusBadRequest, "invalid payload")
				return
			}
			if job.FacilityID == 0 || job.Title == "" {
				writeError(w, http.StatusBadRequest, "facility_id and title are required")
				return
			}
			if err := store.CreateJob(r.Context(), &job); err != nil {
				writeServiceError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, job)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/api/applications", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			workerID, ok := queryID(r, "worker_id")
			if !ok {
				writeError(w, http.StatusBadRequest, "worker_id is required")
				return
			}
			limit, offset := paging(r)
			apps, err := svc.ListWorkerApplications(r.Context(), workerID, limit, offset)
			if err != nil {
				writeServiceError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, apps)
		case http.MethodPost:
			var req struct {
				WorkerID   uint `json:"worker_id"`
				WorkDateID uint `json:"work_date_id"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid payload")
				return
			}
			app, err := svc.Apply(r.Context(), req.WorkerID, req.WorkDateID)
			if err != nil {
				writeServiceError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, app)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/api/applications/offer", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			WorkerID   uint `json:"worker_id"`
			WorkDateID uint `json:"work_date_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid payload")
			return
		}
		app, err := svc.AcceptOffer(r.Context(), req.WorkerID, req.WorkDateID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, app)
	})

	mux.HandleFunc("/api/applications/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			FacilityID    uint                    `json:"facility_id"`
			ApplicationID uint                    `json:"application_id"`
			Status        model.ApplicationStatus `json:"status"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid payload")
			return
		}
		app, err := svc.SetStatus(r.Context(), req.FacilityID, req.ApplicationID, req.Status)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, app)
	})

	mux.HandleFunc("/api/applications/cancel", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			WorkerID      uint `json:"worker_id"`
			ApplicationID uint `json:"application_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid payload")
			return
		}
		if err := svc.CancelByWorker(r.Context(), req.WorkerID, req.ApplicationID); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
	})

	mux.HandleFunc("/api/applications/withdraw", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			WorkerID      uint `json:"worker_id"`
			ApplicationID uint `json:"application_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid payload")
			return
		}
		if err := svc.WithdrawByWorker(r.Context(), req.WorkerID, req.ApplicationID); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "withdrawn"})
	})

	mux.HandleFunc("/api/applications/reviews", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			ApplicationID uint   `json:"application_id"`
			Side          string `json:"side"`
			WorkerID      uint   `json:"worker_id"`
			FacilityID    uint   `json:"facility_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid payload")
			return
		}
		var (
			app *model.Application
			err error
		)
		switch req.Side {
		case "WORKER":
			app, err = svc.CompleteWorkerReview(r.Context(), req.WorkerID, req.ApplicationID)
		case "FACILITY":
			app, err = svc.CompleteFacilityReview(r.Context(), req.FacilityID, req.ApplicationID)
		default:
			writeError(w, http.StatusBadRequest, "side must be WORKER or FACILITY")
			return
		}
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, app)
	})

	mux.HandleFunc("/api/refresh", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			WorkerID   uint `json:"worker_id"`
			FacilityID uint `json:"facility_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid payload")
			return
		}
		result, err := svc.RefreshStatuses(r.Context(), storage.RefreshScope{
			WorkerID:   req.WorkerID,
			FacilityID: req.FacilityID,
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int64{
			"scheduled_to_working": result.ScheduledToWorking,
			"working_to_completed": result.WorkingToCompleted,
		})
	})

	mux.HandleFunc("/api/facilities/applications", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		facilityID, ok := queryID(r, "facility_id")
		if !ok {
			writeError(w, http.StatusBadRequest, "facility_id is required")
			return
		}
		apps, err := svc.ListFacilityApplications(r.Context(), facilityID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, apps)
	})

	mux.HandleFunc("/api/facilities/viewed", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			FacilityID uint `json:"facility_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid payload")
			return
		}
		n, err := svc.MarkFacilityViewed(r.Context(), req.FacilityID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int64{"viewed": n})
	})

	mux.HandleFunc("/api/workers/reliability", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		workerID, ok := queryID(r, "worker_id")
		if !ok {
			writeError(w, http.StatusBadRequest, "worker_id is required")
			return
		}
		snap, err := svc.ReliabilityRate(r.Context(), workerID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"total":                   snap.Total,
			"cancelled":               snap.Cancelled,
			"last_minute_cancelled":   snap.LastMinuteCancelled,
			"cancel_rate":             snap.CancelRate(),
			"last_minute_cancel_rate": snap.LastMinuteCancelRate(),
		})
	})

	return mux
}

func listJobs(w http.ResponseWriter, r *http.Request, store JobStore, now time.Time) {
	limit, offset := paging(r)
	fetchLimit := limit + 1

	jobs, err := store.ListOpenJobs(r.Context(), now, fetchLimit, offset)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	total, err := store.CountOpenJobs(r.Context(), now)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	hasMore := false
	if len(jobs) > limit {
		hasMore = true
		jobs = jobs[:limit]
	}

	page := offset/limit + 1
	w.Header().Set("X-Page", strconv.Itoa(page))
	w.Header().Set("X-Limit", strconv.Itoa(limit))
	w.Header().Set("X-Has-More", strconv.FormatBool(hasMore))
	w.Header().Set("X-Total", strconv.FormatInt(total, 10))
	writeJSON(w, http.StatusOK, jobs)
}

func paging(r *http.Request) (limit, offset int) {
	limit = 20
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 {
			if v > 100 {
				v = 100
			}
			limit = v
		}
	}
	page := 1
	if p := r.URL.Query().Get("page"); p != "" {
		if v, err := strconv.Atoi(p); err == nil && v > 0 {
			page = v
		}
	}
	return limit, (page - 1) * limit
}

func queryID(r *http.Request, key string) (uint, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || v == 0 {
		return 0, false
	}
	return uint(v), true
}

// writeServiceError 把业务哨兵映射为 HTTP 状态码。
func writeServiceError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, matching.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, matching.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, matching.ErrDuplicateApplication),
		errors.Is(err, matching.ErrCapacityFull),
		errors.Is(err, matching.ErrPastStartTime),
		errors.Is(err, matching.ErrInvalidTransition),
		errors.Is(err, matching.ErrInvalidState):
		status = http.StatusConflict
	case errors.Is(err, matching.ErrProfileIncomplete),
		errors.Is(err, matching.ErrWorkerSuspended):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	}
	writeError(w, status, err.Error())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
