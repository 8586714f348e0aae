package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"shift-match/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "shifts.db")
	store, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore error: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func seedWorker(t *testing.T, store *Store, name string) *model.Worker {
	t.Helper()

	worker := &model.Worker{Name: name, ProfileComplete: true}
	if err := store.CreateWorker(context.Background(), worker); err != nil {
		t.Fatalf("CreateWorker error: %v", err)
	}
	return worker
}

func seedFacility(t *testing.T, store *Store, name string) *model.Facility {
	t.Helper()

	facility := &model.Facility{Name: name}
	if err := store.CreateFacility(context.Background(), facility); err != nil {
		t.Fatalf("CreateFacility error: %v", err)
	}
	return facility
}

// seedJob 创建带单个勤务日的求人，返回该勤务日 ID。
func seedJob(t *testing.T, store *Store, job model.Job, workDate time.Time, recruitment int) (*model.Job, uint) {
	t.Helper()

	if job.StartTime == "" {
		job.StartTime = "09:00"
	}
	if job.EndTime == "" {
		job.EndTime = "18:00"
	}
	job.WorkDates = []model.WorkDate{{
		WorkDate:         workDate,
		RecruitmentCount: recruitment,
		Deadline:         workDate,
	}}
	if err := store.CreateJob(context.Background(), &job); err != nil {
		t.Fatalf("CreateJob error: %v", err)
	}
	return &job, job.WorkDates[0].ID
}

func TestCreateApplicationCapacity(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	facility := seedFacility(t, store, "Sakura Care")
	date := time.Date(2026, 9, 10, 0, 0, 0, 0, time.UTC)
	_, wdID := seedJob(t, store, model.Job{FacilityID: facility.ID, Title: "Day shift"}, date, 2)

	matchedAt := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		worker := seedWorker(t, store, "worker")
		_, err := store.CreateApplication(ctx, CreateApplicationParams{
			WorkerID:   worker.ID,
			WorkDateID: wdID,
			Immediate:  true,
			Capped:     true,
			MatchedAt:  matchedAt,
		})
		if err != nil {
			t.Fatalf("CreateApplication %d error: %v", i, err)
		}
	}

	third := seedWorker(t, store, "late worker")
	_, err := store.CreateApplication(ctx, CreateApplicationParams{
		WorkerID:   third.ID,
		WorkDateID: wdID,
		Immediate:  true,
		Capped:     true,
		MatchedAt:  matchedAt,
	})
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}

	wd, err := store.GetWorkDate(ctx, wdID)
	if err != nil {
		t.Fatalf("GetWorkDate error: %v", err)
	}
	if wd.AppliedCount != 2 || wd.MatchedCount != 2 {
		t.Fatalf("expected counters applied=2 matched=2 after rollback, got applied=%d matched=%d",
			wd.AppliedCount, wd.MatchedCount)
	}

	// 失败的第三件不应留下应募行。
	if _, err := store.FindApplication(ctx, third.ID, wdID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected no application row for third worker, got %v", err)
	}
}

func TestCreateApplicationDuplicateAndReactivate(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	facility := seedFacility(t, store, "Aoba Clinic")
	worker := seedWorker(t, store, "Hana")
	date := time.Date(2026, 9, 12, 0, 0, 0, 0, time.UTC)
	_, wdID := seedJob(t, store, model.Job{FacilityID: facility.ID, Title: "Night shift"}, date, 3)

	matchedAt := time.Date(2026, 9, 2, 9, 0, 0, 0, time.UTC)
	params := CreateApplicationParams{
		WorkerID:   worker.ID,
		WorkDateID: wdID,
		Immediate:  true,
		Capped:     true,
		MatchedAt:  matchedAt,
	}
	app, err := store.CreateApplication(ctx, params)
	if err != nil {
		t.Fatalf("CreateApplication error: %v", err)
	}

	if _, err := store.CreateApplication(ctx, params); !errors.Is(err, ErrDuplicateApplication) {
		t.Fatalf("expected ErrDuplicateApplication for active row, got %v", err)
	}

	cancelAt := time.Date(2026, 9, 3, 9, 0, 0, 0, time.UTC)
	if err := store.CancelApplication(ctx, app.ID, model.StatusScheduled, model.CancelActorWorker, cancelAt); err != nil {
		t.Fatalf("CancelApplication error: %v", err)
	}

	again, err := store.CreateApplication(ctx, params)
	if err != nil {
		t.Fatalf("reactivate error: %v", err)
	}
	if again.ID != app.ID {
		t.Fatalf("expected reactivation to reuse row %d, got %d", app.ID, again.ID)
	}
	if again.Status != model.StatusScheduled {
		t.Fatalf("expected SCHEDULED after reactivation, got %s", again.Status)
	}
	if again.CancelledBy != model.CancelActorNone {
		t.Fatalf("expected cancelled_by cleared, got %q", again.CancelledBy)
	}
	if again.MatchedAt == nil {
		t.Fatal("expected matched_at set on reactivation")
	}

	wd, err := store.GetWorkDate(ctx, wdID)
	if err != nil {
		t.Fatalf("GetWorkDate error: %v", err)
	}
	if wd.AppliedCount != 1 || wd.MatchedCount != 1 {
		t.Fatalf("expected counters applied=1 matched=1, got applied=%d matched=%d",
			wd.AppliedCount, wd.MatchedCount)
	}
}

func TestInterviewJobAllowsOverMatch(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	facility := seedFacility(t, store, "Midori Home")
	date := time.Date(2026, 9, 15, 0, 0, 0, 0, time.UTC)
	_, wdID := seedJob(t, store, model.Job{
		FacilityID:        facility.ID,
		Title:             "Interview shift",
		RequiresInterview: true,
	}, date, 1)

	matchedAt := time.Date(2026, 9, 3, 9, 0, 0, 0, time.UTC)
	var apps []*model.Application
	for i := 0; i < 2; i++ {
		worker := seedWorker(t, store, "candidate")
		app, err := store.CreateApplication(ctx, CreateApplicationParams{
			WorkerID:   worker.ID,
			WorkDateID: wdID,
		})
		if err != nil {
			t.Fatalf("CreateApplication %d error: %v", i, err)
		}
		if app.Status != model.StatusApplied {
			t.Fatalf("expected APPLIED, got %s", app.Status)
		}
		apps = append(apps, app)
	}

	// 面试求人不检查名额，两件都可以批准。
	for _, app := range apps {
		if err := store.ApproveApplication(ctx, app.ID, false, matchedAt); err != nil {
			t.Fatalf("ApproveApplication %d error: %v", app.ID, err)
		}
	}

	wd, err := store.GetWorkDate(ctx, wdID)
	if err != nil {
		t.Fatalf("GetWorkDate error: %v", err)
	}
	if wd.MatchedCount != 2 || wd.RecruitmentCount != 1 {
		t.Fatalf("expected matched=2 over recruitment=1, got matched=%d recruitment=%d",
			wd.MatchedCount, wd.RecruitmentCount)
	}
}

func TestCancelApplicationNoDoubleRelease(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	facility := seedFacility(t, store, "Kiku Care")
	worker := seedWorker(t, store, "Taro")
	date := time.Date(2026, 9, 20, 0, 0, 0, 0, time.UTC)
	_, wdID := seedJob(t, store, model.Job{FacilityID: facility.ID, Title: "Evening shift"}, date, 2)

	app, err := store.CreateApplication(ctx, CreateApplicationParams{
		WorkerID:   worker.ID,
		WorkDateID: wdID,
		Immediate:  true,
		Capped:     true,
		MatchedAt:  time.Date(2026, 9, 5, 9, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("CreateApplication error: %v", err)
	}

	cancelAt := time.Date(2026, 9, 6, 9, 0, 0, 0, time.UTC)
	if err := store.CancelApplication(ctx, app.ID, model.StatusScheduled, model.CancelActorWorker, cancelAt); err != nil {
		t.Fatalf("CancelApplication error: %v", err)
	}
	// 重复取消在状态条件上落空，台账不会被二次回收。
	err = store.CancelApplication(ctx, app.ID, model.StatusScheduled, model.CancelActorWorker, cancelAt)
	if !errors.Is(err, ErrStaleStatus) {
		t.Fatalf("expected ErrStaleStatus on second cancel, got %v", err)
	}

	wd, err := store.GetWorkDate(ctx, wdID)
	if err != nil {
		t.Fatalf("GetWorkDate error: %v", err)
	}
	if wd.AppliedCount != 0 || wd.MatchedCount != 0 {
		t.Fatalf("expected counters back to zero, got applied=%d matched=%d",
			wd.AppliedCount, wd.MatchedCount)
	}
}

func TestCompleteReviewPromotion(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	facility := seedFacility(t, store, "Yuki Home")
	worker := seedWorker(t, store, "Mio")
	date := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	_, wdID := seedJob(t, store, model.Job{FacilityID: facility.ID, Title: "Morning shift"}, date, 1)

	app, err := store.CreateApplication(ctx, CreateApplicationParams{
		WorkerID:   worker.ID,
		WorkDateID: wdID,
		Immediate:  true,
		Capped:     true,
		MatchedAt:  time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("CreateApplication error: %v", err)
	}

	if _, err := store.AdvanceStatuses(ctx, []uint{app.ID}, model.StatusScheduled, model.StatusWorking, false); err != nil {
		t.Fatalf("AdvanceStatuses error: %v", err)
	}
	if err := store.MarkCompletedPending(ctx, app.ID); err != nil {
		t.Fatalf("MarkCompletedPending error: %v", err)
	}

	got, err := store.CompleteReview(ctx, app.ID, ReviewSideWorker)
	if err != nil {
		t.Fatalf("CompleteReview worker error: %v", err)
	}
	if got.Status != model.StatusCompletedPending {
		t.Fatalf("expected COMPLETED_PENDING with one review, got %s", got.Status)
	}

	got, err = store.CompleteReview(ctx, app.ID, ReviewSideFacility)
	if err != nil {
		t.Fatalf("CompleteReview facility error: %v", err)
	}
	if got.Status != model.StatusCompletedRated {
		t.Fatalf("expected COMPLETED_RATED with both reviews, got %s", got.Status)
	}
}

func TestAdvanceStatusesIdempotent(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	facility := seedFacility(t, store, "Hikari Care")
	worker := seedWorker(t, store, "Ren")
	date := time.Date(2026, 9, 8, 0, 0, 0, 0, time.UTC)
	_, wdID := seedJob(t, store, model.Job{FacilityID: facility.ID, Title: "Day shift"}, date, 1)

	app, err := store.CreateApplication(ctx, CreateApplicationParams{
		WorkerID:   worker.ID,
		WorkDateID: wdID,
		Immediate:  true,
		Capped:     true,
		MatchedAt:  time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("CreateApplication error: %v", err)
	}

	n, err := store.AdvanceStatuses(ctx, []uint{app.ID}, model.StatusScheduled, model.StatusWorking, false)
	if err != nil {
		t.Fatalf("AdvanceStatuses error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row advanced, got %d", n)
	}

	n, err = store.AdvanceStatuses(ctx, []uint{app.ID}, model.StatusScheduled, model.StatusWorking, false)
	if err != nil {
		t.Fatalf("AdvanceStatuses second run error: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 rows on second run, got %d", n)
	}
}

func TestListOpenJobsVisibility(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	facility := seedFacility(t, store, "Kaede Home")
	now := time.Date(2026, 9, 5, 12, 0, 0, 0, time.UTC)

	// 截止未过的求人可见。
	seedJob(t, store, model.Job{FacilityID: facility.ID, Title: "Open shift"},
		time.Date(2026, 9, 10, 0, 0, 0, 0, time.UTC), 1)
	// 截止已过的求人不可见。
	seedJob(t, store, model.Job{FacilityID: facility.ID, Title: "Expired shift"},
		time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC), 1)
	// OFFER 求人不公开展示。
	seedJob(t, store, model.Job{FacilityID: facility.ID, Title: "Private offer", JobType: model.JobTypeOffer},
		time.Date(2026, 9, 10, 0, 0, 0, 0, time.UTC), 1)

	jobs, err := store.ListOpenJobs(ctx, now, 10, 0)
	if err != nil {
		t.Fatalf("ListOpenJobs error: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Title != "Open shift" {
		t.Fatalf("expected only the open shift, got %d jobs", len(jobs))
	}

	total, err := store.CountOpenJobs(ctx, now)
	if err != nil {
		t.Fatalf("CountOpenJobs error: %v", err)
	}
	if total != 1 {
		t.Fatalf("expected total 1, got %d", total)
	}
}

func TestMarkApplicationsViewed(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	facility := seedFacility(t, store, "Tsubaki Care")
	worker := seedWorker(t, store, "Yui")
	date := time.Date(2026, 9, 18, 0, 0, 0, 0, time.UTC)
	_, wdID := seedJob(t, store, model.Job{FacilityID: facility.ID, Title: "Day shift"}, date, 1)

	app, err := store.CreateApplication(ctx, CreateApplicationParams{
		WorkerID:   worker.ID,
		WorkDateID: wdID,
		Immediate:  true,
		Capped:     true,
		MatchedAt:  time.Date(2026, 9, 10, 9, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("CreateApplication error: %v", err)
	}

	viewedAt := time.Date(2026, 9, 11, 8, 0, 0, 0, time.UTC)
	n, err := store.MarkApplicationsViewed(ctx, facility.ID, viewedAt)
	if err != nil {
		t.Fatalf("MarkApplicationsViewed error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row marked, got %d", n)
	}

	got, err := store.GetApplication(ctx, app.ID)
	if err != nil {
		t.Fatalf("GetApplication error: %v", err)
	}
	if got.FacilityViewedAt == nil {
		t.Fatal("expected facility_viewed_at set")
	}

	// 已读行不会被再次更新。
	n, err = store.MarkApplicationsViewed(ctx, facility.ID, viewedAt.Add(time.Hour))
	if err != nil {
		t.Fatalf("MarkApplicationsViewed second run error: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 rows on second run, got %d", n)
	}
}
