package storage

import (
	"context"
	"fmt"
	"time"

	"shift-match/internal/model"
)

// RefreshScope 限定惰性刷新的作用范围：worker 侧或设施侧，
// 两者都为零时作用于全量（仅供后台扫描使用）。
type RefreshScope struct {
	WorkerID   uint
	FacilityID uint
}

// RefreshCandidate 时间驱动转移的候选行。
type RefreshCandidate struct {
	ID        uint
	WorkDate  time.Time
	StartTime string
	EndTime   string
}

// ListRefreshCandidates 返回范围内处于指定状态的应募及其勤务时刻。
// requireReviews 为真时仅返回双方评价均已完成的行（WORKING → COMPLETED_RATED 用）。
func (s *Store) ListRefreshCandidates(ctx context.Context, scope RefreshScope, status model.ApplicationStatus, requireReviews bool) ([]RefreshCandidate, error) {
	query := s.db.WithContext(ctx).Model(&model.Application{}).
		Select("applications.id, work_dates.work_date, jobs.start_time, jobs.end_time").
		Joins("JOIN work_dates ON work_dates.id = applications.work_date_id").
		Joins("JOIN jobs ON jobs.id = work_dates.job_id").
		Where("applications.status = ?", status)
	if requireReviews {
		query = query.Where("applications.worker_review_status = ? AND applications.facility_review_status = ?",
			model.ReviewCompleted, model.ReviewCompleted)
	}
	if scope.WorkerID != 0 {
		query = query.Where("applications.worker_id = ?", scope.WorkerID)
	}
	if scope.FacilityID != 0 {
		query = query.Where("jobs.facility_id = ?", scope.FacilityID)
	}

	var rows []RefreshCandidate
	if err := query.Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("list refresh candidates: %w", err)
	}
	return rows, nil
}

// AdvanceStatuses 对候选行执行单条条件批量更新。WHERE 中再次校验
// 当前状态（与评价条件），已被其他路径转移的行自然落空，因此可重入。
func (s *Store) AdvanceStatuses(ctx context.Context, ids []uint, from, to model.ApplicationStatus, requireReviews bool) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query := s.db.WithContext(ctx).Model(&model.Application{}).
		Where("id IN ? AND status = ?", ids, from)
	if requireReviews {
		query = query.Where("worker_review_status = ? AND facility_review_status = ?",
			model.ReviewCompleted, model.ReviewCompleted)
	}
	res := query.Update("status", to)
	if res.Error != nil {
		return 0, fmt.Errorf("advance statuses: %w", res.Error)
	}
	return res.RowsAffected, nil
}
