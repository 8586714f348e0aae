package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"shift-match/internal/model"

	"gorm.io/gorm"
)

// 应募状态的事务性变更。状态行更新一律带上期望的当前状态作为
// WHERE 条件，并发竞争下落空的一方得到 ErrStaleStatus，
// 台账因此不会被重复增减。

// CreateApplicationParams 应募创建参数。
type CreateApplicationParams struct {
	WorkerID   uint
	WorkDateID uint
	// Immediate 为真时直接进入 SCHEDULED 并占用名额（非面试求人、OFFER 受诺）。
	Immediate bool
	// Capped 为真时匹配计数检查募集上限。
	Capped bool
	// MatchedAt 进入 SCHEDULED 的时刻，由调用方时钟提供。
	MatchedAt time.Time
}

// CreateApplication 创建应募，或将同一 (worker, 勤务日) 的已取消记录
// 再激活为活跃状态（复用同一行，不产生重复记录）。
func (s *Store) CreateApplication(ctx context.Context, p CreateApplicationParams) (*model.Application, error) {
	status := model.StatusApplied
	if p.Immediate {
		status = model.StatusScheduled
	}

	var app model.Application
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing model.Application
		err := tx.Where("work_date_id = ? AND worker_id = ?", p.WorkDateID, p.WorkerID).
			First(&existing).Error
		switch {
		case err == nil:
			if existing.Status != model.StatusCancelled {
				return fmt.Errorf("create application: %w", ErrDuplicateApplication)
			}
			updates := map[string]any{
				"status":       status,
				"cancelled_by": model.CancelActorNone,
				"cancelled_at": nil,
			}
			if p.Immediate {
				updates["matched_at"] = p.MatchedAt
			}
			res := tx.Model(&model.Application{}).
				Where("id = ? AND status = ?", existing.ID, model.StatusCancelled).
				Updates(updates)
			if res.Error != nil {
				return fmt.Errorf("reactivate application: %w", res.Error)
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("reactivate application: %w", ErrDuplicateApplication)
			}
			if err := tx.First(&app, "id = ?", existing.ID).Error; err != nil {
				return fmt.Errorf("reload application: %w", err)
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
			app = model.Application{
				WorkDateID: p.WorkDateID,
				WorkerID:   p.WorkerID,
				Status:     status,
			}
			if p.Immediate {
				matchedAt := p.MatchedAt
				app.MatchedAt = &matchedAt
			}
			if err := tx.Create(&app).Error; err != nil {
				if errors.Is(err, gorm.ErrDuplicatedKey) {
					return fmt.Errorf("create application: %w", ErrDuplicateApplication)
				}
				return fmt.Errorf("create application: %w", err)
			}
		default:
			return fmt.Errorf("find existing application: %w", err)
		}

		if err := reserveApplied(tx, p.WorkDateID); err != nil {
			return err
		}
		if p.Immediate {
			if err := reserveMatched(tx, p.WorkDateID, p.Capped); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &app, nil
}

// ApproveApplication 设施批准：APPLIED → SCHEDULED，占用名额并记录 matched_at。
func (s *Store) ApproveApplication(ctx context.Context, applicationID uint, capped bool, matchedAt time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		workDateID, err := lockStatus(tx, applicationID, model.StatusApplied, map[string]any{
			"status":     model.StatusScheduled,
			"matched_at": matchedAt,
		})
		if err != nil {
			return err
		}
		return reserveMatched(tx, workDateID, capped)
	})
}

// DemoteApplication 设施撤销匹配：SCHEDULED → APPLIED，释放匹配名额。
// matched_at 保留，历史上确实进入过 SCHEDULED。
func (s *Store) DemoteApplication(ctx context.Context, applicationID uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		workDateID, err := lockStatus(tx, applicationID, model.StatusScheduled, map[string]any{
			"status": model.StatusApplied,
		})
		if err != nil {
			return err
		}
		return releaseMatched(tx, workDateID)
	})
}

// CancelApplication 取消应募。from 为 SCHEDULED 时同时释放匹配名额，
// 应募计数在任何取消上都回收。取消时刻由调用方时钟提供。
func (s *Store) CancelApplication(ctx context.Context, applicationID uint, from model.ApplicationStatus, by model.CancelActor, at time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		workDateID, err := lockStatus(tx, applicationID, from, map[string]any{
			"status":       model.StatusCancelled,
			"cancelled_by": by,
			"cancelled_at": at,
		})
		if err != nil {
			return err
		}
		if from == model.StatusScheduled {
			if err := releaseMatched(tx, workDateID); err != nil {
				return err
			}
		}
		return releaseApplied(tx, workDateID)
	})
}

// MarkCompletedPending 设施确认勤务结束：WORKING → COMPLETED_PENDING，无台账变化。
func (s *Store) MarkCompletedPending(ctx context.Context, applicationID uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		_, err := lockStatus(tx, applicationID, model.StatusWorking, map[string]any{
			"status": model.StatusCompletedPending,
		})
		return err
	})
}

// ReviewSide 评价方。
type ReviewSide string

const (
	ReviewSideWorker   ReviewSide = "WORKER"
	ReviewSideFacility ReviewSide = "FACILITY"
)

// CompleteReview 将一侧评价标记为完成；当双方评价齐备且状态为
// COMPLETED_PENDING 时，提升为 COMPLETED_RATED。WORKING 状态下的
// 提升由惰性刷新在勤务结束后完成。
func (s *Store) CompleteReview(ctx context.Context, applicationID uint, side ReviewSide) (*model.Application, error) {
	var app model.Application
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&app, "id = ?", applicationID).Error; err != nil {
			return mapNotFound(err, "get application")
		}

		column := "worker_review_status"
		if side == ReviewSideFacility {
			column = "facility_review_status"
		}
		if err := tx.Model(&model.Application{}).
			Where("id = ?", applicationID).
			Update(column, model.ReviewCompleted).Error; err != nil {
			return fmt.Errorf("complete review: %w", err)
		}
		if err := tx.First(&app, "id = ?", applicationID).Error; err != nil {
			return fmt.Errorf("reload application: %w", err)
		}

		bothDone := app.WorkerReviewStatus == model.ReviewCompleted &&
			app.FacilityReviewStatus == model.ReviewCompleted
		if bothDone && app.Status == model.StatusCompletedPending {
			res := tx.Model(&model.Application{}).
				Where("id = ? AND status = ?", applicationID, model.StatusCompletedPending).
				Update("status", model.StatusCompletedRated)
			if res.Error != nil {
				return fmt.Errorf("rate application: %w", res.Error)
			}
			if res.RowsAffected > 0 {
				app.Status = model.StatusCompletedRated
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &app, nil
}

// lockStatus 带期望状态条件更新应募行，返回其 work_date_id。
// 期望状态不匹配（含记录不存在）返回 ErrStaleStatus / ErrNotFound。
func lockStatus(tx *gorm.DB, applicationID uint, from model.ApplicationStatus, updates map[string]any) (uint, error) {
	var app model.Application
	if err := tx.Select("id", "work_date_id", "status").First(&app, "id = ?", applicationID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, fmt.Errorf("application %d: %w", applicationID, ErrNotFound)
		}
		return 0, fmt.Errorf("get application: %w", err)
	}

	res := tx.Model(&model.Application{}).
		Where("id = ? AND status = ?", applicationID, from).
		Updates(updates)
	if res.Error != nil {
		return 0, fmt.Errorf("update application status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return 0, fmt.Errorf("application %d not in %s: %w", applicationID, from, ErrStaleStatus)
	}
	return app.WorkDateID, nil
}
