package storage

import (
	"context"
	"fmt"

	"shift-match/internal/model"

	"gorm.io/gorm"
)

// 名额台账：对 WorkDate 三计数器的有界原子增减。
// 每个操作都是一条带前置条件的 UPDATE，行级语义即并发控制；
// 调用方必须保证与对应的 Application 状态写入处于同一事务。

// ReserveApplied 应募计数 +1。
func (s *Store) ReserveApplied(ctx context.Context, workDateID uint) error {
	return reserveApplied(s.db.WithContext(ctx), workDateID)
}

// ReleaseApplied 应募计数 -1，减到负数视为台账不变量被破坏。
func (s *Store) ReleaseApplied(ctx context.Context, workDateID uint) error {
	return releaseApplied(s.db.WithContext(ctx), workDateID)
}

// ReserveMatched 匹配计数 +1。capped 为真（非面试求人）时带
// matched_count < recruitment_count 前置条件，超额返回 ErrCapacityExceeded；
// 面试求人不检查名额，设施可以有意超配。
func (s *Store) ReserveMatched(ctx context.Context, workDateID uint, capped bool) error {
	return reserveMatched(s.db.WithContext(ctx), workDateID, capped)
}

// ReleaseMatched 匹配计数 -1。
func (s *Store) ReleaseMatched(ctx context.Context, workDateID uint) error {
	return releaseMatched(s.db.WithContext(ctx), workDateID)
}

func reserveApplied(tx *gorm.DB, workDateID uint) error {
	res := tx.Model(&model.WorkDate{}).
		Where("id = ?", workDateID).
		UpdateColumn("applied_count", gorm.Expr("applied_count + 1"))
	if res.Error != nil {
		return fmt.Errorf("reserve applied: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("reserve applied: %w", ErrNotFound)
	}
	return nil
}

func releaseApplied(tx *gorm.DB, workDateID uint) error {
	res := tx.Model(&model.WorkDate{}).
		Where("id = ? AND applied_count > 0", workDateID).
		UpdateColumn("applied_count", gorm.Expr("applied_count - 1"))
	if res.Error != nil {
		return fmt.Errorf("release applied: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("release applied on work date %d: %w", workDateID, ErrLedgerInvariant)
	}
	return nil
}

func reserveMatched(tx *gorm.DB, workDateID uint, capped bool) error {
	query := tx.Model(&model.WorkDate{}).Where("id = ?", workDateID)
	if capped {
		query = query.Where("matched_count < recruitment_count")
	}
	res := query.UpdateColumn("matched_count", gorm.Expr("matched_count + 1"))
	if res.Error != nil {
		return fmt.Errorf("reserve matched: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		var exists int64
		if err := tx.Model(&model.WorkDate{}).Where("id = ?", workDateID).Count(&exists).Error; err != nil {
			return fmt.Errorf("reserve matched: %w", err)
		}
		if exists == 0 {
			return fmt.Errorf("reserve matched: %w", ErrNotFound)
		}
		return fmt.Errorf("reserve matched on work date %d: %w", workDateID, ErrCapacityExceeded)
	}
	return nil
}

func releaseMatched(tx *gorm.DB, workDateID uint) error {
	res := tx.Model(&model.WorkDate{}).
		Where("id = ? AND matched_count > 0", workDateID).
		UpdateColumn("matched_count", gorm.Expr("matched_count - 1"))
	if res.Error != nil {
		return fmt.Errorf("release matched: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("release matched on work date %d: %w", workDateID, ErrLedgerInvariant)
	}
	return nil
}
