// Package refresher 承载时间驱动的状态转移：SCHEDULED → WORKING、
// WORKING → COMPLETED_RATED。转移在读取路径上惰性触发，没有读取时
// 行可以停留在旧状态，由后台扫描兜底。
package refresher

import (
	"context"
	"fmt"
	"log"
	"time"

	"shift-match/internal/model"
	"shift-match/internal/storage"
)

// Store 刷新所需的存储能力。
type Store interface {
	ListRefreshCandidates(ctx context.Context, scope storage.RefreshScope, status model.ApplicationStatus, requireReviews bool) ([]storage.RefreshCandidate, error)
	AdvanceStatuses(ctx context.Context, ids []uint, from, to model.ApplicationStatus, requireReviews bool) (int64, error)
}

// Result 一次刷新推进的行数。
type Result struct {
	ScheduledToWorking int64
	WorkingToCompleted int64
}

// Service 惰性状态刷新服务。
type Service struct {
	store  Store
	logger *log.Logger
	now    func() time.Time
}

// NewService 创建刷新服务。now 为空时使用系统时钟。
func NewService(store Store, logger *log.Logger, now func() time.Time) *Service {
	if logger == nil {
		logger = log.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Service{store: store, logger: logger, now: now}
}

// Refresh 对指定范围执行两段时间驱动转移，按声明顺序先推进
// SCHEDULED → WORKING，使刚开始的勤务也能在同一次刷新里继续
// 走向完结。批量更新的 WHERE 条件会重查状态，重复调用安全。
func (s *Service) Refresh(ctx context.Context, scope storage.RefreshScope) (Result, error) {
	var result Result
	now := s.now()

	ids, err := s.dueIDs(ctx, scope, model.StatusScheduled, false, now, startTime)
	if err != nil {
		return result, err
	}
	n, err := s.store.AdvanceStatuses(ctx, ids, model.StatusScheduled, model.StatusWorking, false)
	if err != nil {
		return result, err
	}
	result.ScheduledToWorking = n

	ids, err = s.dueIDs(ctx, scope, model.StatusWorking, true, now, endTime)
	if err != nil {
		return result, err
	}
	n, err = s.store.AdvanceStatuses(ctx, ids, model.StatusWorking, model.StatusCompletedRated, true)
	if err != nil {
		return result, err
	}
	result.WorkingToCompleted = n

	if result.ScheduledToWorking > 0 || result.WorkingToCompleted > 0 {
		s.logger.Printf("[refresher] advanced: scheduled→working=%d working→completed=%d",
			result.ScheduledToWorking, result.WorkingToCompleted)
	}
	return result, nil
}

// RefreshAll 全量刷新，后台扫描入口。
func (s *Service) RefreshAll(ctx context.Context) (Result, error) {
	return s.Refresh(ctx, storage.RefreshScope{})
}

// dueIDs 筛出勤务时刻已到的候选行。时刻无法解析的行跳过并记日志，
// 不让单条脏数据拖垮整批刷新。
func (s *Service) dueIDs(ctx context.Context, scope storage.RefreshScope, status model.ApplicationStatus, requireReviews bool, now time.Time, at func(storage.RefreshCandidate) (time.Time, error)) ([]uint, error) {
	candidates, err := s.store.ListRefreshCandidates(ctx, scope, status, requireReviews)
	if err != nil {
		return nil, fmt.Errorf("refresh %s: %w", status, err)
	}

	var ids []uint
	for _, c := range candidates {
		moment, err := at(c)
		if err != nil {
			s.logger.Printf("[refresher] skip application %d: %v", c.ID, err)
			continue
		}
		if !now.Before(moment) {
			ids = append(ids, c.ID)
		}
	}
	return ids, nil
}

func startTime(c storage.RefreshCandidate) (time.Time, error) {
	return model.ClockOn(c.WorkDate, c.StartTime)
}

func endTime(c storage.RefreshCandidate) (time.Time, error) {
	return model.ClockOn(c.WorkDate, c.EndTime)
}
