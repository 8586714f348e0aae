// Package matching 实现应募生命周期与名额匹配的业务规则。
// 状态与台账的原子性由 storage 层保证，本包负责前置校验、
// 转移许可表以及落库之后的出站事件。
package matching

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"shift-match/internal/model"
	"shift-match/internal/notifier"
	"shift-match/internal/refresher"
	"shift-match/internal/reliability"
	"shift-match/internal/storage"
)

// Store 业务操作所需的存储能力，由 storage.Store 提供。
type Store interface {
	GetWorker(ctx context.Context, id uint) (*model.Worker, error)
	GetWorkDate(ctx context.Context, id uint) (*model.WorkDate, error)
	GetApplication(ctx context.Context, id uint) (*model.Application, error)
	CreateApplication(ctx context.Context, p storage.CreateApplicationParams) (*model.Application, error)
	ApproveApplication(ctx context.Context, applicationID uint, capped bool, matchedAt time.Time) error
	DemoteApplication(ctx context.Context, applicationID uint) error
	CancelApplication(ctx context.Context, applicationID uint, from model.ApplicationStatus, by model.CancelActor, at time.Time) error
	MarkCompletedPending(ctx context.Context, applicationID uint) error
	CompleteReview(ctx context.Context, applicationID uint, side storage.ReviewSide) (*model.Application, error)
	CountActiveMatches(ctx context.Context, workerID, facilityID, excludeAppID uint) (int64, error)
	CountMatchedActive(ctx context.Context, workDateID uint) (int64, error)
	WorkerCancelStats(ctx context.Context, workerID uint) (cancelled, total int64, err error)
	FacilityCancelStats(ctx context.Context, facilityID uint) (cancelled, total int64, err error)
	WorkerHistory(ctx context.Context, workerID uint) ([]storage.WorkerHistoryRow, error)
	ListWorkerApplications(ctx context.Context, workerID uint, limit, offset int) ([]model.Application, error)
	ListFacilityApplications(ctx context.Context, facilityID uint) ([]model.Application, error)
	MarkApplicationsViewed(ctx context.Context, facilityID uint, viewedAt time.Time) (int64, error)
	CreateMessage(ctx context.Context, msg *model.Message) error
}

// Refresher 惰性状态刷新入口。
type Refresher interface {
	Refresh(ctx context.Context, scope storage.RefreshScope) (refresher.Result, error)
}

// Service 匹配与生命周期服务。
type Service struct {
	store     Store
	refresher Refresher
	notif     notifier.Notifier
	logger    *log.Logger
	now       func() time.Time
	alert     reliability.AlertPolicy
}

// NewService 创建服务。notif 为空时事件被丢弃，now 为空时使用系统时钟。
func NewService(store Store, ref Refresher, notif notifier.Notifier, logger *log.Logger, now func() time.Time) *Service {
	if logger == nil {
		logger = log.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:     store,
		refresher: ref,
		notif:     notif,
		logger:    logger,
		now:       now,
		alert:     reliability.DefaultAlertPolicy(),
	}
}

// SetAlertPolicy 覆盖取消率告警策略。
func (s *Service) SetAlertPolicy(p reliability.AlertPolicy) {
	s.alert = p
}

// Apply worker 对勤务日发起应募。非面试求人立即匹配并检查名额上限，
// 面试求人进入 APPLIED 等待设施批准。
func (s *Service) Apply(ctx context.Context, workerID, workDateID uint) (*model.Application, error) {
	worker, err := s.store.GetWorker(ctx, workerID)
	if err != nil {
		return nil, s.mapErr(err)
	}
	if worker.Suspended {
		return nil, fmt.Errorf("worker %d: %w", workerID, ErrWorkerSuspended)
	}
	if !worker.ProfileComplete {
		return nil, fmt.Errorf("worker %d: %w", workerID, ErrProfileIncomplete)
	}

	wd, err := s.store.GetWorkDate(ctx, workDateID)
	if err != nil {
		return nil, s.mapErr(err)
	}
	if wd.Job.JobType == model.JobTypeOffer {
		return nil, fmt.Errorf("offer job requires invitation: %w", ErrInvalidState)
	}

	immediate := !wd.Job.RequiresInterview
	app, err := s.store.CreateApplication(ctx, storage.CreateApplicationParams{
		WorkerID:   workerID,
		WorkDateID: workDateID,
		Immediate:  immediate,
		Capped:     immediate,
		MatchedAt:  s.now(),
	})
	if err != nil {
		return nil, s.mapErr(err)
	}

	s.dispatch(ctx, notifier.ApplicationReceivedEvent{
		ApplicationID: app.ID,
		WorkerID:      worker.ID,
		WorkerName:    worker.Name,
		FacilityID:    wd.Job.FacilityID,
		JobID:         wd.JobID,
		JobTitle:      wd.Job.Title,
		WorkDate:      wd.WorkDate,
	})
	if immediate {
		s.afterMatched(ctx, app.ID)
	}
	return app, nil
}

// AcceptOffer 被邀请的 worker 受诺 OFFER 求人，立即匹配。
func (s *Service) AcceptOffer(ctx context.Context, workerID, workDateID uint) (*model.Application, error) {
	worker, err := s.store.GetWorker(ctx, workerID)
	if err != nil {
		return nil, s.mapErr(err)
	}
	if worker.Suspended {
		return nil, fmt.Errorf("worker %d: %w", workerID, ErrWorkerSuspended)
	}
	if !worker.ProfileComplete {
		return nil, fmt.Errorf("worker %d: %w", workerID, ErrProfileIncomplete)
	}

	wd, err := s.store.GetWorkDate(ctx, workDateID)
	if err != nil {
		return nil, s.mapErr(err)
	}
	if wd.Job.JobType != model.JobTypeOffer {
		return nil, fmt.Errorf("job %d is not an offer: %w", wd.JobID, ErrInvalidState)
	}
	if wd.Job.TargetWorkerID == nil || *wd.Job.TargetWorkerID != workerID {
		return nil, fmt.Errorf("offer not addressed to worker %d: %w", workerID, ErrForbidden)
	}

	app, err := s.store.CreateApplication(ctx, storage.CreateApplicationParams{
		WorkerID:   workerID,
		WorkDateID: workDateID,
		Immediate:  true,
		Capped:     !wd.Job.RequiresInterview,
		MatchedAt:  s.now(),
	})
	if err != nil {
		return nil, s.mapErr(err)
	}

	s.afterMatched(ctx, app.ID)
	return app, nil
}

// SetStatus 设施侧状态变更。只允许许可表内的转移：
//
//	APPLIED   → SCHEDULED | CANCELLED
//	SCHEDULED → APPLIED   | CANCELLED
//	WORKING   → COMPLETED_PENDING
//
// 变更前先对该设施范围做一次惰性刷新，避免在早已开始的勤务上操作。
func (s *Service) SetStatus(ctx context.Context, facilityID, applicationID uint, to model.ApplicationStatus) (*model.Application, error) {
	s.refresh(ctx, storage.RefreshScope{FacilityID: facilityID})

	app, err := s.store.GetApplication(ctx, applicationID)
	if err != nil {
		return nil, s.mapErr(err)
	}
	if app.WorkDate.Job.FacilityID != facilityID {
		return nil, fmt.Errorf("application %d: %w", applicationID, ErrForbidden)
	}

	from := app.Status
	capped := !app.WorkDate.Job.RequiresInterview
	switch {
	case from == model.StatusApplied && to == model.StatusScheduled:
		if err := s.store.ApproveApplication(ctx, applicationID, capped, s.now()); err != nil {
			return nil, s.mapErr(err)
		}
		s.afterMatched(ctx, applicationID)

	case from == model.StatusApplied && to == model.StatusCancelled:
		if err := s.store.CancelApplication(ctx, applicationID, from, model.CancelActorFacility, s.now()); err != nil {
			return nil, s.mapErr(err)
		}
		s.afterCancelled(ctx, app, model.CancelActorFacility)

	case from == model.StatusScheduled && to == model.StatusApplied:
		if err := s.store.DemoteApplication(ctx, applicationID); err != nil {
			return nil, s.mapErr(err)
		}

	case from == model.StatusScheduled && to == model.StatusCancelled:
		if err := s.guardBeforeStart(app); err != nil {
			return nil, err
		}
		if err := s.store.CancelApplication(ctx, applicationID, from, model.CancelActorFacility, s.now()); err != nil {
			return nil, s.mapErr(err)
		}
		s.afterCancelled(ctx, app, model.CancelActorFacility)

	case from == model.StatusWorking && to == model.StatusCompletedPending:
		if err := s.store.MarkCompletedPending(ctx, applicationID); err != nil {
			return nil, s.mapErr(err)
		}

	default:
		return nil, fmt.Errorf("%s → %s: %w", from, to, ErrInvalidTransition)
	}

	updated, err := s.store.GetApplication(ctx, applicationID)
	if err != nil {
		return nil, s.mapErr(err)
	}
	return updated, nil
}

// CancelByWorker worker 取消已成立的匹配。勤务开始后禁止取消，
// 直前取消的判定由 reliability 包在读取侧完成。
func (s *Service) CancelByWorker(ctx context.Context, workerID, applicationID uint) error {
	s.refresh(ctx, storage.RefreshScope{WorkerID: workerID})

	app, err := s.store.GetApplication(ctx, applicationID)
	if err != nil {
		return s.mapErr(err)
	}
	if app.WorkerID != workerID {
		return fmt.Errorf("application %d: %w", applicationID, ErrForbidden)
	}
	if app.Status != model.StatusScheduled {
		return fmt.Errorf("application %d in %s: %w", applicationID, app.Status, ErrInvalidState)
	}
	if err := s.guardBeforeStart(app); err != nil {
		return err
	}

	if err := s.store.CancelApplication(ctx, applicationID, model.StatusScheduled, model.CancelActorWorker, s.now()); err != nil {
		return s.mapErr(err)
	}
	s.afterCancelled(ctx, app, model.CancelActorWorker)
	return nil
}

// WithdrawByWorker worker 撤回尚未匹配的应募。撤回不计入可靠度统计，
// 行上的 cancelled_by 保持为空。
func (s *Service) WithdrawByWorker(ctx context.Context, workerID, applicationID uint) error {
	app, err := s.store.GetApplication(ctx, applicationID)
	if err != nil {
		return s.mapErr(err)
	}
	if app.WorkerID != workerID {
		return fmt.Errorf("application %d: %w", applicationID, ErrForbidden)
	}
	if app.Status != model.StatusApplied {
		return fmt.Errorf("application %d in %s: %w", applicationID, app.Status, ErrInvalidState)
	}

	if err := s.store.CancelApplication(ctx, applicationID, model.StatusApplied, model.CancelActorNone, s.now()); err != nil {
		return s.mapErr(err)
	}
	s.dispatch(ctx, notifier.CancelledEvent{
		ApplicationID: app.ID,
		WorkerID:      app.WorkerID,
		FacilityID:    app.WorkDate.Job.FacilityID,
		JobID:         app.WorkDate.JobID,
		JobTitle:      app.WorkDate.Job.Title,
		WorkDate:      app.WorkDate.WorkDate,
		By:            model.CancelActorWorker,
	})
	return nil
}

// CompleteWorkerReview worker 提交评价。评价齐备且勤务已结束时，
// 应募被提升为 COMPLETED_RATED（直接提升或经由刷新）。
func (s *Service) CompleteWorkerReview(ctx context.Context, workerID, applicationID uint) (*model.Application, error) {
	app, err := s.store.GetApplication(ctx, applicationID)
	if err != nil {
		return nil, s.mapErr(err)
	}
	if app.WorkerID != workerID {
		return nil, fmt.Errorf("application %d: %w", applicationID, ErrForbidden)
	}
	return s.completeReview(ctx, applicationID, storage.ReviewSideWorker, storage.RefreshScope{WorkerID: workerID})
}

// CompleteFacilityReview 设施提交评价。
func (s *Service) CompleteFacilityReview(ctx context.Context, facilityID, applicationID uint) (*model.Application, error) {
	app, err := s.store.GetApplication(ctx, applicationID)
	if err != nil {
		return nil, s.mapErr(err)
	}
	if app.WorkDate.Job.FacilityID != facilityID {
		return nil, fmt.Errorf("application %d: %w", applicationID, ErrForbidden)
	}
	return s.completeReview(ctx, applicationID, storage.ReviewSideFacility, storage.RefreshScope{FacilityID: facilityID})
}

func (s *Service) completeReview(ctx context.Context, applicationID uint, side storage.ReviewSide, scope storage.RefreshScope) (*model.Application, error) {
	app, err := s.store.CompleteReview(ctx, applicationID, side)
	if err != nil {
		return nil, s.mapErr(err)
	}
	// 评价齐备后刷新一次：勤务已结束的 WORKING 行在此处走向 COMPLETED_RATED。
	s.refresh(ctx, scope)
	updated, err := s.store.GetApplication(ctx, applicationID)
	if err != nil {
		return app, nil
	}
	return updated, nil
}

// ListWorkerApplications 返回 worker 的应募列表，读取前先做范围内刷新。
func (s *Service) ListWorkerApplications(ctx context.Context, workerID uint, limit, offset int) ([]model.Application, error) {
	s.refresh(ctx, storage.RefreshScope{WorkerID: workerID})
	apps, err := s.store.ListWorkerApplications(ctx, workerID, limit, offset)
	if err != nil {
		return nil, s.mapErr(err)
	}
	return apps, nil
}

// ListFacilityApplications 返回设施名下的应募列表，读取前先做范围内刷新。
func (s *Service) ListFacilityApplications(ctx context.Context, facilityID uint) ([]model.Application, error) {
	s.refresh(ctx, storage.RefreshScope{FacilityID: facilityID})
	apps, err := s.store.ListFacilityApplications(ctx, facilityID)
	if err != nil {
		return nil, s.mapErr(err)
	}
	return apps, nil
}

// MarkFacilityViewed 把设施未读的活跃应募标记为已读。
func (s *Service) MarkFacilityViewed(ctx context.Context, facilityID uint) (int64, error) {
	n, err := s.store.MarkApplicationsViewed(ctx, facilityID, s.now())
	if err != nil {
		return 0, s.mapErr(err)
	}
	return n, nil
}

// ReliabilityRate 按需汇总 worker 的可靠度快照。仅供展示参考，
// 不参与任何应募拦截。
func (s *Service) ReliabilityRate(ctx context.Context, workerID uint) (reliability.Snapshot, error) {
	s.refresh(ctx, storage.RefreshScope{WorkerID: workerID})
	rows, err := s.store.WorkerHistory(ctx, workerID)
	if err != nil {
		return reliability.Snapshot{}, s.mapErr(err)
	}
	records := make([]reliability.Record, len(rows))
	for i, r := range rows {
		records[i] = reliability.Record{
			Status:      r.Status,
			CancelledBy: r.CancelledBy,
			WorkDate:    r.WorkDate,
		}
		if r.CancelledAt != nil {
			records[i].CancelledAt = *r.CancelledAt
		}
	}
	return reliability.Summarize(records), nil
}

// RefreshStatuses 手动触发一次范围内刷新。
func (s *Service) RefreshStatuses(ctx context.Context, scope storage.RefreshScope) (refresher.Result, error) {
	if s.refresher == nil {
		return refresher.Result{}, nil
	}
	return s.refresher.Refresh(ctx, scope)
}

// guardBeforeStart 勤务开始时刻一到即禁止取消。
func (s *Service) guardBeforeStart(app *model.Application) error {
	start, err := app.WorkDate.Job.StartOn(app.WorkDate.WorkDate)
	if err != nil {
		return fmt.Errorf("resolve start time: %w", err)
	}
	if !s.now().Before(start) {
		return fmt.Errorf("application %d: %w", app.ID, ErrPastStartTime)
	}
	return nil
}

// afterMatched 匹配成立后的出站动作：通知 worker、首次匹配时发送
// 欢迎消息、名额满员时通知设施。任何失败只记日志。
func (s *Service) afterMatched(ctx context.Context, applicationID uint) {
	app, err := s.store.GetApplication(ctx, applicationID)
	if err != nil {
		s.logger.Printf("[matching] load matched application %d: %v", applicationID, err)
		return
	}
	job := app.WorkDate.Job

	s.dispatch(ctx, notifier.MatchedEvent{
		ApplicationID: app.ID,
		WorkerID:      app.WorkerID,
		FacilityID:    job.FacilityID,
		JobID:         job.ID,
		JobTitle:      job.Title,
		FacilityName:  job.Facility.Name,
		WorkDate:      app.WorkDate.WorkDate,
		StartTime:     job.StartTime,
		EndTime:       job.EndTime,
	})

	s.sendWelcomeMessage(ctx, app)

	matched, err := s.store.CountMatchedActive(ctx, app.WorkDateID)
	if err != nil {
		s.logger.Printf("[matching] count matched for work date %d: %v", app.WorkDateID, err)
		return
	}
	if matched >= int64(app.WorkDate.RecruitmentCount) {
		s.dispatch(ctx, notifier.SlotsFilledEvent{
			FacilityID: job.FacilityID,
			JobID:      job.ID,
			WorkDateID: app.WorkDateID,
			JobTitle:   job.Title,
			WorkDate:   app.WorkDate.WorkDate,
		})
	}
}

// sendWelcomeMessage 首次在该设施匹配成立时发送欢迎消息。
func (s *Service) sendWelcomeMessage(ctx context.Context, app *model.Application) {
	job := app.WorkDate.Job
	if job.Facility.InitialMessage == "" {
		return
	}
	prior, err := s.store.CountActiveMatches(ctx, app.WorkerID, job.FacilityID, app.ID)
	if err != nil {
		s.logger.Printf("[matching] count prior matches: %v", err)
		return
	}
	if prior > 0 {
		return
	}

	content := strings.NewReplacer(
		"{{worker_name}}", app.Worker.Name,
		"{{facility_name}}", job.Facility.Name,
	).Replace(job.Facility.InitialMessage)
	msg := model.Message{
		ApplicationID: app.ID,
		JobID:         job.ID,
		FacilityID:    job.FacilityID,
		WorkerID:      app.WorkerID,
		Content:       content,
	}
	if err := s.store.CreateMessage(ctx, &msg); err != nil {
		s.logger.Printf("[matching] create welcome message: %v", err)
	}
}

// afterCancelled 取消后的出站动作：通知对手方，并检查取消方的
// 滚动取消率是否触发运营告警。
func (s *Service) afterCancelled(ctx context.Context, app *model.Application, by model.CancelActor) {
	job := app.WorkDate.Job
	s.dispatch(ctx, notifier.CancelledEvent{
		ApplicationID: app.ID,
		WorkerID:      app.WorkerID,
		FacilityID:    job.FacilityID,
		JobID:         job.ID,
		JobTitle:      job.Title,
		WorkDate:      app.WorkDate.WorkDate,
		By:            by,
	})

	switch by {
	case model.CancelActorWorker:
		cancelled, total, err := s.store.WorkerCancelStats(ctx, app.WorkerID)
		if err != nil {
			s.logger.Printf("[matching] worker cancel stats: %v", err)
			return
		}
		if s.alert.Exceeded(cancelled, total) {
			s.dispatch(ctx, notifier.HighCancelRateEvent{
				SubjectType: notifier.RecipientWorker,
				SubjectID:   app.WorkerID,
				SubjectName: app.Worker.Name,
				RatePercent: reliability.Percent(cancelled, total),
			})
		}
	case model.CancelActorFacility:
		cancelled, total, err := s.store.FacilityCancelStats(ctx, job.FacilityID)
		if err != nil {
			s.logger.Printf("[matching] facility cancel stats: %v", err)
			return
		}
		if s.alert.Exceeded(cancelled, total) {
			s.dispatch(ctx, notifier.HighCancelRateEvent{
				SubjectType: notifier.RecipientFacility,
				SubjectID:   job.FacilityID,
				SubjectName: job.Facility.Name,
				RatePercent: reliability.Percent(cancelled, total),
			})
		}
	}
}

// refresh 尽力而为的惰性刷新，失败只记日志。
func (s *Service) refresh(ctx context.Context, scope storage.RefreshScope) {
	if s.refresher == nil {
		return
	}
	if _, err := s.refresher.Refresh(ctx, scope); err != nil {
		s.logger.Printf("[matching] refresh statuses: %v", err)
	}
}

// dispatch 分发出站事件，失败只记日志，绝不影响已提交的状态转移。
func (s *Service) dispatch(ctx context.Context, ev notifier.Event) {
	if s.notif == nil {
		return
	}
	if err := s.notif.Notify(ctx, ev); err != nil {
		s.logger.Printf("[matching] notify %s: %v", ev.Kind(), err)
	}
}

// mapErr 把存储层哨兵翻译为业务层哨兵。
func (s *Service) mapErr(err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return errors.Join(ErrNotFound, err)
	case errors.Is(err, storage.ErrDuplicateApplication):
		return errors.Join(ErrDuplicateApplication, err)
	case errors.Is(err, storage.ErrCapacityExceeded):
		return errors.Join(ErrCapacityFull, err)
	case errors.Is(err, storage.ErrStaleStatus):
		return errors.Join(ErrInvalidTransition, err)
	default:
		return err
	}
}
