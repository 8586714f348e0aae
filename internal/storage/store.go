package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"shift-match/internal/model"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// 存储层哨兵错误。ErrLedgerInvariant 表示台账计数器将被破坏，
// 属于逻辑缺陷而非用户错误，事务必须整体回滚。
var (
	ErrNotFound             = errors.New("record not found")
	ErrCapacityExceeded     = errors.New("capacity exceeded")
	ErrDuplicateApplication = errors.New("duplicate application")
	ErrStaleStatus          = errors.New("stale application status")
	ErrLedgerInvariant      = errors.New("ledger invariant violated")
)

// Store 封装 SQLite 数据库访问，持有名额台账与应募状态的全部持久化操作。
type Store struct {
	db *gorm.DB
}

// NewStore 创建 Store 并自动迁移数据表。
func NewStore(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.AutoMigrate(
		&model.Facility{},
		&model.Worker{},
		&model.Job{},
		&model.WorkDate{},
		&model.Application{},
		&model.Message{},
		&model.Notification{},
	); err != nil {
		return nil, fmt.Errorf("auto migrate models: %w", err)
	}

	return &Store{db: db}, nil
}

// Close 关闭底层数据库连接。
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql DB: %w", err)
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("close db: %w", err)
	}
	return nil
}

// GetWorker 根据 ID 获取 worker。
func (s *Store) GetWorker(ctx context.Context, id uint) (*model.Worker, error) {
	var worker model.Worker
	if err := s.db.WithContext(ctx).First(&worker, "id = ?", id).Error; err != nil {
		return nil, mapNotFound(err, "get worker")
	}
	return &worker, nil
}

// GetFacility 根据 ID 获取设施。
func (s *Store) GetFacility(ctx context.Context, id uint) (*model.Facility, error) {
	var facility model.Facility
	if err := s.db.WithContext(ctx).First(&facility, "id = ?", id).Error; err != nil {
		return nil, mapNotFound(err, "get facility")
	}
	return &facility, nil
}

// GetWorkDate 获取勤务日及其所属求人与设施。
func (s *Store) GetWorkDate(ctx context.Context, id uint) (*model.WorkDate, error) {
	var wd model.WorkDate
	if err := s.db.WithContext(ctx).Preload("Job.Facility").First(&wd, "id = ?", id).Error; err != nil {
		return nil, mapNotFound(err, "get work date")
	}
	return &wd, nil
}

// GetApplication 获取应募及其勤务日、求人、设施与 worker。
func (s *Store) GetApplication(ctx context.Context, id uint) (*model.Application, error) {
	var app model.Application
	if err := s.db.WithContext(ctx).
		Preload("WorkDate.Job.Facility").
		Preload("Worker").
		First(&app, "id = ?", id).Error; err != nil {
		return nil, mapNotFound(err, "get application")
	}
	return &app, nil
}

// FindApplication 查找某 worker 在某勤务日上的应募记录（含已取消）。
func (s *Store) FindApplication(ctx context.Context, workerID, workDateID uint) (*model.Application, error) {
	var app model.Application
	err := s.db.WithContext(ctx).
		Where("work_date_id = ? AND worker_id = ?", workDateID, workerID).
		First(&app).Error
	if err != nil {
		return nil, mapNotFound(err, "find application")
	}
	return &app, nil
}

// CountActiveMatches 统计 worker 在某设施下处于 SCHEDULED 及之后状态的应募数，
// 用于判断是否首次匹配（排除当前应募自身）。
func (s *Store) CountActiveMatches(ctx context.Context, workerID, facilityID, excludeAppID uint) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).Model(&model.Application{}).
		Joins("JOIN work_dates ON work_dates.id = applications.work_date_id").
		Joins("JOIN jobs ON jobs.id = work_dates.job_id").
		Where("applications.worker_id = ? AND jobs.facility_id = ?", workerID, facilityID).
		Where("applications.id <> ?", excludeAppID).
		Where("applications.status IN ?", activeStatuses()).
		Count(&total).Error
	if err != nil {
		return 0, fmt.Errorf("count active matches: %w", err)
	}
	return total, nil
}

// CountMatchedActive 统计勤务日上仍占用名额的应募数，用于判断名额是否刚刚满员。
func (s *Store) CountMatchedActive(ctx context.Context, workDateID uint) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).Model(&model.Application{}).
		Where("work_date_id = ? AND status IN ?", workDateID, activeStatuses()).
		Count(&total).Error
	if err != nil {
		return 0, fmt.Errorf("count matched active: %w", err)
	}
	return total, nil
}

// WorkerCancelStats 返回 worker 主动取消数与已结束应募总数，供取消率告警使用。
func (s *Store) WorkerCancelStats(ctx context.Context, workerID uint) (cancelled, total int64, err error) {
	if err = s.db.WithContext(ctx).Model(&model.Application{}).
		Where("worker_id = ? AND status = ? AND cancelled_by = ?",
			workerID, model.StatusCancelled, model.CancelActorWorker).
		Count(&cancelled).Error; err != nil {
		return 0, 0, fmt.Errorf("count worker cancels: %w", err)
	}
	if err = s.db.WithContext(ctx).Model(&model.Application{}).
		Where("worker_id = ? AND status IN ?", workerID, settledStatuses()).
		Count(&total).Error; err != nil {
		return 0, 0, fmt.Errorf("count worker settled: %w", err)
	}
	return cancelled, total, nil
}

// FacilityCancelStats 返回设施主动取消数与已结束应募总数。
func (s *Store) FacilityCancelStats(ctx context.Context, facilityID uint) (cancelled, total int64, err error) {
	base := func() *gorm.DB {
		return s.db.WithContext(ctx).Model(&model.Application{}).
			Joins("JOIN work_dates ON work_dates.id = applications.work_date_id").
			Joins("JOIN jobs ON jobs.id = work_dates.job_id").
			Where("jobs.facility_id = ?", facilityID)
	}
	if err = base().
		Where("applications.status = ? AND applications.cancelled_by = ?",
			model.StatusCancelled, model.CancelActorFacility).
		Count(&cancelled).Error; err != nil {
		return 0, 0, fmt.Errorf("count facility cancels: %w", err)
	}
	if err = base().
		Where("applications.status IN ?", settledStatuses()).
		Count(&total).Error; err != nil {
		return 0, 0, fmt.Errorf("count facility settled: %w", err)
	}
	return cancelled, total, nil
}

// WorkerHistoryRow 可靠度统计所需的最小字段集。
type WorkerHistoryRow struct {
	Status      model.ApplicationStatus
	CancelledBy model.CancelActor
	WorkDate    time.Time
	CancelledAt *time.Time
}

// WorkerHistory 返回 worker 所有曾经进入 SCHEDULED 的应募
// （matched_at 非空即分母），按创建顺序排列。
func (s *Store) WorkerHistory(ctx context.Context, workerID uint) ([]WorkerHistoryRow, error) {
	var rows []WorkerHistoryRow
	err := s.db.WithContext(ctx).Model(&model.Application{}).
		Select("applications.status, applications.cancelled_by, work_dates.work_date, applications.cancelled_at").
		Joins("JOIN work_dates ON work_dates.id = applications.work_date_id").
		Where("applications.worker_id = ? AND applications.matched_at IS NOT NULL", workerID).
		Order("applications.created_at ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("worker history: %w", err)
	}
	return rows, nil
}

// ListWorkerApplications 返回 worker 的应募列表，按创建时间倒序。
func (s *Store) ListWorkerApplications(ctx context.Context, workerID uint, limit, offset int) ([]model.Application, error) {
	var apps []model.Application
	query := s.db.WithContext(ctx).
		Preload("WorkDate.Job.Facility").
		Where("worker_id = ?", workerID).
		Order("created_at DESC")
	if offset > 0 {
		query = query.Offset(offset)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&apps).Error; err != nil {
		return nil, fmt.Errorf("list worker applications: %w", err)
	}
	return apps, nil
}

// ListFacilityApplications 返回设施名下全部应募，按创建时间倒序。
func (s *Store) ListFacilityApplications(ctx context.Context, facilityID uint) ([]model.Application, error) {
	var apps []model.Application
	err := s.db.WithContext(ctx).
		Preload("WorkDate.Job").
		Preload("Worker").
		Joins("JOIN work_dates ON work_dates.id = applications.work_date_id").
		Joins("JOIN jobs ON jobs.id = work_dates.job_id").
		Where("jobs.facility_id = ?", facilityID).
		Order("applications.created_at DESC").
		Find(&apps).Error
	if err != nil {
		return nil, fmt.Errorf("list facility applications: %w", err)
	}
	return apps, nil
}

// MarkApplicationsViewed 将设施名下未读的活跃应募标记为已读，返回更新行数。
func (s *Store) MarkApplicationsViewed(ctx context.Context, facilityID uint, viewedAt time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&model.Application{}).
		Where("facility_viewed_at IS NULL").
		Where("status IN ?", []model.ApplicationStatus{model.StatusApplied, model.StatusScheduled}).
		Where("work_date_id IN (?)", s.db.Model(&model.WorkDate{}).
			Select("work_dates.id").
			Joins("JOIN jobs ON jobs.id = work_dates.job_id").
			Where("jobs.facility_id = ?", facilityID)).
		UpdateColumn("facility_viewed_at", viewedAt)
	if res.Error != nil {
		return 0, fmt.Errorf("mark applications viewed: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// CreateJob 创建求人及其勤务日。
func (s *Store) CreateJob(ctx context.Context, job *model.Job) error {
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

// RetireJob 软下架求人，已有应募不受影响。
func (s *Store) RetireJob(ctx context.Context, jobID uint) error {
	res := s.db.WithContext(ctx).Model(&model.Job{}).
		Where("id = ?", jobID).
		Update("status", model.JobStatusRetired)
	if res.Error != nil {
		return fmt.Errorf("retire job: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("retire job: %w", ErrNotFound)
	}
	return nil
}

// ListOpenJobs 返回仍有可见勤务日的已发布求人（OFFER 求人不公开展示）。
func (s *Store) ListOpenJobs(ctx context.Context, now time.Time, limit, offset int) ([]model.Job, error) {
	var jobs []model.Job
	query := s.openJobsQuery(ctx, now).
		Preload("WorkDates").
		Order("jobs.created_at DESC")
	if offset > 0 {
		query = query.Offset(offset)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("list open jobs: %w", err)
	}
	return jobs, nil
}

// CountOpenJobs 返回满足公开条件的求人数量。
func (s *Store) CountOpenJobs(ctx context.Context, now time.Time) (int64, error) {
	var total int64
	if err := s.openJobsQuery(ctx, now).Count(&total).Error; err != nil {
		return 0, fmt.Errorf("count open jobs: %w", err)
	}
	return total, nil
}

func (s *Store) openJobsQuery(ctx context.Context, now time.Time) *gorm.DB {
	return s.db.WithContext(ctx).Model(&model.Job{}).
		Where("jobs.status = ?", model.JobStatusPublished).
		Where("jobs.job_type <> ?", model.JobTypeOffer).
		Where(`EXISTS (SELECT 1 FROM work_dates wd WHERE wd.job_id = jobs.id
			AND wd.is_closed = ?
			AND wd.deadline >= ?
			AND (wd.visible_from IS NULL OR wd.visible_from <= ?)
			AND (wd.visible_until IS NULL OR wd.visible_until >= ?))`,
			false, now, now, now)
}

// CreateWorker 新增 worker。
func (s *Store) CreateWorker(ctx context.Context, worker *model.Worker) error {
	if err := s.db.WithContext(ctx).Create(worker).Error; err != nil {
		return fmt.Errorf("create worker: %w", err)
	}
	return nil
}

// CreateFacility 新增设施。
func (s *Store) CreateFacility(ctx context.Context, facility *model.Facility) error {
	if err := s.db.WithContext(ctx).Create(facility).Error; err != nil {
		return fmt.Errorf("create facility: %w", err)
	}
	return nil
}

// CreateMessage 写入站内消息。
func (s *Store) CreateMessage(ctx context.Context, msg *model.Message) error {
	if err := s.db.WithContext(ctx).Create(msg).Error; err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	return nil
}

// ListMessages 返回某应募下的消息，按时间升序。
func (s *Store) ListMessages(ctx context.Context, applicationID uint) ([]model.Message, error) {
	var msgs []model.Message
	err := s.db.WithContext(ctx).
		Where("application_id = ?", applicationID).
		Order("created_at ASC").
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return msgs, nil
}

// CreateNotification 写入出站事件记录。
func (s *Store) CreateNotification(ctx context.Context, n *model.Notification) error {
	if err := s.db.WithContext(ctx).Create(n).Error; err != nil {
		return fmt.Errorf("create notification: %w", err)
	}
	return nil
}

// ListNotifications 按事件类型返回出站记录，kind 为空时返回全部。
func (s *Store) ListNotifications(ctx context.Context, kind string) ([]model.Notification, error) {
	query := s.db.WithContext(ctx).Order("created_at ASC")
	if kind != "" {
		query = query.Where("kind = ?", kind)
	}
	var rows []model.Notification
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return rows, nil
}

// activeStatuses 仍占用名额的状态集合。
func activeStatuses() []model.ApplicationStatus {
	return []model.ApplicationStatus{
		model.StatusScheduled,
		model.StatusWorking,
		model.StatusCompletedPending,
		model.StatusCompletedRated,
	}
}

// settledStatuses 取消率统计的分母状态集合。
func settledStatuses() []model.ApplicationStatus {
	return []model.ApplicationStatus{
		model.StatusCompletedRated,
		model.StatusCancelled,
	}
}

func mapNotFound(err error, op string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}
