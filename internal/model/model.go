package model

import (
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// JobType 求人类型。
type JobType string

const (
	JobTypeNormal      JobType = "NORMAL"
	JobTypeOrientation JobType = "ORIENTATION"
	JobTypeLimited     JobType = "LIMITED"
	JobTypeOffer       JobType = "OFFER"
)

// JobStatus 求人发布状态，下架后仅做软删除。
type JobStatus string

const (
	JobStatusPublished JobStatus = "PUBLISHED"
	JobStatusRetired   JobStatus = "RETIRED"
)

// ApplicationStatus 应募生命周期状态。
type ApplicationStatus string

const (
	// StatusApplied 等待设施审核，仅在 requires_interview 求人上出现。
	StatusApplied ApplicationStatus = "APPLIED"
	// StatusScheduled 匹配成立，已占用名额。
	StatusScheduled ApplicationStatus = "SCHEDULED"
	// StatusWorking 勤务开始时刻已过，由惰性刷新推进。
	StatusWorking ApplicationStatus = "WORKING"
	// StatusCancelled 终态，记录取消方。
	StatusCancelled ApplicationStatus = "CANCELLED"
	// StatusCompletedPending 勤务结束，至少一方评价未完成。
	StatusCompletedPending ApplicationStatus = "COMPLETED_PENDING"
	// StatusCompletedRated 终态，双方评价完成。
	StatusCompletedRated ApplicationStatus = "COMPLETED_RATED"
)

// ReviewStatus 单侧评价标记。
type ReviewStatus string

const (
	ReviewPending   ReviewStatus = "PENDING"
	ReviewCompleted ReviewStatus = "COMPLETED"
)

// CancelActor 取消发起方。APPLIED 阶段的 worker 撤回保持为空，
// 以便从可靠度统计中排除（见 reliability 包）。
type CancelActor string

const (
	CancelActorNone     CancelActor = ""
	CancelActorWorker   CancelActor = "WORKER"
	CancelActorFacility CancelActor = "FACILITY"
)

// Facility 发布求人的设施。InitialMessage 为首次匹配时发送的欢迎消息模板，
// 支持 {{worker_name}} 与 {{facility_name}} 占位符。
type Facility struct {
	ID             uint   `gorm:"primaryKey" json:"id"`
	Name           string `json:"name"`
	InitialMessage string `json:"initial_message"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Worker 应募方。资料不完整或被停用的账号禁止应募。
type Worker struct {
	ID              uint   `gorm:"primaryKey" json:"id"`
	Name            string `json:"name"`
	ProfileComplete bool   `json:"profile_complete"`
	Suspended       bool   `json:"suspended"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Job 求人信息。StartTime/EndTime 为 "HH:MM" 形式的当日时刻，
// 与 WorkDate 组合后得到具体勤务时间。
type Job struct {
	ID                uint              `gorm:"primaryKey" json:"id"`
	FacilityID        uint              `gorm:"index" json:"facility_id"`
	Facility          Facility          `json:"facility"`
	Title             string            `json:"title"`
	JobType           JobType           `gorm:"default:NORMAL" json:"job_type"`
	Status            JobStatus         `gorm:"default:PUBLISHED" json:"status"`
	RequiresInterview bool              `json:"requires_interview"`
	StartTime         string            `json:"start_time"`
	EndTime           string            `json:"end_time"`
	HourlyWage        int               `json:"hourly_wage"`
	TransportationFee int               `json:"transportation_fee"`
	Tags              datatypes.JSONMap `json:"tags"`
	// TargetWorkerID 仅 OFFER 类型使用，指向被邀请的 worker。
	TargetWorkerID *uint      `json:"target_worker_id"`
	WorkDates      []WorkDate `json:"work_dates,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// WorkDate 求人的一个具体勤务日，持有该日的名额台账。
// 三个计数器只允许在与 Application 状态写入同一事务内变更。
type WorkDate struct {
	ID    uint `gorm:"primaryKey" json:"id"`
	JobID uint `gorm:"index" json:"job_id"`
	Job   Job  `json:"job"`
	// WorkDate 勤务日期（当日零点）。
	WorkDate time.Time `json:"work_date"`
	// RecruitmentCount 募集名额。
	RecruitmentCount int `json:"recruitment_count"`
	// AppliedCount 非取消应募总数（含未匹配）。
	AppliedCount int `json:"applied_count"`
	// MatchedCount 已占用名额数。非面试求人必须满足 matched <= recruitment。
	MatchedCount int        `json:"matched_count"`
	VisibleFrom  *time.Time `json:"visible_from"`
	VisibleUntil *time.Time `json:"visible_until"`
	Deadline     time.Time  `json:"deadline"`
	IsClosed     bool       `json:"is_closed"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Application 一名 worker 对一个勤务日的应募。不做物理删除，
// 取消后可被再激活（同一行翻回活跃状态）。
type Application struct {
	ID         uint     `gorm:"primaryKey" json:"id"`
	WorkDateID uint     `gorm:"uniqueIndex:idx_applications_work_date_worker" json:"work_date_id"`
	WorkDate   WorkDate `json:"work_date"`
	WorkerID   uint     `gorm:"uniqueIndex:idx_applications_work_date_worker" json:"worker_id"`
	Worker     Worker   `json:"worker"`
	Status     ApplicationStatus `gorm:"default:APPLIED" json:"status"`
	CancelledBy          CancelActor  `json:"cancelled_by"`
	// CancelledAt 取消时刻，由业务时钟写入，直前取消判定依据。
	CancelledAt *time.Time `json:"cancelled_at"`
	WorkerReviewStatus   ReviewStatus `gorm:"default:PENDING" json:"worker_review_status"`
	FacilityReviewStatus ReviewStatus `gorm:"default:PENDING" json:"facility_review_status"`
	// MatchedAt 首次进入 SCHEDULED 的时刻，可靠度统计的分母依据。
	MatchedAt *time.Time `json:"matched_at"`
	// FacilityViewedAt 设施侧未读标记，展示用途。
	FacilityViewedAt *time.Time `json:"facility_viewed_at"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Message 匹配成立后写入的站内消息（欢迎消息等）。
type Message struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	ApplicationID uint      `gorm:"index" json:"application_id"`
	JobID         uint      `json:"job_id"`
	FacilityID    uint      `json:"facility_id"`
	WorkerID      uint      `json:"worker_id"`
	Content       string    `json:"content"`
	CreatedAt     time.Time `json:"created_at"`
}

// Notification 出站事件记录。投递本身由外部渠道完成，
// 核心只负责落盘，测试与运维按事件断言。
type Notification struct {
	ID            uint              `gorm:"primaryKey" json:"id"`
	Kind          string            `gorm:"index" json:"kind"`
	RecipientType string            `json:"recipient_type"`
	RecipientID   uint              `json:"recipient_id"`
	Payload       datatypes.JSONMap `json:"payload"`
	CreatedAt     time.Time         `json:"created_at"`
}

// ClockOn 把 "HH:MM" 形式的时刻叠加到指定日期上。
func ClockOn(date time.Time, clock string) (time.Time, error) {
	t, err := time.Parse("15:04", clock)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse clock %q: %w", clock, err)
	}
	return time.Date(date.Year(), date.Month(), date.Day(), t.Hour(), t.Minute(), 0, 0, date.Location()), nil
}

// StartOn 返回指定日期上的勤务开始时刻。
func (j Job) StartOn(date time.Time) (time.Time, error) {
	return ClockOn(date, j.StartTime)
}

// EndOn 返回指定日期上的勤务结束时刻。
func (j Job) EndOn(date time.Time) (time.Time, error) {
	return ClockOn(date, j.EndTime)
}
