// Package notifier 定义状态转移产生的出站事件及其分发接口。
// 分发是尽力而为的：任何实现的失败都只记录日志，绝不回滚状态转移。
package notifier

import (
	"context"
	"time"

	"shift-match/internal/model"
)

// 事件类型标识。
const (
	KindMatched             = "matched"
	KindApplicationReceived = "application_received"
	KindCancelled           = "cancelled"
	KindSlotsFilled         = "slots_filled"
	KindHighCancelRate      = "high_cancel_rate"
)

// 收件方类型。
const (
	RecipientWorker   = "WORKER"
	RecipientFacility = "FACILITY"
	RecipientOperator = "OPERATOR"
)

// Event 一次状态转移产生的出站事件。
type Event interface {
	Kind() string
}

// MatchedEvent 匹配成立，通知 worker。
type MatchedEvent struct {
	ApplicationID uint
	WorkerID      uint
	FacilityID    uint
	JobID         uint
	JobTitle      string
	FacilityName  string
	WorkDate      time.Time
	StartTime     string
	EndTime       string
}

func (MatchedEvent) Kind() string { return KindMatched }

// ApplicationReceivedEvent 收到新应募，通知设施。
type ApplicationReceivedEvent struct {
	ApplicationID uint
	WorkerID      uint
	WorkerName    string
	FacilityID    uint
	JobID         uint
	JobTitle      string
	WorkDate      time.Time
}

func (ApplicationReceivedEvent) Kind() string { return KindApplicationReceived }

// CancelledEvent 匹配被取消，通知对方。By 表示发起方。
type CancelledEvent struct {
	ApplicationID uint
	WorkerID      uint
	FacilityID    uint
	JobID         uint
	JobTitle      string
	WorkDate      time.Time
	By            model.CancelActor
}

func (CancelledEvent) Kind() string { return KindCancelled }

// SlotsFilledEvent 勤务日名额刚刚满员，通知设施。
type SlotsFilledEvent struct {
	FacilityID uint
	JobID      uint
	WorkDateID uint
	JobTitle   string
	WorkDate   time.Time
}

func (SlotsFilledEvent) Kind() string { return KindSlotsFilled }

// HighCancelRateEvent 某一方滚动取消率越过阈值，通知运营方。
type HighCancelRateEvent struct {
	SubjectType string
	SubjectID   uint
	SubjectName string
	RatePercent int
}

func (HighCancelRateEvent) Kind() string { return KindHighCancelRate }

// Notifier 统一分发接口。
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Multi 依次分发到多个下游，返回首个错误但不中断后续分发。
type Multi []Notifier

// Notify 逐个分发事件。
func (m Multi) Notify(ctx context.Context, ev Event) error {
	var first error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}
