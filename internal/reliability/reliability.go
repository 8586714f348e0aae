// Package reliability 计算 worker 的取消率信号并承载取消率告警策略。
// 这些信号仅供设施参考，核心不会据此拦截应募。
package reliability

import (
	"time"

	"shift-match/internal/model"
)

// Record 一条进入过 SCHEDULED 的应募历史。CancelledAt 取该行最后一次
// 状态写入时刻，对已取消的行即取消时刻。
type Record struct {
	Status      model.ApplicationStatus
	CancelledBy model.CancelActor
	WorkDate    time.Time
	CancelledAt time.Time
}

// LastMinute 判定是否为直前取消：取消时刻落在勤务日前一天零点
// 及之后（按日历日边界计算，不是开始时刻往前滚动 24 小时）。
func LastMinute(workDate, cancelledAt time.Time) bool {
	dayStart := time.Date(workDate.Year(), workDate.Month(), workDate.Day(), 0, 0, 0, 0, workDate.Location())
	boundary := dayStart.AddDate(0, 0, -1)
	return !cancelledAt.Before(boundary)
}

// Snapshot 按需汇总的可靠度快照，不做持久化。
type Snapshot struct {
	// Total 曾经进入 SCHEDULED 的应募总数（APPLIED 阶段的撤回不计入）。
	Total int
	// Cancelled 其中由 worker 主动取消的数量。
	Cancelled int
	// LastMinuteCancelled 其中属于直前取消的数量。
	LastMinuteCancelled int
}

// Summarize 汇总应募历史。仅 cancelled_by == WORKER 的取消计入，
// 设施侧取消不影响 worker 的信号。
func Summarize(records []Record) Snapshot {
	snap := Snapshot{Total: len(records)}
	for _, r := range records {
		if r.Status != model.StatusCancelled || r.CancelledBy != model.CancelActorWorker {
			continue
		}
		snap.Cancelled++
		if LastMinute(r.WorkDate, r.CancelledAt) {
			snap.LastMinuteCancelled++
		}
	}
	return snap
}

// CancelRate 取消率百分比，分母为空时为 0。
func (s Snapshot) CancelRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Cancelled) / float64(s.Total) * 100
}

// LastMinuteCancelRate 直前取消率百分比。
func (s Snapshot) LastMinuteCancelRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.LastMinuteCancelled) / float64(s.Total) * 100
}

// AlertPolicy 滚动取消率告警策略：样本量达到 MinSample 且
// 取消率达到 Threshold 时向运营方告警。
type AlertPolicy struct {
	Threshold float64
	MinSample int64
}

// DefaultAlertPolicy 与线上一致的默认策略：至少 5 件、20% 起告警。
func DefaultAlertPolicy() AlertPolicy {
	return AlertPolicy{Threshold: 0.2, MinSample: 5}
}

// Exceeded 判定是否触发告警。
func (p AlertPolicy) Exceeded(cancelled, total int64) bool {
	if total < p.MinSample {
		return false
	}
	return float64(cancelled)/float64(total) >= p.Threshold
}

// Percent 把取消数换算为四舍五入的百分比整数，告警文案使用。
func Percent(cancelled, total int64) int {
	if total == 0 {
		return 0
	}
	return int(float64(cancelled)/float64(total)*100 + 0.5)
}
