package notifier

import (
	"context"
	"fmt"

	"shift-match/internal/model"

	"gorm.io/datatypes"
)

// OutboxStore 定义出站事件的落盘接口。
type OutboxStore interface {
	CreateNotification(ctx context.Context, n *model.Notification) error
}

// OutboxNotifier 把事件写入 notifications 表，投递由外部渠道
// 消费该表完成；测试按落盘的事件断言，不依赖真实投递。
type OutboxNotifier struct {
	store OutboxStore
}

// NewOutboxNotifier 创建实例。
func NewOutboxNotifier(store OutboxStore) *OutboxNotifier {
	return &OutboxNotifier{store: store}
}

// Notify 将事件转为出站记录写入存储。
func (n *OutboxNotifier) Notify(ctx context.Context, ev Event) error {
	recipientType, recipientID, payload := describe(ev)
	row := model.Notification{
		Kind:          ev.Kind(),
		RecipientType: recipientType,
		RecipientID:   recipientID,
		Payload:       payload,
	}
	if err := n.store.CreateNotification(ctx, &row); err != nil {
		return fmt.Errorf("enqueue %s event: %w", ev.Kind(), err)
	}
	return nil
}

// describe 推导事件的收件方与负载。取消事件发给取消方的对手方。
func describe(ev Event) (recipientType string, recipientID uint, payload datatypes.JSONMap) {
	switch e := ev.(type) {
	case MatchedEvent:
		return RecipientWorker, e.WorkerID, datatypes.JSONMap{
			"application_id": e.ApplicationID,
			"facility_name":  e.FacilityName,
			"job_id":         e.JobID,
			"job_title":      e.JobTitle,
			"work_date":      e.WorkDate.Format("2006-01-02"),
			"start_time":     e.StartTime,
			"end_time":       e.EndTime,
		}
	case ApplicationReceivedEvent:
		return RecipientFacility, e.FacilityID, datatypes.JSONMap{
			"application_id": e.ApplicationID,
			"worker_id":      e.WorkerID,
			"worker_name":    e.WorkerName,
			"job_id":         e.JobID,
			"job_title":      e.JobTitle,
			"work_date":      e.WorkDate.Format("2006-01-02"),
		}
	case CancelledEvent:
		recipientType, recipientID = RecipientWorker, e.WorkerID
		if e.By == model.CancelActorWorker {
			recipientType, recipientID = RecipientFacility, e.FacilityID
		}
		return recipientType, recipientID, datatypes.JSONMap{
			"application_id": e.ApplicationID,
			"job_id":         e.JobID,
			"job_title":      e.JobTitle,
			"work_date":      e.WorkDate.Format("2006-01-02"),
			"cancelled_by":   string(e.By),
		}
	case SlotsFilledEvent:
		return RecipientFacility, e.FacilityID, datatypes.JSONMap{
			"job_id":       e.JobID,
			"job_title":    e.JobTitle,
			"work_date_id": e.WorkDateID,
			"work_date":    e.WorkDate.Format("2006-01-02"),
		}
	case HighCancelRateEvent:
		return RecipientOperator, 0, datatypes.JSONMap{
			"subject_type": e.SubjectType,
			"subject_id":   e.SubjectID,
			"subject_name": e.SubjectName,
			"rate_percent": e.RatePercent,
		}
	default:
		return RecipientOperator, 0, datatypes.JSONMap{"kind": ev.Kind()}
	}
}
