package notifier

import (
	"context"
	"log"
	"os"
)

// LogNotifier 仅打印事件，适合开发阶段使用。
type LogNotifier struct {
	logger *log.Logger
}

// NewLogNotifier 创建日志通知器，未提供 logger 时默认输出到标准输出。
func NewLogNotifier(logger *log.Logger) *LogNotifier {
	if logger == nil {
		logger = log.New(os.Stdout, "[notify] ", log.LstdFlags)
	}
	return &LogNotifier{logger: logger}
}

// Notify 逐条打印事件信息。
func (n LogNotifier) Notify(ctx context.Context, ev Event) error {
	switch e := ev.(type) {
	case MatchedEvent:
		n.logger.Printf("matched: application=%d worker=%d job=%q date=%s", e.ApplicationID, e.WorkerID, e.JobTitle, e.WorkDate.Format("2006-01-02"))
	case ApplicationReceivedEvent:
		n.logger.Printf("application received: application=%d worker=%q job=%q", e.ApplicationID, e.WorkerName, e.JobTitle)
	case CancelledEvent:
		n.logger.Printf("cancelled: application=%d by=%s job=%q date=%s", e.ApplicationID, e.By, e.JobTitle, e.WorkDate.Format("2006-01-02"))
	case SlotsFilledEvent:
		n.logger.Printf("slots filled: work_date=%d job=%q date=%s", e.WorkDateID, e.JobTitle, e.WorkDate.Format("2006-01-02"))
	case HighCancelRateEvent:
		n.logger.Printf("high cancel rate: %s %d (%s) at %d%%", e.SubjectType, e.SubjectID, e.SubjectName, e.RatePercent)
	default:
		n.logger.Printf("event: %s %+v", ev.Kind(), ev)
	}
	return nil
}
