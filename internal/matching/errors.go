package matching

import "errors"

// 业务层哨兵错误，API 层据此映射 HTTP 状态码。
var (
	ErrNotFound             = errors.New("not found")
	ErrForbidden            = errors.New("forbidden")
	ErrDuplicateApplication = errors.New("already applied")
	ErrCapacityFull         = errors.New("recruitment capacity full")
	ErrPastStartTime        = errors.New("work already started")
	ErrInvalidTransition    = errors.New("invalid status transition")
	ErrInvalidState         = errors.New("invalid application state")
	ErrProfileIncomplete    = errors.New("worker profile incomplete")
	ErrWorkerSuspended      = errors.New("worker suspended")
)
