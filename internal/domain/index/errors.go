package index

import (
	"errors"
	"fmt"
)

var (
	// ErrLockContention 已有重建任务在运行
	ErrLockContention = errors.New("another reindex job is already running")

	// ErrSyncTimeout sync 在最大等待时间内未完成
	ErrSyncTimeout = errors.New("index sync did not complete within the maximum wait")

	// ErrJobNotFound 任务不存在
	ErrJobNotFound = errors.New("reindex job not found")

	// ErrJobCancelled 任务在轮询点被取消
	ErrJobCancelled = errors.New("reindex job cancelled")

	// ErrLockLost 步进时锁已不归本实例所有
	ErrLockLost = errors.New("reindex lock lost")

	// ErrTooManyDocumentErrors 单文档错误超过可容忍阈值
	ErrTooManyDocumentErrors = errors.New("too many per-document errors during reprocessing")
)

// TransientError 标记可重试的 Index Service 故障（限流、5xx、网络抖动）。
// 步骤内部带退避重试，耗尽后按不可恢复错误处理。
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient error in %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient 判断错误是否可重试。
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
