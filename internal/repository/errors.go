package repository

import "errors"

var (
	// ErrNotFound 表示目标记录不存在。
	ErrNotFound = errors.New("repository: record not found")
	// ErrStatusConflict 表示条件更新时记录已不处于期望状态。
	ErrStatusConflict = errors.New("repository: status conflict")
)
