package service

import (
	"errors"
	"fmt"
	"strconv"
)

// Kind 是业务错误的分类，HTTP 层据此映射状态码。
type Kind string

const (
	KindValidation      Kind = "validation"
	KindNotFound        Kind = "not_found"
	KindForbidden       Kind = "forbidden"
	KindInvalidState    Kind = "invalid_state"
	KindIntegrity       Kind = "integrity"
	KindIncomplete      Kind = "incomplete"
	KindStorage         Kind = "storage"
	KindScanUnavailable Kind = "scan_unavailable"
)

// IntegrityScope 区分分片级与整文件级的哈希不一致。
const (
	ScopeChunk = "chunk"
	ScopeFile  = "file"
)

// Error 是 service 层返回的带分类错误。
type Error struct {
	Kind    Kind
	Message string

	// 完整性错误的细节
	Scope    string
	Index    *int
	Expected string
	Actual   string

	// 未完成上传时缺失的分片
	Missing []int

	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is 让 errors.Is(err, &Error{Kind: k}) 只比较分类。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && t.Message == ""
}

// 供 errors.Is 使用的分类哨兵。
var (
	ErrValidation      = &Error{Kind: KindValidation}
	ErrNotFound        = &Error{Kind: KindNotFound}
	ErrForbidden       = &Error{Kind: KindForbidden}
	ErrInvalidState    = &Error{Kind: KindInvalidState}
	ErrIntegrity       = &Error{Kind: KindIntegrity}
	ErrIncomplete      = &Error{Kind: KindIncomplete}
	ErrStorage         = &Error{Kind: KindStorage}
	ErrScanUnavailable = &Error{Kind: KindScanUnavailable}
)

// KindOf 返回 err 链上第一个 *Error 的分类，不存在时返回空串。
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func validationf(format string, args ...any) error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func notFound(what, id string) error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s %s not found", what, id)}
}

func forbidden(what string) error {
	return &Error{Kind: KindForbidden, Message: fmt.Sprintf("%s belongs to another owner", what)}
}

func invalidState(format string, args ...any) error {
	return &Error{Kind: KindInvalidState, Message: fmt.Sprintf(format, args...)}
}

func storageErr(op string, err error) error {
	return &Error{Kind: KindStorage, Message: op, Err: err}
}

func chunkIntegrity(index int, expected, actual string) error {
	return &Error{
		Kind:     KindIntegrity,
		Message:  fmt.Sprintf("chunk %d hash mismatch", index),
		Scope:    ScopeChunk,
		Index:    &index,
		Expected: expected,
		Actual:   actual,
	}
}

func fileIntegrity(expected, actual string) error {
	return &Error{
		Kind:     KindIntegrity,
		Message:  "merged file hash mismatch, restart the upload",
		Scope:    ScopeFile,
		Expected: expected,
		Actual:   actual,
	}
}

func fileSizeMismatch(expected, actual int64) error {
	return &Error{
		Kind:     KindIntegrity,
		Message:  "merged file size does not match file_size, restart the upload",
		Scope:    ScopeFile,
		Expected: strconv.FormatInt(expected, 10),
		Actual:   strconv.FormatInt(actual, 10),
	}
}

func incomplete(missing []int) error {
	return &Error{
		Kind:    KindIncomplete,
		Message: fmt.Sprintf("upload incomplete: %d chunks missing", len(missing)),
		Missing: missing,
	}
}
