package domain

import (
	"errors"
	"fmt"
)

// ValidationError 输入不合法（空内容、超长等），客户端修正后可重试。HTTP 400。
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return "validation: " + e.Field + ": " + e.Message
}

// NotFoundError 引用的资源不存在。HTTP 404。
type NotFoundError struct {
	Resource string
	ID       int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Resource, e.ID)
}

// TransactionError 写事务中途失败，已回滚，客户端可安全重试。HTTP 500。
// Transient 为 true 表示超时/取消，HTTP 层映射为 503。
type TransactionError struct {
	Op        string
	Transient bool
	Err       error
}

func (e *TransactionError) Error() string {
	if e.Transient {
		return "transaction " + e.Op + " (transient): " + e.Err.Error()
	}
	return "transaction " + e.Op + ": " + e.Err.Error()
}

func (e *TransactionError) Unwrap() error { return e.Err }

// DeliveryError 推送到某个连接失败。只记录日志，不返回给写请求，也不重试。
type DeliveryError struct {
	ConnID string
	Room   string
	Err    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to conn %s room %s: %v", e.ConnID, e.Room, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Invalid 构造 ValidationError。
func Invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// PostNotFound 构造帖子不存在错误。
func PostNotFound(id int64) error {
	return &NotFoundError{Resource: "post", ID: id}
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsNotFound(err error) bool {
	var n *NotFoundError
	return errors.As(err, &n)
}

func IsTransaction(err error) bool {
	var t *TransactionError
	return errors.As(err, &t)
}

// IsTransient 判断是否为可重试的瞬时事务错误。
func IsTransient(err error) bool {
	var t *TransactionError
	return errors.As(err, &t) && t.Transient
}

// IsDomain 判断 err 是否为调用方需要原样看到的领域错误（校验/不存在）。
func IsDomain(err error) bool {
	return IsValidation(err) || IsNotFound(err)
}
