package models

import (
	"errors"
	"fmt"
)

// ErrorKind 错误分类
type ErrorKind string

const (
	KindUnauthorized ErrorKind = "unauthorized"
	KindNotFound     ErrorKind = "not_found"
	KindInvalid      ErrorKind = "invalid"
	KindUnavailable  ErrorKind = "unavailable"
	KindConflict     ErrorKind = "conflict"
)

// Sentinels for errors.Is; any *Error with the same kind matches.
var (
	ErrUnauthorized = &Error{Kind: KindUnauthorized, Message: "not signed in"}
	ErrNotFound     = &Error{Kind: KindNotFound, Message: "not found"}
	ErrInvalid      = &Error{Kind: KindInvalid, Message: "invalid request"}
	ErrUnavailable  = &Error{Kind: KindUnavailable, Message: "backend unavailable"}
	ErrConflict     = &Error{Kind: KindConflict, Message: "conflict"}
)

// ErrNoTabsCaptured 捕获不到任何可保存的标签页
var ErrNoTabsCaptured = errors.New("no tabs captured")

// Error 带分类的错误
type Error struct {
	Kind    ErrorKind
	Op      string
	Message string
	Err     error
}

// NewError 创建分类错误
func NewError(kind ErrorKind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf 返回错误链中的第一个分类，未分类的错误视为 Unavailable
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnavailable
}

// PartialCreateError 会话已创建但标签页写入失败
type PartialCreateError struct {
	SessionID string
	Err       error
}

func (e *PartialCreateError) Error() string {
	return fmt.Sprintf("session %s created but tabs failed: %v", e.SessionID, e.Err)
}

func (e *PartialCreateError) Unwrap() error {
	return e.Err
}
