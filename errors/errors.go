package errors

import (
	"errors"
	"net/http"
	"strings"
)

type ErrCode string

const (
	ErrCodeNotImplemented    ErrCode = "NotImplemented"
	ErrCodeNotFound          ErrCode = "NotFound"
	ErrCodeServiceFailure    ErrCode = "ServiceFailure"
	ErrCodeAPIBadRequest     ErrCode = "BadRequest"
	ErrCodeDependencyFailure ErrCode = "DependencyFailure"
	ErrCodeExisted           ErrCode = "Existed"
	ErrCodeOversized         ErrCode = "Oversized"
	ErrCodeUnauthenticated   ErrCode = "Unauthenticated"
	ErrCodeForbidden         ErrCode = "Forbidden"
	ErrCodeUnsupported       ErrCode = "Unsupported"
	ErrCodeBusy              ErrCode = "Busy"
)

// Err is the error type shared by all components of snap service. It carries a code which decides how the
// error is presented to API callers, and an optional cause for diagnosis
type Err struct {
	Code  ErrCode
	msg   string
	cause error
}

func (e *Err) Error() string {
	return e.msg
}

// Trace returns the chain of causes associated with the error
func (e *Err) Trace() string {
	b := &strings.Builder{}
	b.WriteString(e.msg)
	indent := "\n"
	err := errors.Unwrap(e)
	for err != nil {
		indent += "\t"
		b.WriteString(indent)
		b.WriteString("Caused by: ")
		if v, ok := err.(*Err); ok {
			b.WriteString(v.msg)
		} else {
			b.WriteString(err.Error())
		}
		err = errors.Unwrap(err)
	}
	return b.String()
}

func (e *Err) Unwrap() error {
	return e.cause
}

func (e *Err) WithCause(c error) *Err {
	e.cause = c
	return e
}

func (e *Err) WithMsg(m string) *Err {
	e.msg = m
	return e
}

// Is reports whether target is an *Err of the same code, so that errors.Is(err, NewNotFound("")) works
func (e *Err) Is(target error) bool {
	t, ok := target.(*Err)
	return ok && t.Code == e.Code
}

// prefer NewXXX(msg) over NewXXX(msg, cause) since the latter's method signature has less
// readability - user needs to look up docs to know the 2nd param is for cause, while the first one can use
// WithCause() to be explicit
func NewServiceFailure(m string) *Err {
	return &Err{Code: ErrCodeServiceFailure, msg: m}
}

func NewDependencyFailure(m string) *Err {
	return &Err{Code: ErrCodeDependencyFailure, msg: m}
}

func NewNotFound(m string) *Err {
	return &Err{Code: ErrCodeNotFound, msg: m}
}

func NewBadInput(m string) *Err {
	return &Err{Code: ErrCodeAPIBadRequest, msg: m}
}

func NewNotImplemented() *Err {
	return &Err{Code: ErrCodeNotImplemented, msg: "Not implemented"}
}

func NewExisted(m string) *Err {
	return &Err{Code: ErrCodeExisted, msg: m}
}

func NewOversized() *Err {
	return &Err{Code: ErrCodeOversized, msg: "data oversized"}
}

func NewUnauthenticated(m string) *Err {
	return &Err{Code: ErrCodeUnauthenticated, msg: m}
}

func NewForbidden(m string) *Err {
	return &Err{Code: ErrCodeForbidden, msg: m}
}

func NewUnsupported(m string) *Err {
	return &Err{Code: ErrCodeUnsupported, msg: m}
}

func NewBusy(m string) *Err {
	return &Err{Code: ErrCodeBusy, msg: m}
}

// Code returns the ErrCode carried by err, or ErrCodeServiceFailure for errors foreign to this package
func Code(err error) ErrCode {
	var e *Err
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeServiceFailure
}

// StatusCode returns the http response status code associated with the Err value
func (e *Err) StatusCode() int {
	switch e.Code {
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeAPIBadRequest:
		return http.StatusBadRequest
	case ErrCodeExisted:
		return http.StatusConflict
	case ErrCodeOversized:
		return http.StatusRequestEntityTooLarge
	case ErrCodeUnauthenticated:
		return http.StatusUnauthorized
	case ErrCodeForbidden:
		return http.StatusForbidden
	case ErrCodeUnsupported:
		return http.StatusUnsupportedMediaType
	case ErrCodeBusy:
		return http.StatusServiceUnavailable
	case ErrCodeDependencyFailure:
		return http.StatusBadGateway
	case ErrCodeNotImplemented:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}
