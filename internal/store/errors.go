package store

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	ErrorCodeNotFound ErrorCode = "NOT_FOUND"
	ErrorCodeNoRows   ErrorCode = "NO_ROWS_AFFECTED"
)

type StoreError struct {
	Code ErrorCode
	Msg  string
}

func (e *StoreError) Error() string {
	return e.Msg
}

func NewNotFoundError(format string, args ...interface{}) error {
	return &StoreError{Code: ErrorCodeNotFound, Msg: fmt.Sprintf(format, args...)}
}

func NewNoRowsError(format string, args ...interface{}) error {
	return &StoreError{Code: ErrorCodeNoRows, Msg: fmt.Sprintf(format, args...)}
}

func IsNotFound(err error) bool {
	return hasCode(err, ErrorCodeNotFound)
}

func IsNoRows(err error) bool {
	return hasCode(err, ErrorCodeNoRows)
}

func hasCode(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}
	var se *StoreError
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == code
}
