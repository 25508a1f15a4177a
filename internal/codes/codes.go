// Package codes defines the wire error codes returned to clients and peer
// data nodes by the metadata core.
package codes

import "errors"

// Code is a wire-level result code. SUCCESS (0) indicates no error.
type Code int32

const (
	SUCCESS Code = iota
	TABLE_ALREADY_EXIST
	DB_NOT_SELECTED
	INVALID_TABLE
	INVALID_VGROUP_ID
	INVALID_DB
	INVALID_ACCT
	MONITOR_DB_FORBIDDEN
	NO_RIGHTS
	APP_ERROR
	OPS_NOT_SUPPORT
	OUT_OF_MEMORY
	SDB_ERROR
	OTHERS
)

var names = map[Code]string{
	SUCCESS:              "SUCCESS",
	TABLE_ALREADY_EXIST:  "TABLE_ALREADY_EXIST",
	DB_NOT_SELECTED:      "DB_NOT_SELECTED",
	INVALID_TABLE:        "INVALID_TABLE",
	INVALID_VGROUP_ID:    "INVALID_VGROUP_ID",
	INVALID_DB:           "INVALID_DB",
	INVALID_ACCT:         "INVALID_ACCT",
	MONITOR_DB_FORBIDDEN: "MONITOR_DB_FORBIDDEN",
	NO_RIGHTS:            "NO_RIGHTS",
	APP_ERROR:            "APP_ERROR",
	OPS_NOT_SUPPORT:      "OPS_NOT_SUPPORT",
	OUT_OF_MEMORY:        "OUT_OF_MEMORY",
	SDB_ERROR:            "SDB_ERROR",
	OTHERS:               "OTHERS",
}

func (c Code) String() string {
	if n, ok := names[c]; ok {
		return n
	}
	return "UNKNOWN"
}

func (c Code) Error() string {
	return c.String()
}

// Err wraps a Code with an underlying cause, the way storage/RPC layers
// surface a mapped wire code alongside the local error that produced it.
type Err struct {
	Code  Code
	Cause error
}

func New(c Code, cause error) *Err {
	return &Err{Code: c, Cause: cause}
}

func (e *Err) Error() string {
	if e.Cause == nil {
		return e.Code.String()
	}
	return e.Code.String() + ": " + e.Cause.Error()
}

func (e *Err) Unwrap() error { return e.Cause }

// Of extracts the Code carried by err, or OTHERS if err does not carry one.
func Of(err error) Code {
	if err == nil {
		return SUCCESS
	}
	var e *Err
	if errors.As(err, &e) {
		return e.Code
	}
	return OTHERS
}
