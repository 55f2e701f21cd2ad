package filedrop

import (
	"errors"
	"fmt"
)

// ResultCode is the status every forwarding operation reports to the host.
type ResultCode int32

const (
	// CodeOk indicates the operation was successful.
	CodeOk ResultCode = iota
	// CodeError indicates an unspecified engine failure.
	CodeError
	// CodeInvalidString indicates an input byte string was not valid UTF-8.
	CodeInvalidString
	// CodeBadInput indicates a malformed argument past string decoding.
	CodeBadInput
	// CodeJsonParse indicates a JSON argument failed to parse.
	CodeJsonParse
	// CodeTransferCreate indicates a transfer could not be created.
	CodeTransferCreate
	// CodeNotStarted indicates an operation that requires a started instance.
	CodeNotStarted
	// CodeAddrInUse indicates the listen address is already in use.
	CodeAddrInUse
	// CodeInstanceStart indicates the instance failed to start.
	CodeInstanceStart
	// CodeInstanceStop indicates the instance failed to stop.
	CodeInstanceStop
	// CodeInvalidPrivkey indicates the supplied private key is unusable.
	CodeInvalidPrivkey
	// CodeDbError indicates a storage failure.
	CodeDbError
)

// String returns the code's name.
func (c ResultCode) String() string {
	switch c {
	case CodeOk:
		return "Ok"
	case CodeError:
		return "Error"
	case CodeInvalidString:
		return "InvalidString"
	case CodeBadInput:
		return "BadInput"
	case CodeJsonParse:
		return "JsonParse"
	case CodeTransferCreate:
		return "TransferCreate"
	case CodeNotStarted:
		return "NotStarted"
	case CodeAddrInUse:
		return "AddrInUse"
	case CodeInstanceStart:
		return "InstanceStart"
	case CodeInstanceStop:
		return "InstanceStop"
	case CodeInvalidPrivkey:
		return "InvalidPrivkey"
	case CodeDbError:
		return "DbError"
	}
	return fmt.Sprintf("ResultCode(%d)", int32(c))
}

// Error is an engine failure carrying its ResultCode.
type Error struct {
	Code    ResultCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// newError builds an engine error with a code and a cause.
func newError(code ResultCode, cause error, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Err:     cause,
	}
}

// CodeOf extracts the ResultCode carried by err. A nil error is CodeOk;
// errors without a code report CodeError.
func CodeOf(err error) ResultCode {
	if err == nil {
		return CodeOk
	}
	var engineErr *Error
	if errors.As(err, &engineErr) {
		return engineErr.Code
	}
	return CodeError
}
