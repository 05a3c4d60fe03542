package common

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	log "github.com/chorus-labs/antiphon/logger"
)

type ErrCode int

const (
	CodecError ErrCode = iota + 1000
	ProtocolError
	PartialTransferError
	Unavailable ErrCode = iota + 2000
	ConnectionError
	ChannelClosed
	SessionError
	InvalidConfiguration ErrCode = iota + 3000
	InternalError        ErrCode = iota + 5000
)

// IPCError is the error type that crosses package boundaries in this SDK. The code tells
// callers whether the condition is retryable (Unavailable range) or terminal.
type IPCError struct {
	Code      ErrCode
	Msg       string
	ExtraData []byte
}

func (e IPCError) Error() string {
	return e.Msg
}

func NewIPCError(errorCode ErrCode, msg string) IPCError {
	return IPCError{Code: errorCode, Msg: msg}
}

func NewIPCErrorf(errorCode ErrCode, msgFormat string, args ...interface{}) IPCError {
	msg := fmt.Sprintf(msgFormat, args...)
	return IPCError{Code: errorCode, Msg: msg}
}

func NewInvalidConfigurationError(msg string) IPCError {
	return NewIPCErrorf(InvalidConfiguration, "invalid configuration: %s", msg)
}

func NewInternalError(err error) IPCError {
	// With an internal error we log the original error with a reference and we only pass
	// the reference back to the peer, as we don't want to expose process internals across
	// the wire
	ref := fmt.Sprintf("antiphon-internal-err-reference-%s", uuid.New().String())
	log.Errorf("internal error with reference %s: %v", ref, err)
	return NewIPCErrorf(InternalError, "an internal error has occurred - please search logs for reference: %s", ref)
}

func IsIPCErrorWithCode(err error, code ErrCode) bool {
	var perr IPCError
	if errors.As(err, &perr) {
		if perr.Code == code {
			return true
		}
	}
	return false
}

func IsUnavailableError(err error) bool {
	return IsIPCErrorWithCode(err, Unavailable)
}

func Error(msg string) error {
	return errors.New(msg)
}
