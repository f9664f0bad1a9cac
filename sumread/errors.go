package sumread

import (
	"errors"
	"fmt"

	"sumlink/ads"
)

// Kind classifies every failure the engine reports.
type Kind int

const (
	KindInternal Kind = iota
	KindInvalidAddress
	KindInvalidParam
	KindInvalidCall
	KindNotAllocated
	KindNotInitialized
	KindNotResolved
	KindOutOfRange
	KindCapacityReached
	KindOverflow
	KindNoData
	KindTimeout
	KindDisconnected
	KindUnhandledTransportCode
)

var kindNames = [...]string{
	KindInternal:               "internal error",
	KindInvalidAddress:         "invalid address",
	KindInvalidParam:           "invalid parameter",
	KindInvalidCall:            "invalid call",
	KindNotAllocated:           "not allocated",
	KindNotInitialized:         "not initialized",
	KindNotResolved:            "not resolved",
	KindOutOfRange:             "out of range",
	KindCapacityReached:        "capacity reached",
	KindOverflow:               "overflow",
	KindNoData:                 "no data",
	KindTimeout:                "timeout",
	KindDisconnected:           "disconnected",
	KindUnhandledTransportCode: "unhandled transport code",
}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is returned by every fallible operation in this package.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the package sentinels by Kind, so errors.Is(err, ErrNotResolved)
// holds for any *Error of that kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Op != "" || t.Err != nil {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrInternal               = &Error{Kind: KindInternal}
	ErrInvalidAddress         = &Error{Kind: KindInvalidAddress}
	ErrInvalidParam           = &Error{Kind: KindInvalidParam}
	ErrInvalidCall            = &Error{Kind: KindInvalidCall}
	ErrNotAllocated           = &Error{Kind: KindNotAllocated}
	ErrNotInitialized         = &Error{Kind: KindNotInitialized}
	ErrNotResolved            = &Error{Kind: KindNotResolved}
	ErrOutOfRange             = &Error{Kind: KindOutOfRange}
	ErrCapacityReached        = &Error{Kind: KindCapacityReached}
	ErrOverflow               = &Error{Kind: KindOverflow}
	ErrNoData                 = &Error{Kind: KindNoData}
	ErrTimeout                = &Error{Kind: KindTimeout}
	ErrDisconnected           = &Error{Kind: KindDisconnected}
	ErrUnhandledTransportCode = &Error{Kind: KindUnhandledTransportCode}
)

func newError(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

func errorf(op string, kind Kind, format string, args ...interface{}) *Error {
	return &Error{Op: op, Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the Kind carried by err. Errors from outside the package
// are KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// transportKinds maps ADS return codes to kinds. Anything missing is
// KindUnhandledTransportCode.
var transportKinds = map[uint32]Kind{
	ads.ErrDeviceError:           KindInternal,
	ads.ErrTargetMachineNotFound: KindDisconnected,
	ads.ErrClientSyncTimeout:     KindDisconnected,
	ads.ErrDeviceSymbolNotFound:  KindNotResolved,
	ads.ErrDeviceTimeout:         KindTimeout,
}

// TransportKind classifies a transport error.
func TransportKind(err error) Kind {
	if code, ok := ads.ErrorCode(err); ok {
		if kind, found := transportKinds[code]; found {
			return kind
		}
		return KindUnhandledTransportCode
	}
	switch {
	case ads.IsTimeout(err):
		return KindTimeout
	case ads.IsConnectionError(err):
		return KindDisconnected
	}
	return KindUnhandledTransportCode
}

// fromTransport wraps a transport error with its mapped Kind. Errors that
// already carry a Kind pass through unchanged.
func fromTransport(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return newError(op, TransportKind(err), err)
}
