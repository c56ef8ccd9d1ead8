// ABOUTME: Error taxonomy returned by gateway commands and mapped onto API responses
// ABOUTME: Classify turns driver and context errors into a Kind without losing the cause

package gateway

import (
	"context"
	"errors"

	"github.com/2389/concierge-gateway/internal/network"
)

// Kind is a machine-readable error category.
type Kind string

const (
	KindNotReady            Kind = "NotReady"
	KindChatNotFound        Kind = "ChatNotFound"
	KindDeliveryFailed      Kind = "DeliveryFailed"
	KindTimeout             Kind = "Timeout"
	KindNoPairingInProgress Kind = "NoPairingInProgress"
	KindPairingExpired      Kind = "PairingExpired"
	KindSessionInvalid      Kind = "SessionInvalid"
	KindSendNotAllowed      Kind = "SendNotAllowed"
	KindInvalidRequest      Kind = "InvalidRequest"
	KindInternal            Kind = "Internal"
)

// Error is a classified gateway error.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same Kind, so errors.Is(err, ErrNotReady)
// works regardless of message or cause.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrNotReady            = &Error{Kind: KindNotReady, Message: "gateway is not ready"}
	ErrChatNotFound        = &Error{Kind: KindChatNotFound, Message: "chat not found"}
	ErrDeliveryFailed      = &Error{Kind: KindDeliveryFailed, Message: "message delivery failed"}
	ErrTimeout             = &Error{Kind: KindTimeout, Message: "operation timed out"}
	ErrNoPairingInProgress = &Error{Kind: KindNoPairingInProgress, Message: "no pairing in progress"}
	ErrPairingExpired      = &Error{Kind: KindPairingExpired, Message: "pairing code expired"}
	ErrSessionInvalid      = &Error{Kind: KindSessionInvalid, Message: "stored session was rejected"}
	ErrSendNotAllowed      = &Error{Kind: KindSendNotAllowed, Message: "chat has not contacted this account"}
	ErrInvalidRequest      = &Error{Kind: KindInvalidRequest, Message: "invalid request"}
)

// ErrAlreadyRunning is returned by Start when another process holds the
// session lease, or when Start is called twice.
var ErrAlreadyRunning = errors.New("another gateway instance owns the session")

func newError(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Err: cause}
}

// KindOf returns the Kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindInternal
}

// Classify maps err into the taxonomy. Unrecognised errors become Internal.
func Classify(err error) error {
	return classify(err, KindInternal)
}

func classify(err error, fallback Kind) error {
	if err == nil {
		return nil
	}
	var ge *Error
	if errors.As(err, &ge) {
		return err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return newError(KindTimeout, ErrTimeout.Message, err)
	case errors.Is(err, network.ErrChatNotFound):
		return newError(KindChatNotFound, ErrChatNotFound.Message, err)
	case errors.Is(err, network.ErrInvalidChatID):
		return newError(KindInvalidRequest, "invalid chat id", err)
	case errors.Is(err, network.ErrDeliveryFailed):
		return newError(KindDeliveryFailed, ErrDeliveryFailed.Message, err)
	case errors.Is(err, network.ErrNotConnected):
		return newError(KindNotReady, ErrNotReady.Message, err)
	case errors.Is(err, network.ErrSessionInvalid):
		return newError(KindSessionInvalid, ErrSessionInvalid.Message, err)
	}
	msg := "internal error"
	if fallback == KindDeliveryFailed {
		msg = ErrDeliveryFailed.Message
	}
	return newError(fallback, msg, err)
}
