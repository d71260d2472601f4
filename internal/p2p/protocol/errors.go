package protocol

import (
	"context"
	"errors"
	"fmt"

	"github.com/execution-hub/channel-hub/internal/domain/channel"
)

// Kind classifies protocol failures.
type Kind string

const (
	KindSignatureInvalid   Kind = "SIGNATURE_INVALID"
	KindCommitmentMismatch Kind = "COMMITMENT_MISMATCH"
	KindNoSuchProposal     Kind = "NO_SUCH_PROPOSAL"
	KindNoSuchAppInstance  Kind = "NO_SUCH_APP_INSTANCE"
	KindStaleVersionNumber Kind = "STALE_VERSION_NUMBER"
	KindLeaseTimeout       Kind = "LEASE_TIMEOUT"
	KindSyncUnresolvable   Kind = "SYNC_UNRESOLVABLE"
	KindUnknownProtocol    Kind = "UNKNOWN_PROTOCOL"
	KindMessageTimeout     Kind = "MESSAGE_TIMEOUT"
	KindInvalidParams      Kind = "INVALID_PARAMS"
	KindTransport          Kind = "TRANSPORT"
	KindInternal           Kind = "INTERNAL"
)

// Error is a classified protocol failure.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Detail != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	case e.Detail != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds a classified error with a formatted detail.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. An already classified error keeps its kind.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf maps any error onto the protocol taxonomy.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	switch {
	case errors.Is(err, channel.ErrProposalNotFound):
		return KindNoSuchProposal
	case errors.Is(err, channel.ErrAppNotFound):
		return KindNoSuchAppInstance
	case errors.Is(err, channel.ErrStaleVersion), errors.Is(err, channel.ErrChannelExists):
		return KindStaleVersionNumber
	case errors.Is(err, channel.ErrChannelNotFound):
		// a missing channel means this side is behind
		return KindStaleVersionNumber
	case errors.Is(err, channel.ErrInsufficientBalance), errors.Is(err, channel.ErrInvalidOwners):
		return KindInvalidParams
	case errors.Is(err, context.DeadlineExceeded):
		return KindMessageTimeout
	default:
		return KindInternal
	}
}

// Classify returns err as an *Error, deriving its kind when needed.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return &Error{Kind: KindOf(err), Err: err}
}

// IsDivergence reports whether err suggests the peers' persisted views of a
// channel have drifted apart and a sync may repair it.
func IsDivergence(err error) bool {
	switch KindOf(err) {
	case KindNoSuchProposal, KindNoSuchAppInstance, KindStaleVersionNumber, KindMessageTimeout:
		return true
	default:
		return false
	}
}

// WireError carries a failure back to the counterparty.
type WireError struct {
	Kind   Kind   `json:"kind"`
	Detail string `json:"detail"`
}

// ToWire converts err for transmission.
func ToWire(err error) *WireError {
	if err == nil {
		return nil
	}
	return &WireError{Kind: KindOf(err), Detail: err.Error()}
}

// Err converts a received wire error back into an *Error.
func (w *WireError) Err() error {
	if w == nil {
		return nil
	}
	return &Error{Kind: w.Kind, Detail: "counterparty: " + w.Detail}
}
