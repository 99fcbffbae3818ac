package schema

import (
	"errors"
	"fmt"
)

var (
	ErrNotExist = errors.New("not_exist_record")
	ErrNotFound = errors.New("not_found")

	ErrValidation             = errors.New("voucher_validation")
	ErrSignature              = errors.New("voucher_signature_mismatch")
	ErrDuplicateVoucher       = errors.New("voucher_duplicate")
	ErrVoucherNotFound        = errors.New("voucher_not_found")
	ErrVoucherNotPending      = errors.New("voucher_not_pending")
	ErrItemNotFound           = errors.New("item_not_found")
	ErrNoRpcEndpoint          = errors.New("no_rpc_endpoint")
	ErrTransientChain         = errors.New("transient_chain_error")
	ErrNotYetConfirmed        = errors.New("not_yet_confirmed")
	ErrTerminalReconciliation = errors.New("terminal_reconciliation_failure")
	ErrClaimLost              = errors.New("pending_transfer_claim_lost")
	ErrDeadLetter             = errors.New("dead_letter_event")
	ErrListenerState          = errors.New("listener_invalid_state")
	ErrQueueFull              = errors.New("event_queue_full")
	ErrNotImplement           = errors.New("method not implement")
)

// ValidationError reports malformed voucher input. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// SignatureError reports that the recovered signer differs from the claimed creator.
type SignatureError struct {
	Expected  string
	Recovered string
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("signature mismatch: expected %s, recovered %s", e.Expected, e.Recovered)
}

func (e *SignatureError) Is(target error) bool {
	return target == ErrSignature
}
