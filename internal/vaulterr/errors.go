// Package vaulterr defines the typed failures surfaced by the storage engine.
//
// Every failure carries a Kind and, where the kind has sub-cases, a Reason.
// Callers match with errors.Is against the exported sentinels: a sentinel with
// an empty Reason matches every reason of its kind.
//
//	if errors.Is(err, vaulterr.ErrMissingCompletionMarker) {
//		// write was interrupted
//	}
package vaulterr

import (
	"errors"
	"fmt"
)

// Kind identifies the failure family.
type Kind string

const (
	KindInvalidPassword           Kind = "invalidPassword"
	KindPasswordTooShort          Kind = "passwordTooShort"
	KindHMACVerificationFailed    Kind = "hmacVerificationFailed"
	KindDecryptionFailed          Kind = "decryptionFailed"
	KindInvalidFileFormat         Kind = "invalidFileFormat"
	KindVaultNotInitialized       Kind = "vaultNotInitialized"
	KindOperationDeniedByLockdown Kind = "operationDeniedByLockdown"
)

// Reason refines KindDecryptionFailed and KindInvalidFileFormat.
type Reason string

const (
	ReasonMissingCompletionMarker Reason = "missingCompletionMarker"
	ReasonInvalidCompletionMarker Reason = "invalidCompletionMarker"
	ReasonUnexpectedTrailingData  Reason = "unexpectedTrailingData"
	ReasonCorruptChunkLength      Reason = "corruptChunkLength"

	ReasonUnsupportedStreamVersion Reason = "unsupportedStreamVersion"
	ReasonInvalidMagic             Reason = "invalidMagic"
	ReasonTruncatedHeader          Reason = "truncatedHeader"
	ReasonInvalidChunkSize         Reason = "invalidChunkSize"
)

// Error is the tagged failure value. MinLength is only meaningful for
// KindPasswordTooShort.
type Error struct {
	Kind      Kind
	Reason    Reason
	MinLength int
	Err       error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	switch {
	case e.Kind == KindPasswordTooShort:
		msg = fmt.Sprintf("%s(%d)", msg, e.MinLength)
	case e.Reason != "":
		msg = fmt.Sprintf("%s(%s)", msg, e.Reason)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind, and on Reason when the target names one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

var (
	ErrInvalidPassword           = &Error{Kind: KindInvalidPassword}
	ErrPasswordTooShort          = &Error{Kind: KindPasswordTooShort}
	ErrHMACVerificationFailed    = &Error{Kind: KindHMACVerificationFailed}
	ErrDecryptionFailed          = &Error{Kind: KindDecryptionFailed}
	ErrInvalidFileFormat         = &Error{Kind: KindInvalidFileFormat}
	ErrVaultNotInitialized       = &Error{Kind: KindVaultNotInitialized}
	ErrOperationDeniedByLockdown = &Error{Kind: KindOperationDeniedByLockdown}

	ErrMissingCompletionMarker = &Error{Kind: KindDecryptionFailed, Reason: ReasonMissingCompletionMarker}
	ErrInvalidCompletionMarker = &Error{Kind: KindDecryptionFailed, Reason: ReasonInvalidCompletionMarker}
	ErrUnexpectedTrailingData  = &Error{Kind: KindDecryptionFailed, Reason: ReasonUnexpectedTrailingData}
	ErrCorruptChunkLength      = &Error{Kind: KindDecryptionFailed, Reason: ReasonCorruptChunkLength}

	ErrUnsupportedStreamVersion = &Error{Kind: KindInvalidFileFormat, Reason: ReasonUnsupportedStreamVersion}
	ErrInvalidMagic             = &Error{Kind: KindInvalidFileFormat, Reason: ReasonInvalidMagic}
	ErrTruncatedHeader          = &Error{Kind: KindInvalidFileFormat, Reason: ReasonTruncatedHeader}
	ErrInvalidChunkSize         = &Error{Kind: KindInvalidFileFormat, Reason: ReasonInvalidChunkSize}
)

// DecryptionFailed returns a decryptionFailed error with the given reason.
func DecryptionFailed(reason Reason, err error) error {
	return &Error{Kind: KindDecryptionFailed, Reason: reason, Err: err}
}

// InvalidFileFormat returns an invalidFileFormat error with the given reason.
func InvalidFileFormat(reason Reason, err error) error {
	return &Error{Kind: KindInvalidFileFormat, Reason: reason, Err: err}
}

// HMACVerificationFailed reports an integrity failure, wrapping the cause.
func HMACVerificationFailed(err error) error {
	return &Error{Kind: KindHMACVerificationFailed, Err: err}
}

// PasswordTooShort reports a password below minLength runes.
func PasswordTooShort(minLength int) error {
	return &Error{Kind: KindPasswordTooShort, MinLength: minLength}
}

// VaultNotInitialized reports an operation attempted before setup or while locked.
func VaultNotInitialized(detail string) error {
	return &Error{Kind: KindVaultNotInitialized, Err: errors.New(detail)}
}

// As extracts the typed failure from an error chain.
func As(err error) (*Error, bool) {
	var ve *Error
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}
