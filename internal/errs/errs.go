// Package errs defines the typed error taxonomy shared by the key, ring,
// shell and connection packages. Every exported error implements error and
// is always produced wrapped with %w so errors.Is/errors.As compose across
// package boundaries.
package errs

import (
	"errors"
	"fmt"
)

// Disconnected indicates the transport is gone.
type Disconnected struct{}

func (Disconnected) Error() string { return "disconnected" }

// UnsupportedKeyType indicates a key type that cannot be generated or
// handled (e.g. Ed448).
type UnsupportedKeyType struct {
	Type string
}

func (e UnsupportedKeyType) Error() string { return "unsupported key type: " + e.Type }

// AuthError indicates authentication was rejected or exhausted.
type AuthError struct {
	Detail string
}

func (e AuthError) Error() string { return "auth failed: " + e.Detail }

func NewAuthError(detail string) error { return fmt.Errorf("%w", AuthError{Detail: detail}) }

// ShellAlreadyRunning is reserved for a one-shell-per-channel-id invariant.
// No code path in this module returns it today.
type ShellAlreadyRunning struct {
	ChannelID string
}

func (e ShellAlreadyRunning) Error() string { return "shell already running: " + e.ChannelID }

// TmuxAttachFailed indicates the bounded attach probe observed a failure.
type TmuxAttachFailed struct {
	Detail string
}

func (e TmuxAttachFailed) Error() string { return "tmux attach failed: " + e.Detail }

func NewTmuxAttachFailed(detail string) error {
	return fmt.Errorf("%w", TmuxAttachFailed{Detail: detail})
}

// IsTmuxAttachFailed reports whether err wraps a TmuxAttachFailed.
func IsTmuxAttachFailed(err error) bool {
	var e TmuxAttachFailed
	return errors.As(err, &e)
}

// TransportError wraps an SSH/IO library failure.
type TransportError struct {
	Detail string
}

func (e TransportError) Error() string { return "transport error: " + e.Detail }

func NewTransportError(detail string) error {
	return fmt.Errorf("%w", TransportError{Detail: detail})
}

// KeyError wraps a key-parse or container failure.
type KeyError struct {
	Detail string
}

func (e KeyError) Error() string { return "key error: " + e.Detail }

func NewKeyError(detail string) error { return fmt.Errorf("%w", KeyError{Detail: detail}) }

// InvalidKey is returned by the normalizer when no repair is possible.
type InvalidKey struct {
	Detail string
}

func (e InvalidKey) Error() string { return "invalid key: " + e.Detail }

func NewInvalidKey(detail string) error { return fmt.Errorf("%w", InvalidKey{Detail: detail}) }
