package security

import (
	"strconv"

	"github.com/brickingsoft/errors"
)

var (
	ErrConfiguration        = errors.Define("security: invalid configuration")
	ErrVerificationRejected = errors.Define("security: peer verification rejected")
	ErrCallbackFault        = errors.Define("security: verify peer callback fault")
	ErrTransport            = errors.Define("security: transport failure")
	ErrCanceled             = errors.Define("security: handshake canceled")
	ErrHandshakeState       = errors.Define("security: handshake is not in the required state")
)

// IsConfigurationError reports whether err came from bad or missing key, certificate or CA material.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrConfiguration)
}

// IsVerificationRejected reports whether the handshake aborted because a peer certificate was rejected.
func IsVerificationRejected(err error) bool {
	return errors.Is(err, ErrVerificationRejected)
}

// IsCallbackFault reports whether err is a fault raised by an application verify hook.
func IsCallbackFault(err error) bool {
	return errors.Is(err, ErrCallbackFault)
}

func IsTransportError(err error) bool {
	return errors.Is(err, ErrTransport)
}

func IsCanceled(err error) bool {
	return errors.Is(err, ErrCanceled)
}

func IsHandshakeStateError(err error) bool {
	return errors.Is(err, ErrHandshakeState)
}

const (
	errMetaPkgKey = "pkg"
	errMetaPkgVal = "security"
)

const (
	errMetaOpKey       = "op"
	errMetaOpLoad      = "load"
	errMetaOpConfigure = "configure"
	errMetaOpVerify    = "verify"
	errMetaOpHandshake = "handshake"
	errMetaFileKey     = "file"
	errMetaDepthKey    = "depth"
	errMetaHookKindKey = "hook"
	errMetaStateKey    = "state"
	errMetaPanicKey    = "panic"
)

func newConfigurationError(op string, file string, cause error) error {
	if cause == nil {
		return errors.From(
			ErrConfiguration,
			errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
			errors.WithMeta(errMetaOpKey, op),
			errors.WithMeta(errMetaFileKey, file),
		)
	}
	return errors.From(
		ErrConfiguration,
		errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
		errors.WithMeta(errMetaOpKey, op),
		errors.WithMeta(errMetaFileKey, file),
		errors.WithWrap(cause),
	)
}

func newStateError(state State) error {
	return errors.From(
		ErrHandshakeState,
		errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
		errors.WithMeta(errMetaStateKey, state.String()),
	)
}

func newTransportError(cause error) error {
	if cause == nil || IsTransportError(cause) {
		return cause
	}
	return errors.From(
		ErrTransport,
		errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
		errors.WithMeta(errMetaOpKey, errMetaOpHandshake),
		errors.WithWrap(cause),
	)
}

func newRejectedError(depth int) error {
	return errors.From(
		ErrVerificationRejected,
		errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
		errors.WithMeta(errMetaOpKey, errMetaOpVerify),
		errors.WithMeta(errMetaDepthKey, strconv.Itoa(depth)),
	)
}

func newCanceledError(cause error) error {
	if cause == nil {
		return errors.From(
			ErrCanceled,
			errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
			errors.WithMeta(errMetaOpKey, errMetaOpHandshake),
		)
	}
	return errors.From(
		ErrCanceled,
		errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
		errors.WithMeta(errMetaOpKey, errMetaOpHandshake),
		errors.WithWrap(cause),
	)
}
