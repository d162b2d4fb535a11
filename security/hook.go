package security

import (
	"fmt"
	"strconv"

	"github.com/brickingsoft/errors"
)

// HookKind tells which arguments a VerifyHook receives.
type HookKind uint8

const (
	HookNone HookKind = iota
	HookNoArgs
	HookCertOnly
	HookCertAndPreverify
)

func (kind HookKind) String() string {
	switch kind {
	case HookNone:
		return "none"
	case HookNoArgs:
		return "no_args"
	case HookCertOnly:
		return "cert_only"
	case HookCertAndPreverify:
		return "cert_and_preverify"
	default:
		return "HookKind(" + strconv.Itoa(int(kind)) + ")"
	}
}

// VerifyHook is the application's verify peer callback in one of its three
// accepted forms. The form is fixed when the hook is built; invoking it never
// inspects the function again. The zero value is no hook.
type VerifyHook struct {
	kind     HookKind
	noArgs   func() bool
	certOnly func(cert *PresentedCertificate) bool
	full     func(cert *PresentedCertificate, preverifyOK bool) bool
}

// NoArgsHook ignores both the certificate and the preverify result.
func NoArgsHook(fn func() bool) VerifyHook {
	if fn == nil {
		return VerifyHook{}
	}
	return VerifyHook{kind: HookNoArgs, noArgs: fn}
}

// CertOnlyHook receives the presented certificate only.
func CertOnlyHook(fn func(cert *PresentedCertificate) bool) VerifyHook {
	if fn == nil {
		return VerifyHook{}
	}
	return VerifyHook{kind: HookCertOnly, certOnly: fn}
}

// CertAndPreverifyHook receives the certificate and the chain preverify result.
func CertAndPreverifyHook(fn func(cert *PresentedCertificate, preverifyOK bool) bool) VerifyHook {
	if fn == nil {
		return VerifyHook{}
	}
	return VerifyHook{kind: HookCertAndPreverify, full: fn}
}

// HookOf builds a VerifyHook from any of the accepted function forms:
//
//	func() bool
//	func(*PresentedCertificate) bool
//	func(*PresentedCertificate, bool) bool
//
// A nil value yields no hook; any other type is a configuration error.
func HookOf(fn any) (hook VerifyHook, err error) {
	switch f := fn.(type) {
	case nil:
	case VerifyHook:
		hook = f
	case func() bool:
		hook = NoArgsHook(f)
	case func(*PresentedCertificate) bool:
		hook = CertOnlyHook(f)
	case func(*PresentedCertificate, bool) bool:
		hook = CertAndPreverifyHook(f)
	default:
		err = errors.From(
			ErrConfiguration,
			errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
			errors.WithMeta(errMetaOpKey, errMetaOpConfigure),
			errors.WithMeta(errMetaHookKindKey, fmt.Sprintf("%T", fn)),
		)
	}
	return
}

// MustHookOf is like HookOf but panics on an unsupported form.
func MustHookOf(fn any) VerifyHook {
	hook, err := HookOf(fn)
	if err != nil {
		panic(err)
	}
	return hook
}

func (hook VerifyHook) Kind() HookKind {
	return hook.kind
}

// Installed reports whether the hook has a function behind it.
func (hook VerifyHook) Installed() bool {
	return hook.kind != HookNone
}

// invoke calls the hook with the arguments its form declares. A panic in the
// application function is turned into a fault; ok is false in that case.
func (hook VerifyHook) invoke(cert *PresentedCertificate, preverifyOK bool) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			err = errors.From(
				ErrCallbackFault,
				errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
				errors.WithMeta(errMetaOpKey, errMetaOpVerify),
				errors.WithMeta(errMetaHookKindKey, hook.kind.String()),
				errors.WithMeta(errMetaDepthKey, strconv.Itoa(cert.Depth())),
				errors.WithMeta(errMetaPanicKey, fmt.Sprint(r)),
			)
		}
	}()
	switch hook.kind {
	case HookNoArgs:
		ok = hook.noArgs()
	case HookCertOnly:
		ok = hook.certOnly(cert)
	case HookCertAndPreverify:
		ok = hook.full(cert, preverifyOK)
	default:
		ok = preverifyOK
	}
	return
}
