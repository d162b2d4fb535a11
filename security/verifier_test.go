package security

import (
	"testing"

	"github.com/brickingsoft/riotls/pkg/certs"
	"github.com/stretchr/testify/require"
)

func TestHookOf(t *testing.T) {
	cases := []struct {
		fn   any
		kind HookKind
	}{
		{fn: nil, kind: HookNone},
		{fn: func() bool { return true }, kind: HookNoArgs},
		{fn: func(*PresentedCertificate) bool { return true }, kind: HookCertOnly},
		{fn: func(*PresentedCertificate, bool) bool { return true }, kind: HookCertAndPreverify},
		{fn: NoArgsHook(func() bool { return true }), kind: HookNoArgs},
		{fn: CertOnlyHook(nil), kind: HookNone},
	}
	for _, c := range cases {
		hook, err := HookOf(c.fn)
		require.NoError(t, err)
		require.Equal(t, c.kind, hook.Kind())
		require.Equal(t, c.kind != HookNone, hook.Installed())
	}

	_, err := HookOf(func(string) bool { return true })
	require.True(t, IsConfigurationError(err))
	_, err = HookOf(42)
	require.True(t, IsConfigurationError(err))
	require.Panics(t, func() {
		MustHookOf("hook")
	})
}

func TestVerifyHookArguments(t *testing.T) {
	id, err := certs.SelfSigned("peer")
	require.NoError(t, err)
	cert := newPresentedCertificate(id.Certificate.Raw, id.Certificate, 0)

	var (
		seen      *PresentedCertificate
		preverify bool
	)
	full := CertAndPreverifyHook(func(c *PresentedCertificate, ok bool) bool {
		seen, preverify = c, ok
		return !ok
	})
	ok, err := full.invoke(cert, true)
	require.NoError(t, err)
	require.False(t, ok)
	require.Same(t, cert, seen)
	require.True(t, preverify)

	seen = nil
	certOnly := CertOnlyHook(func(c *PresentedCertificate) bool {
		seen = c
		return true
	})
	ok, err = certOnly.invoke(cert, false)
	require.NoError(t, err)
	require.True(t, ok)
	require.Same(t, cert, seen)

	noArgs := NoArgsHook(func() bool { return false })
	ok, err = noArgs.invoke(cert, true)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestVerifyHookPanic(t *testing.T) {
	id, err := certs.SelfSigned("peer")
	require.NoError(t, err)
	cert := newPresentedCertificate(id.Certificate.Raw, id.Certificate, 2)

	hook := CertOnlyHook(func(*PresentedCertificate) bool {
		panic("boom")
	})
	ok, err := hook.invoke(cert, true)
	require.False(t, ok)
	require.True(t, IsCallbackFault(err))
}

func TestVerifierDecide(t *testing.T) {
	id, err := certs.SelfSigned("peer")
	require.NoError(t, err)
	cert := newPresentedCertificate(id.Certificate.Raw, id.Certificate, 0)

	accept := CertAndPreverifyHook(func(*PresentedCertificate, bool) bool { return true })
	reject := NoArgsHook(func() bool { return false })
	echo := CertAndPreverifyHook(func(_ *PresentedCertificate, ok bool) bool { return ok })
	fault := NoArgsHook(func() bool { panic("boom") })

	cases := []struct {
		name      string
		hook      VerifyHook
		preverify bool
		want      bool
		fault     bool
	}{
		{name: "default trusted", preverify: true, want: true},
		{name: "default untrusted", preverify: false, want: false},
		{name: "accept overrides preverify", hook: accept, preverify: false, want: true},
		{name: "reject overrides preverify", hook: reject, preverify: true, want: false},
		{name: "echo trusted", hook: echo, preverify: true, want: true},
		{name: "echo untrusted", hook: echo, preverify: false, want: false},
		{name: "fault fails closed", hook: fault, preverify: true, want: false, fault: true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			v := NewVerifier(nil, c.hook)
			require.True(t, v.TrustStore().Empty())
			ok, faultErr := v.Decide(cert, c.preverify)
			require.Equal(t, c.want, ok)
			require.Equal(t, c.fault, faultErr != nil)
		})
	}
}

func TestPresentedCertificateRelease(t *testing.T) {
	id, err := certs.SelfSigned("peer")
	require.NoError(t, err)
	cert := newPresentedCertificate(id.Certificate.Raw, id.Certificate, 1)
	kept := cert.Clone()
	other := newPresentedCertificate(id.Certificate.Raw, id.Certificate, 0)
	require.True(t, cert.Equal(other))

	cert.release()
	kept.release()
	require.False(t, cert.Valid())
	require.Nil(t, cert.PEM())
	require.Equal(t, 1, cert.Depth())
	require.False(t, cert.Equal(other))
	require.True(t, kept.Valid())
	require.True(t, kept.Equal(other))
}
