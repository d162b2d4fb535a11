package security

import (
	"crypto/x509"
)

// Verifier decides whether a presented certificate is accepted.
//
// Without a hook the decision is the preverify result, so an empty trust store
// rejects every peer. With a hook the hook has the final word and preverify is
// only passed along to the two argument form.
type Verifier struct {
	store *TrustStore
	hook  VerifyHook
}

func NewVerifier(store *TrustStore, hook VerifyHook) *Verifier {
	if store == nil {
		store = NewTrustStore()
	}
	return &Verifier{
		store: store,
		hook:  hook,
	}
}

// Preverify validates chain[depth] against the trust store.
func (v *Verifier) Preverify(chain []*x509.Certificate, depth int) bool {
	return v.store.Preverify(chain, depth)
}

// Decide returns accept or reject for one certificate. A fault from the hook
// is returned alongside a reject.
func (v *Verifier) Decide(cert *PresentedCertificate, preverifyOK bool) (accept bool, fault error) {
	if !v.hook.Installed() {
		accept = preverifyOK
		return
	}
	accept, fault = v.hook.invoke(cert, preverifyOK)
	if fault != nil {
		accept = false
	}
	return
}

func (v *Verifier) Hook() VerifyHook {
	return v.hook
}

func (v *Verifier) TrustStore() *TrustStore {
	return v.store
}
