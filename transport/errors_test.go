package transport

import (
	"crypto/x509"
	"errors"
	"testing"
)

func TestIsPermanentClassifiesCertErrors(t *testing.T) {
	if !isPermanent(x509.CertificateInvalidError{Reason: x509.Expired}) {
		t.Error("expired certificate should be classified permanent")
	}
	if !isPermanent(x509.HostnameError{}) {
		t.Error("hostname mismatch should be classified permanent")
	}
	if !isPermanent(ErrUnsupportedProtocol) {
		t.Error("unsupported protocol should be classified permanent")
	}
	if !isPermanent(permanent(errors.New("auth failed"))) {
		t.Error("explicitly wrapped PermanentError should be classified permanent")
	}
}

func TestIsPermanentTreatsOrdinaryErrorsAsTransient(t *testing.T) {
	if isPermanent(errors.New("connection reset by peer")) {
		t.Error("a generic error should be classified transient, not permanent")
	}
	if isPermanent(nil) {
		t.Error("nil should never be permanent")
	}
}
