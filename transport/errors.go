package transport

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
)

// ErrUnsupportedProtocol is a permanent error: the remote spoke a protocol
// this endpoint cannot negotiate (e.g. a framing mismatch discovered during
// the handshake).
var ErrUnsupportedProtocol = errors.New("transport: unsupported protocol")

// PermanentError wraps an error that must not trigger a reconnect attempt
// (spec §4.3: "Authentication failures and unsupported-protocol errors are
// permanent and bypass reconnect").
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return fmt.Sprintf("transport: permanent error: %v", e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

func permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// isPermanent classifies err as permanent (certificate/authentication
// failures, unsupported protocol) vs transient (anything else: timeouts,
// connection refused, reset, EOF).
func isPermanent(err error) bool {
	if err == nil {
		return false
	}
	var perm *PermanentError
	if errors.As(err, &perm) {
		return true
	}
	var certErr x509.CertificateInvalidError
	if errors.As(err, &certErr) {
		return true
	}
	var unknownAuthErr x509.UnknownAuthorityError
	if errors.As(err, &unknownAuthErr) {
		return true
	}
	var hostnameErr x509.HostnameError
	if errors.As(err, &hostnameErr) {
		return true
	}
	var recordHdrErr tls.RecordHeaderError
	if errors.As(err, &recordHdrErr) {
		return true
	}
	var certVerifyErr *tls.CertificateVerificationError
	if errors.As(err, &certVerifyErr) {
		return true
	}
	if errors.Is(err, ErrUnsupportedProtocol) {
		return true
	}
	return false
}
