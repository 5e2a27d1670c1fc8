package relay

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"syscall"

	"github.com/polisai/polis-relay/pkg/domain"
)

// Error classes reported in network_error messages.
const (
	ClassTimeout           = "timeout"
	ClassDNS               = "dns"
	ClassConnectionRefused = "connection_refused"
	ClassTLS               = "tls"
	ClassCanceled          = "canceled"
	ClassBodyTooLarge      = "body_too_large"
	ClassTransport         = "transport"
)

var classErrors = map[string]error{
	ClassBodyTooLarge: domain.ErrBodyTooLarge,
}

// Classify maps a client error to a coarse class. The order matters: a
// canceled caller wins over the timeout it may also report.
func Classify(err error) string {
	if err == nil {
		return ""
	}

	if errors.Is(err, domain.ErrBodyTooLarge) {
		return ClassBodyTooLarge
	}
	if errors.Is(err, context.Canceled) {
		return ClassCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return ClassTimeout
		}
		return ClassDNS
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return ClassConnectionRefused
	}

	var (
		verifyErr   *tls.CertificateVerificationError
		recordErr   tls.RecordHeaderError
		alertErr    tls.AlertError
		unknownAuth x509.UnknownAuthorityError
		hostnameErr x509.HostnameError
		certInvalid x509.CertificateInvalidError
	)
	if errors.As(err, &verifyErr) || errors.As(err, &recordErr) || errors.As(err, &alertErr) ||
		errors.As(err, &unknownAuth) || errors.As(err, &hostnameErr) || errors.As(err, &certInvalid) {
		return ClassTLS
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTimeout
	}

	return ClassTransport
}
