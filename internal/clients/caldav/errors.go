package caldav

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
)

// ErrorKind buckets remote failures by how the sync engine must react.
type ErrorKind int

const (
	// KindAuth: invalid/expired credentials. Fatal for the cycle, never
	// retried automatically.
	KindAuth ErrorKind = iota
	// KindTransport: timeout, DNS, connection refused. Retryable.
	KindTransport
	// KindServer: 5xx or 429. Retryable with backoff.
	KindServer
	// KindNotFound: 404 on a known resource. A deletion signal, not fatal.
	KindNotFound
	// KindConflict: ETag mismatch on push. The item fails, sync continues.
	KindConflict
	// KindParse: malformed server response. Skip the item and continue.
	KindParse
	// KindCertificate: TLS/chain failure. Requires an explicit trust
	// decision, never auto-retried and never path-probed past.
	KindCertificate
)

func (k ErrorKind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindTransport:
		return "transport"
	case KindServer:
		return "server"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindParse:
		return "parse"
	case KindCertificate:
		return "certificate"
	}
	return "unknown"
}

// Error is a classified remote failure.
type Error struct {
	Kind       ErrorKind
	HTTPStatus int
	Err        error
}

func (e *Error) Error() string {
	if e.HTTPStatus != 0 {
		return fmt.Sprintf("caldav %s (HTTP %d): %v", e.Kind, e.HTTPStatus, e.Err)
	}
	return fmt.Sprintf("caldav %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is a classified caldav error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Kind == kind
}

// Retryable reports whether the error is worth a backoff retry.
func Retryable(err error) bool {
	var ce *Error
	if !errors.As(err, &ce) {
		return true // unclassified errors default to retryable
	}
	return ce.Kind == KindTransport || ce.Kind == KindServer
}

func classifyStatus(status int, err error) *Error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &Error{Kind: KindAuth, HTTPStatus: status, Err: err}
	case status == http.StatusNotFound || status == http.StatusGone:
		return &Error{Kind: KindNotFound, HTTPStatus: status, Err: err}
	case status == http.StatusPreconditionFailed:
		return &Error{Kind: KindConflict, HTTPStatus: status, Err: err}
	case status == http.StatusTooManyRequests || status >= 500:
		return &Error{Kind: KindServer, HTTPStatus: status, Err: err}
	default:
		return &Error{Kind: KindTransport, HTTPStatus: status, Err: err}
	}
}

// classify maps any error coming out of the webdav client or raw HTTP
// calls into the taxonomy. Already-classified errors pass through.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var ce *Error
	if errors.As(err, &ce) {
		return err
	}

	if isCertificateError(err) {
		return &Error{Kind: KindCertificate, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTransport, Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return &Error{Kind: KindTransport, Err: err}
	}

	if code := statusFromError(err); code != 0 {
		return classifyStatus(code, err)
	}

	return &Error{Kind: KindTransport, Err: err}
}

// statusFromError digs an HTTP status code out of error text. The webdav
// client's HTTP error type lives in its internal package and cannot be
// matched by type, so the code has to be read back out of the "%d %s: %v"
// message it formats.
func statusFromError(err error) int {
	for _, f := range strings.Fields(err.Error()) {
		f = strings.Trim(f, ":()")
		if len(f) != 3 {
			continue
		}
		if n, convErr := strconv.Atoi(f); convErr == nil && n >= 100 && n < 600 {
			return n
		}
	}
	return 0
}

func isCertificateError(err error) bool {
	var unknownAuthority x509.UnknownAuthorityError
	var certInvalid x509.CertificateInvalidError
	var hostname x509.HostnameError
	var recordHeader tls.RecordHeaderError
	var certVerification *tls.CertificateVerificationError
	return errors.As(err, &unknownAuthority) ||
		errors.As(err, &certInvalid) ||
		errors.As(err, &hostname) ||
		errors.As(err, &recordHeader) ||
		errors.As(err, &certVerification)
}
