package batch

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// Category is the closed error taxonomy used throughout the pipeline.
type Category string

// Failure categories. Every per-attempt error is classified into exactly one.
const (
	CategoryNetwork     Category = "network"
	CategoryTimeout     Category = "timeout"
	CategoryDNS         Category = "dns_error"
	CategorySSL         Category = "ssl_error"
	CategoryRateLimit   Category = "rate_limit"
	CategoryClient      Category = "http_4xx"
	CategoryServer      Category = "http_5xx"
	CategoryParsing     Category = "parsing"
	CategoryValidation  Category = "validation"
	CategoryCircuitOpen Category = "circuit_open"
	CategoryUnknown     Category = "unknown"
)

// Error is the tagged failure type carried through the pipeline. Status is
// only set for the HTTP categories; Code is a stable machine identifier used
// as the pattern key in the error report.
type Error struct {
	Category Category
	Code     string
	Status   int
	URL      string
	Err      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %v", e.Category, e.Code, e.Err)
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s (%s): status %d", e.Category, e.Code, e.Status)
	}
	return fmt.Sprintf("%s (%s)", e.Category, e.Code)
}

// Unwrap exposes the cause for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a tagged error for the given category.
func NewError(cat Category, code, url string, cause error) *Error {
	return &Error{Category: cat, Code: code, URL: url, Err: cause}
}

// NewHTTPError maps an HTTP status code into the taxonomy. 429 is treated as
// rate limiting rather than a generic client error.
func NewHTTPError(url string, status int) *Error {
	e := &Error{
		Code:   fmt.Sprintf("http_%d", status),
		Status: status,
		URL:    url,
	}
	switch {
	case status == 429:
		e.Category = CategoryRateLimit
	case status >= 400 && status < 500:
		e.Category = CategoryClient
	case status >= 500 && status < 600:
		e.Category = CategoryServer
	default:
		e.Category = CategoryUnknown
	}
	return e
}

// Classify maps an arbitrary error into a tagged *Error. Already-tagged
// errors pass through unchanged.
func Classify(url string, err error) *Error {
	if err == nil {
		return nil
	}
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(CategoryTimeout, "deadline_exceeded", url, err)
	}
	if errors.Is(err, context.Canceled) {
		return NewError(CategoryTimeout, "canceled", url, err)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return NewError(CategoryDNS, "dns_lookup", url, err)
	}
	if isTLSError(err) {
		return NewError(CategorySSL, "tls_handshake", url, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewError(CategoryTimeout, "net_timeout", url, err)
	}
	if code, ok := sysCode(err); ok {
		return NewError(CategoryNetwork, code, url, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return NewError(CategoryNetwork, "net_"+opErr.Op, url, err)
	}
	return NewError(CategoryUnknown, "unclassified", url, err)
}

func isTLSError(err error) bool {
	var recErr tls.RecordHeaderError
	if errors.As(err, &recErr) {
		return true
	}
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return true
	}
	var hostErr x509.HostnameError
	if errors.As(err, &hostErr) {
		return true
	}
	var authErr x509.UnknownAuthorityError
	if errors.As(err, &authErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "tls:") || strings.Contains(msg, "x509:")
}

func sysCode(err error) (string, bool) {
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return "conn_refused", true
	case errors.Is(err, syscall.ECONNRESET):
		return "conn_reset", true
	case errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH):
		return "unreachable", true
	case errors.Is(err, syscall.EPIPE):
		return "broken_pipe", true
	default:
		return "", false
	}
}
