package batch

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

const maxURLLength = 2048

// trackingParams is the fixed denylist of query parameters stripped during
// normalization so tracked and untracked variants of a URL dedupe together.
var trackingParams = map[string]struct{}{
	"gclid":    {},
	"fbclid":   {},
	"msclkid":  {},
	"igshid":   {},
	"mc_cid":   {},
	"mc_eid":   {},
	"ref":      {},
	"source":   {},
	"ref_src":  {},
	"_hsenc":   {},
	"_hsmi":    {},
	"spm":      {},
	"yclid":    {},
	"campaign": {},
}

// Validation subcategory codes.
const (
	ValidationMalformed       = "malformed"
	ValidationInvalidProtocol = "invalid_protocol"
	ValidationInvalidHost     = "invalid_host"
	ValidationPrivateHost     = "private_host"
	ValidationTooLong         = "too_long"
)

// Validation is the outcome of validating a single raw URL.
type Validation struct {
	OK         bool
	Normalized string
	Host       string
	Code       string
	Reason     string
}

// Validator checks syntax, protocol, and host safety for input URLs and
// produces the canonical form used as the dedup key.
type Validator struct {
	maxLength int
}

// NewValidator builds a Validator with the standard length limit.
func NewValidator() *Validator {
	return &Validator{maxLength: maxURLLength}
}

// Validate applies the validation rules and returns either the normalized
// form or a failure category plus reason.
func (v *Validator) Validate(raw string) Validation {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return invalid(ValidationMalformed, "empty URL")
	}
	if len(trimmed) > v.maxLength {
		return invalid(ValidationTooLong, fmt.Sprintf("URL exceeds %d characters", v.maxLength))
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return invalid(ValidationMalformed, err.Error())
	}
	// url.Parse accepts bare words and spaces as relative paths; an input
	// with no scheme at all is malformed, not an unsupported protocol.
	if u.Scheme == "" || strings.ContainsAny(trimmed, " \t") {
		return invalid(ValidationMalformed, "not an absolute URL")
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return invalid(ValidationInvalidProtocol, fmt.Sprintf("unsupported scheme %q", u.Scheme))
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return invalid(ValidationInvalidHost, "missing hostname")
	}
	if strings.Contains(host, "..") || strings.Contains(u.Host, "//") {
		return invalid(ValidationInvalidHost, "malformed hostname")
	}
	if hostIsPrivate(host) {
		return invalid(ValidationPrivateHost, "loopback or private-range host")
	}
	normalized, err := Normalize(trimmed)
	if err != nil {
		return invalid(ValidationMalformed, err.Error())
	}
	return Validation{OK: true, Normalized: normalized, Host: host}
}

func invalid(code, reason string) Validation {
	return Validation{Code: code, Reason: reason}
}

// Normalize standardizes a URL so equivalent forms compare equal. It
// lowercases the scheme and host, removes default ports and fragments,
// strips tracking query parameters, and sorts the remaining parameters.
// Normalize is idempotent.
func Normalize(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""

	q := u.Query()
	for key := range q {
		if isTrackingParam(key) {
			q.Del(key)
		}
	}
	// Encode sorts keys, giving a stable comparison form.
	u.RawQuery = q.Encode()

	return u.String(), nil
}

func isTrackingParam(key string) bool {
	lower := strings.ToLower(key)
	if strings.HasPrefix(lower, "utm_") {
		return true
	}
	_, ok := trackingParams[lower]
	return ok
}

// hostIsPrivate guards against SSRF by rejecting loopback, link-local, and
// private-range hosts. Names that do not parse as IPs are only rejected when
// they are well-known local aliases; DNS resolution is left to the fetch
// collaborator.
func hostIsPrivate(host string) bool {
	switch host {
	case "localhost", "localhost.localdomain", "0.0.0.0", "ip6-localhost":
		return true
	}
	if strings.HasSuffix(host, ".local") || strings.HasSuffix(host, ".internal") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}

// Dedupe validates every input URL and splits the list into valid unique
// items, rejected inputs, and duplicates. The first occurrence of a
// normalized URL wins; later occurrences reference its input index.
func (v *Validator) Dedupe(urls []string) (items []URLItem, rejected []Rejected, dups []Duplicate) {
	seen := make(map[string]int, len(urls))
	for i, raw := range urls {
		res := v.Validate(raw)
		if !res.OK {
			rejected = append(rejected, Rejected{Raw: raw, Index: i, Category: CategoryValidation, Code: res.Code, Reason: res.Reason})
			continue
		}
		if first, ok := seen[res.Normalized]; ok {
			dups = append(dups, Duplicate{Raw: raw, Index: i, FirstIndex: first})
			continue
		}
		seen[res.Normalized] = i
		items = append(items, URLItem{Raw: raw, Normalized: res.Normalized, Host: res.Host, Index: i})
	}
	return items, rejected, dups
}
