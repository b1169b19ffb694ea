package retry

import (
	"net/url"
	"strings"
	"sync"
)

// identityPool is the fixed set of outbound identities the rotate-identity
// mutation cycles through.
var identityPool = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0",
}

// history tracks, per original URL, which variants have been attempted and
// how many identities have been handed out. It lives for the job lifetime.
type history struct {
	mu         sync.Mutex
	tried      map[string]map[string]struct{}
	identities map[string]int
}

func newHistory() *history {
	return &history{
		tried:      make(map[string]map[string]struct{}),
		identities: make(map[string]int),
	}
}

func (h *history) mark(key, variant string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.tried[key]
	if !ok {
		set = make(map[string]struct{})
		h.tried[key] = set
	}
	set[variant] = struct{}{}
}

// nextVariant returns the first candidate not yet attempted for key and
// records it as tried.
func (h *history) nextVariant(key string, candidates []string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.tried[key]
	if !ok {
		set = make(map[string]struct{})
		h.tried[key] = set
	}
	for _, c := range candidates {
		if _, seen := set[c]; seen {
			continue
		}
		set[c] = struct{}{}
		return c, true
	}
	return "", false
}

func (h *history) nextIdentity(key string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := h.identities[key]
	h.identities[key] = n + 1
	return identityPool[n%len(identityPool)]
}

// canonicalVariants lists alternate forms of u in preference order: scheme
// swap, www toggle, then trailing-slash toggle.
func canonicalVariants(raw string) []string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return nil
	}
	var out []string

	swapped := *u
	if u.Scheme == "http" {
		swapped.Scheme = "https"
	} else {
		swapped.Scheme = "http"
	}
	out = append(out, swapped.String())

	toggled := *u
	if strings.HasPrefix(u.Host, "www.") {
		toggled.Host = strings.TrimPrefix(u.Host, "www.")
	} else {
		toggled.Host = "www." + u.Host
	}
	out = append(out, toggled.String())

	slashed := *u
	if strings.HasSuffix(u.Path, "/") && u.Path != "/" {
		slashed.Path = strings.TrimSuffix(u.Path, "/")
	} else {
		slashed.Path = u.Path + "/"
	}
	out = append(out, slashed.String())

	return out
}

// downgradeVariants offers the one-shot https→http rewrite used after SSL
// failures.
func downgradeVariants(raw string) []string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "https" {
		return nil
	}
	down := *u
	down.Scheme = "http"
	return []string{down.String()}
}
