package retry

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/batchpilot/batchpilot/internal/batch"
)

func dnsErr(url string) *batch.Error {
	return batch.NewError(batch.CategoryDNS, "dns_lookup", url, nil)
}

func sslErr(url string) *batch.Error {
	return batch.NewError(batch.CategorySSL, "tls_handshake", url, nil)
}

func TestCanonicalizeWalksVariants(t *testing.T) {
	t.Parallel()

	p := NewPolicy(Config{Overrides: map[batch.Category]Rule{
		batch.CategoryDNS: {MaxAttempts: 5, Backoff: BackoffImmediate, Mutation: MutationCanonicalize},
	}})
	orig := "http://example.com/page"
	p.MarkAttempted(orig, orig)

	d := p.Decide(dnsErr(orig), orig, orig, 1, 0)
	require.True(t, d.Retry)
	require.Equal(t, "https://example.com/page", d.URL)

	d = p.Decide(dnsErr(orig), orig, orig, 2, 0)
	require.True(t, d.Retry)
	require.Equal(t, "http://www.example.com/page", d.URL)

	d = p.Decide(dnsErr(orig), orig, orig, 3, 0)
	require.True(t, d.Retry)
	require.Equal(t, "http://example.com/page/", d.URL)

	// Every variant of the plain form has been tried; the URL stays put.
	d = p.Decide(dnsErr(orig), orig, orig, 4, 0)
	require.True(t, d.Retry)
	require.Equal(t, orig, d.URL)
}

func TestCanonicalizeNeverRepeatsAttemptedURL(t *testing.T) {
	t.Parallel()

	p := NewPolicy(Config{Overrides: map[batch.Category]Rule{
		batch.CategoryDNS: {MaxAttempts: 5, Backoff: BackoffImmediate, Mutation: MutationCanonicalize},
	}})
	orig := "http://example.com/page"
	p.MarkAttempted(orig, orig)
	p.MarkAttempted(orig, "https://example.com/page")

	d := p.Decide(dnsErr(orig), orig, orig, 1, 0)
	require.True(t, d.Retry)
	require.Equal(t, "http://www.example.com/page", d.URL)
}

func TestDowngradeSchemeIsOneShot(t *testing.T) {
	t.Parallel()

	p := NewPolicy(Config{Overrides: map[batch.Category]Rule{
		batch.CategorySSL: {MaxAttempts: 5, Backoff: BackoffImmediate, Mutation: MutationDowngradeScheme},
	}})
	orig := "https://secure.example.com/page"

	d := p.Decide(sslErr(orig), orig, orig, 1, 0)
	require.True(t, d.Retry)
	require.Equal(t, "http://secure.example.com/page", d.URL)

	// The downgraded form already failed once; with no variant left the
	// failure is terminal even though attempts remain.
	d = p.Decide(sslErr(d.URL), orig, d.URL, 2, 0)
	require.False(t, d.Retry)
}

func TestDowngradeSchemeSkipsPlainHTTP(t *testing.T) {
	t.Parallel()

	p := NewPolicy(Config{Overrides: map[batch.Category]Rule{
		batch.CategorySSL: {MaxAttempts: 5, Backoff: BackoffImmediate, Mutation: MutationDowngradeScheme},
	}})
	orig := "http://example.com/page"
	d := p.Decide(sslErr(orig), orig, orig, 1, 0)
	require.False(t, d.Retry)
}

func TestRotateIdentityCyclesPool(t *testing.T) {
	t.Parallel()

	p := NewPolicy(Config{Overrides: map[batch.Category]Rule{
		batch.CategoryRateLimit: {MaxAttempts: 10, Backoff: BackoffImmediate, Mutation: MutationRotateIdentity},
	}})
	failure := batch.NewError(batch.CategoryRateLimit, "http_429", "https://example.com/p", nil)
	orig := "https://example.com/p"

	seen := make([]string, 0, len(identityPool)+1)
	for attempt := 1; attempt <= len(identityPool)+1; attempt++ {
		d := p.Decide(failure, orig, orig, attempt, 0)
		require.True(t, d.Retry)
		require.Equal(t, orig, d.URL)
		require.NotEmpty(t, d.Identity)
		seen = append(seen, d.Identity)
	}
	require.Equal(t, identityPool[0], seen[0])
	require.Equal(t, identityPool[1], seen[1])
	// After the pool is exhausted the rotation wraps around.
	require.Equal(t, identityPool[0], seen[len(identityPool)])
}

func TestIdentityRotationIsPerURL(t *testing.T) {
	t.Parallel()

	p := NewPolicy(Config{Overrides: map[batch.Category]Rule{
		batch.CategoryRateLimit: {MaxAttempts: 10, Backoff: BackoffImmediate, Mutation: MutationRotateIdentity},
	}})
	failure := batch.NewError(batch.CategoryRateLimit, "http_429", "", nil)

	a := p.Decide(failure, "https://example.com/a", "https://example.com/a", 1, 0)
	b := p.Decide(failure, "https://example.com/b", "https://example.com/b", 1, 0)
	require.Equal(t, identityPool[0], a.Identity)
	require.Equal(t, identityPool[0], b.Identity)
}

func TestCanonicalVariantsOrdering(t *testing.T) {
	t.Parallel()

	got := canonicalVariants("https://www.example.com/a/")
	require.Equal(t, []string{
		"http://www.example.com/a/",
		"https://example.com/a/",
		"https://www.example.com/a",
	}, got)

	require.Nil(t, canonicalVariants("::not-a-url"))
}
