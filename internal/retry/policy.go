// Package retry implements the per-category retry policy engine: it decides
// retryability, computes backoff, and selects a pre-retry URL mutation.
package retry

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"

	"github.com/batchpilot/batchpilot/internal/batch"
)

// Backoff names the delay shape applied between attempts.
type Backoff string

// Supported backoff shapes.
const (
	BackoffImmediate         Backoff = "immediate"
	BackoffFixed             Backoff = "fixed"
	BackoffLinear            Backoff = "linear"
	BackoffExponential       Backoff = "exponential"
	BackoffExponentialJitter Backoff = "exponential_with_jitter"
)

// Mutation names the pre-retry URL rewrite strategy.
type Mutation string

// Supported mutation strategies.
const (
	MutationNone            Mutation = ""
	MutationCanonicalize    Mutation = "canonicalize"
	MutationRotateIdentity  Mutation = "rotate_identity"
	MutationDowngradeScheme Mutation = "downgrade_scheme"
)

// Rule describes the retry behavior for one error category. MaxAttempts
// counts the initial attempt plus retries.
type Rule struct {
	MaxAttempts  int
	Backoff      Backoff
	InitialDelay time.Duration
	Multiplier   float64
	Mutation     Mutation
}

// Config controls the Policy. Rules omitted from Overrides fall back to the
// built-in defaults; the numeric defaults are configuration, not invariants.
type Config struct {
	MaxDelay  time.Duration
	Overrides map[batch.Category]Rule
}

// Decision is the outcome of consulting the policy after a failed attempt.
type Decision struct {
	Retry    bool
	Delay    time.Duration
	URL      string
	Identity string
}

// Policy classifies failures and decides retries. It retains a per-URL
// mutation history for the lifetime of a job so an already-tried variant is
// never repeated.
type Policy struct {
	rules    map[batch.Category]Rule
	maxDelay time.Duration
	history  *history
}

const defaultMaxDelay = 30 * time.Second

func defaultRules() map[batch.Category]Rule {
	return map[batch.Category]Rule{
		batch.CategoryNetwork:   {MaxAttempts: 4, Backoff: BackoffExponential, InitialDelay: 500 * time.Millisecond, Multiplier: 2},
		batch.CategoryTimeout:   {MaxAttempts: 3, Backoff: BackoffLinear, InitialDelay: time.Second},
		batch.CategoryRateLimit: {MaxAttempts: 5, Backoff: BackoffExponentialJitter, InitialDelay: 2 * time.Second, Multiplier: 2},
		batch.CategoryServer:    {MaxAttempts: 5, Backoff: BackoffExponential, InitialDelay: time.Second, Multiplier: 2},
		batch.CategoryClient:    {MaxAttempts: 1},
		batch.CategoryDNS:       {MaxAttempts: 2, Backoff: BackoffImmediate, Mutation: MutationCanonicalize},
		batch.CategorySSL:       {MaxAttempts: 2, Backoff: BackoffImmediate, Mutation: MutationDowngradeScheme},
		batch.CategoryParsing:   {MaxAttempts: 1},
		batch.CategoryUnknown:   {MaxAttempts: 2, Backoff: BackoffExponential, InitialDelay: time.Second, Multiplier: 2},
	}
}

// NewPolicy builds a Policy from cfg.
func NewPolicy(cfg Config) *Policy {
	rules := defaultRules()
	for cat, rule := range cfg.Overrides {
		rules[cat] = rule
	}
	maxDelay := cfg.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}
	return &Policy{
		rules:    rules,
		maxDelay: maxDelay,
		history:  newHistory(),
	}
}

// Decide evaluates a failed attempt. originalURL is the item's normalized
// form (the history key); currentURL is the possibly-mutated URL the attempt
// used. attempt counts from 1. budget caps attempts at 1+maxRetries
// regardless of the category rule.
func (p *Policy) Decide(failure *batch.Error, originalURL, currentURL string, attempt, budget int) Decision {
	rule := p.ruleFor(failure)
	maxAttempts := rule.MaxAttempts
	if budget > 0 && budget < maxAttempts {
		maxAttempts = budget
	}
	if attempt >= maxAttempts {
		return Decision{URL: currentURL}
	}

	next := Decision{
		Retry: true,
		Delay: p.backoff(rule, failure, attempt),
		URL:   currentURL,
	}
	switch rule.Mutation {
	case MutationCanonicalize:
		if variant, ok := p.history.nextVariant(originalURL, canonicalVariants(currentURL)); ok {
			next.URL = variant
		}
	case MutationDowngradeScheme:
		if variant, ok := p.history.nextVariant(originalURL, downgradeVariants(currentURL)); ok {
			next.URL = variant
		} else {
			// The downgrade is single-use; without a fresh variant there is
			// nothing left to try.
			return Decision{URL: currentURL}
		}
	case MutationRotateIdentity:
		next.Identity = p.history.nextIdentity(originalURL)
	}
	return next
}

// MarkAttempted records that currentURL has been tried for originalURL so
// the canonicalization mutation never proposes it again.
func (p *Policy) MarkAttempted(originalURL, currentURL string) {
	p.history.mark(originalURL, currentURL)
}

func (p *Policy) ruleFor(failure *batch.Error) Rule {
	rule, ok := p.rules[failure.Category]
	if !ok {
		rule = p.rules[batch.CategoryUnknown]
	}
	// 404 and 403 earn a couple of canonicalization attempts; other client
	// errors stay terminal.
	if failure.Category == batch.CategoryClient {
		switch failure.Status {
		case 403, 404:
			return Rule{MaxAttempts: 2, Backoff: BackoffFixed, InitialDelay: 500 * time.Millisecond, Mutation: MutationCanonicalize}
		}
	}
	return rule
}

func (p *Policy) backoff(rule Rule, failure *batch.Error, attempt int) time.Duration {
	initial := rule.InitialDelay
	// 503 responses usually mean the origin is shedding load; start slower.
	if failure.Status == 503 {
		initial *= 2
	}
	multiplier := rule.Multiplier
	if multiplier <= 0 {
		multiplier = 2
	}

	var delay time.Duration
	switch rule.Backoff {
	case BackoffImmediate:
		return 0
	case BackoffFixed:
		delay = initial
	case BackoffLinear:
		delay = initial * time.Duration(attempt)
	case BackoffExponential:
		delay = scaleExp(initial, multiplier, attempt)
	case BackoffExponentialJitter:
		delay = jitter(scaleExp(initial, multiplier, attempt))
	default:
		delay = initial
	}
	if delay > p.maxDelay {
		delay = p.maxDelay
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

func scaleExp(initial time.Duration, multiplier float64, attempt int) time.Duration {
	scaled := float64(initial) * math.Pow(multiplier, float64(attempt-1))
	if scaled > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(scaled)
}

// jitter shifts the delay by up to 25% in either direction so synchronized
// retries against one host spread out.
func jitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}
	span := delay / 2
	bound := big.NewInt(int64(span))
	if bound.Sign() <= 0 {
		return delay
	}
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return delay
	}
	return delay - span/2 + time.Duration(n.Int64())
}
