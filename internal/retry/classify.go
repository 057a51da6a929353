// Copyright (c) 2025 Gatekeeper Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package retry wraps a fallible callable with error classification,
// exponential backoff with jitter, and a per-attempt timeout.
//
// Classification is data: an ordered list of matchers, first hit wins.
// Adding a new error kind is one more entry in the list, and tests can
// enumerate coverage instead of tracing branches. Marker interfaces let
// other packages inject their own classifications without this package
// importing them.
package retry

import (
	"errors"
	"strings"
)

// Kind is the coarse bucket a classified error falls into.
type Kind string

const (
	KindTransient Kind = "transient"
	KindPermanent Kind = "permanent"
	KindUnknown   Kind = "unknown"
)

// Severity ranks how serious a classified error is.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Classification is the structured outcome of classifying an error.
type Classification struct {
	Code            string
	Kind            Kind
	Severity        Severity
	Retryable       bool
	RecoveryActions []string
	Metadata        map[string]string
}

// ValidationMarker is implemented by errors that should always classify as
// VALIDATION_ERROR regardless of their message text, such as
// internal/schema.SchemaValidationError.
type ValidationMarker interface {
	IsValidationError() bool
}

// CircuitOpenMarker is implemented by pkg/breaker.OpenError. An open
// breaker is transient for retry purposes but keeps its own CIRCUIT_OPEN
// code and time-until-reset metadata, so it is checked ahead of the
// generic matcher list.
type CircuitOpenMarker interface {
	CircuitTimeUntilReset() string
}

// RetryableMarker is implemented by errors whose producer already knows
// whether they're worth retrying, bypassing the text-pattern rules
// entirely. The Scheduler uses this for a gate's non-zero exit: not a
// rate-limit/network/auth/timeout condition in its own right, but a
// normal outcome that a retry-configured gate reattempts up to
// maxAttempts regardless.
type RetryableMarker interface {
	IsRetryable() bool
}

type matcher struct {
	code      string
	kind      Kind
	severity  Severity
	retryable bool
	actions   []string
	match     func(msg string) bool
}

var matchers = []matcher{
	{
		code: "RATE_LIMIT", kind: KindTransient, severity: SeverityMedium, retryable: true,
		actions: []string{"wait for the rate limit window to reset", "reduce request concurrency"},
		match:   containsAny("rate limit", "rate-limit", "too many requests", "429"),
	},
	{
		code: "NETWORK_ERROR", kind: KindTransient, severity: SeverityMedium, retryable: true,
		actions: []string{"check network connectivity", "retry once the endpoint is reachable"},
		match:   containsAny("econnrefused", "enotfound", "etimedout", "network", "fetch failed"),
	},
	{
		code: "AUTH_ERROR", kind: KindPermanent, severity: SeverityCritical, retryable: false,
		actions: []string{"verify credentials", "re-authenticate before retrying"},
		match:   containsAny("unauthorized", "authentication"),
	},
	{
		code: "TIMEOUT_ERROR", kind: KindTransient, severity: SeverityMedium, retryable: true,
		actions: []string{"increase the per-attempt timeout", "retry the operation"},
		match:   containsAny("timeout", "timed out", "deadline exceeded"),
	},
	{
		code: "SERVICE_UNAVAILABLE", kind: KindTransient, severity: SeverityMedium, retryable: true,
		actions: []string{"retry after a short delay", "check downstream service health"},
		match:   containsAny("503", "502", "service unavailable"),
	},
}

// Classify maps err to a Classification: marker interfaces first (circuit
// open, validation, producer-declared retryability), then the ordered
// text-pattern matchers, then an unknown/non-retryable fallback.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Kind: KindUnknown, Severity: SeverityLow, Retryable: false, Code: "NO_ERROR"}
	}

	var circuitOpen CircuitOpenMarker
	if errors.As(err, &circuitOpen) {
		return Classification{
			Code:            "CIRCUIT_OPEN",
			Kind:            KindTransient,
			Severity:        SeverityMedium,
			Retryable:       true,
			RecoveryActions: []string{"wait for the circuit breaker to reset", "investigate the downstream failure"},
			Metadata:        map[string]string{"timeUntilReset": circuitOpen.CircuitTimeUntilReset()},
		}
	}

	var validation ValidationMarker
	if errors.As(err, &validation) && validation.IsValidationError() {
		return Classification{
			Code:            "VALIDATION_ERROR",
			Kind:            KindPermanent,
			Severity:        SeverityHigh,
			Retryable:       false,
			RecoveryActions: []string{"fix the plan document and resubmit"},
		}
	}

	var retryable RetryableMarker
	if errors.As(err, &retryable) {
		if retryable.IsRetryable() {
			return Classification{Code: "GATE_RETRYABLE", Kind: KindTransient, Severity: SeverityMedium, Retryable: true}
		}
		return Classification{Code: "GATE_NOT_RETRYABLE", Kind: KindPermanent, Severity: SeverityMedium, Retryable: false}
	}

	msg := strings.ToLower(err.Error())
	for _, m := range matchers {
		if m.match(msg) {
			return Classification{
				Code:            m.code,
				Kind:            m.kind,
				Severity:        m.severity,
				Retryable:       m.retryable,
				RecoveryActions: m.actions,
			}
		}
	}
	return Classification{
		Code:      "UNKNOWN_ERROR",
		Kind:      KindUnknown,
		Severity:  SeverityLow,
		Retryable: false,
	}
}

func containsAny(needles ...string) func(msg string) bool {
	return func(msg string) bool {
		for _, n := range needles {
			if strings.Contains(msg, n) {
				return true
			}
		}
		return false
	}
}
