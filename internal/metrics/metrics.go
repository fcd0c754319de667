// Package metrics holds the Prometheus collectors for the access-control core.
//
// Collectors are registered once on the default registry at package init; the
// /metrics route serves them through promhttp.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	rateLimitChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_rate_limit_checks_total",
			Help: "Total number of rate limit checks performed",
		},
		[]string{"scope", "result"},
	)

	rateLimitFailOpen = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_rate_limit_fail_open_total",
			Help: "Rate limit checks allowed because no store could count the request",
		},
		[]string{"scope"},
	)

	lockAcquisitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_lock_acquisitions_total",
			Help: "Lock acquire attempts by outcome (acquired, contended, error)",
		},
		[]string{"result"},
	)

	lockReleases = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_lock_releases_total",
			Help: "Lock release attempts by outcome (released, not_owner, error)",
		},
		[]string{"result"},
	)

	storeFallback = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_store_fallback_total",
			Help: "Shared store operations served by the process-local fallback",
		},
		[]string{"op"},
	)

	storeDegraded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "aegis_store_degraded",
			Help: "1 while the durable shared store is unreachable and the local fallback is active",
		},
	)

	apiKeyValidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_api_key_validations_total",
			Help: "API key validations by result",
		},
		[]string{"result"},
	)

	mfaVerifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_mfa_verifications_total",
			Help: "MFA verifications by method (totp, recovery) and result",
		},
		[]string{"method", "result"},
	)

	auditRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_audit_records_total",
			Help: "Audit events appended by category",
		},
		[]string{"category"},
	)

	guardedOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_guarded_operations_total",
			Help: "Privileged operations by outcome (success, failure, denied)",
		},
		[]string{"operation", "result"},
	)

	auditInvalid = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "aegis_audit_invalid_records",
			Help: "Records whose digest did not match during the last integrity check",
		},
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRateLimitCheck records a rate limit check.
func RecordRateLimitCheck(scope string, allowed bool) {
	rateLimitChecks.WithLabelValues(scope, outcome(allowed, "allowed", "blocked")).Inc()
}

// RecordRateLimitFailOpen records a check admitted because both stores failed.
func RecordRateLimitFailOpen(scope string) {
	rateLimitFailOpen.WithLabelValues(scope).Inc()
}

// RecordLockAcquire records an acquire attempt; result is acquired, contended or error.
func RecordLockAcquire(result string) {
	lockAcquisitions.WithLabelValues(result).Inc()
}

// RecordLockRelease records a release attempt; result is released, not_owner or error.
func RecordLockRelease(result string) {
	lockReleases.WithLabelValues(result).Inc()
}

// RecordStoreFallback records one operation served by the local fallback.
func RecordStoreFallback(op string) {
	storeFallback.WithLabelValues(op).Inc()
}

// SetStoreDegraded flips the degraded gauge.
func SetStoreDegraded(degraded bool) {
	if degraded {
		storeDegraded.Set(1)
		return
	}
	storeDegraded.Set(0)
}

// RecordAPIKeyValidation records a validation outcome.
func RecordAPIKeyValidation(result string) {
	apiKeyValidations.WithLabelValues(result).Inc()
}

// RecordMFAVerification records a TOTP or recovery-code check.
func RecordMFAVerification(method string, ok bool) {
	mfaVerifications.WithLabelValues(method, outcome(ok, "success", "failure")).Inc()
}

// RecordAuditAppend counts an appended audit event.
func RecordAuditAppend(category string) {
	auditRecords.WithLabelValues(category).Inc()
}

// SetAuditInvalidRecords exports the result of the last integrity check.
func SetAuditInvalidRecords(n int) {
	auditInvalid.Set(float64(n))
}

func outcome(ok bool, yes, no string) string {
	if ok {
		return yes
	}
	return no
}

// RecordGuardedOperation records the outcome of a guarded privileged operation.
func RecordGuardedOperation(operation, result string) {
	guardedOperations.WithLabelValues(operation, result).Inc()
}
