// Package metrics collects and exposes Prometheus metrics for PixelForge.
// A single Collector is created at startup and passed to the services that
// record events; the registry is served on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector records application-level counters. Services call the Record*
// methods; all methods are safe for concurrent use.
type Collector struct {
	registrations   prometheus.Counter
	logins          *prometheus.CounterVec
	generations     *prometheus.CounterVec
	quotaExceeded   prometheus.Counter
	premiumUpgrades prometheus.Counter
	recoveryIssued  prometheus.Counter
}

// NewCollector creates a Collector and registers its metrics on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		registrations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixelforge_registrations_total",
			Help: "Total number of accounts created.",
		}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelforge_logins_total",
			Help: "Total number of login attempts by result.",
		}, []string{"result"}),
		generations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelforge_generations_total",
			Help: "Total number of image generation requests by result.",
		}, []string{"result"}),
		quotaExceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixelforge_quota_exceeded_total",
			Help: "Total number of generation requests rejected by the free-tier cap.",
		}),
		premiumUpgrades: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixelforge_premium_upgrades_total",
			Help: "Total number of accounts upgraded to premium.",
		}),
		recoveryIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixelforge_recovery_tokens_issued_total",
			Help: "Total number of password recovery tokens issued.",
		}),
	}

	reg.MustRegister(
		c.registrations,
		c.logins,
		c.generations,
		c.quotaExceeded,
		c.premiumUpgrades,
		c.recoveryIssued,
	)

	return c
}

// RecordRegistration counts a successful account creation.
func (c *Collector) RecordRegistration() { c.registrations.Inc() }

// RecordLogin counts a login attempt. result is "success" or "failure".
func (c *Collector) RecordLogin(result string) { c.logins.WithLabelValues(result).Inc() }

// RecordGeneration counts a generation request. result is "success",
// "quota_exceeded", or "upstream_error".
func (c *Collector) RecordGeneration(result string) { c.generations.WithLabelValues(result).Inc() }

// RecordQuotaExceeded counts a consume call rejected by the free-tier cap.
func (c *Collector) RecordQuotaExceeded() { c.quotaExceeded.Inc() }

// RecordPremiumUpgrade counts a premium upgrade.
func (c *Collector) RecordPremiumUpgrade() { c.premiumUpgrades.Inc() }

// RecordRecoveryIssued counts an issued recovery token.
func (c *Collector) RecordRecoveryIssued() { c.recoveryIssued.Inc() }

// Handler returns the HTTP handler that serves the metrics registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
