// Package metrics exposes Prometheus instrumentation for the engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PurchasesTotal counts purchase attempts by terminal outcome:
	// completed, no_stock, unauthorized, invalid_product,
	// insufficient_balance, license_failed, payment_failed, plus
	// rejected for requests that fail validation before any step runs.
	PurchasesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keymint",
		Name:      "purchases_total",
		Help:      "Purchase attempts by terminal outcome.",
	}, []string{"outcome"})

	// KeysTaken counts keys removed from pools, by product.
	KeysTaken = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keymint",
		Name:      "keys_taken_total",
		Help:      "Keys taken from product pools.",
	}, []string{"product"})

	// KeysReturned counts keys re-inserted after compensation or
	// license deletion, by product.
	KeysReturned = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keymint",
		Name:      "keys_returned_total",
		Help:      "Keys returned to product pools.",
	}, []string{"product"})

	// BalanceAdjustments counts ledger adjustments by category.
	BalanceAdjustments = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keymint",
		Name:      "balance_adjustments_total",
		Help:      "Ledger balance adjustments by category.",
	}, []string{"category"})

	// SweptLicenses counts licenses transitioned to inactive by the
	// expiry sweeper.
	SweptLicenses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "keymint",
		Name:      "swept_licenses_total",
		Help:      "Licenses transitioned to inactive by the sweeper.",
	})

	// CompensationFailures counts compensation steps that themselves
	// failed. Any increment is a data-integrity incident needing
	// manual reconciliation.
	CompensationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "keymint",
		Name:      "compensation_failures_total",
		Help:      "Failed purchase compensation steps requiring manual reconciliation.",
	})
)
