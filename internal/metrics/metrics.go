// Package metrics exposes Prometheus instrumentation for the gate engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AccessDecisionsTotal counts access checks by outcome.
	AccessDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "querygate",
		Name:      "access_decisions_total",
		Help:      "Access check decisions (allowed/denied/subscribed).",
	}, []string{"decision"})

	// InvoicesCreatedTotal counts invoices opened with the processor.
	InvoicesCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "querygate",
		Name:      "invoices_created_total",
		Help:      "Total invoices created with the payment processor.",
	})

	// InvoiceOutcomesTotal counts invoices reaching a terminal status.
	InvoiceOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "querygate",
		Name:      "invoice_outcomes_total",
		Help:      "Invoices reaching a terminal status (paid/expired/failed).",
	}, []string{"status"})

	// PollErrorsTotal counts status poll failures by class.
	PollErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "querygate",
		Name:      "poll_errors_total",
		Help:      "Invoice status poll failures (transient/terminal).",
	}, []string{"class"})
)
