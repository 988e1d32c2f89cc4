// Package metrics exposes ledger counters to Prometheus.
//
// Ledger implements billing.Observer. Money counters are in major units
// (dollars), labelled by method or status, never by account.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/warp/billing-ledger/billing"
)

const namespace = "billing"

type Ledger struct {
	registry *prometheus.Registry

	transitions   *prometheus.CounterVec
	payments      *prometheus.CounterVec
	paymentAmount *prometheus.CounterVec
	refunds       *prometheus.CounterVec
	refundAmount  *prometheus.CounterVec
	sequences     *prometheus.CounterVec
	conflicts     *prometheus.CounterVec
	reminders     *prometheus.CounterVec
	overpayments  prometheus.Counter
}

// New registers every collector on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Ledger {
	reg := prometheus.NewRegistry()
	l := &Ledger{
		registry: reg,
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "invoice_transitions_total",
			Help: "Invoice status transitions.",
		}, []string{"from", "to"}),
		payments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "payments_total",
			Help: "Payments recorded or failed, by method and status.",
		}, []string{"method", "status"}),
		paymentAmount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "payment_amount_total",
			Help: "Sum of payment amounts, by method and status.",
		}, []string{"method", "status"}),
		refunds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "refunds_total",
			Help: "Refunds by status.",
		}, []string{"status"}),
		refundAmount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "refund_amount_total",
			Help: "Sum of refund amounts, by status.",
		}, []string{"status"}),
		sequences: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sequence_numbers_issued_total",
			Help: "Document numbers minted, by document type.",
		}, []string{"type"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "conflict_retries_total",
			Help: "Transactions retried after a concurrency conflict.",
		}, []string{"op"}),
		reminders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "reminders_total",
			Help: "Reminder dispatch attempts, by outcome.",
		}, []string{"outcome"}),
		overpayments: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "overpayments_total",
			Help: "Invoices that ended up with a negative balance.",
		}),
	}
	reg.MustRegister(
		l.transitions, l.payments, l.paymentAmount, l.refunds, l.refundAmount,
		l.sequences, l.conflicts, l.reminders, l.overpayments,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return l
}

// Registry is exposed for tests.
func (l *Ledger) Registry() *prometheus.Registry { return l.registry }

// Handler serves the registry in the Prometheus text format.
func (l *Ledger) Handler() http.Handler {
	return promhttp.HandlerFor(l.registry, promhttp.HandlerOpts{})
}

func (l *Ledger) InvoiceTransitioned(from, to billing.InvoiceStatus) {
	l.transitions.WithLabelValues(string(from), string(to)).Inc()
}

func (l *Ledger) PaymentRecorded(method billing.PaymentMethod, status billing.PaymentStatus, amount decimal.Decimal) {
	l.payments.WithLabelValues(string(method), string(status)).Inc()
	l.paymentAmount.WithLabelValues(string(method), string(status)).Add(amount.InexactFloat64())
}

func (l *Ledger) RefundRecorded(status billing.RefundStatus, amount decimal.Decimal) {
	l.refunds.WithLabelValues(string(status)).Inc()
	l.refundAmount.WithLabelValues(string(status)).Add(amount.InexactFloat64())
}

func (l *Ledger) SequenceIssued(seqType billing.SequenceType) {
	l.sequences.WithLabelValues(string(seqType)).Inc()
}

func (l *Ledger) ConflictRetried(op string) {
	l.conflicts.WithLabelValues(op).Inc()
}

func (l *Ledger) ReminderDispatched(ok bool) {
	outcome := "sent"
	if !ok {
		outcome = "failed"
	}
	l.reminders.WithLabelValues(outcome).Inc()
}

func (l *Ledger) OverpaymentDetected() {
	l.overpayments.Inc()
}
