package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	checkoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "checkouts_total",
			Help: "Checkout attempts by result",
		},
		[]string{"result"},
	)

	paymentChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_checks_total",
			Help: "Payment reconciliation checks by result",
		},
		[]string{"result"},
	)

	paymentCodesGenerated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "payment_codes_generated_total",
			Help: "KHQR payment codes generated",
		},
	)
)
