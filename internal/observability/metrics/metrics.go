package metrics

import "github.com/prometheus/client_golang/prometheus"

// ClaimingMetrics exposes counters/histograms for the claim flow.
type ClaimingMetrics struct {
	searchTotal  *prometheus.CounterVec
	otpSendTotal *prometheus.CounterVec
	verifyTotal  *prometheus.CounterVec
	linkTotal    *prometheus.CounterVec
	opLatency    *prometheus.HistogramVec
}

func NewClaimingMetrics(reg prometheus.Registerer) *ClaimingMetrics {
	m := &ClaimingMetrics{
		searchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinicore",
			Subsystem: "claiming",
			Name:      "search_total",
			Help:      "Total record searches by outcome",
		}, []string{"result"}),
		otpSendTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinicore",
			Subsystem: "claiming",
			Name:      "otp_send_total",
			Help:      "Total OTP issuances by outcome",
		}, []string{"result"}),
		verifyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinicore",
			Subsystem: "claiming",
			Name:      "otp_verify_total",
			Help:      "Total OTP verifications by outcome",
		}, []string{"result"}),
		linkTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinicore",
			Subsystem: "claiming",
			Name:      "link_total",
			Help:      "Total account link attempts by outcome",
		}, []string{"result"}),
		opLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "clinicore",
			Subsystem: "claiming",
			Name:      "operation_latency_seconds",
			Help:      "Latency of claim flow operations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.searchTotal, m.otpSendTotal, m.verifyTotal, m.linkTotal, m.opLatency)
	return m
}

func (m *ClaimingMetrics) ObserveSearch(result string) {
	if m == nil {
		return
	}
	m.searchTotal.WithLabelValues(result).Inc()
}

func (m *ClaimingMetrics) ObserveOTPSend(result string) {
	if m == nil {
		return
	}
	m.otpSendTotal.WithLabelValues(result).Inc()
}

func (m *ClaimingMetrics) ObserveVerify(result string) {
	if m == nil {
		return
	}
	m.verifyTotal.WithLabelValues(result).Inc()
}

func (m *ClaimingMetrics) ObserveLink(result string) {
	if m == nil {
		return
	}
	m.linkTotal.WithLabelValues(result).Inc()
}

func (m *ClaimingMetrics) ObserveLatency(operation string, seconds float64) {
	if m == nil {
		return
	}
	m.opLatency.WithLabelValues(operation).Observe(seconds)
}
