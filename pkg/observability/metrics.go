package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	PackagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "devlink",
		Name:      "packages_sent_total",
		Help:      "Packages handed to a link transport.",
	}, []string{"provider", "type"})

	PackagesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "devlink",
		Name:      "packages_received_total",
		Help:      "Packages delivered to link receivers.",
	}, []string{"provider", "type"})

	DecodeErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "devlink",
		Name:      "decode_errors_total",
		Help:      "Inbound frames dropped because they could not be decoded.",
	}, []string{"provider"})

	SendFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "devlink",
		Name:      "send_failures_total",
		Help:      "Sends that failed, by reason.",
	}, []string{"provider", "reason"})

	ReceiverErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "devlink",
		Name:      "receiver_errors_total",
		Help:      "Receivers that returned an error or panicked during fan-out.",
	}, []string{"provider"})

	Links = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "devlink",
		Name:      "links",
		Help:      "Live links per provider.",
	}, []string{"provider"})

	AsyncDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "devlink",
		Name:      "async_dropped_total",
		Help:      "Packages dropped because an async receiver queue was full.",
	})
)

func init() {
	prometheus.MustRegister(PackagesSent, PackagesReceived, DecodeErrors, SendFailures, ReceiverErrors, Links, AsyncDropped)
}
