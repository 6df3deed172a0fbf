package iap

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	fulfillmentPathImmediate = "immediate"
	fulfillmentPathReconcile = "reconcile"
	fulfillmentPathUpdates   = "updates"
)

type Metrics struct {
	purchaseRequests prometheus.Counter
	vendorResponses  *prometheus.CounterVec
	unknownResponses prometheus.Counter
	fulfillments     *prometheus.CounterVec
	consumedUnits    prometheus.Counter
	storageErrors    prometheus.Counter
}

// NewMetrics builds the tracker's collectors and registers them with reg. A
// nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		purchaseRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "iap_purchase_requests_total",
			Help: "Purchase requests registered with the tracker",
		}),
		vendorResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "iap_vendor_responses_total",
			Help: "Vendor responses handled, by response kind and status",
		}, []string{"kind", "status"}),
		unknownResponses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "iap_unknown_responses_total",
			Help: "Purchase responses referencing a request id that was never registered",
		}),
		fulfillments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "iap_fulfillments_total",
			Help: "Purchase tokens fulfilled, by the path that fulfilled them",
		}, []string{"path"}),
		consumedUnits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "iap_consumed_units_total",
			Help: "Consumable units consumed",
		}),
		storageErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "iap_storage_errors_total",
			Help: "Tracker operations that failed on the persistence layer",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.purchaseRequests,
			m.vendorResponses,
			m.unknownResponses,
			m.fulfillments,
			m.consumedUnits,
			m.storageErrors,
		)
	}
	return m
}
