package binance

import "github.com/prometheus/client_golang/prometheus"

var (
	metricCallsAttempted = prometheus.NewCounter(prometheus.CounterOpts{Name: "bot_exchange_calls_total", Help: "Exchange API calls attempted"})
	metricCallsFailed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "bot_exchange_calls_failed_total", Help: "Exchange API calls that failed after retries"})
	metricCallsRejected  = prometheus.NewCounter(prometheus.CounterOpts{Name: "bot_exchange_calls_rejected_total", Help: "Exchange API calls rejected by the venue"})
	metricOrdersPlaced   = prometheus.NewCounter(prometheus.CounterOpts{Name: "bot_orders_placed_total", Help: "Orders successfully handed to the exchange"})
)

func init() {
	prometheus.MustRegister(
		metricCallsAttempted, metricCallsFailed, metricCallsRejected, metricOrdersPlaced,
	)
}
