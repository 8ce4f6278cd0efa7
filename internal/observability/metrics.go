package observability

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messaging_http_requests_total",
			Help: "Total number of HTTP requests processed by the messaging service.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "messaging_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	grpcServerHandledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grpc_server_handled_total",
			Help: "Total number of gRPC requests handled by the server.",
		},
		[]string{"grpc_service", "grpc_method", "grpc_code"},
	)
	wsActiveConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "messaging_ws_active_connections",
			Help: "Number of active websocket connections.",
		},
		[]string{"kind"},
	)
	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messaging_ws_events_total",
			Help: "Total number of websocket events.",
		},
		[]string{"kind", "event"},
	)
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "messaging_amqp_publish_errors_total",
			Help: "Total number of AMQP publish errors.",
		},
	)
	messagesPersistedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messaging_messages_persisted_total",
			Help: "Messages durably appended, by ingress path.",
		},
		[]string{"origin", "result"},
	)
	notificationsCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "messaging_notifications_created_total",
			Help: "Notification rows created for message recipients.",
		},
	)
	broadcastDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messaging_broadcast_dropped_total",
			Help: "Frames that could not be queued for a connection.",
		},
		[]string{"reason"},
	)
	wsRejectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "messaging_ws_rejected_total",
			Help: "Websocket handshakes rejected before upgrade.",
		},
	)
	persistenceErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messaging_persistence_errors_total",
			Help: "Persistence failures by operation and error kind.",
		},
		[]string{"op", "kind"},
	)
	fanoutRelayTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messaging_fanout_relay_total",
			Help: "Frames relayed between nodes.",
		},
		[]string{"direction"},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		grpcServerHandledTotal,
		wsActiveConnections,
		wsEventsTotal,
		amqpPublishErrorsTotal,
		messagesPersistedTotal,
		notificationsCreatedTotal,
		broadcastDroppedTotal,
		wsRejectedTotal,
		persistenceErrorsTotal,
		fanoutRelayTotal,
	)
}

func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		status := c.Writer.Status()

		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func GRPCServerMetricsUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		resp, err := handler(ctx, req)
		statusInfo := status.Convert(err)
		service, method := splitFullMethod(info.FullMethod)
		grpcServerHandledTotal.WithLabelValues(service, method, statusInfo.Code().String()).Inc()
		return resp, err
	}
}

func splitFullMethod(fullMethod string) (string, string) {
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 3 {
		return "unknown", "unknown"
	}
	return parts[1], parts[2]
}

func IncWSActive(kind string) {
	wsActiveConnections.WithLabelValues(kind).Inc()
}

func DecWSActive(kind string) {
	wsActiveConnections.WithLabelValues(kind).Dec()
}

func IncWSEvent(kind, event string) {
	wsEventsTotal.WithLabelValues(kind, event).Inc()
}

func IncAMQPPublishError() {
	amqpPublishErrorsTotal.Inc()
}

func IncMessagePersisted(origin, result string) {
	messagesPersistedTotal.WithLabelValues(origin, result).Inc()
}

func AddNotificationsCreated(n int) {
	notificationsCreatedTotal.Add(float64(n))
}

func IncBroadcastDropped(reason string) {
	broadcastDroppedTotal.WithLabelValues(reason).Inc()
}

func IncWSRejected() {
	wsRejectedTotal.Inc()
}

func IncPersistenceError(op, kind string) {
	persistenceErrorsTotal.WithLabelValues(op, kind).Inc()
}

func IncFanoutRelay(direction string) {
	fanoutRelayTotal.WithLabelValues(direction).Inc()
}
