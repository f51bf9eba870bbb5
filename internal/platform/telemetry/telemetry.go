// Package telemetry exposes Prometheus metrics and OpenTelemetry request
// spans for the clinic API.
package telemetry

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const namespace = "clinic"

// Metrics holds the application collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	requestDuration    *prometheus.HistogramVec
	activeRequests     prometheus.Gauge
	appointmentsBooked *prometheus.CounterVec
	statusTransitions  *prometheus.CounterVec
	notifications      *prometheus.CounterVec
	emails             *prometheus.CounterVec
	paymentIntents     *prometheus.CounterVec
	throttled          *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewMetrics registers the collectors on reg. A nil reg uses the default
// registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		activeRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "active_requests",
			Help:      "In-flight HTTP requests",
		}),
		appointmentsBooked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "appointments",
			Name:      "booked_total",
			Help:      "Appointments booked",
		}, []string{"booked_by"}),
		statusTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "appointments",
			Name:      "status_transitions_total",
			Help:      "Appointment status changes",
		}, []string{"from", "to"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "created_total",
			Help:      "In-app notifications created",
		}, []string{"kind"}),
		emails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mail",
			Name:      "messages_total",
			Help:      "Outbound email by delivery outcome",
		}, []string{"outcome"}),
		paymentIntents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payments",
			Name:      "intents_total",
			Help:      "Payment intent requests by result",
		}, []string{"result"}),
		throttled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "throttled_total",
			Help:      "Requests rejected by rate limiting",
		}, []string{"scope"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.requestDuration,
		m.activeRequests,
		m.appointmentsBooked,
		m.statusTransitions,
		m.notifications,
		m.emails,
		m.paymentIntents,
		m.throttled,
	)
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	} else {
		m.gatherer = prometheus.DefaultGatherer
	}
	return m
}

func (m *Metrics) AppointmentBooked(bookedBy string) {
	if m == nil {
		return
	}
	m.appointmentsBooked.WithLabelValues(bookedBy).Inc()
}

func (m *Metrics) StatusTransition(from, to string) {
	if m == nil {
		return
	}
	m.statusTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) NotificationCreated(kind string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(kind).Inc()
}

// EmailOutcome matches the mailer dispatcher observer signature.
func (m *Metrics) EmailOutcome(outcome string) {
	if m == nil {
		return
	}
	m.emails.WithLabelValues(outcome).Inc()
}

func (m *Metrics) PaymentIntent(result string) {
	if m == nil {
		return
	}
	m.paymentIntents.WithLabelValues(result).Inc()
}

func (m *Metrics) Throttled(scope string) {
	if m == nil {
		return
	}
	m.throttled.WithLabelValues(scope).Inc()
}

// Middleware records latency and in-flight count per route pattern.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil {
				return next(c)
			}
			m.activeRequests.Inc()
			start := time.Now()

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			m.activeRequests.Dec()
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			m.requestDuration.
				WithLabelValues(c.Request().Method, route, strconv.Itoa(c.Response().Status)).
				Observe(time.Since(start).Seconds())
			return nil
		}
	}
}

// Handler serves the Prometheus exposition format.
func (m *Metrics) Handler() echo.HandlerFunc {
	g := prometheus.DefaultGatherer
	if m != nil && m.gatherer != nil {
		g = m.gatherer
	}
	return echo.WrapHandler(promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
}

var tracer = otel.Tracer("clinic/http")

// TracingMiddleware opens a server span per request named after the route
// pattern.
func TracingMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			route := c.Path()
			if route == "" {
				route = req.URL.Path
			}

			ctx, span := tracer.Start(req.Context(), "HTTP "+req.Method+" "+route,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.method", req.Method),
					attribute.String("http.route", route),
				),
			)
			defer span.End()
			c.SetRequest(req.WithContext(ctx))

			err := next(c)
			if err != nil {
				span.RecordError(err)
			}
			status := c.Response().Status
			span.SetAttributes(attribute.Int("http.status_code", status))
			if status >= 500 {
				span.SetStatus(codes.Error, strconv.Itoa(status))
			}
			return err
		}
	}
}
