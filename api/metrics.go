package api

import (
	"context"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tasksSpanName    = "nata.tasks.list"
	tasksEventName   = "nata.tasks.list"
	tasksEventDomain = "nata.api"
	tasksRoute       = "/api/tasks"

	instrumentationName = "nata-api/api"
)

type listRequestMetrics struct {
	logger         *log.Logger
	span           trace.Span
	start          time.Time
	fetchDuration  time.Duration
	encodeDuration time.Duration
	tasksReturned  int
	errorStage     string
}

func newListRequestMetrics(ctx context.Context, logger *log.Logger) (*listRequestMetrics, context.Context) {
	tracer := otel.Tracer(instrumentationName)
	spanCtx, span := tracer.Start(ctx, tasksSpanName, trace.WithSpanKind(trace.SpanKindServer))
	return &listRequestMetrics{
		logger: logger,
		span:   span,
		start:  time.Now(),
	}, spanCtx
}

func (m *listRequestMetrics) ObserveFetch(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.fetchDuration = duration
}

func (m *listRequestMetrics) ObserveEncode(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.encodeDuration = duration
}

func (m *listRequestMetrics) SetTasksReturned(count int) {
	if count < 0 {
		count = 0
	}
	m.tasksReturned = count
}

func (m *listRequestMetrics) SetErrorStage(stage string) {
	if stage == "" {
		return
	}
	m.errorStage = stage
}

// Log closes the request span and emits a single observability event carrying
// the per-stage timings, both as a span event and as a structured log entry.
func (m *listRequestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}

	totalMs := durationToMillis(time.Since(m.start))
	severityText, severityNumber := severityForStatus(status, err)

	attrs := map[string]any{
		"http.route":                tasksRoute,
		"http.status_code":          status,
		"nata.tasks.tasks_returned": m.tasksReturned,
		"nata.tasks.total_ms":       totalMs,
	}
	if m.fetchDuration > 0 {
		attrs["nata.tasks.fetch_ms"] = durationToMillis(m.fetchDuration)
	}
	if m.encodeDuration > 0 {
		attrs["nata.tasks.encode_ms"] = durationToMillis(m.encodeDuration)
	}
	if m.errorStage != "" {
		attrs["nata.tasks.error_stage"] = m.errorStage
	}
	if err != nil {
		attrs["error.message"] = err.Error()
	}

	if m.span != nil {
		spanAttrs := make([]attribute.KeyValue, 0, len(attrs))
		for key, value := range attrs {
			spanAttrs = append(spanAttrs, anyAttribute(key, value))
		}
		m.span.SetAttributes(spanAttrs...)

		eventAttrs := append([]attribute.KeyValue{
			attribute.String("event.name", tasksEventName),
			attribute.String("event.domain", tasksEventDomain),
			attribute.String("severity_text", severityText),
		}, spanAttrs...)
		m.span.AddEvent("observability.event", trace.WithAttributes(eventAttrs...))

		if err != nil {
			m.span.SetStatus(codes.Error, err.Error())
		} else if status >= http.StatusInternalServerError {
			m.span.SetStatus(codes.Error, http.StatusText(status))
		} else {
			m.span.SetStatus(codes.Ok, "")
		}
		m.span.End()
	}

	if m.logger == nil {
		return
	}

	fields := log.Fields{
		"event.name":      tasksEventName,
		"event.domain":    tasksEventDomain,
		"attributes":      attrs,
		"severity_text":   severityText,
		"severity_number": severityNumber,
	}
	if m.span != nil {
		if sc := m.span.SpanContext(); sc.HasTraceID() {
			fields["trace_id"] = sc.TraceID().String()
		}
	}
	m.logger.WithFields(fields).Log(levelForSeverity(severityText), "observability.event")
}

// severityForStatus maps an HTTP status to OTel log severity. An explicit
// error always reports as ERROR regardless of status.
func severityForStatus(status int, err error) (string, int) {
	if err != nil || status >= http.StatusInternalServerError {
		return "ERROR", 17
	}
	if status >= http.StatusBadRequest {
		return "WARN", 13
	}
	return "INFO", 9
}

func levelForSeverity(text string) log.Level {
	switch text {
	case "ERROR":
		return log.ErrorLevel
	case "WARN":
		return log.WarnLevel
	default:
		return log.InfoLevel
	}
}

func anyAttribute(key string, value any) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	case bool:
		return attribute.Bool(key, v)
	default:
		return attribute.String(key, "")
	}
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
