package server

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/kfcemployee/evhttp/server/protocol"
)

const instrumentation = "github.com/kfcemployee/evhttp/server"

// telemetry holds the instruments, they are created once per Server
type telemetry struct {
	tracer trace.Tracer

	accepted  metric.Int64Counter
	active    metric.Int64UpDownCounter
	requests  metric.Int64Counter
	pipelined metric.Int64Counter
	errors    metric.Int64Counter
	timeouts  metric.Int64Counter
	duration  metric.Float64Histogram
}

// kind attributes are built once, the hot path only picks them
var kindAttrs = func() (s [protocol.KindHandler + 1]metric.MeasurementOption) {
	for k := range s {
		s[k] = metric.WithAttributeSet(attribute.NewSet(attribute.String("error.kind", protocol.Kind(k).String())))
	}
	return
}()

func newTelemetry(mp metric.MeterProvider, tp trace.TracerProvider) (*telemetry, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	meter := mp.Meter(instrumentation)

	t := &telemetry{tracer: tp.Tracer(instrumentation)}
	var err, e error

	t.accepted, e = meter.Int64Counter("evhttp.connections.accepted",
		metric.WithDescription("Accepted TCP connections"),
		metric.WithUnit("{connection}"))
	err = errors.Join(err, e)

	t.active, e = meter.Int64UpDownCounter("evhttp.connections.active",
		metric.WithDescription("Open TCP connections"),
		metric.WithUnit("{connection}"))
	err = errors.Join(err, e)

	t.requests, e = meter.Int64Counter("evhttp.requests",
		metric.WithDescription("Requests handed to the application"),
		metric.WithUnit("{request}"))
	err = errors.Join(err, e)

	t.pipelined, e = meter.Int64Counter("evhttp.requests.pipelined",
		metric.WithDescription("Requests served from already buffered input"),
		metric.WithUnit("{request}"))
	err = errors.Join(err, e)

	t.errors, e = meter.Int64Counter("evhttp.errors",
		metric.WithDescription("Connection level failures by kind"),
		metric.WithUnit("{error}"))
	err = errors.Join(err, e)

	t.timeouts, e = meter.Int64Counter("evhttp.timeouts",
		metric.WithDescription("Connections closed by a timer"),
		metric.WithUnit("{connection}"))
	err = errors.Join(err, e)

	t.duration, e = meter.Float64Histogram("evhttp.request.duration",
		metric.WithDescription("Time from dispatch until the response is encoded"),
		metric.WithUnit("s"))
	err = errors.Join(err, e)

	if err != nil {
		return nil, err
	}
	return t, nil
}

func (t *telemetry) failure(kind protocol.Kind) {
	if int(kind) < len(kindAttrs) {
		t.errors.Add(context.Background(), 1, kindAttrs[kind])
	}
}
