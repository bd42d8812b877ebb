// Package observer provides OTEL-based observability for workflow runs.
//
// It wraps loom.Callbacks with an instrumented version that emits traces and
// metrics via OpenTelemetry: one span per node execution, counters for
// tokens, branch events, and route fallbacks. Users export to any
// OTEL-compatible backend by setting standard OTEL env vars.
package observer

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/loomworks/loom"
)

const scopeName = "github.com/loomworks/loom/observer"

// Instruments holds the OTEL instruments used by the callback wrapper.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter

	NodeExecutions metric.Int64Counter
	NodeErrors     metric.Int64Counter
	Tokens         metric.Int64Counter
	BranchEvents   metric.Int64Counter
	RouteFallbacks metric.Int64Counter
	NodeDuration   metric.Float64Histogram
}

// Init sets up OTEL trace, metric, and log providers with OTLP HTTP
// exporters. Configuration comes from standard OTEL env vars
// (OTEL_EXPORTER_OTLP_ENDPOINT, etc.). Returns a shutdown function that
// must be called on application exit.
func Init(ctx context.Context) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("loom")),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	logExp, err := otlploghttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)

	inst, err := newInstruments()
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		_ = lp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
			lp.Shutdown(ctx),
		)
	}

	return inst, shutdown, nil
}

func newInstruments() (*Instruments, error) {
	tracer := otel.Tracer(scopeName)
	meter := otel.Meter(scopeName)

	nodeExecutions, err := meter.Int64Counter("workflow.node.executions",
		metric.WithDescription("Node execution count"),
		metric.WithUnit("{execution}"))
	if err != nil {
		return nil, err
	}

	nodeErrors, err := meter.Int64Counter("workflow.node.errors",
		metric.WithDescription("Node error count"),
		metric.WithUnit("{error}"))
	if err != nil {
		return nil, err
	}

	tokens, err := meter.Int64Counter("workflow.tokens",
		metric.WithDescription("Streamed token deltas"),
		metric.WithUnit("{delta}"))
	if err != nil {
		return nil, err
	}

	branchEvents, err := meter.Int64Counter("workflow.branch.events",
		metric.WithDescription("Parallel branch lifecycle events"),
		metric.WithUnit("{event}"))
	if err != nil {
		return nil, err
	}

	routeFallbacks, err := meter.Int64Counter("workflow.route.fallbacks",
		metric.WithDescription("Router fallback selections"),
		metric.WithUnit("{selection}"))
	if err != nil {
		return nil, err
	}

	nodeDuration, err := meter.Float64Histogram("workflow.node.duration",
		metric.WithDescription("Node execution duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:         tracer,
		Meter:          meter,
		NodeExecutions: nodeExecutions,
		NodeErrors:     nodeErrors,
		Tokens:         tokens,
		BranchEvents:   branchEvents,
		RouteFallbacks: routeFallbacks,
		NodeDuration:   nodeDuration,
	}, nil
}

// nodeSpan tracks one in-flight node execution.
type nodeSpan struct {
	span  trace.Span
	start time.Time
}

// Wrap returns callbacks that instrument cb with spans and counters.
// Delegated hooks fire after the instrumentation for each event.
func Wrap(ctx context.Context, inst *Instruments, cb loom.Callbacks) loom.Callbacks {
	var mu sync.Mutex
	spans := make(map[string]nodeSpan)

	out := cb
	out.OnNodeStart = func(nodeID string, info loom.NodeInfo) {
		_, span := inst.Tracer.Start(ctx, "node."+info.Type,
			trace.WithAttributes(
				attribute.String("node.id", nodeID),
				attribute.String("node.label", info.Label),
				attribute.String("node.type", info.Type),
			))
		mu.Lock()
		spans[nodeID] = nodeSpan{span: span, start: time.Now()}
		mu.Unlock()
		inst.NodeExecutions.Add(ctx, 1, metric.WithAttributes(attribute.String("node.type", info.Type)))
		if cb.OnNodeStart != nil {
			cb.OnNodeStart(nodeID, info)
		}
	}
	out.OnNodeFinish = func(nodeID, output string, info loom.NodeInfo) {
		mu.Lock()
		ns, ok := spans[nodeID]
		delete(spans, nodeID)
		mu.Unlock()
		if ok {
			ns.span.End()
			inst.NodeDuration.Record(ctx, float64(time.Since(ns.start).Milliseconds()),
				metric.WithAttributes(attribute.String("node.type", info.Type)))
		}
		if cb.OnNodeFinish != nil {
			cb.OnNodeFinish(nodeID, output, info)
		}
	}
	out.OnNodeError = func(nodeID string, err error) {
		mu.Lock()
		ns, ok := spans[nodeID]
		delete(spans, nodeID)
		mu.Unlock()
		if ok {
			ns.span.RecordError(err)
			ns.span.SetStatus(codes.Error, err.Error())
			ns.span.End()
		}
		inst.NodeErrors.Add(ctx, 1)
		if cb.OnNodeError != nil {
			cb.OnNodeError(nodeID, err)
		}
	}
	out.OnToken = func(nodeID, token string) {
		inst.Tokens.Add(ctx, 1)
		if cb.OnToken != nil {
			cb.OnToken(nodeID, token)
		}
	}
	out.OnRouteSelected = func(nodeID, handleID string, fallback bool) {
		if fallback {
			inst.RouteFallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("node.id", nodeID)))
		}
		if cb.OnRouteSelected != nil {
			cb.OnRouteSelected(nodeID, handleID, fallback)
		}
	}
	out.OnBranchStart = func(nodeID, branchID, label string) {
		inst.BranchEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("event", "start")))
		if cb.OnBranchStart != nil {
			cb.OnBranchStart(nodeID, branchID, label)
		}
	}
	out.OnBranchComplete = func(nodeID, branchID, label, output string) {
		inst.BranchEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("event", "complete")))
		if cb.OnBranchComplete != nil {
			cb.OnBranchComplete(nodeID, branchID, label, output)
		}
	}
	return out
}
