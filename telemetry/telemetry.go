// Package telemetry wires OpenTelemetry tracing to the Datadog tracer and optionally starts the profiler.
package telemetry

import (
	"errors"

	"github.com/caarlos0/env/v11"
	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	ddotel "gopkg.in/DataDog/dd-trace-go.v1/ddtrace/opentelemetry"
	"gopkg.in/DataDog/dd-trace-go.v1/ddtrace/tracer"
	"gopkg.in/DataDog/dd-trace-go.v1/profiler"
)

type Config struct {
	// TraceEnabled installs the Datadog tracer provider. When false the otel no-op provider stays in place.
	TraceEnabled bool `env:"STATESYNC_TRACE_ENABLED" envDefault:"false"`

	ProfilerEnabled bool `env:"STATESYNC_PROFILER_ENABLED" envDefault:"false"`

	// ServiceName is reported to Datadog.
	ServiceName string `env:"STATESYNC_SERVICE_NAME" envDefault:"statesync"`

	// TraceSampleRate is the sampling rate for traces (0.0 to 1.0).
	TraceSampleRate float64 `env:"STATESYNC_TRACE_SAMPLE_RATE" envDefault:"1.0"`
}

// LoadConfig loads the configuration from environment variables.
func LoadConfig() (Config, error) {
	cfg := Config{}

	if err := env.Parse(&cfg); err != nil {
		return cfg, eris.Wrap(err, "failed to parse telemetry config")
	}

	if err := cfg.validate(); err != nil {
		return cfg, eris.Wrap(err, "failed to validate telemetry config")
	}

	return cfg, nil
}

func (cfg *Config) validate() error {
	if cfg.ServiceName == "" {
		return eris.New("service name cannot be empty")
	}
	if cfg.TraceSampleRate < 0.0 || cfg.TraceSampleRate > 1.0 {
		return eris.New("trace sample rate must be between 0.0 and 1.0")
	}
	return nil
}

type Manager struct {
	tracerShutdownFunc   func() error
	profilerShutdownFunc func()
	tracerProvider       *ddotel.TracerProvider
}

func New(cfg Config) (*Manager, error) {
	tm := Manager{}

	tm.setupPropagator()

	if cfg.TraceEnabled {
		tm.setupTrace(cfg)
	}

	if cfg.ProfilerEnabled {
		if err := tm.setupProfiler(cfg); err != nil {
			return nil, errors.Join(err, tm.Shutdown())
		}
	}

	return &tm, nil
}

// Shutdown stops the tracer and the profiler if they were started.
func (tm *Manager) Shutdown() error {
	var err error
	if tm.tracerShutdownFunc != nil {
		err = tm.tracerShutdownFunc()
		tm.tracerShutdownFunc = nil
	}
	if tm.profilerShutdownFunc != nil {
		tm.profilerShutdownFunc()
		tm.profilerShutdownFunc = nil
	}
	return err
}

func (tm *Manager) setupPropagator() {
	prop := propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
	otel.SetTextMapPropagator(prop)
}

func (tm *Manager) setupTrace(cfg Config) {
	tm.tracerProvider = ddotel.NewTracerProvider(
		tracer.WithRuntimeMetrics(),
		tracer.WithService(cfg.ServiceName),
		tracer.WithSampler(tracer.NewRateSampler(cfg.TraceSampleRate)),
	)
	tm.tracerShutdownFunc = tm.tracerProvider.Shutdown
	otel.SetTracerProvider(tm.tracerProvider)
}

func (tm *Manager) setupProfiler(cfg Config) error {
	err := profiler.Start(
		profiler.WithService(cfg.ServiceName),
		profiler.WithProfileTypes(
			profiler.CPUProfile,
			profiler.HeapProfile,
		),
	)
	if err != nil {
		return eris.Wrap(err, "failed to start profiler")
	}

	tm.profilerShutdownFunc = profiler.Stop

	return nil
}
