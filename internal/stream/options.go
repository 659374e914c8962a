package stream

import (
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

type options struct {
	logger          zerolog.Logger
	tracer          trace.Tracer
	maxDecodeErrors int
}

// Option configures a session.
type Option func(*options)

// WithLogger sets the session logger. The default discards everything.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithTracer sets the tracer used for the per-session span.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) {
		if tracer != nil {
			o.tracer = tracer
		}
	}
}

// WithMaxDecodeErrors makes more than n consecutive malformed messages fatal.
// Zero, the default, never fails the session on decode errors.
func WithMaxDecodeErrors(n int) Option {
	return func(o *options) {
		if n < 0 {
			n = 0
		}
		o.maxDecodeErrors = n
	}
}

func newOptions(opts []Option) options {
	o := options{
		logger: zerolog.Nop(),
		tracer: otel.Tracer("dataagent/stream"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}
