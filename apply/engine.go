// Package apply drives changesets into a briefcase. Each changeset is applied
// by one Session inside a single transaction: rows without conflicts are
// written directly, conflicting rows are classified and resolved through a
// handler chain, and an Abort anywhere rolls the whole changeset back.
package apply

import (
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/c0deZ3R0/go-changeset-kit/briefcase"
	"github.com/c0deZ3R0/go-changeset-kit/changeset"
	cserrors "github.com/c0deZ3R0/go-changeset-kit/errors"
	"github.com/c0deZ3R0/go-changeset-kit/logging"
	"github.com/c0deZ3R0/go-changeset-kit/metrics"
	"github.com/c0deZ3R0/go-changeset-kit/resolve"
)

// ErrSessionActive is returned when a session is started while another one
// is applying to the same engine.
var ErrSessionActive = errors.New("an apply session is already active")

const tracerName = "github.com/c0deZ3R0/go-changeset-kit/apply"

// Engine applies changesets to one briefcase, one session at a time.
type Engine struct {
	b           *briefcase.Briefcase
	chain       *resolve.Chain
	logger      *logging.Logger
	metrics     metrics.Collector
	tracer      trace.Tracer
	skipApplied bool
	sem         *semaphore.Weighted
}

// Option configures an Engine.
type Option func(*Engine) error

// WithChain sets the handler chain. Without it only the default policy runs.
func WithChain(c *resolve.Chain) Option {
	return func(e *Engine) error {
		if c == nil {
			return errors.New("chain cannot be nil")
		}
		e.chain = c
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) error {
		e.logger = l
		return nil
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m metrics.Collector) Option {
	return func(e *Engine) error {
		e.metrics = m
		return nil
	}
}

// WithTracer sets the tracer used for session spans. Defaults to the global
// tracer provider.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) error {
		e.tracer = t
		return nil
	}
}

// WithSkipApplied makes ApplySequence skip changesets whose index is at or
// below the briefcase tip.
func WithSkipApplied() Option {
	return func(e *Engine) error {
		e.skipApplied = true
		return nil
	}
}

// NewEngine creates an engine for b.
func NewEngine(b *briefcase.Briefcase, opts ...Option) (*Engine, error) {
	if b == nil {
		return nil, cserrors.NewValidationError(cserrors.OpApply, errors.New("briefcase is required"))
	}
	e := &Engine{b: b, sem: semaphore.NewWeighted(1)}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, cserrors.NewValidationError(cserrors.OpConfig, err)
		}
	}
	if e.logger == nil {
		e.logger = logging.Discard()
	}
	if e.chain == nil {
		chain, err := resolve.NewChain(resolve.WithLogger(e.logger))
		if err != nil {
			return nil, err
		}
		e.chain = chain
	}
	e.logger = e.logger.WithComponent("apply")
	if e.metrics == nil {
		e.metrics = metrics.NoOp{}
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer(tracerName)
	}
	return e, nil
}

// Chain returns the engine's handler chain.
func (e *Engine) Chain() *resolve.Chain { return e.chain }

// Briefcase returns the target briefcase.
func (e *Engine) Briefcase() *briefcase.Briefcase { return e.b }

// Changeset identifies one changeset to apply.
type Changeset struct {
	// Index is the changeset's position in the briefcase history. It is
	// recorded as the tip and stamped on conflict log entries.
	Index int
	ID    string
	// Open returns a fresh reader. It is called once per session.
	Open func() (*changeset.Reader, error)
}

// File describes a changeset file.
func File(index int, id, path string, opts ...changeset.Option) Changeset {
	return Changeset{Index: index, ID: id, Open: func() (*changeset.Reader, error) {
		return changeset.OpenFile(path, opts...)
	}}
}

// Bytes describes an in-memory changeset.
func Bytes(index int, id string, data []byte, opts ...changeset.Option) Changeset {
	return Changeset{Index: index, ID: id, Open: func() (*changeset.Reader, error) {
		return changeset.OpenBytes(data, opts...)
	}}
}
