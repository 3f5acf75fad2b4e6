package apply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/c0deZ3R0/go-changeset-kit/briefcase"
	"github.com/c0deZ3R0/go-changeset-kit/changeset"
	"github.com/c0deZ3R0/go-changeset-kit/conflict"
	cserrors "github.com/c0deZ3R0/go-changeset-kit/errors"
	"github.com/c0deZ3R0/go-changeset-kit/logging"
	"github.com/c0deZ3R0/go-changeset-kit/metrics"
)

// State is the lifecycle position of a Session.
type State uint8

const (
	Idle State = iota
	Applying
	Committed
	Aborted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Applying:
		return "applying"
	case Committed:
		return "committed"
	case Aborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// ErrSessionUsed is returned when Run is called on a session that already ran.
var ErrSessionUsed = errors.New("apply session already ran")

// Result summarizes one apply session. It is returned for aborted sessions
// too, describing how far the session got before rolling back.
type Result struct {
	SessionID      string
	ChangesetIndex int
	ChangesetID    string
	State          State

	// Rows is the number of change records read.
	Rows int
	// Applied counts rows written without a conflict.
	Applied  int
	Replaced int
	Skipped  int
	// Conflicts counts resolved conflicts by cause.
	Conflicts map[conflict.Cause]int
	// Log holds the entries recorded by handlers, ordered by changeset
	// index then table. It is empty for aborted sessions.
	Log []conflict.LogEntry

	SchemaApplied bool
	StartTime     time.Time
	Duration      time.Duration
}

// ConflictCount returns the number of resolved conflicts.
func (r *Result) ConflictCount() int {
	n := 0
	for _, c := range r.Conflicts {
		n += c
	}
	return n
}

// Session applies one changeset. A session runs at most once.
type Session struct {
	e   *Engine
	cs  Changeset
	log *conflict.Log

	mu     sync.Mutex
	state  State
	result *Result
	logger *logging.Logger
}

// NewSession prepares a session for cs.
func (e *Engine) NewSession(cs Changeset) *Session {
	id := uuid.NewString()
	return &Session{
		e:   e,
		cs:  cs,
		log: conflict.NewLog(),
		result: &Result{
			SessionID:      id,
			ChangesetIndex: cs.Index,
			ChangesetID:    cs.ID,
			Conflicts:      make(map[conflict.Cause]int),
		},
		logger: e.logger.WithAttrs(
			slog.String("session_id", id),
			slog.Int("changeset_index", cs.Index),
		),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.result.SessionID }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Log returns the session's conflict log.
func (s *Session) Log() *conflict.Log { return s.log }

func (s *Session) transition(from, to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != from {
		return false
	}
	s.state = to
	return true
}

// Apply opens cs and applies it in a new session.
func (e *Engine) Apply(ctx context.Context, cs Changeset) (*Result, error) {
	return e.NewSession(cs).Run(ctx)
}

// Run applies the changeset. On success every row has been written or
// resolved and the briefcase tip names the changeset. On failure nothing the
// session did remains and the error carries the offending table, opcode and
// cause when a conflict caused it.
func (s *Session) Run(ctx context.Context) (*Result, error) {
	e := s.e
	if !e.sem.TryAcquire(1) {
		return nil, cserrors.NewStorageError(cserrors.OpApply, ErrSessionActive)
	}
	defer e.sem.Release(1)

	if !s.transition(Idle, Applying) {
		return nil, cserrors.NewValidationError(cserrors.OpApply, ErrSessionUsed)
	}

	res := s.result
	res.StartTime = time.Now()
	res.State = Applying

	ctx, span := e.tracer.Start(ctx, "apply.session",
		trace.WithAttributes(
			attribute.String("cset.session_id", res.SessionID),
			attribute.Int("cset.changeset_index", s.cs.Index),
			attribute.String("cset.changeset_id", s.cs.ID),
		),
	)
	defer span.End()

	s.logger.InfoContext(ctx, "apply session started", slog.String("changeset_id", s.cs.ID))

	err := s.run(ctx)

	res.Duration = time.Since(res.StartTime)
	span.SetAttributes(
		attribute.Int("cset.rows", res.Rows),
		attribute.Int("cset.conflicts", res.ConflictCount()),
	)

	if err != nil {
		s.transition(Applying, Aborted)
		res.State = Aborted
		// entries describe rows the rollback undid
		s.log.Reset()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.metrics.RecordSession(metrics.OutcomeAborted, res.Duration)
		e.metrics.RecordError(string(cserrors.CodeOf(err)))
		s.logger.LogError(ctx, err, "apply session aborted",
			slog.Int("rows", res.Rows),
			slog.Int("conflicts", res.ConflictCount()),
			slog.Duration("duration", res.Duration),
		)
		return res, err
	}

	s.transition(Applying, Committed)
	res.State = Committed
	res.Log = s.log.Entries()
	e.metrics.RecordSession(metrics.OutcomeCommitted, res.Duration)
	e.metrics.RecordRows(res.Applied, res.Replaced, res.Skipped)
	s.logger.InfoContext(ctx, "apply session committed",
		slog.Int("rows", res.Rows),
		slog.Int("applied", res.Applied),
		slog.Int("replaced", res.Replaced),
		slog.Int("skipped", res.Skipped),
		slog.Int("conflicts", res.ConflictCount()),
		slog.Int("logged_conflicts", len(res.Log)),
		slog.Duration("duration", res.Duration),
	)
	return res, nil
}

func (s *Session) run(ctx context.Context) error {
	if s.cs.Open == nil {
		return cserrors.NewValidationError(cserrors.OpApply, errors.New("changeset has no source"))
	}
	r, err := s.cs.Open()
	if err != nil {
		return cserrors.WrapOpComponent(err, cserrors.OpOpen, "changeset")
	}
	defer r.Close()

	return s.e.b.RunInTransaction(ctx, func(tx *briefcase.Tx) error {
		if ddl, ok := r.SchemaChanges(); ok {
			err := s.logger.LogOperation(ctx, logging.Operation(cserrors.OpSchema), "briefcase", func() error {
				return tx.ApplySchema(ctx, ddl)
			})
			if err != nil {
				return err
			}
			s.result.SchemaApplied = true
		}

		ap := &rowApplier{
			s:          s,
			tx:         tx,
			classifier: conflict.NewClassifier(s.cs.Index, s.cs.ID, s.log),
		}
		for {
			if err := ctx.Err(); err != nil {
				return cserrors.NewStorageError(cserrors.OpApply, err)
			}
			step, err := r.Step()
			if err != nil {
				return err
			}
			if step == changeset.StepDone {
				break
			}
			rec, err := r.Record()
			if err != nil {
				return err
			}
			s.result.Rows++
			if err := ap.apply(ctx, rec); err != nil {
				return err
			}
		}

		return tx.SetTip(ctx, briefcase.Tip{Index: s.cs.Index, ID: s.cs.ID})
	})
}
