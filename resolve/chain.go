// Package resolve turns conflicts into resolutions. A Chain offers each
// conflict to registered handlers in order; the first one that decides wins
// and the default policy decides whatever nobody claimed.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/c0deZ3R0/go-changeset-kit/changeset"
	"github.com/c0deZ3R0/go-changeset-kit/conflict"
	cserrors "github.com/c0deZ3R0/go-changeset-kit/errors"
	"github.com/c0deZ3R0/go-changeset-kit/logging"
)

// Handler decides conflicts for the tables it is registered for. Returning
// an undecided Decision passes the conflict on. Handlers run inside the
// apply transaction and must not block on external I/O.
type Handler interface {
	Resolve(ctx context.Context, args *conflict.Args) (conflict.Decision, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, args *conflict.Args) (conflict.Decision, error)

// Resolve implements Handler.
func (f HandlerFunc) Resolve(ctx context.Context, args *conflict.Args) (conflict.Decision, error) {
	return f(ctx, args)
}

// Rule binds a matcher to a handler.
type Rule struct {
	Name    string
	Matcher Spec
	Handler Handler
}

// Hooks are optional callbacks around resolution. Nil functions are skipped.
type Hooks struct {
	OnRuleMatched func(args *conflict.Args, rule Rule)
	OnDeclined    func(args *conflict.Args, rule Rule)
	OnFallback    func(args *conflict.Args)
	OnResolved    func(args *conflict.Args, d conflict.Decision)
	OnError       func(args *conflict.Args, err error)
}

type chainOptions struct {
	rules    []Rule
	fallback Handler
	logger   *logging.Logger
	hooks    Hooks
}

// Option configures a Chain.
type Option interface{ apply(*chainOptions) }

type optionFn func(*chainOptions)

func (f optionFn) apply(o *chainOptions) { f(o) }

// WithRule appends a rule in registration order.
func WithRule(name string, matcher Spec, h Handler) Option {
	return optionFn(func(o *chainOptions) {
		o.rules = append(o.rules, Rule{Name: name, Matcher: matcher, Handler: h})
	})
}

// WithTableHandler registers h for a table name or "prefix*" pattern.
func WithTableHandler(tableOrPrefix string, h Handler) Option {
	return WithRule(tableOrPrefix, TableMatches(tableOrPrefix), h)
}

// WithGroup appends every rule of g.
func WithGroup(g *RuleGroup) Option {
	return optionFn(func(o *chainOptions) { o.rules = append(o.rules, g.Flatten()...) })
}

// WithFallback replaces the default policy as last entry. The fallback must
// always decide; an undecided fallback answer is treated as Abort.
func WithFallback(h Handler) Option { return optionFn(func(o *chainOptions) { o.fallback = h }) }

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option { return optionFn(func(o *chainOptions) { o.logger = l }) }

// WithHooks sets observability hooks.
func WithHooks(h Hooks) Option { return optionFn(func(o *chainOptions) { o.hooks = h }) }

// Chain is an ordered list of rules terminated by the default policy, so
// every conflict resolves to exactly one resolution or an error. It is safe
// for concurrent use.
type Chain struct {
	mu       sync.RWMutex
	rules    []Rule
	fallback Handler
	logger   *logging.Logger
	hooks    Hooks
}

// NewChain builds a chain. Rules with a nil matcher or handler are rejected.
func NewChain(opts ...Option) (*Chain, error) {
	cfg := &chainOptions{}
	for _, opt := range opts {
		opt.apply(cfg)
	}
	for i, r := range cfg.rules {
		if err := validateRule(r); err != nil {
			return nil, cserrors.NewValidationError(cserrors.OpResolve,
				fmt.Errorf("rule %d: %w", i, err))
		}
	}
	if cfg.fallback == nil {
		cfg.fallback = DefaultPolicy{}
	}
	if cfg.logger == nil {
		cfg.logger = logging.Discard()
	}
	return &Chain{
		rules:    cfg.rules,
		fallback: cfg.fallback,
		logger:   cfg.logger.WithComponent("resolve"),
		hooks:    cfg.hooks,
	}, nil
}

func validateRule(r Rule) error {
	if r.Matcher == nil {
		return errors.New("nil matcher")
	}
	if r.Handler == nil {
		return errors.New("nil handler")
	}
	return nil
}

// Register appends a handler for a table name or "prefix*" pattern. Handlers
// are consulted in registration order, so register the most specific first.
func (c *Chain) Register(tableOrPrefix string, h Handler) error {
	if tableOrPrefix == "" {
		return cserrors.NewValidationError(cserrors.OpResolve, errors.New("empty table pattern"))
	}
	return c.AddRule(Rule{Name: tableOrPrefix, Matcher: TableMatches(tableOrPrefix), Handler: h})
}

// AddRule appends a rule.
func (c *Chain) AddRule(r Rule) error {
	if err := validateRule(r); err != nil {
		return cserrors.NewValidationError(cserrors.OpResolve, fmt.Errorf("rule %q: %w", r.Name, err))
	}
	c.mu.Lock()
	c.rules = append(c.rules, r)
	c.mu.Unlock()
	return nil
}

// Rules returns a copy of the registered rules.
func (c *Chain) Rules() []Rule {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Rule(nil), c.rules...)
}

// Resolve offers args to each matching rule in order and falls back to the
// default policy. The returned decision is always decided; a failing or
// panicking handler, or a decision that cannot be enforced, yields a handler
// error instead.
func (c *Chain) Resolve(ctx context.Context, args *conflict.Args) (conflict.Decision, error) {
	c.mu.RLock()
	rules := c.rules
	c.mu.RUnlock()

	for _, r := range rules {
		if !r.Matcher(args) {
			continue
		}
		if c.hooks.OnRuleMatched != nil {
			c.hooks.OnRuleMatched(args, r)
		}
		d, err := invoke(ctx, r.Handler, args)
		if err != nil {
			return c.fail(ctx, args, r.Name, err)
		}
		if !d.Decided() {
			if c.hooks.OnDeclined != nil {
				c.hooks.OnDeclined(args, r)
			}
			continue
		}
		if d.By == "" {
			d.By = r.Name
		}
		return c.finish(ctx, args, d)
	}

	if c.hooks.OnFallback != nil {
		c.hooks.OnFallback(args)
	}
	d, err := invoke(ctx, c.fallback, args)
	if err != nil {
		return c.fail(ctx, args, DefaultPolicyName, err)
	}
	if !d.Decided() {
		d.Resolution = conflict.Abort
	}
	if d.By == "" {
		d.By = DefaultPolicyName
	}
	return c.finish(ctx, args, d)
}

func (c *Chain) finish(ctx context.Context, args *conflict.Args, d conflict.Decision) (conflict.Decision, error) {
	d, err := Enforce(args, d)
	if err != nil {
		return c.fail(ctx, args, d.By, err)
	}
	c.logger.DebugContext(ctx, "conflict resolved",
		slog.String("table", args.Table),
		slog.String("cause", args.Cause.String()),
		slog.String("opcode", args.Op.String()),
		slog.Bool("indirect", args.Indirect),
		slog.String("resolution", d.Resolution.String()),
		slog.String("by", d.By),
	)
	if c.hooks.OnResolved != nil {
		c.hooks.OnResolved(args, d)
	}
	return d, nil
}

func (c *Chain) fail(ctx context.Context, args *conflict.Args, by string, err error) (conflict.Decision, error) {
	var herr *cserrors.Error
	if !errors.As(err, &herr) || herr.Code != cserrors.CodeHandler {
		herr = cserrors.NewHandlerError(args.Table, args.KeyString(), err)
	}
	herr.Opcode = args.Op.String()
	herr.Cause = args.Cause.String()
	if herr.Metadata == nil {
		herr.Metadata = map[string]interface{}{}
	}
	herr.Metadata["handler"] = by

	c.logger.LogError(ctx, herr, "conflict handler failed",
		slog.String("table", args.Table),
		slog.String("key", args.KeyString()),
		slog.String("handler", by),
	)
	if c.hooks.OnError != nil {
		c.hooks.OnError(args, herr)
	}
	return conflict.Decision{}, herr
}

func invoke(ctx context.Context, h Handler, args *conflict.Args) (d conflict.Decision, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panicked: %v", p)
		}
	}()
	return h.Resolve(ctx, args)
}

// Enforce checks a decision against what the apply loop can carry out and
// normalizes it:
//
//   - Replace on NotFound has nothing to overwrite and becomes Skip.
//   - Replace on Constraint would write the violating row again and is rejected.
//   - Substituted values are only kept for Replace and must name existing,
//     non-key columns.
func Enforce(args *conflict.Args, d conflict.Decision) (conflict.Decision, error) {
	switch d.Resolution {
	case conflict.Abort, conflict.Skip:
		d.Values = nil
		return d, nil
	case conflict.Replace:
	default:
		return d, fmt.Errorf("unknown resolution %s", d.Resolution)
	}

	switch args.Cause {
	case conflict.CauseNotFound:
		d.Resolution = conflict.Skip
		d.Values = nil
		return d, nil
	case conflict.CauseConstraint:
		return d, errors.New("replace cannot resolve a constraint conflict")
	}

	if len(d.Values) > 0 && args.Op == changeset.OpDelete {
		return d, errors.New("substituted values cannot apply to a delete")
	}
	for col := range d.Values {
		if col < 0 || col >= args.ColumnCount() {
			return d, fmt.Errorf("substituted column %d out of range", col)
		}
		if args.Record.IsPrimaryKey(col) {
			return d, fmt.Errorf("substituted column %d is part of the primary key", col)
		}
	}
	return d, nil
}
