package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/c0deZ3R0/go-changeset-kit/changeset"
	"github.com/c0deZ3R0/go-changeset-kit/conflict"
	cserrors "github.com/c0deZ3R0/go-changeset-kit/errors"
	"github.com/c0deZ3R0/go-changeset-kit/handlers/aggregate"
	"github.com/c0deZ3R0/go-changeset-kit/handlers/fileprops"
	"github.com/c0deZ3R0/go-changeset-kit/logging"
	"github.com/c0deZ3R0/go-changeset-kit/resolve"
)

// Resolution strategies a policy file can name.
const (
	StrategyReplace        = "replace"
	StrategySkip           = "skip"
	StrategyAbort          = "abort"
	StrategyDefault        = "default"
	StrategyFileProperty   = "file-property"
	StrategyAggregateRange = "aggregate-range"
	StrategyAggregateMax   = "aggregate-max"
)

// PolicyLoader loads conflict resolution policies from YAML or JSON files
// and builds resolution chains from them.
type PolicyLoader struct {
	mu         sync.RWMutex
	current    *Policy
	validators []PolicyValidator
	watchers   []PolicyWatcher
	logger     *logging.Logger
}

// Policy is the structure of a policy file.
type Policy struct {
	Version     string         `json:"version" yaml:"version"`
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Settings    PolicySettings `json:"settings,omitempty" yaml:"settings,omitempty"`

	// Rules outside any group. They run before the groups.
	Rules  []RuleEntry   `json:"rules,omitempty" yaml:"rules,omitempty"`
	Groups []GroupConfig `json:"groups,omitempty" yaml:"groups,omitempty"`
}

// PolicySettings holds policy-wide settings.
type PolicySettings struct {
	// DefaultFallback replaces the built-in default policy. Only strategies
	// that always decide are accepted: replace, skip, abort or default.
	DefaultFallback string `json:"default_fallback,omitempty" yaml:"default_fallback,omitempty"`
}

// GroupConfig is a named set of rules.
type GroupConfig struct {
	Name        string        `json:"name" yaml:"name"`
	Description string        `json:"description,omitempty" yaml:"description,omitempty"`
	Enabled     *bool         `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Rules       []RuleEntry   `json:"rules" yaml:"rules"`
	SubGroups   []GroupConfig `json:"subgroups,omitempty" yaml:"subgroups,omitempty"`
}

// RuleEntry binds match conditions to a strategy.
type RuleEntry struct {
	Name        string           `json:"name" yaml:"name"`
	Description string           `json:"description,omitempty" yaml:"description,omitempty"`
	Conditions  MatchConditions  `json:"conditions" yaml:"conditions"`
	Resolution  ResolutionConfig `json:"resolution" yaml:"resolution"`
}

// MatchConditions are ANDed together; within a list any entry may match.
// Empty conditions match every conflict.
type MatchConditions struct {
	Tables   []string `json:"tables,omitempty" yaml:"tables,omitempty"`
	Causes   []string `json:"causes,omitempty" yaml:"causes,omitempty"`
	Opcodes  []string `json:"opcodes,omitempty" yaml:"opcodes,omitempty"`
	Indirect *bool    `json:"indirect,omitempty" yaml:"indirect,omitempty"`
}

// ResolutionConfig names a strategy and its options.
type ResolutionConfig struct {
	Strategy string                 `json:"strategy" yaml:"strategy"`
	Options  map[string]interface{} `json:"options,omitempty" yaml:"options,omitempty"`
}

// PolicyValidator checks a policy before it becomes current.
type PolicyValidator interface {
	Validate(p *Policy) error
	Name() string
}

// PolicyWatcher is notified after a policy becomes current.
type PolicyWatcher interface {
	OnPolicyChanged(oldPolicy, newPolicy *Policy)
	Name() string
}

// PolicyLoaderOption configures a PolicyLoader.
type PolicyLoaderOption func(*PolicyLoader)

// WithValidator adds a validator.
func WithValidator(v PolicyValidator) PolicyLoaderOption {
	return func(pl *PolicyLoader) { pl.validators = append(pl.validators, v) }
}

// WithWatcher adds a watcher.
func WithWatcher(w PolicyWatcher) PolicyLoaderOption {
	return func(pl *PolicyLoader) { pl.watchers = append(pl.watchers, w) }
}

// WithPolicyLogger sets the logger. It is also handed to the handlers the
// policy builds.
func WithPolicyLogger(l *logging.Logger) PolicyLoaderOption {
	return func(pl *PolicyLoader) { pl.logger = l }
}

// NewPolicyLoader creates a loader. BasicValidator always runs first.
func NewPolicyLoader(opts ...PolicyLoaderOption) *PolicyLoader {
	pl := &PolicyLoader{validators: []PolicyValidator{BasicValidator{}}}
	for _, opt := range opts {
		opt(pl)
	}
	if pl.logger == nil {
		pl.logger = logging.Discard()
	}
	pl.logger = pl.logger.WithComponent("policy")
	return pl
}

// LoadFromFile loads a policy, choosing the format from the extension.
func (pl *PolicyLoader) LoadFromFile(path string) error {
	pl.logger.Debug("loading policy", slog.String("path", path))

	data, err := os.ReadFile(path)
	if err != nil {
		return cserrors.NewValidationError(cserrors.OpConfig, fmt.Errorf("failed to read policy file %s: %w", path, err))
	}
	return pl.LoadFromBytes(data, detectFormat(path))
}

// LoadFromBytes loads a policy in the given format ("yaml" or "json").
func (pl *PolicyLoader) LoadFromBytes(data []byte, format string) error {
	var p Policy
	switch strings.ToLower(format) {
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &p); err != nil {
			return cserrors.NewValidationError(cserrors.OpConfig, fmt.Errorf("failed to parse YAML policy: %w", err))
		}
	case "json":
		if err := json.Unmarshal(data, &p); err != nil {
			return cserrors.NewValidationError(cserrors.OpConfig, fmt.Errorf("failed to parse JSON policy: %w", err))
		}
	default:
		return cserrors.NewValidationError(cserrors.OpConfig, fmt.Errorf("unsupported policy format: %s", format))
	}
	return pl.Apply(&p)
}

// Apply validates p and makes it current. Watchers run synchronously, after
// the lock is released.
func (pl *PolicyLoader) Apply(p *Policy) error {
	for _, v := range pl.validators {
		if err := v.Validate(p); err != nil {
			pl.logger.Error("policy validation failed",
				slog.String("validator", v.Name()),
				slog.String("error", err.Error()),
			)
			return cserrors.NewValidationError(cserrors.OpConfig, fmt.Errorf("validator %s failed: %w", v.Name(), err))
		}
	}

	pl.mu.Lock()
	old := pl.current
	pl.current = p
	watchers := pl.watchers
	pl.mu.Unlock()

	for _, w := range watchers {
		pl.notify(w, old, p)
	}
	pl.logger.Debug("policy applied",
		slog.String("name", p.Name),
		slog.String("version", p.Version),
		slog.Int("rules", len(p.Rules)),
		slog.Int("groups", len(p.Groups)),
	)
	return nil
}

func (pl *PolicyLoader) notify(w PolicyWatcher, old, p *Policy) {
	defer func() {
		if r := recover(); r != nil {
			pl.logger.Error("policy watcher panic", slog.String("watcher", w.Name()), slog.Any("panic", r))
		}
	}()
	w.OnPolicyChanged(old, p)
}

// Current returns the current policy, or nil.
func (pl *PolicyLoader) Current() *Policy {
	pl.mu.RLock()
	defer pl.mu.RUnlock()
	return pl.current
}

// BuildChain builds a resolution chain from the current policy. Global
// rules come first, then each enabled group in file order. opts are added
// after the policy's own options, so a caller can still attach hooks.
func (pl *PolicyLoader) BuildChain(opts ...resolve.Option) (*resolve.Chain, error) {
	p := pl.Current()
	if p == nil {
		return nil, cserrors.NewValidationError(cserrors.OpConfig, fmt.Errorf("no policy loaded"))
	}

	options := []resolve.Option{resolve.WithLogger(pl.logger)}
	if p.Settings.DefaultFallback != "" {
		fb, err := fallbackFor(p.Settings.DefaultFallback)
		if err != nil {
			return nil, cserrors.NewValidationError(cserrors.OpConfig, fmt.Errorf("default fallback: %w", err))
		}
		options = append(options, resolve.WithFallback(fb))
	}

	for _, rc := range p.Rules {
		rule, err := pl.buildRule(rc)
		if err != nil {
			return nil, cserrors.NewValidationError(cserrors.OpConfig, fmt.Errorf("rule %s: %w", rc.Name, err))
		}
		options = append(options, resolve.WithRule(rule.Name, rule.Matcher, rule.Handler))
	}

	for _, gc := range p.Groups {
		g, err := pl.buildGroup(gc)
		if err != nil {
			return nil, cserrors.NewValidationError(cserrors.OpConfig, fmt.Errorf("group %s: %w", gc.Name, err))
		}
		options = append(options, resolve.WithGroup(g))
	}

	return resolve.NewChain(append(options, opts...)...)
}

func (pl *PolicyLoader) buildGroup(gc GroupConfig) (*resolve.RuleGroup, error) {
	var opts []resolve.RuleGroupOption
	if gc.Description != "" {
		opts = append(opts, resolve.WithDescription(gc.Description))
	}
	if gc.Enabled != nil {
		opts = append(opts, resolve.WithEnabled(*gc.Enabled))
	}
	g := resolve.NewRuleGroup(gc.Name, opts...)

	for _, rc := range gc.Rules {
		rule, err := pl.buildRule(rc)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", rc.Name, err)
		}
		g.AddRule(rule)
	}
	for _, sc := range gc.SubGroups {
		sub, err := pl.buildGroup(sc)
		if err != nil {
			return nil, fmt.Errorf("subgroup %s: %w", sc.Name, err)
		}
		g.AddSubGroup(sub)
	}
	return g, nil
}

func (pl *PolicyLoader) buildRule(rc RuleEntry) (resolve.Rule, error) {
	matcher, err := buildMatcher(rc.Conditions)
	if err != nil {
		return resolve.Rule{}, err
	}
	h, err := pl.handlerFor(rc.Resolution.Strategy, rc.Resolution.Options)
	if err != nil {
		return resolve.Rule{}, err
	}
	return resolve.Rule{Name: rc.Name, Matcher: matcher, Handler: h}, nil
}

func buildMatcher(mc MatchConditions) (resolve.Spec, error) {
	specs := make([]resolve.Spec, 0, 4)

	if len(mc.Tables) > 0 {
		var s resolve.Spec
		for _, t := range mc.Tables {
			s = orSpec(s, resolve.TableMatches(t))
		}
		specs = append(specs, s)
	}
	if len(mc.Causes) > 0 {
		causes := make([]conflict.Cause, 0, len(mc.Causes))
		for _, name := range mc.Causes {
			c, ok := parseCause(name)
			if !ok {
				return nil, fmt.Errorf("unknown cause %q", name)
			}
			causes = append(causes, c)
		}
		specs = append(specs, resolve.CauseIs(causes...))
	}
	if len(mc.Opcodes) > 0 {
		ops := make([]changeset.Opcode, 0, len(mc.Opcodes))
		for _, name := range mc.Opcodes {
			op, ok := parseOpcode(name)
			if !ok {
				return nil, fmt.Errorf("unknown opcode %q", name)
			}
			ops = append(ops, op)
		}
		specs = append(specs, resolve.OpcodeIs(ops...))
	}
	if mc.Indirect != nil {
		specs = append(specs, resolve.IndirectIs(*mc.Indirect))
	}

	if len(specs) == 0 {
		return resolve.Any(), nil
	}
	m := specs[0]
	for _, s := range specs[1:] {
		m = resolve.And(m, s)
	}
	return m, nil
}

func orSpec(a, b resolve.Spec) resolve.Spec {
	if a == nil {
		return b
	}
	return resolve.Or(a, b)
}

func (pl *PolicyLoader) handlerFor(strategy string, options map[string]interface{}) (resolve.Handler, error) {
	switch strings.ToLower(strategy) {
	case StrategyReplace:
		return resolve.Always(conflict.Replace), nil
	case StrategySkip:
		return resolve.Always(conflict.Skip), nil
	case StrategyAbort:
		return resolve.Always(conflict.Abort), nil
	case StrategyDefault:
		return resolve.DefaultPolicy{}, nil
	case StrategyFileProperty:
		return fileprops.New(fileprops.WithLogger(pl.logger)), nil
	case StrategyAggregateRange, StrategyAggregateMax:
		cols, err := intsOption(options, "columns")
		if err != nil {
			return nil, err
		}
		if len(cols) == 0 {
			return nil, fmt.Errorf("%s needs a non-empty columns option", strategy)
		}
		merge, name := aggregate.RangeUnion, StrategyAggregateRange
		if strings.ToLower(strategy) == StrategyAggregateMax {
			merge, name = aggregate.Max, StrategyAggregateMax
		}
		return aggregate.New(merge, cols, aggregate.WithName(name), aggregate.WithLogger(pl.logger)), nil
	default:
		return nil, fmt.Errorf("unknown resolution strategy: %s", strategy)
	}
}

// fallbackFor accepts only strategies that never decline.
func fallbackFor(strategy string) (resolve.Handler, error) {
	switch strings.ToLower(strategy) {
	case StrategyReplace:
		return resolve.Always(conflict.Replace), nil
	case StrategySkip:
		return resolve.Always(conflict.Skip), nil
	case StrategyAbort:
		return resolve.Always(conflict.Abort), nil
	case StrategyDefault:
		return resolve.DefaultPolicy{}, nil
	default:
		return nil, fmt.Errorf("strategy %q cannot be a fallback", strategy)
	}
}

func parseCause(s string) (conflict.Cause, bool) {
	switch strings.ToLower(s) {
	case "conflict":
		return conflict.CauseConflict, true
	case "data":
		return conflict.CauseData, true
	case "notfound", "not_found", "not-found":
		return conflict.CauseNotFound, true
	case "constraint":
		return conflict.CauseConstraint, true
	}
	return 0, false
}

func parseOpcode(s string) (changeset.Opcode, bool) {
	switch strings.ToUpper(s) {
	case "INSERT":
		return changeset.OpInsert, true
	case "UPDATE":
		return changeset.OpUpdate, true
	case "DELETE":
		return changeset.OpDelete, true
	}
	return 0, false
}

// intsOption reads a list of column indexes. YAML yields ints and JSON
// yields float64s.
func intsOption(options map[string]interface{}, key string) ([]int, error) {
	raw, ok := options[key]
	if !ok {
		return nil, nil
	}
	list, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("option %s must be a list", key)
	}
	out := make([]int, 0, len(list))
	for _, item := range list {
		switch v := item.(type) {
		case int:
			out = append(out, v)
		case int64:
			out = append(out, int(v))
		case float64:
			if v != float64(int(v)) {
				return nil, fmt.Errorf("option %s: %v is not a column index", key, v)
			}
			out = append(out, int(v))
		default:
			return nil, fmt.Errorf("option %s: %v is not a column index", key, item)
		}
	}
	return out, nil
}

func detectFormat(path string) string {
	switch strings.ToLower(strings.TrimPrefix(filepath.Ext(path), ".")) {
	case "json":
		return "json"
	default:
		return "yaml"
	}
}

// BasicValidator checks names, uniqueness and strategies.
type BasicValidator struct{}

func (BasicValidator) Name() string { return "basic" }

func (v BasicValidator) Validate(p *Policy) error {
	if p.Version == "" {
		return fmt.Errorf("policy version is required")
	}
	if p.Name == "" {
		return fmt.Errorf("policy name is required")
	}
	if p.Settings.DefaultFallback != "" {
		if _, err := fallbackFor(p.Settings.DefaultFallback); err != nil {
			return err
		}
	}
	if err := v.validateRules(p.Rules, "global"); err != nil {
		return err
	}
	return v.validateGroups(p.Groups)
}

func (v BasicValidator) validateGroups(groups []GroupConfig) error {
	seen := make(map[string]bool)
	for _, g := range groups {
		if g.Name == "" {
			return fmt.Errorf("group name is required")
		}
		if seen[g.Name] {
			return fmt.Errorf("duplicate group name: %s", g.Name)
		}
		seen[g.Name] = true
		if err := v.validateRules(g.Rules, g.Name); err != nil {
			return err
		}
		if err := v.validateGroups(g.SubGroups); err != nil {
			return fmt.Errorf("in group %s: %w", g.Name, err)
		}
	}
	return nil
}

func (BasicValidator) validateRules(rules []RuleEntry, scope string) error {
	seen := make(map[string]bool)
	for _, r := range rules {
		if r.Name == "" {
			return fmt.Errorf("rule name is required in %s", scope)
		}
		if seen[r.Name] {
			return fmt.Errorf("duplicate rule name: %s in %s", r.Name, scope)
		}
		seen[r.Name] = true
		if r.Resolution.Strategy == "" {
			return fmt.Errorf("resolution strategy is required for rule %s in %s", r.Name, scope)
		}
	}
	return nil
}

// LoggingWatcher logs policy changes.
type LoggingWatcher struct {
	logger *logging.Logger
}

func NewLoggingWatcher(logger *logging.Logger) *LoggingWatcher {
	return &LoggingWatcher{logger: logger}
}

func (w *LoggingWatcher) Name() string { return "logging" }

func (w *LoggingWatcher) OnPolicyChanged(oldPolicy, newPolicy *Policy) {
	if w.logger == nil {
		return
	}
	ctx := context.Background()
	if oldPolicy == nil {
		w.logger.InfoContext(ctx, "policy loaded",
			slog.String("name", newPolicy.Name),
			slog.String("version", newPolicy.Version),
		)
		return
	}
	w.logger.InfoContext(ctx, "policy updated",
		slog.String("name", newPolicy.Name),
		slog.String("old_version", oldPolicy.Version),
		slog.String("new_version", newPolicy.Version),
	)
}
