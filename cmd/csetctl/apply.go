package main

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/c0deZ3R0/go-changeset-kit/apply"
	"github.com/c0deZ3R0/go-changeset-kit/briefcase"
	"github.com/c0deZ3R0/go-changeset-kit/changeset"
	"github.com/c0deZ3R0/go-changeset-kit/config"
	cserrors "github.com/c0deZ3R0/go-changeset-kit/errors"
	"github.com/c0deZ3R0/go-changeset-kit/metrics"
	"github.com/c0deZ3R0/go-changeset-kit/resolve"
)

type applyFlags struct {
	db          string
	policy      string
	startIndex  int
	skipApplied bool
	invert      bool
	metricsFile string
}

type sessionSummary struct {
	Session    string           `json:"session"`
	Changeset  string           `json:"changeset"`
	Index      int              `json:"index"`
	State      string           `json:"state"`
	Rows       int              `json:"rows"`
	Applied    int              `json:"applied"`
	Replaced   int              `json:"replaced"`
	Skipped    int              `json:"skipped"`
	Conflicts  map[string]int   `json:"conflicts,omitempty"`
	Logged     []loggedConflict `json:"logged,omitempty"`
	DurationMs float64          `json:"duration_ms"`
}

type loggedConflict struct {
	Table      string `json:"table"`
	Key        string `json:"key"`
	Cause      string `json:"cause"`
	Resolution string `json:"resolution"`
	Handler    string `json:"handler"`
}

func newApplyCmd(c *cli) *cobra.Command {
	f := &applyFlags{}
	cmd := &cobra.Command{
		Use:   "apply <changeset>...",
		Short: "Apply changesets to a briefcase in order",
		Long: `Apply changeset files to a briefcase, each in its own transaction.
Conflicts are resolved by the policy file when one is given and by the
default policy otherwise. The sequence stops at the first changeset that
aborts; changesets before it stay committed.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runApply(cmd, f, args)
		},
	}
	cmd.Flags().StringVar(&f.db, "db", "", "briefcase file (defaults to database.path)")
	cmd.Flags().StringVar(&f.policy, "policy", "", "resolution policy file (defaults to policy.file)")
	cmd.Flags().IntVar(&f.startIndex, "start-index", 0, "history index of the first changeset; later ones follow consecutively")
	cmd.Flags().BoolVar(&f.skipApplied, "skip-applied", false, "skip changesets at or below the briefcase tip")
	cmd.Flags().BoolVar(&f.invert, "invert", false, "apply the reverse of each changeset")
	cmd.Flags().StringVar(&f.metricsFile, "metrics-file", "", "write Prometheus metrics to this file after applying")
	return cmd
}

func (c *cli) runApply(cmd *cobra.Command, f *applyFlags, args []string) error {
	ctx := cmd.Context()

	bc := c.cfg.Briefcase(f.db, c.logger)
	if bc.Path == "" {
		return cserrors.NewValidationError(cserrors.OpConfig, errors.New("no briefcase given: use --db or database.path"))
	}
	b, err := briefcase.Open(ctx, bc)
	if err != nil {
		return err
	}
	defer b.Close()

	chain, err := c.buildChain(f.policy)
	if err != nil {
		return err
	}
	collector, gatherer, err := c.collector()
	if err != nil {
		return err
	}

	opts := []apply.Option{apply.WithLogger(c.logger), apply.WithChain(chain), apply.WithMetrics(collector)}
	if f.skipApplied {
		opts = append(opts, apply.WithSkipApplied())
	}
	engine, err := apply.NewEngine(b, opts...)
	if err != nil {
		return err
	}

	var readOpts []changeset.Option
	if f.invert {
		readOpts = append(readOpts, changeset.WithInvert())
	}
	seq := make([]apply.Changeset, len(args))
	for i, path := range args {
		index := 0
		if f.startIndex > 0 {
			index = f.startIndex + i
		}
		seq[i] = apply.File(index, strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)), path, readOpts...)
	}

	results, applyErr := engine.ApplySequence(ctx, seq)

	summaries := make([]sessionSummary, 0, len(results))
	for _, res := range results {
		summaries = append(summaries, summarize(res))
	}
	if c.jsonOutput {
		if err := c.outputJSON(cmd.OutOrStdout(), summaries); err != nil {
			return err
		}
	} else {
		writeSummaries(cmd.OutOrStdout(), summaries)
	}

	if f.metricsFile != "" && gatherer != nil {
		if err := prometheus.WriteToTextfile(f.metricsFile, gatherer); err != nil {
			return cserrors.NewIOError(cserrors.OpWrite, err)
		}
	}
	return applyErr
}

func (c *cli) buildChain(policyFlag string) (*resolve.Chain, error) {
	path := policyFlag
	if path == "" {
		path = c.cfg.Policy.File
	}
	if path == "" {
		return resolve.NewChain(resolve.WithLogger(c.logger))
	}
	pl := config.NewPolicyLoader(
		config.WithPolicyLogger(c.logger),
		config.WithWatcher(config.NewLoggingWatcher(c.logger)),
	)
	if err := pl.LoadFromFile(path); err != nil {
		return nil, err
	}
	return pl.BuildChain()
}

// collector returns the configured metrics collector and, for Prometheus,
// the registry holding its series.
func (c *cli) collector() (metrics.Collector, prometheus.Gatherer, error) {
	switch strings.ToLower(c.cfg.Metrics.Backend) {
	case config.MetricsPrometheus:
		reg := prometheus.NewRegistry()
		pc, err := metrics.NewPrometheusCollector(reg, c.cfg.Metrics.Namespace)
		if err != nil {
			return nil, nil, err
		}
		return pc, reg, nil
	case config.MetricsOTel:
		oc, err := metrics.NewOTelCollector(nil)
		if err != nil {
			return nil, nil, err
		}
		return oc, nil, nil
	default:
		return metrics.NoOp{}, nil, nil
	}
}

func summarize(res *apply.Result) sessionSummary {
	s := sessionSummary{
		Session:    res.SessionID,
		Changeset:  res.ChangesetID,
		Index:      res.ChangesetIndex,
		State:      res.State.String(),
		Rows:       res.Rows,
		Applied:    res.Applied,
		Replaced:   res.Replaced,
		Skipped:    res.Skipped,
		DurationMs: float64(res.Duration) / float64(time.Millisecond),
	}
	if len(res.Conflicts) > 0 {
		s.Conflicts = make(map[string]int, len(res.Conflicts))
		for cause, n := range res.Conflicts {
			s.Conflicts[cause.String()] = n
		}
	}
	for _, e := range res.Log {
		s.Logged = append(s.Logged, loggedConflict{
			Table:      e.Table,
			Key:        e.Key,
			Cause:      e.Cause.String(),
			Resolution: e.Resolution.String(),
			Handler:    e.Handler,
		})
	}
	return s
}

func writeSummaries(w io.Writer, summaries []sessionSummary) {
	for _, s := range summaries {
		fmt.Fprintf(w, "%s [%d] %s: rows=%d applied=%d replaced=%d skipped=%d (%.1fms)\n",
			s.Changeset, s.Index, s.State, s.Rows, s.Applied, s.Replaced, s.Skipped, s.DurationMs)
		for _, cause := range slices.Sorted(maps.Keys(s.Conflicts)) {
			fmt.Fprintf(w, "  %s conflicts: %d\n", cause, s.Conflicts[cause])
		}
		for _, e := range s.Logged {
			fmt.Fprintf(w, "  %s %s(%s) -> %s by %s\n", e.Cause, e.Table, e.Key, e.Resolution, e.Handler)
		}
	}
}
