// Command csetctl inspects, inverts and applies changeset files.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/c0deZ3R0/go-changeset-kit/config"
	cserrors "github.com/c0deZ3R0/go-changeset-kit/errors"
	"github.com/c0deZ3R0/go-changeset-kit/logging"
)

// Version is overridden by ldflags at build time.
var Version = "0.1.0"

// cli carries state shared by subcommands.
type cli struct {
	configPath string
	jsonOutput bool
	logLevel   string

	cfg    *config.Config
	logger *logging.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "csetctl",
		Short:         "Inspect, invert and apply briefcase changesets",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(c.configPath)
			if err != nil {
				return err
			}
			c.cfg = cfg
			lc := cfg.Logging
			lc.Output = cmd.ErrOrStderr()
			logger, level := logging.NewLoggerWithDynamicLevel(lc)
			if c.logLevel != "" && !level.SetFromString(c.logLevel) {
				return cserrors.NewValidationError(cserrors.OpConfig, fmt.Errorf("unknown log level %q", c.logLevel))
			}
			c.logger = logger
			return nil
		},
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "configuration file (yaml, toml or json)")
	root.PersistentFlags().BoolVar(&c.jsonOutput, "json", false, "write JSON output")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "override logging.level: trace, debug, info, warn or error")

	root.AddCommand(newDumpCmd(c), newInvertCmd(c), newApplyCmd(c))
	return root
}

func (c *cli) outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func exitCode(err error) int {
	switch cserrors.CodeOf(err) {
	case cserrors.CodeConflictAbort, cserrors.CodeHandler:
		return 2
	case cserrors.CodeValidation:
		return 3
	default:
		return 1
	}
}

func main() {
	root := newRootCmd()
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}
