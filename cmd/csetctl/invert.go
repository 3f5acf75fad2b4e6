package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/c0deZ3R0/go-changeset-kit/changeset"
	cserrors "github.com/c0deZ3R0/go-changeset-kit/errors"
)

func newInvertCmd(c *cli) *cobra.Command {
	var compression string
	cmd := &cobra.Command{
		Use:   "invert <changeset> <output>",
		Short: "Write the reverse of a changeset",
		Long: `Write a changeset that undoes the input: inserts become deletes,
deletes become inserts and updates swap their old and new images.
Changesets carrying schema changes cannot be inverted.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts []changeset.WriterOption
			if cmd.Flags().Changed("compression") {
				comp, err := changeset.ParseCompression(compression)
				if err != nil {
					return cserrors.NewValidationError(cserrors.OpConfig, err)
				}
				opts = append(opts, changeset.WithCompression(comp))
			} else if c.cfg.Compression() != changeset.CompressionNone {
				opts = append(opts, changeset.WithCompression(c.cfg.Compression()))
			}

			r, err := changeset.OpenFile(args[0])
			if err != nil {
				return err
			}
			defer r.Close()

			tmp := args[1] + ".tmp"
			f, err := os.Create(tmp)
			if err != nil {
				return cserrors.NewIOError(cserrors.OpWrite, err)
			}
			if err := changeset.Invert(f, r, opts...); err != nil {
				f.Close()
				os.Remove(tmp)
				return err
			}
			if err := f.Close(); err != nil {
				os.Remove(tmp)
				return cserrors.NewIOError(cserrors.OpWrite, err)
			}
			if err := os.Rename(tmp, args[1]); err != nil {
				return cserrors.NewIOError(cserrors.OpWrite, err)
			}

			c.logger.Debug("changeset inverted", "input", args[0], "output", args[1], "rows", r.RowsRead())
			if c.jsonOutput {
				return c.outputJSON(cmd.OutOrStdout(), map[string]any{"output": args[1], "rows": r.RowsRead()})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d rows to %s\n", r.RowsRead(), args[1])
			return nil
		},
	}
	cmd.Flags().StringVar(&compression, "compression", "", "output compression: none, zstd or lz4 (defaults to the input's)")
	return cmd
}
