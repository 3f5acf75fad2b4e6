package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/c0deZ3R0/go-changeset-kit/changeset"
)

type dumpedRecord struct {
	Op       string    `json:"op"`
	Table    string    `json:"table"`
	Key      string    `json:"key"`
	Indirect bool      `json:"indirect,omitempty"`
	Old      []*string `json:"old,omitempty"`
	New      []*string `json:"new,omitempty"`
}

type dumpOutput struct {
	Compression string         `json:"compression"`
	Schema      string         `json:"schema,omitempty"`
	Records     []dumpedRecord `json:"records"`
}

func newDumpCmd(c *cli) *cobra.Command {
	var invert bool
	cmd := &cobra.Command{
		Use:   "dump <changeset>",
		Short: "Print the rows of a changeset file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts []changeset.Option
			if invert {
				opts = append(opts, changeset.WithInvert())
			}
			r, err := changeset.OpenFile(args[0], opts...)
			if err != nil {
				return err
			}
			defer r.Close()

			out := dumpOutput{Compression: r.Compression().String(), Records: []dumpedRecord{}}
			out.Schema, _ = r.SchemaChanges()
			for rec, err := range r.All() {
				if err != nil {
					return err
				}
				out.Records = append(out.Records, dumpedRecord{
					Op:       rec.Op.String(),
					Table:    rec.Table,
					Key:      rec.KeyString(),
					Indirect: rec.Indirect,
					Old:      image(rec.Old),
					New:      image(rec.New),
				})
			}

			if c.jsonOutput {
				return c.outputJSON(cmd.OutOrStdout(), out)
			}
			writeDump(cmd.OutOrStdout(), out)
			return nil
		},
	}
	cmd.Flags().BoolVar(&invert, "invert", false, "print the reversed changeset")
	return cmd
}

// image renders one row image; columns the stage does not carry are nil.
func image(vals []changeset.Value) []*string {
	if vals == nil {
		return nil
	}
	out := make([]*string, len(vals))
	for i, v := range vals {
		if v.Defined() {
			s := v.String()
			out[i] = &s
		}
	}
	return out
}

func writeDump(w io.Writer, out dumpOutput) {
	fmt.Fprintf(w, "compression: %s\n", out.Compression)
	if out.Schema != "" {
		fmt.Fprintf(w, "schema:\n  %s\n", strings.ReplaceAll(strings.TrimSpace(out.Schema), "\n", "\n  "))
	}
	for _, rec := range out.Records {
		ind := ""
		if rec.Indirect {
			ind = " indirect"
		}
		fmt.Fprintf(w, "%s %s(%s)%s\n", rec.Op, rec.Table, rec.Key, ind)
		if rec.Old != nil {
			fmt.Fprintf(w, "  old: %s\n", joinImage(rec.Old))
		}
		if rec.New != nil {
			fmt.Fprintf(w, "  new: %s\n", joinImage(rec.New))
		}
	}
	fmt.Fprintf(w, "%d rows\n", len(out.Records))
}

func joinImage(img []*string) string {
	parts := make([]string, len(img))
	for i, v := range img {
		if v == nil {
			parts[i] = "-"
		} else {
			parts[i] = *v
		}
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
