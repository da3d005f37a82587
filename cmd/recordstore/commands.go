package main

import (
	stdjson "encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"recordstore/internal/parser/json"
	"recordstore/internal/parser/pfb"
	"recordstore/internal/parser/tsv"
	"recordstore/internal/probe"
	"recordstore/internal/record"
	"recordstore/internal/service"
)

func (a *app) collectionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "collection",
		Short: "Manage collections",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "create [id]",
			Short: "Create a collection, generating an id when none is given",
			Args:  usageArgs(cobra.MaximumNArgs(1)),
			RunE: func(cmd *cobra.Command, args []string) error {
				id := ""
				if len(args) == 1 {
					id = args[0]
				}
				id, err := a.svc.CreateCollection(cmd.Context(), id)
				if err != nil {
					return err
				}
				fmt.Fprintln(a.stdout, id)
				return nil
			},
		},
		&cobra.Command{
			Use:   "delete <id>",
			Short: "Delete a collection and every record type in it",
			Args:  usageArgs(cobra.ExactArgs(1)),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.svc.DeleteCollection(cmd.Context(), args[0])
			},
		},
	)
	return cmd
}

func collectionFlag(cmd *cobra.Command, dst *string) {
	cmd.Flags().StringVarP(dst, "collection", "c", "", "collection id")
	_ = cmd.MarkFlagRequired("collection")
}

func typeFlag(cmd *cobra.Command, dst *string, required bool) {
	cmd.Flags().StringVarP(dst, "type", "t", "", "record type")
	if required {
		_ = cmd.MarkFlagRequired("type")
	}
}

// formatFor returns the explicit format or guesses it from the file name.
func formatFor(path, explicit string) (string, error) {
	f := strings.ToLower(explicit)
	if f == "" {
		switch strings.ToLower(filepath.Ext(path)) {
		case ".json":
			f = "json"
		case ".tsv", ".txt":
			f = "tsv"
		case ".pfb", ".avro":
			f = "pfb"
		default:
			return "", usagef("cannot tell the format of %q; pass --format json|tsv|pfb", path)
		}
	}
	switch f {
	case "json", "tsv", "pfb":
		return f, nil
	}
	return "", usagef("unsupported format %q (want json, tsv or pfb)", explicit)
}

func (a *app) importCmd() *cobra.Command {
	var coll, rt, format, pk string
	cmd := &cobra.Command{
		Use:   "import <file|->",
		Short: "Write records from a JSON, TSV or PFB file",
		Long: "JSON input is an array of {\"operation\", \"record\"} items. TSV rows replace the records " +
			"they name. PFB files are read twice and may not come from stdin.",
		Args: usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			f, err := formatFor(path, format)
			if err != nil {
				return err
			}
			open := func() (io.ReadCloser, error) {
				if path == "-" {
					return io.NopCloser(cmd.InOrStdin()), nil
				}
				return os.Open(path)
			}

			var res record.WriteResult
			if f == "pfb" {
				if path == "-" {
					return usagef("pfb input cannot be read from stdin")
				}
				if res, err = a.svc.ImportPFB(cmd.Context(), coll, open); err != nil {
					return err
				}
			} else {
				if f == "tsv" && rt == "" {
					return usagef("--type is required for tsv input")
				}
				rc, err := open()
				if err != nil {
					return err
				}
				if f == "tsv" {
					res, err = a.svc.ImportTSV(cmd.Context(), coll, record.RecordType(rt), pk, rc)
				} else {
					res, err = a.svc.ImportJSON(cmd.Context(), coll, record.RecordType(rt), pk, rc)
				}
				if err != nil {
					return err
				}
			}
			writeCounts(a.stdout, res)
			return nil
		},
	}
	collectionFlag(cmd, &coll)
	typeFlag(cmd, &rt, false)
	cmd.Flags().StringVar(&format, "format", "", "input format: json, tsv or pfb (default: from the file extension)")
	cmd.Flags().StringVar(&pk, "primary-key", "", "key column for new record types")
	return cmd
}

func writeCounts(w io.Writer, res record.WriteResult) {
	types := make([]string, 0, len(res))
	for t := range res {
		types = append(types, string(t))
	}
	sort.Strings(types)
	for _, t := range types {
		fmt.Fprintf(w, "%s\t%d\n", t, res[record.RecordType(t)])
	}
}

func (a *app) describeCmd() *cobra.Command {
	var coll, rt string
	cmd := &cobra.Command{
		Use:   "describe",
		Short: "Describe one record type, or all of them",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			if rt != "" {
				attrs, err := a.svc.DescribeSchema(cmd.Context(), coll, record.RecordType(rt))
				if err != nil {
					return err
				}
				return writeJSON(a.stdout, attrs)
			}
			all, err := a.svc.DescribeAll(cmd.Context(), coll)
			if err != nil {
				return err
			}
			if all == nil {
				all = []service.RecordTypeSchema{}
			}
			return writeJSON(a.stdout, all)
		},
	}
	collectionFlag(cmd, &coll)
	typeFlag(cmd, &rt, false)
	return cmd
}

func (a *app) typesCmd() *cobra.Command {
	var coll string
	cmd := &cobra.Command{
		Use:   "types",
		Short: "List the record types of a collection",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			types, err := a.svc.ListTypes(cmd.Context(), coll)
			if err != nil {
				return err
			}
			for _, t := range types {
				fmt.Fprintln(a.stdout, t)
			}
			return nil
		},
	}
	collectionFlag(cmd, &coll)
	return cmd
}

// recordJSON is the output shape of one record.
type recordJSON struct {
	ID         string                  `json:"id"`
	Type       record.RecordType       `json:"type"`
	Attributes map[string]record.Value `json:"attributes"`
}

func toJSON(r record.Record) recordJSON {
	return recordJSON{ID: r.ID, Type: r.Type, Attributes: r.Attributes}
}

func (a *app) queryCmd() *cobra.Command {
	var coll, rt string
	req := service.QueryRequest{}
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Page through the records of a type",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := a.svc.Query(cmd.Context(), coll, record.RecordType(rt), req)
			if err != nil {
				return err
			}
			out := struct {
				Request service.QueryRequest `json:"searchRequest"`
				Total   int64                `json:"totalRecords"`
				Records []recordJSON         `json:"records"`
			}{Request: resp.Request, Total: resp.Total, Records: make([]recordJSON, 0, len(resp.Records))}
			for _, r := range resp.Records {
				out.Records = append(out.Records, toJSON(r))
			}
			return writeJSON(a.stdout, out)
		},
	}
	collectionFlag(cmd, &coll)
	typeFlag(cmd, &rt, true)
	cmd.Flags().IntVar(&req.Limit, "limit", service.DefaultQueryLimit, "page size (1-1000)")
	cmd.Flags().IntVar(&req.Offset, "offset", 0, "records to skip")
	cmd.Flags().StringVar(&req.Sort, "sort", "asc", "key order: asc or desc")
	cmd.Flags().StringVar(&req.Query, "filter", "", `"column:value" filter on a string column`)
	return cmd
}

func (a *app) getCmd() *cobra.Command {
	var coll, rt string
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one record",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := a.svc.Get(cmd.Context(), coll, record.RecordType(rt), args[0])
			if err != nil {
				return err
			}
			return writeJSON(a.stdout, toJSON(r))
		},
	}
	collectionFlag(cmd, &coll)
	typeFlag(cmd, &rt, true)
	return cmd
}

func (a *app) exportCmd() *cobra.Command {
	var coll, rt, out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write every record of a type as TSV",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			w := a.stdout
			if out != "" && out != "-" {
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			n, err := a.svc.Export(cmd.Context(), coll, record.RecordType(rt), w)
			if err != nil {
				return err
			}
			if w != a.stdout {
				fmt.Fprintf(a.stdout, "%s\t%d\n", rt, n)
			}
			return nil
		},
	}
	collectionFlag(cmd, &coll)
	typeFlag(cmd, &rt, true)
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default: stdout)")
	return cmd
}

func (a *app) deleteTypeCmd() *cobra.Command {
	var coll string
	cmd := &cobra.Command{
		Use:   "delete-type <type>",
		Short: "Drop a record type and its records",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.svc.DeleteRecordType(cmd.Context(), coll, record.RecordType(args[0]))
		},
	}
	collectionFlag(cmd, &coll)
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := stdjson.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// skipSetup marks commands that need neither storage nor metrics.
const skipSetup = "skip-setup"

func (a *app) probeCmd() *cobra.Command {
	var rt, format, pk string
	var limit int
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "probe <file|->",
		Short: "Sample a file and report the schema an import would create",
		Long: "Reads at most --records records and prints, per record type, the inferred attribute types, " +
			"relation targets and per-column uniqueness. PFB files are probed on entity attributes only.",
		Args:        usageArgs(cobra.ExactArgs(1)),
		Annotations: map[string]string{skipSetup: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			f, err := formatFor(path, format)
			if err != nil {
				return err
			}
			var rc io.ReadCloser = io.NopCloser(cmd.InOrStdin())
			if path != "-" {
				if rc, err = os.Open(path); err != nil {
					return err
				}
			}
			var src record.Source
			switch f {
			case "tsv":
				if rt == "" {
					rt = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
				}
				src, err = tsv.NewSource(rc, record.RecordType(rt), pk)
			case "pfb":
				src, err = pfb.NewSource(rc, pfb.BasePass)
			default:
				src, err = json.NewSource(rc, record.RecordType(rt))
			}
			if err != nil {
				return err
			}
			defer src.Close()

			rep, err := probe.Sample(cmd.Context(), src, probe.Options{MaxRecords: limit, DefaultType: record.RecordType(rt)})
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(a.stdout, rep)
			}
			fmt.Fprintln(a.stdout, rep.Format())
			return nil
		},
	}
	typeFlag(cmd, &rt, false)
	cmd.Flags().StringVar(&format, "format", "", "input format: json, tsv or pfb (default: from the file extension)")
	cmd.Flags().StringVar(&pk, "primary-key", "", "tsv key column (default: the leftmost column)")
	cmd.Flags().IntVar(&limit, "records", probe.DefaultMaxRecords, "records to sample")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}
