// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Command joinbuf runs synthetic join workloads through a join buffer and
// reports what the buffer did.
package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/joinbuf/pkg/sql/joinbuf"
	"github.com/cockroachdb/joinbuf/pkg/sql/joinbuf/jbtypes"
	"github.com/cockroachdb/joinbuf/pkg/sql/rowsource"
	"github.com/cockroachdb/joinbuf/pkg/storage/kvindex"
	"github.com/cockroachdb/joinbuf/pkg/util/log"
	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

var flags struct {
	verbosity  int32
	storage    string
	capacity   string
	showLayout bool
}

func addFlags(fs *pflag.FlagSet) {
	fs.Int32VarP(&flags.verbosity, "verbosity", "v", 0, "log verbosity")
	fs.StringVar(&flags.storage, "storage", "", "inner table storage, memory or pebble (overrides the workload)")
	fs.StringVar(&flags.capacity, "capacity", "", "buffer capacity, e.g. 64KiB (overrides the workload)")
	fs.BoolVar(&flags.showLayout, "show-layout", false, "log the record layout")
}

var rootCmd = &cobra.Command{
	Use:   "joinbuf",
	Short: "join buffer workbench",
}

var runCmd = &cobra.Command{
	Use:   "run <workload-file>...",
	Short: "run synthetic join workloads",
	Long: `run builds the outer and inner tables described by each YAML or TOML
workload file, joins them through a join buffer and prints statistics.
Workloads run concurrently, one join buffer each.

Examples:

  joinbuf run testdata/dedup.yaml --capacity 16KiB
`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		log.SetVerbosity(flags.verbosity)
		if flags.showLayout && flags.verbosity < 2 {
			log.SetVerbosity(2)
		}
		workloads := make([]*workload, len(args))
		for i, path := range args {
			w, err := loadWorkload(path)
			if err != nil {
				return err
			}
			if flags.storage != "" {
				w.Storage = flags.storage
			}
			if flags.capacity != "" {
				if err := w.Config.BufferSize.UnmarshalText([]byte(flags.capacity)); err != nil {
					return err
				}
			}
			if w.Name == "" {
				w.Name = path
			}
			workloads[i] = w
		}
		results := make([]bytes.Buffer, len(workloads))
		g, ctx := errgroup.WithContext(context.Background())
		for i := range workloads {
			i := i
			g.Go(func() error {
				res, err := runWorkload(ctx, workloads[i])
				if err != nil {
					return errors.Wrapf(err, "workload %s", args[i])
				}
				res.render(&results[i])
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		for i := range results {
			if _, err := results[i].WriteTo(cmd.OutOrStdout()); err != nil {
				return err
			}
		}
		return nil
	},
}

type innerTable interface {
	jbtypes.Scanner
	jbtypes.LookupProtocol
	Insert(jbtypes.TableRow) error
}

type memoryTable struct {
	*rowsource.Table
	*rowsource.Index
}

func openInner(w *workload, spec jbtypes.TableSpec) (innerTable, func(), error) {
	switch w.Storage {
	case "memory":
		t := rowsource.NewTable(spec)
		idx, err := rowsource.NewIndex(t, w.InnerKey, rowsource.IndexOptions{OmitTokens: true})
		if err != nil {
			return nil, nil, err
		}
		return memoryTable{Table: t, Index: idx}, func() {}, nil
	case "pebble":
		s, err := kvindex.Open(spec, w.InnerKey)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		return nil, nil, errors.Newf("unknown storage %q", w.Storage)
	}
}

// result is the outcome of one workload.
type result struct {
	buffer           string
	outerRows        int
	outputs          int
	nullComplemented int
	stats            joinbuf.Stats
	fellBack         bool
	elapsed          time.Duration
}

func runWorkload(ctx context.Context, w *workload) (result, error) {
	var res result
	strategy, err := joinbuf.ParseStrategy(w.Strategy)
	if err != nil {
		return res, err
	}
	joinType, err := joinbuf.ParseJoinType(w.JoinType)
	if err != nil {
		return res, err
	}
	outerSpec, err := w.Outer.spec()
	if err != nil {
		return res, err
	}
	innerSpec, err := w.Inner.spec()
	if err != nil {
		return res, err
	}
	inner, closeInner, err := openInner(w, innerSpec)
	if err != nil {
		return res, err
	}
	defer closeInner()
	for i := 0; i < w.Inner.Rows; i++ {
		if err := inner.Insert(w.Inner.row(innerSpec, i)); err != nil {
			return res, err
		}
	}

	metrics := joinbuf.NewMetrics()
	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg); err != nil {
		return res, err
	}
	spec := joinbuf.Spec{
		Name:     w.Name,
		Strategy: strategy,
		JoinType: joinType,
		Outer:    []jbtypes.TableSpec{outerSpec},
		Inner:    innerSpec,
		Scanner:  inner,
		InnerKey: w.InnerKey,
		Metrics:  metrics,
	}
	if strategy == joinbuf.Plain {
		spec.Condition = keyCondition(w.Key, w.InnerKey)
	} else {
		spec.Lookup = inner
		for _, k := range w.Key {
			spec.KeyParts = append(spec.KeyParts, jbtypes.ColRef{Table: 0, Col: k})
		}
	}
	c, err := joinbuf.New(ctx, w.Config, spec)
	if err != nil {
		return res, err
	}
	defer c.Close()

	chain, err := joinbuf.NewChain([]*joinbuf.Cache{c}, func(jr joinbuf.JoinedRow) error {
		res.outputs++
		if jr.Inner == nil {
			res.nullComplemented++
		}
		return nil
	})
	if err != nil {
		return res, err
	}
	start := time.Now()
	for i := 0; i < w.Outer.Rows; i++ {
		if err := chain.Put(ctx, jbtypes.Row{w.Outer.row(outerSpec, i)}); err != nil {
			return res, err
		}
	}
	if err := chain.Finish(ctx); err != nil {
		return res, err
	}
	res.elapsed = time.Since(start)
	res.buffer = c.String()
	res.outerRows = w.Outer.Rows
	res.stats = c.Stats()
	res.fellBack = c.FellBack()
	return res, nil
}

func (res *result) render(out io.Writer) {
	tw := tablewriter.NewWriter(out)
	tw.SetHeader([]string{"statistic", "value"})
	tw.Append([]string{"buffer", res.buffer})
	tw.Append([]string{"outer rows", humanize.Comma(int64(res.outerRows))})
	tw.Append([]string{"output rows", humanize.Comma(int64(res.outputs))})
	tw.Append([]string{"null-complemented", humanize.Comma(int64(res.nullComplemented))})
	tw.Append([]string{"flushes", humanize.Comma(int64(res.stats.Flushes))})
	tw.Append([]string{"keys submitted", humanize.Comma(int64(res.stats.KeysSubmitted))})
	tw.Append([]string{"dedup hits", humanize.Comma(int64(res.stats.DedupHits))})
	tw.Append([]string{"null keys", humanize.Comma(int64(res.stats.NullKeys))})
	tw.Append([]string{"fell back", fmt.Sprint(res.fellBack)})
	tw.Append([]string{"elapsed", res.elapsed.String()})
	tw.Render()
}

// keyCondition joins outer and inner rows on equal key columns.
func keyCondition(outerCols, innerCols []int) jbtypes.Condition {
	return jbtypes.ConditionFunc(func(outer jbtypes.Row, inner *jbtypes.TableRow) (bool, error) {
		o := &outer[0]
		for i, oc := range outerCols {
			if o.IsNull(oc) || inner.IsNull(innerCols[i]) {
				return false, nil
			}
			if string(o.Vals[oc]) != string(inner.Vals[innerCols[i]]) {
				return false, nil
			}
		}
		return true, nil
	})
}

func main() {
	addFlags(runCmd.Flags())
	rootCmd.AddCommand(runCmd)
	if err := rootCmd.Execute(); err != nil {
		// Cobra has already printed the error message.
		os.Exit(1)
	}
}
