package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/tally-io/tally/internal/archive"
	"github.com/tally-io/tally/internal/logging"
	"github.com/tally-io/tally/internal/metricstore"
	"github.com/tally-io/tally/internal/objectstore"
)

func runExport(args []string) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	metricID := fs.String("metric", "", "Export a single metric (default: all metrics)")
	list := fs.Bool("list", false, "List existing archives of -metric instead of exporting")
	codec := fs.String("codec", "", "Override compression codec (none, snappy, lz4, zstd, gzip)")

	fs.Usage = func() {
		fmt.Println(`Usage: tallyd export [options]

Write the full history of each metric to the object store as a Parquet file.
Existing archives are never overwritten.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg := mustLoadConfig(*configPath)
	if *codec != "" {
		cfg.Archive.Codec = *codec
	}
	if err := cfg.ValidateArchive(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}
	parsed, err := archive.ParseCodec(cfg.Archive.Codec)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid codec: %v\n", err)
		os.Exit(1)
	}
	logging.Configure(cfg.Observability.LogLevel, cfg.Observability.LogFormat)

	ctx := context.Background()
	objects, err := openObjectStore(ctx, cfg.ObjectStore)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open object store: %v\n", err)
		os.Exit(1)
	}
	defer objects.Close()

	if *list {
		if *metricID == "" {
			fmt.Fprintln(os.Stderr, "-list requires -metric")
			os.Exit(1)
		}
		if err := listArchives(ctx, os.Stdout, objects, *metricID); err != nil {
			fmt.Fprintf(os.Stderr, "list failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	store, err := openDatastore(ctx, cfg.Datastore)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open datastore: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	exporter := archive.NewExporter(metricstore.NewStore(store), objects,
		archive.WithCodec(parsed),
		archive.WithConcurrency(cfg.Archive.Concurrency),
	)
	if err := exportHistory(ctx, os.Stdout, exporter, *metricID); err != nil {
		fmt.Fprintf(os.Stderr, "export failed: %v\n", err)
		os.Exit(1)
	}
}

// exportHistory exports one metric, or all when metricID is empty, and
// prints a table of the written archives.
func exportHistory(ctx context.Context, out io.Writer, exporter *archive.Exporter, metricID string) error {
	var results []archive.Result
	if metricID != "" {
		res, err := exporter.Export(ctx, metricID)
		if err != nil {
			return err
		}
		results = []archive.Result{res}
	} else {
		var err error
		if results, err = exporter.ExportAll(ctx); err != nil {
			return err
		}
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "METRIC\tROWS\tBYTES\tKEY")
	for _, r := range results {
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", r.MetricID, r.Rows, r.Size, r.Key)
	}
	return w.Flush()
}

func listArchives(ctx context.Context, out io.Writer, objects objectstore.Store, metricID string) error {
	keys, err := archive.List(ctx, objects, metricID)
	if err != nil {
		return err
	}
	for _, k := range keys {
		fmt.Fprintln(out, k)
	}
	return nil
}
