// Package main implements the geoinv binary, which maintains and queries a
// geo inventory index.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/bcdev/geo-inventory-sub000/internal/app"
	"github.com/bcdev/geo-inventory-sub000/internal/config"
	"github.com/bcdev/geo-inventory-sub000/internal/dump"
	inverrors "github.com/bcdev/geo-inventory-sub000/internal/errors"
	"github.com/bcdev/geo-inventory-sub000/internal/geometry"
	"github.com/bcdev/geo-inventory-sub000/internal/ingest"
	"github.com/bcdev/geo-inventory-sub000/internal/query"
)

var (
	version = "dev"
	commit  = "unknown"
)

// commonFlags are accepted by every subcommand.
type commonFlags struct {
	configFile string
	indexDir   string
	name       string
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configFile, "config", "", "Path to configuration file (YAML or JSON)")
	fs.StringVar(&c.indexDir, "dir", "", "Index directory")
	fs.StringVar(&c.name, "name", "", "Index name")
}

func usage() {
	fmt.Fprintf(os.Stderr, "geoinv - time and footprint inventory of earth observation products\n\n")
	fmt.Fprintf(os.Stderr, "Usage: geoinv <command> [options] [args]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  update  SOURCE...   merge sources and pending submissions into a new generation\n")
	fmt.Fprintf(os.Stderr, "  submit  SOURCE      queue a source for the next update\n")
	fmt.Fprintf(os.Stderr, "  query               list products matching a time and footprint constraint\n")
	fmt.Fprintf(os.Stderr, "  dump                write all entries as TSV or SQLite\n")
	fmt.Fprintf(os.Stderr, "  restore             rebuild the index from the attic archives\n")
	fmt.Fprintf(os.Stderr, "  version             show version information\n")
	fmt.Fprintf(os.Stderr, "\nRun 'geoinv <command> -h' for command options.\n")
	fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
	fmt.Fprintf(os.Stderr, "  GEOINV_INDEX_DIR        Index directory\n")
	fmt.Fprintf(os.Stderr, "  GEOINV_NAME             Index name\n")
	fmt.Fprintf(os.Stderr, "  GEOINV_ATTIC_TYPE       Attic storage type (local, s3)\n")
	fmt.Fprintf(os.Stderr, "  GEOINV_S3_*             S3 attic settings\n")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	cmd, args := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "update":
		err = runUpdate(ctx, args)
	case "submit":
		err = runSubmit(ctx, args)
	case "query":
		err = runQuery(ctx, args)
	case "dump":
		err = runDump(ctx, args)
	case "restore":
		err = runRestore(ctx, args)
	case "version":
		fmt.Printf("geoinv version %s (commit: %s)\n", version, commit)
	case "-h", "-help", "--help", "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%s failed: %v", cmd, err)
	}
}

// loadConfig loads configuration from .env files, the config file, the
// environment and command line flags, in increasing priority.
func loadConfig(c commonFlags) (*config.Config, error) {
	if err := config.LoadDotEnv(".env"); err != nil {
		return nil, err
	}

	var cfg *config.Config
	var err error
	if c.configFile != "" {
		cfg, err = config.LoadFromFile(c.configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	config.LoadFromEnv(cfg)

	if c.indexDir != "" {
		cfg.IndexDir = c.indexDir
	}
	if c.name != "" {
		cfg.Name = c.name
	}
	return cfg, nil
}

func newApp(ctx context.Context, c commonFlags, mode app.Mode) (*app.App, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg, mode)
}

func runUpdate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("update", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	fs.Parse(args)

	a, err := newApp(ctx, common, app.ReadWrite)
	if err != nil {
		return err
	}
	res, err := a.Manager().Update(ctx, fs.Args())
	if err != nil {
		return err
	}
	log.Printf("Added %d entries, %d total, published %s", res.Added, res.Total, res.Generation)
	if res.Archive != "" {
		log.Printf("Archived sources as %s", res.Archive)
	}
	for _, w := range res.Warnings {
		log.Printf("Warning: %s", w)
	}
	return nil
}

func runSubmit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	fs.Parse(args)
	if fs.NArg() == 0 {
		return fmt.Errorf("no source given")
	}

	a, err := newApp(ctx, common, app.ReadWrite)
	if err != nil {
		return err
	}
	for _, src := range fs.Args() {
		if _, err := a.Manager().Submit(ctx, src); err != nil {
			return err
		}
	}
	return nil
}

func runQuery(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("query", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	start := fs.String("start", "", "Start time (yyyy-MM-ddTHH:mm:ss), empty for unbounded")
	end := fs.String("end", "", "End time (yyyy-MM-ddTHH:mm:ss), empty for unbounded")
	polygon := fs.String("polygon", "", "WKT polygon the footprints must intersect")
	pointsFile := fs.String("points", "", "File of 'POINT (lon lat)<TAB>time' lines for a matchup query")
	delta := fs.Int("delta", 0, "Time window in minutes around each point time")
	onlyStart := fs.Bool("only-start", false, "Match the product start time only")
	maxResults := fs.Int("max", 0, "Maximum number of results (0 uses the configured limit)")
	indexOnly := fs.Bool("index-only", false, "Skip the exact geometry check")
	strict := fs.Bool("strict", false, "Fail when no index exists")
	stats := fs.Bool("stats", false, "Log query statistics")
	fs.Parse(args)

	cfg, err := loadConfig(common)
	if err != nil {
		return err
	}
	if *indexOnly {
		cfg.Query.IndexOnly = true
	}
	if *strict {
		cfg.Query.Strict = true
	}
	a, err := app.New(ctx, cfg, app.ReadOnly)
	if err != nil {
		return err
	}

	c := query.NewConstraint()
	if c.Start, err = ingest.ParseTime(*start); err != nil {
		return err
	}
	if c.End, err = ingest.ParseTime(*end); err != nil {
		return err
	}
	if c.Polygon, err = geometry.ParsePolygon(*polygon); err != nil {
		return err
	}
	if *pointsFile != "" {
		if c.Points, err = readPoints(*pointsFile); err != nil {
			return err
		}
	}
	if c.TimeDelta, err = timeDelta(*delta); err != nil {
		return err
	}
	c.UseOnlyProductStart = *onlyStart
	c.MaxResults = *maxResults

	res, err := a.Manager().Query(ctx, c)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(os.Stdout)
	for _, p := range res.Paths {
		fmt.Fprintln(w, p)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if *stats {
		s := res.Stats
		log.Printf("Query stats: time candidates=%d, coverage survivors=%d, exact reads=%d, results=%d, truncated=%v",
			s.TimeCandidates, s.ApproxSurvivors, s.ExactReads, s.Results, s.Truncated)
		for _, ks := range a.Manager().Stats().GetTop(3) {
			log.Printf("Totals for %s queries: queries=%d, truncated=%d, exact reads=%d, results=%d",
				ks.Kind, ks.Queries, ks.Truncated, ks.Totals.ExactReads, ks.Totals.Results)
		}
	}
	return nil
}

// timeDelta converts the -delta flag, rejecting values outside the minute
// range of the time axis.
func timeDelta(minutes int) (int32, error) {
	if minutes < 0 || minutes > math.MaxInt32 {
		return 0, inverrors.NewValidationError(inverrors.CodeInvalidConstraint,
			fmt.Sprintf("time delta %d out of range [0, %d]", minutes, math.MaxInt32))
	}
	return int32(minutes), nil
}

// readPoints reads matchup points, one 'POINT (lon lat)' per line with an
// optional tab-separated time.
func readPoints(path string) ([]query.PointTime, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var points []query.PointTime
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.SplitN(text, "\t", 2)
		pt, err := geometry.ParsePoint(fields[0])
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		p := query.PointTime{Point: pt, Time: query.Unbounded}
		if len(fields) == 2 {
			if p.Time, err = ingest.ParseTime(fields[1]); err != nil {
				return nil, fmt.Errorf("%s:%d: %w", path, line, err)
			}
		}
		points = append(points, p)
	}
	return points, scanner.Err()
}

func runDump(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("dump", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	format := fs.String("format", dump.FormatTSV, "Output format: tsv, sqlite")
	out := fs.String("out", "-", "Output path, '-' for stdout (tsv only)")
	fs.Parse(args)

	a, err := newApp(ctx, common, app.ReadOnly)
	if err != nil {
		return err
	}
	sink, err := dump.Open(*format, *out)
	if err != nil {
		return err
	}
	if _, err := a.Manager().Dump(ctx, sink); err != nil {
		sink.Close()
		return err
	}
	return sink.Close()
}

func runRestore(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("restore", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	concurrency := fs.Int("concurrency", 4, "Number of parallel archive downloads")
	fs.Parse(args)

	a, err := newApp(ctx, common, app.ReadWrite)
	if err != nil {
		return err
	}
	res, err := a.Manager().Restore(ctx, *concurrency)
	if err != nil {
		return err
	}
	log.Printf("Restored %d entries from %d archives into %s", res.Total, res.Archives, res.Generation)
	for _, w := range res.Warnings {
		log.Printf("Warning: %s", w)
	}
	return nil
}
