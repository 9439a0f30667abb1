// Command stock-import overrides variant stock levels from gzip-compressed
// "sku,quantity" files. Every SKU must appear in exactly one file; SKUs found
// in several files are reported and left untouched.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"slices"

	"github.com/go-faster/errors"

	"github.com/xenking/kart-orders/internal/domain/inventory"
	"github.com/xenking/kart-orders/internal/domain/product"
	"github.com/xenking/kart-orders/internal/storage/postgres"
	"github.com/xenking/kart-orders/internal/task"
	"github.com/xenking/kart-orders/internal/txn"
)

const resolveBatch = 500

type options struct {
	dataDir     string
	pattern     string
	databaseURL string
	capacity    uint
	dryRun      bool
}

func main() {
	var opts options

	flag.StringVar(&opts.dataDir, "data-dir", "data", "directory containing stock files")
	flag.StringVar(&opts.pattern, "pattern", "*.csv.gz", "glob of stock files inside data-dir")
	flag.StringVar(&opts.databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.UintVar(&opts.capacity, "expected-skus", 1_000_000, "expected SKUs per file, sizes the bloom filters")
	flag.BoolVar(&opts.dryRun, "dry-run", false, "scan files and report without writing")
	flag.Parse()

	if opts.databaseURL == "" {
		opts.databaseURL = os.Getenv("DATABASE_URL")
	}
	if opts.databaseURL == "" && !opts.dryRun {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, opts); err != nil {
		slog.Error("stock import failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("stock import completed successfully")
}

func run(ctx context.Context, opts options) error {
	files, err := filepath.Glob(filepath.Join(opts.dataDir, opts.pattern))
	if err != nil {
		return errors.Wrap(err, "list stock files")
	}
	if len(files) == 0 {
		return errors.Errorf("no files match %s in %s", opts.pattern, opts.dataDir)
	}
	if len(files) > maxFiles {
		return errors.Errorf("%d files given, at most %d supported", len(files), maxFiles)
	}
	slices.Sort(files)

	levels, duplicates, err := scanFiles(ctx, files, opts.capacity)
	if err != nil {
		return err
	}
	if len(duplicates) > 0 {
		slog.Warn("skipping SKUs listed in several files",
			slog.Int("count", len(duplicates)),
			slog.Any("skus", head(duplicates, 20)),
		)
	}
	slog.Info("stock levels read", slog.Int("skus", len(levels)))

	if opts.dryRun || len(levels) == 0 {
		return nil
	}

	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, opts.databaseURL, 4)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	db := postgres.New(pool)
	uow := txn.NewCoordinator(db, txn.WithClassifier(postgres.Classify))
	variants := postgres.NewVariantRepository(db)
	ledger := inventory.NewLedger(variants, nil,
		product.NewScheduler(uow, task.NewQueue(postgres.NewTaskStore(db))),
	)

	return apply(ctx, levels, variants, uow, ledger)
}

// Resolver maps SKUs to variant ids.
type Resolver interface {
	IDsBySKU(ctx context.Context, skus []string) (map[string]string, error)
}

// Overrider sets the stock of one variant.
type Overrider interface {
	Override(ctx context.Context, variantID string, qty int) (inventory.Variant, error)
}

// UnitOfWork runs fn in a transaction.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// apply writes levels in batches. Each variant is overridden in its own
// transaction so one failure does not undo the rest.
func apply(ctx context.Context, levels map[string]int, resolver Resolver, uow UnitOfWork, ledger Overrider) error {
	skus := make([]string, 0, len(levels))
	for sku := range levels {
		skus = append(skus, sku)
	}
	slices.Sort(skus)

	var updated, unknown, failed int
	for batch := range slices.Chunk(skus, resolveBatch) {
		ids, err := resolver.IDsBySKU(ctx, batch)
		if err != nil {
			return errors.Wrap(err, "resolve skus")
		}
		for _, sku := range batch {
			id, ok := ids[sku]
			if !ok {
				unknown++
				continue
			}
			err := uow.RunInTx(ctx, func(ctx context.Context) error {
				_, err := ledger.Override(ctx, id, levels[sku])
				return err
			})
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				failed++
				slog.Error("override stock", slog.String("sku", sku), slog.String("error", err.Error()))
				continue
			}
			updated++
		}
		slog.Info("write progress", slog.Int("updated", updated), slog.Int("total", len(skus)))
	}

	slog.Info("stock written",
		slog.Int("updated", updated),
		slog.Int("unknown_skus", unknown),
		slog.Int("failed", failed),
	)
	if failed > 0 {
		return errors.Errorf("%d overrides failed", failed)
	}
	return nil
}

func head(s []string, n int) []string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
