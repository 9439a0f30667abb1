package main

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"math/bits"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"golang.org/x/sync/errgroup"
)

const (
	bloomFPR = 0.001
	// maxFiles is the width of the per-SKU file mask.
	maxFiles = bits.UintSize
)

// fileLevels holds what pass 2 found in one file.
type fileLevels struct {
	levels map[string]int
	// candidates maps SKUs that some other file's filter claims to this
	// file's bit.
	candidates map[string]uint
}

// scanFiles reads every file twice. Pass 1 builds one bloom filter per file.
// Pass 2 parses levels and marks SKUs that another file's filter contains.
// A SKU is a duplicate when at least two files marked it, which rules out
// filter false positives.
func scanFiles(ctx context.Context, files []string, capacity uint) (map[string]int, []string, error) {
	slog.Info("pass 1: building bloom filters", slog.Int("files", len(files)))

	filters := make([]*bloom.BloomFilter, len(files))
	g, gctx := errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			f := bloom.NewWithEstimates(capacity, bloomFPR)
			n := 0
			err := streamGzFile(gctx, path, func(sku string, _ int) {
				f.AddString(sku)
				n++
			})
			if err != nil {
				return errors.Wrapf(err, "build filter for %s", path)
			}
			slog.Info("pass 1 complete", slog.String("file", path), slog.Int("lines", n))
			filters[i] = f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	slog.Info("pass 2: reading stock levels")

	results := make([]fileLevels, len(files))
	g, gctx = errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			res := fileLevels{levels: make(map[string]int), candidates: make(map[string]uint)}
			bit := uint(1) << uint(i)
			err := streamGzFile(gctx, path, func(sku string, qty int) {
				res.levels[sku] = qty
				for j, f := range filters {
					if j != i && f.TestString(sku) {
						res.candidates[sku] |= bit
						return
					}
				}
			})
			if err != nil {
				return errors.Wrapf(err, "read levels from %s", path)
			}
			slog.Info("pass 2 complete",
				slog.String("file", path),
				slog.Int("skus", len(res.levels)),
				slog.Int("candidates", len(res.candidates)),
			)
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	levels, duplicates := merge(results)
	return levels, duplicates, nil
}

func merge(results []fileLevels) (map[string]int, []string) {
	masks := make(map[string]uint)
	for _, r := range results {
		for sku, m := range r.candidates {
			masks[sku] |= m
		}
	}
	var duplicates []string
	for sku, m := range masks {
		if bits.OnesCount(m) >= 2 {
			duplicates = append(duplicates, sku)
		}
	}
	slices.Sort(duplicates)

	levels := make(map[string]int)
	for _, r := range results {
		for sku, qty := range r.levels {
			levels[sku] = qty
		}
	}
	for _, sku := range duplicates {
		delete(levels, sku)
	}
	return levels, duplicates
}

// streamGzFile opens a gzip-compressed stock file and calls fn for each
// record.
func streamGzFile(ctx context.Context, path string, fn func(sku string, qty int)) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	return readRecords(ctx, gz, fn)
}

// readRecords parses "sku,quantity" lines. Blank lines, "#" comments and a
// "sku,..." header are skipped.
func readRecords(ctx context.Context, r io.Reader, fn func(sku string, qty int)) error {
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line++

		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		sku, rawQty, ok := strings.Cut(text, ",")
		sku = strings.TrimSpace(sku)
		if line == 1 && strings.EqualFold(sku, "sku") {
			continue
		}
		if !ok || sku == "" {
			return errors.Errorf("line %d: want sku,quantity", line)
		}
		qty, err := strconv.Atoi(strings.TrimSpace(rawQty))
		if err != nil || qty < 0 {
			return errors.Errorf("line %d: invalid quantity %q", line, rawQty)
		}
		fn(sku, qty)
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrap(err, "scan")
	}
	return nil
}
