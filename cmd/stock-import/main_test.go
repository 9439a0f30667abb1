package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-orders/internal/domain/inventory"
)

func writeGz(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	gz := pgzip.NewWriter(f)
	_, err = gz.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())
	return path
}

func TestReadRecords(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    map[string]int
		wantErr string
	}{
		{
			name:  "header comments and blanks",
			input: "sku,quantity\n# restock\n\nWAF-1, 10\nMAC-5,0\n",
			want:  map[string]int{"WAF-1": 10, "MAC-5": 0},
		},
		{name: "missing quantity", input: "WAF-1\n", wantErr: "line 1"},
		{name: "negative quantity", input: "WAF-1,3\nMAC-5,-1\n", wantErr: "line 2"},
		{name: "not a number", input: "WAF-1,ten\n", wantErr: "invalid quantity"},
		{name: "header only on first line", input: "WAF-1,1\nsku,2\n", want: map[string]int{"WAF-1": 1, "sku": 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := map[string]int{}
			err := readRecords(context.Background(), strings.NewReader(tt.input), func(sku string, qty int) {
				got[sku] = qty
			})
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMerge(t *testing.T) {
	levels, duplicates := merge([]fileLevels{
		{
			levels:     map[string]int{"A": 1, "B": 2, "FP": 3},
			candidates: map[string]uint{"B": 1 << 0, "FP": 1 << 0},
		},
		{
			levels:     map[string]int{"B": 5, "C": 4},
			candidates: map[string]uint{"B": 1 << 1},
		},
	})

	assert.Equal(t, []string{"B"}, duplicates)
	assert.Equal(t, map[string]int{"A": 1, "FP": 3, "C": 4}, levels, "a single mark is a filter false positive")
}

func TestScanFiles(t *testing.T) {
	dir := t.TempDir()
	files := []string{
		writeGz(t, dir, "a.csv.gz", "sku,quantity\nWAF-1,10\nSHARED,1\n"),
		writeGz(t, dir, "b.csv.gz", "MAC-5,4\nSHARED,2\n"),
		writeGz(t, dir, "c.csv.gz", "TIR-1,0\n"),
	}

	levels, duplicates, err := scanFiles(context.Background(), files, 1000)
	require.NoError(t, err)
	assert.Equal(t, []string{"SHARED"}, duplicates)
	assert.Equal(t, map[string]int{"WAF-1": 10, "MAC-5": 4, "TIR-1": 0}, levels)
}

func TestScanFiles_BadFile(t *testing.T) {
	dir := t.TempDir()
	good := writeGz(t, dir, "a.csv.gz", "WAF-1,10\n")
	bad := filepath.Join(dir, "b.csv.gz")
	require.NoError(t, os.WriteFile(bad, []byte("not gzip"), 0o600))

	_, _, err := scanFiles(context.Background(), []string{good, bad}, 1000)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "b.csv.gz")
}

// --- Mock implementations ---

type mockResolver struct {
	ids   map[string]string
	calls [][]string
}

func (m *mockResolver) IDsBySKU(_ context.Context, skus []string) (map[string]string, error) {
	m.calls = append(m.calls, append([]string(nil), skus...))
	out := map[string]string{}
	for _, s := range skus {
		if id, ok := m.ids[s]; ok {
			out[s] = id
		}
	}
	return out, nil
}

type mockLedger struct {
	set  map[string]int
	fail map[string]bool
}

func (m *mockLedger) Override(_ context.Context, id string, qty int) (inventory.Variant, error) {
	if m.fail[id] {
		return inventory.Variant{}, errors.New("deadlock")
	}
	m.set[id] = qty
	return inventory.Variant{ID: id, Quantity: qty}, nil
}

type inlineTx struct {
	runs int
}

func (u *inlineTx) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	u.runs++
	return fn(ctx)
}

func TestApply(t *testing.T) {
	resolver := &mockResolver{ids: map[string]string{"WAF-1": "v1", "MAC-5": "v2"}}
	ledger := &mockLedger{set: map[string]int{}}
	uow := &inlineTx{}

	err := apply(context.Background(), map[string]int{"WAF-1": 10, "MAC-5": 0, "GONE": 3}, resolver, uow, ledger)
	require.NoError(t, err)

	assert.Equal(t, map[string]int{"v1": 10, "v2": 0}, ledger.set)
	assert.Equal(t, 2, uow.runs, "one transaction per known variant")
	require.Len(t, resolver.calls, 1)
	assert.Equal(t, []string{"GONE", "MAC-5", "WAF-1"}, resolver.calls[0])
}

func TestApply_ReportsFailures(t *testing.T) {
	resolver := &mockResolver{ids: map[string]string{"WAF-1": "v1", "MAC-5": "v2"}}
	ledger := &mockLedger{set: map[string]int{}, fail: map[string]bool{"v2": true}}

	err := apply(context.Background(), map[string]int{"WAF-1": 10, "MAC-5": 1}, resolver, &inlineTx{}, ledger)
	require.Error(t, err)
	assert.Equal(t, map[string]int{"v1": 10}, ledger.set, "other variants are still written")
}
