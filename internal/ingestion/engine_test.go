package ingestion

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingLoader struct {
	mu     sync.Mutex
	loads  []Source
	names  []string
	failOn map[string]error
	panic  bool
}

func (l *recordingLoader) LoadTable(_ context.Context, _, _, name string, table *Table, src Source) (*LoadResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.panic {
		panic("loader exploded")
	}

	if err, ok := l.failOn[name]; ok {
		return nil, err
	}

	l.loads = append(l.loads, src)
	l.names = append(l.names, name)

	return &LoadResult{TableName: name, Rows: int64(len(table.Rows))}, nil
}

func newTestEngine(loader Loader) *Engine {
	return NewEngine(loader, slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})), 2)
}

func TestEngine_IngestCSV(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	loader := &recordingLoader{}
	path := writeFile(t, "Orders 2024.csv", "id,total\n1,10\n2,20\n3,30\n")

	result := newTestEngine(loader).IngestFile(context.Background(), "ns", "a@b.c", path)

	assert.True(t, result.Success)
	assert.Empty(t, result.Error)
	assert.Equal(t, "Orders 2024.csv", result.File)
	assert.Equal(t, []string{"orders_2024"}, result.TablesCreated)
	assert.Equal(t, int64(3), result.TotalRows)
	assert.Equal(t, 1, result.SheetsProcessed)
	assert.Equal(t, []Source{{File: "Orders 2024.csv"}}, loader.loads)
}

func TestEngine_IngestWorkbook_PartialSheets(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	book := writeWorkbook(t, "book.xlsx", []string{"Good", "Bad", "Blank", "HeaderOnly"}, map[string][][]any{
		"Good":       {{"a", "b"}, {1, 2}},
		"Bad":        {{"a"}, {1}},
		"HeaderOnly": {{"a", "b"}},
	})

	loader := &recordingLoader{failOn: map[string]error{"book_bad": errors.New("copy failed")}}

	result := newTestEngine(loader).IngestFile(context.Background(), "ns", "a@b.c", book)

	assert.True(t, result.Success)
	assert.Equal(t, "sheet Bad: copy failed", result.Error, "failed sheets are reported even when the file succeeds")
	assert.Equal(t, []string{"book_good"}, result.TablesCreated)
	assert.Equal(t, int64(1), result.TotalRows)
	assert.Equal(t, 4, result.SheetsProcessed)
}

func TestEngine_AllSheetsFail(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	loader := &recordingLoader{failOn: map[string]error{"data": errors.New("disk full")}}

	result := newTestEngine(loader).IngestFile(context.Background(), "ns", "a@b.c",
		writeFile(t, "data.csv", "x\n1\n"))

	assert.False(t, result.Success)
	assert.Equal(t, "data.csv: disk full", result.Error)
	assert.Empty(t, result.TablesCreated)
}

func TestEngine_FailuresBecomeResults(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	dir := t.TempDir()

	tests := []struct {
		name      string
		path      string
		loader    *recordingLoader
		wantError string
	}{
		{
			name:      "unsupported format",
			path:      writeFile(t, "notes.txt", "hello"),
			loader:    &recordingLoader{},
			wantError: "unsupported file format",
		},
		{
			name:      "missing file",
			path:      filepath.Join(dir, "gone.csv"),
			loader:    &recordingLoader{},
			wantError: "gone.csv",
		},
		{
			name:      "header only",
			path:      writeFile(t, "header.csv", "a,b\n"),
			loader:    &recordingLoader{},
			wantError: "no data rows found in file",
		},
		{
			name:      "blank file",
			path:      writeFile(t, "blank.csv", "\n\n"),
			loader:    &recordingLoader{},
			wantError: "no data rows found in file",
		},
		{
			name:      "loader panic",
			path:      writeFile(t, "boom.csv", "a\n1\n"),
			loader:    &recordingLoader{panic: true},
			wantError: "internal error: loader exploded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := newTestEngine(tt.loader).IngestFile(context.Background(), "ns", "a@b.c", tt.path)

			assert.False(t, result.Success)
			assert.Contains(t, result.Error, tt.wantError)
			assert.NotNil(t, result.TablesCreated)
		})
	}
}

func TestEngine_CancelledContext(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := newTestEngine(&recordingLoader{}).IngestFile(ctx, "ns", "a@b.c", writeFile(t, "a.csv", "x\n1\n"))

	require.False(t, result.Success)
	assert.Contains(t, result.Error, context.Canceled.Error())
}

func TestConfig_Validate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Setenv("TABLEHOUSE_INFER_SAMPLE_ROWS", "50")

	cfg := LoadConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 50, cfg.InferSampleRows)
	assert.Equal(t, 5, cfg.PreviewRows)

	cfg.InferSampleRows = 0
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg = &Config{PreviewRows: -1, InferSampleRows: 1}
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
}
