// Package ingestion reads uploaded spreadsheets and loads every sheet into a table
// of the tenant's namespace.
//
// The Engine owns parsing and naming; persistence goes through the Loader interface,
// implemented by storage.TableLoader.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/tablehouse-io/tablehouse/internal/jobs"
)

type (
	// Source identifies where a table came from. Sheet is empty for delimited files.
	Source struct {
		File  string
		Sheet string
	}

	// LoadResult describes a table created by a Loader.
	LoadResult struct {
		TableName string
		Rows      int64
		// Fallback is true when the table was created with TEXT columns after the
		// typed bulk load failed.
		Fallback bool
	}

	// Loader creates one table in a namespace and records its provenance.
	//
	// If a table named name already exists the loader picks name_1, name_2, ... and
	// reports the final name. A table that is not fully loaded must not remain.
	Loader interface {
		LoadTable(ctx context.Context, namespace, identity, name string, table *Table, src Source) (*LoadResult, error)
	}
)

// Engine ingests files sheet by sheet.
type Engine struct {
	loader      Loader
	logger      *slog.Logger
	previewRows int
}

// NewEngine creates an Engine. previewRows bounds the rows logged at debug level per sheet.
func NewEngine(loader Loader, logger *slog.Logger, previewRows int) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{loader: loader, logger: logger, previewRows: previewRows}
}

// IngestFile loads every sheet of path into namespace. It never panics and never
// returns an error: failures are reported in the FileResult. The file succeeds when
// at least one table was created; errors of the other sheets are still listed in
// Error.
func (e *Engine) IngestFile(ctx context.Context, namespace, identity, path string) (result jobs.FileResult) {
	fileName := filepath.Base(path)
	result = jobs.FileResult{File: fileName, TablesCreated: []string{}}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Panic during file ingestion",
				slog.String("file", fileName),
				slog.Any("panic", r))

			result.Success = false
			result.Error = fmt.Sprintf("internal error: %v", r)
		}
	}()

	sheets, err := ListSheets(path)
	if err != nil {
		result.Error = err.Error()

		return result
	}

	var sheetErrors []string

	for _, sheet := range sheets {
		if err := ctx.Err(); err != nil {
			sheetErrors = append(sheetErrors, err.Error())

			break
		}

		loaded, err := e.ingestSheet(ctx, namespace, identity, path, sheet)

		result.SheetsProcessed++

		if err != nil {
			sheetErrors = append(sheetErrors, sheetLabel(sheet, fileName)+": "+err.Error())

			continue
		}

		if loaded == nil {
			continue
		}

		result.TablesCreated = append(result.TablesCreated, loaded.TableName)
		result.TotalRows += loaded.Rows
	}

	result.Success = len(result.TablesCreated) > 0

	switch {
	case len(sheetErrors) > 0:
		// A partly loaded file still succeeds, but the failed sheets are reported.
		result.Error = strings.Join(sheetErrors, "; ")

		if result.Success {
			e.logger.Warn("Some sheets failed to load",
				slog.String("file", fileName),
				slog.String("errors", result.Error))
		}
	case !result.Success:
		result.Error = "no data rows found in file"
	}

	return result
}

// ingestSheet returns a nil result for sheets without data rows, blank ones included.
func (e *Engine) ingestSheet(ctx context.Context, namespace, identity, path, sheet string) (*LoadResult, error) {
	table, err := ReadSheet(path, sheet)
	if err != nil && !errors.Is(err, ErrEmptySheet) {
		return nil, err
	}

	if table == nil || len(table.Rows) == 0 {
		e.logger.Info("Skipping sheet without data rows",
			slog.String("file", filepath.Base(path)),
			slog.String("sheet", sheet))

		return nil, nil //nolint:nilnil // empty sheet is not an error
	}

	e.logPreview(path, sheet, table)

	name := DeriveTableName(filepath.Base(path), sheet)

	loaded, err := e.loader.LoadTable(ctx, namespace, identity, name, table, Source{
		File:  filepath.Base(path),
		Sheet: sheet,
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("Table loaded",
		slog.String("namespace", namespace),
		slog.String("table", loaded.TableName),
		slog.Int64("rows", loaded.Rows),
		slog.Bool("fallback", loaded.Fallback))

	return loaded, nil
}

func (e *Engine) logPreview(path, sheet string, table *Table) {
	if e.previewRows <= 0 || !e.logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}

	n := min(e.previewRows, len(table.Rows))

	e.logger.Debug("Sheet preview",
		slog.String("file", filepath.Base(path)),
		slog.String("sheet", sheet),
		slog.Any("columns", table.Columns),
		slog.Any("rows", table.Rows[:n]))
}

func sheetLabel(sheet, fileName string) string {
	if sheet == "" {
		return fileName
	}

	return "sheet " + sheet
}
