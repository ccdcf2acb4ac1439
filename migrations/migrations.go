// Package migrations embeds the Tablehouse SQL migrations and validates their layout.
//
// Files follow the golang-migrate convention 001_name.up.sql / 001_name.down.sql and are
// compiled into every binary that needs them, so deployments need no migration directory.
package migrations

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
)

//go:embed *.sql
var embedded embed.FS

// Migration filename regex: 001_migration_name.up.sql or 001_migration_name.down.sql.
var filenameRegex = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

var (
	// ErrNoMigrations is returned when the source contains no migration files.
	ErrNoMigrations = errors.New("no migration files found")

	// ErrUnpairedMigration is returned when an up migration has no down migration or vice versa.
	ErrUnpairedMigration = errors.New("migration is missing its up or down pair")

	// ErrSequenceGap is returned when migration sequence numbers are not contiguous from 001.
	ErrSequenceGap = errors.New("migration sequence is not contiguous")
)

// Info describes one parsed migration file.
type Info struct {
	Sequence  int
	Name      string
	Direction string // "up" or "down"
	Filename  string
}

// FS returns the embedded migration files.
func FS() fs.FS {
	return embedded
}

// List returns the migration files in fsys that match the naming standard, sorted.
// Files that do not match are ignored.
func List(fsys fs.FS) ([]Info, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var infos []Info

	for _, entry := range entries {
		if entry.IsDir() || path.Ext(entry.Name()) != ".sql" {
			continue
		}

		matches := filenameRegex.FindStringSubmatch(entry.Name())
		if matches == nil {
			continue
		}

		sequence, err := strconv.Atoi(matches[1])
		if err != nil {
			return nil, fmt.Errorf("invalid sequence number in %s: %w", entry.Name(), err)
		}

		infos = append(infos, Info{
			Sequence:  sequence,
			Name:      matches[2],
			Direction: matches[3],
			Filename:  entry.Name(),
		})
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Filename < infos[j].Filename
	})

	return infos, nil
}

// Validate checks that fsys holds at least one migration, that every migration has
// both directions, and that sequences run 001, 002, ... without gaps.
func Validate(fsys fs.FS) error {
	infos, err := List(fsys)
	if err != nil {
		return err
	}

	if len(infos) == 0 {
		return ErrNoMigrations
	}

	pairs := make(map[int]map[string]bool)

	for _, info := range infos {
		if pairs[info.Sequence] == nil {
			pairs[info.Sequence] = make(map[string]bool)
		}

		pairs[info.Sequence][info.Direction] = true
	}

	sequences := make([]int, 0, len(pairs))

	for sequence, directions := range pairs {
		if !directions["up"] || !directions["down"] {
			return fmt.Errorf("%w: %03d", ErrUnpairedMigration, sequence)
		}

		sequences = append(sequences, sequence)
	}

	sort.Ints(sequences)

	for i, sequence := range sequences {
		if sequence != i+1 {
			return fmt.Errorf("%w: expected %03d, found %03d", ErrSequenceGap, i+1, sequence)
		}
	}

	return nil
}

// MaxVersion returns the highest sequence number in fsys, or 0 if none.
func MaxVersion(fsys fs.FS) int {
	infos, err := List(fsys)
	if err != nil {
		return 0
	}

	maxSequence := 0

	for _, info := range infos {
		if info.Sequence > maxSequence {
			maxSequence = info.Sequence
		}
	}

	return maxSequence
}
