package migrator

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Migration is one schema version. A migration carries SQL, a Go upgrade
// function, or both; the SQL runs first.
type Migration struct {
	Version       int
	Name          string
	UpSQL         string
	UpFunc        func(ctx context.Context, tx *sql.Tx) error
	NoTransaction bool
	Dependencies  []int
	// Provides lists the tables this migration creates. Repair re-runs the
	// providing migrations when one of those tables goes missing.
	Provides []string
}

var (
	filenameRegex = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_-]+)\.sql$`)
	upMarkerRegex = regexp.MustCompile(`^--\s*\+migrate\s+Up(\s+notransaction)?\s*$`)
	dependsRegex  = regexp.MustCompile(`^--\s*\+migrate\s+Depends:\s*(.*)$`)
	providesRegex = regexp.MustCompile(`^--\s*\+migrate\s+Provides:\s*(.*)$`)
)

// ParseMigration parses the content of a migration file named filename.
func ParseMigration(filename string, content []byte) (*Migration, error) {
	matches := filenameRegex.FindStringSubmatch(filename)
	if matches == nil {
		return nil, fmt.Errorf("invalid migration filename format: %s (expected NNN_name.sql)", filename)
	}

	version, err := strconv.Atoi(matches[1])
	if err != nil {
		return nil, fmt.Errorf("invalid version number in filename: %s", matches[1])
	}

	lines := strings.Split(string(content), "\n")

	upMarkerLine := -1
	noTransaction := false
	for i, line := range lines {
		if m := upMarkerRegex.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			upMarkerLine = i
			noTransaction = strings.TrimSpace(m[1]) == "notransaction"
			break
		}
	}
	if upMarkerLine < 0 {
		return nil, fmt.Errorf("missing '-- +migrate Up' marker in migration file: %s", filename)
	}

	m := &Migration{
		Version:       version,
		Name:          matches[2],
		NoTransaction: noTransaction,
	}

	// Directives sit between the Up marker and the first SQL line.
	sqlStartLine := len(lines)
	for i := upMarkerLine + 1; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])

		if d := dependsRegex.FindStringSubmatch(line); d != nil {
			deps, err := parseVersions(d[1], filename)
			if err != nil {
				return nil, err
			}
			m.Dependencies = append(m.Dependencies, deps...)
			continue
		}
		if p := providesRegex.FindStringSubmatch(line); p != nil {
			tables := strings.FieldsFunc(p[1], func(r rune) bool { return r == ',' || r == ' ' || r == '\t' })
			if len(tables) == 0 {
				return nil, fmt.Errorf("empty provides list in migration file: %s", filename)
			}
			m.Provides = append(m.Provides, tables...)
			continue
		}
		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}

		sqlStartLine = i
		break
	}

	if sqlStartLine < len(lines) {
		m.UpSQL = strings.TrimSpace(strings.Join(lines[sqlStartLine:], "\n"))
	}
	if m.UpSQL == "" {
		return nil, fmt.Errorf("migration file contains no SQL statements: %s", filename)
	}

	return m, nil
}

func parseVersions(list, filename string) ([]int, error) {
	fields := strings.Fields(list)
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty dependency list in migration file: %s", filename)
	}

	versions := make([]int, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("invalid dependency version '%s' in migration file: %s", f, filename)
		}
		versions = append(versions, v)
	}
	return versions, nil
}

// ParseMigrationFile parses a single migration file from fsys.
func ParseMigrationFile(fsys fs.FS, name string) (*Migration, error) {
	content, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, fmt.Errorf("failed to read migration file: %w", err)
	}
	return ParseMigration(path.Base(name), content)
}

// LoadMigrations parses every migration file in dir, merges in the Go
// migrations given as extra, validates the combined set, and returns it sorted
// by version.
func LoadMigrations(fsys fs.FS, dir string, extra ...Migration) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var migrations []Migration
	for _, entry := range entries {
		if entry.IsDir() || !filenameRegex.MatchString(entry.Name()) {
			continue
		}

		m, err := ParseMigrationFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		migrations = append(migrations, *m)
	}

	migrations = append(migrations, extra...)
	if err := Validate(migrations); err != nil {
		return nil, err
	}

	return migrations, nil
}

// Validate sorts migrations by version and checks the set for cycles, missing
// dependencies, duplicates and gaps.
func Validate(migrations []Migration) error {
	sort.SliceStable(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	for _, m := range migrations {
		if m.UpSQL == "" && m.UpFunc == nil {
			return fmt.Errorf("migration %d has neither SQL nor an upgrade function", m.Version)
		}
		if m.UpFunc != nil && m.NoTransaction {
			return fmt.Errorf("migration %d: upgrade functions always run in a transaction", m.Version)
		}
	}

	if err := detectCycle(migrations); err != nil {
		return err
	}

	versionSet := make(map[int]bool, len(migrations))
	for _, m := range migrations {
		versionSet[m.Version] = true
	}
	for _, m := range migrations {
		for _, dep := range m.Dependencies {
			if !versionSet[dep] {
				return fmt.Errorf("migration %d depends on non-existent version %d", m.Version, dep)
			}
		}
	}

	expected := 1
	seen := make(map[int]bool, len(migrations))
	for _, m := range migrations {
		if seen[m.Version] {
			return fmt.Errorf("duplicate migration version: %d", m.Version)
		}
		seen[m.Version] = true

		if m.Version != expected {
			return fmt.Errorf("gap in migration versions: expected %d, found %d", expected, m.Version)
		}
		expected++
	}

	return nil
}

// detectCycle runs a three-color DFS over the dependency graph.
// White (0) = unvisited, Gray (1) = visiting, Black (2) = completed
func detectCycle(migrations []Migration) error {
	graph := make(map[int][]int, len(migrations))
	for _, m := range migrations {
		graph[m.Version] = m.Dependencies
	}

	color := make(map[int]int, len(migrations))

	var dfs func(int, []int) error
	dfs = func(node int, trail []int) error {
		color[node] = 1
		trail = append(trail, node)

		for _, dep := range graph[node] {
			switch color[dep] {
			case 1:
				return fmt.Errorf("circular dependency detected: %v", append(trail, dep))
			case 0:
				if err := dfs(dep, trail); err != nil {
					return err
				}
			}
		}

		color[node] = 2
		return nil
	}

	for _, m := range migrations {
		if color[m.Version] == 0 {
			if err := dfs(m.Version, nil); err != nil {
				return err
			}
		}
	}

	return nil
}
