// Package query loads named SQL templates at startup and executes them with
// injection-safe parameter substitution against per-database connection pools.
// It is the only path business actions have to persistent storage.
package query

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	json "github.com/goccy/go-json"
)

// Template is an immutable named SQL text bound to a logical database.
type Template struct {
	Name string
	DB   string
	SQL  string
}

// definition is the optional JSON sidecar pairing a SQL file with a database.
type definition struct {
	Name    string `json:"name"`
	DB      string `json:"db"`
	SQLFile string `json:"sqlfile"`
}

// LoadTemplates reads every regular file in dir into a named template.
// JSON definition files bind their SQL file to a specific database; any other
// regular file becomes a template named by its filename stem against
// defaultDB. Subdirectories are skipped with a log line. Any unreadable file
// fails the whole load, which is expected to abort startup.
func LoadTemplates(dir, defaultDB string, logger *slog.Logger) (map[string]Template, error) {
	if logger == nil {
		logger = slog.Default()
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("query: read template directory %s: %w", dir, err)
	}

	templates := make(map[string]Template)
	claimed := make(map[string]bool)

	// Definitions first so their SQL files are not also registered by stem.
	for _, entry := range entries {
		if entry.IsDir() {
			logger.Debug("skipping subdirectory in query templates", slog.String("dir", entry.Name()))
			continue
		}
		if !strings.EqualFold(filepath.Ext(entry.Name()), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("query: read definition %s: %w", path, err)
		}
		var def definition
		if err := json.Unmarshal(raw, &def); err != nil {
			return nil, fmt.Errorf("query: parse definition %s: %w", path, err)
		}
		if def.Name == "" || def.SQLFile == "" {
			return nil, fmt.Errorf("query: definition %s missing name or sqlfile", path)
		}
		sqlPath := filepath.Join(dir, def.SQLFile)
		sqlText, err := os.ReadFile(sqlPath)
		if err != nil {
			return nil, fmt.Errorf("query: read sql file %s: %w", sqlPath, err)
		}
		db := def.DB
		if db == "" {
			db = defaultDB
		}
		templates[def.Name] = Template{Name: def.Name, DB: db, SQL: string(sqlText)}
		claimed[def.SQLFile] = true
		claimed[entry.Name()] = true
		logger.Debug("loaded query definition", slog.String("name", def.Name), slog.String("db", db))
	}

	for _, entry := range entries {
		if entry.IsDir() || claimed[entry.Name()] {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		sqlText, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("query: read template %s: %w", path, err)
		}
		name := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		templates[name] = Template{Name: name, DB: defaultDB, SQL: string(sqlText)}
		logger.Debug("loaded query template", slog.String("name", name), slog.String("db", defaultDB))
	}

	logger.Info("query templates loaded", slog.Int("count", len(templates)), slog.String("dir", dir))
	return templates, nil
}
