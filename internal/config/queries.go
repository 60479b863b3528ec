package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// QueryConfig is the per-query configuration record: one TOML file per
// query, named <queryId>.toml, under the reaction's queriesConfigDir.
type QueryConfig struct {
	QueryID             string `toml:"-"`
	KeyField            string `toml:"keyField"`
	ResourceContentType string `toml:"resourceContentType"`
	Description         string `toml:"description"`
}

// LoadQueries reads every *.toml file in dir into a QueryConfig, keyed by
// queryId (the file's base name). An empty query set is a configuration
// error — the process has nothing to bootstrap or serve.
func LoadQueries(dir string) (map[string]QueryConfig, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading queries config dir %s: %w", dir, err)
	}

	queries := make(map[string]QueryConfig)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".toml") {
			continue
		}

		queryID := strings.TrimSuffix(entry.Name(), ".toml")
		path := filepath.Join(dir, entry.Name())

		var qc QueryConfig
		if _, err := toml.DecodeFile(path, &qc); err != nil {
			return nil, fmt.Errorf("reading query config %s: %w", path, err)
		}
		qc.QueryID = queryID

		if qc.ResourceContentType == "" {
			qc.ResourceContentType = "application/json"
		}
		if err := qc.Validate(); err != nil {
			return nil, fmt.Errorf("query config %s: %w", path, err)
		}

		queries[queryID] = qc
	}

	if len(queries) == 0 {
		return nil, fmt.Errorf("no query configuration files found in %s", dir)
	}

	return queries, nil
}

// Validate checks that a query's required fields are present.
func (qc QueryConfig) Validate() error {
	if qc.QueryID == "" {
		return fmt.Errorf("queryId must not be empty")
	}
	if qc.KeyField == "" {
		return fmt.Errorf("keyField must not be empty")
	}
	return nil
}

// SortedIDs returns the queryIds of queries in ascending order, useful for
// deterministic bootstrap-order logging.
func SortedIDs(queries map[string]QueryConfig) []string {
	ids := make([]string, 0, len(queries))
	for id := range queries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
