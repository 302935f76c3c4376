package rule

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"mqtt-relay/config"
	"mqtt-relay/internal/logger"
)

// RulesLoader handles loading routes from the filesystem
type RulesLoader struct {
	logger *logger.Logger
}

// NewRulesLoader creates a new rules loader
func NewRulesLoader(log *logger.Logger) *RulesLoader {
	return &RulesLoader{
		logger: log,
	}
}

// LoadFromDirectory loads every .json, .yaml and .yml file under path. Each
// file holds a list of routes. Files are read in lexical path order so the
// resulting route order is stable.
func (l *RulesLoader) LoadFromDirectory(path string) ([]config.RouteConfig, error) {
	var files []string

	err := filepath.Walk(path, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		switch filepath.Ext(path) {
		case ".json", ".yaml", ".yml":
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}
	sort.Strings(files)

	var routes []config.RouteConfig
	for _, file := range files {
		set, err := l.loadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to load rules: %w", err)
		}
		routes = append(routes, set...)
	}

	l.logger.Info("rules loaded successfully",
		"path", path,
		"files", len(files),
		"totalRules", len(routes))

	return routes, nil
}

func (l *RulesLoader) loadFile(path string) ([]config.RouteConfig, error) {
	l.logger.Debug("loading rule file", "path", path)

	data, err := os.ReadFile(path)
	if err != nil {
		l.logger.Error("failed to read rule file",
			"path", path,
			"error", err)
		return nil, err
	}

	var set []config.RouteConfig
	if filepath.Ext(path) == ".json" {
		err = json.Unmarshal(data, &set)
	} else {
		err = yaml.Unmarshal(data, &set)
	}
	if err != nil {
		l.logger.Error("failed to parse rule file",
			"path", path,
			"error", err)
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	l.logger.Debug("successfully loaded rules",
		"path", path,
		"count", len(set))

	return set, nil
}
