package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/tidwall/gjson"
)

const packageJSONName = "package.json"

// LoadPackageJSON builds a Config from the syncConfig section of
// <dir>/package.json. The remote URL comes from the repository field, which
// may be a string or an object with a url key. A missing isNeedSync
// disables syncing.
func LoadPackageJSON(dir string) (*Config, error) {
	data, err := os.ReadFile(filepath.Join(dir, packageJSONName))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", packageJSONName, err)
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("failed to parse %s: invalid JSON", packageJSONName)
	}

	doc := gjson.ParseBytes(data)
	sc := doc.Get("syncConfig")
	if !sc.IsObject() {
		return nil, fmt.Errorf("%s has no syncConfig section", packageJSONName)
	}

	enabled := sc.Get("isNeedSync").Bool()
	cfg := Config{
		Template: TemplateConfig{
			Name:        sc.Get("templateName").String(),
			BaseVersion: sc.Get("baseVersion").String(),
			Range:       sc.Get("range").String(),
			SourceDir:   sc.Get("sourceDir").String(),
		},
		Sync: SyncConfig{
			Enabled:        &enabled,
			RemoteURL:      repositoryURL(doc.Get("repository")),
			AnalyzePattern: sc.Get("analyzeFilePattern").String(),
			IgnorePattern:  sc.Get("ignoreFilePattern").String(),
		},
	}
	if params := sc.Get("config"); params.IsObject() {
		if m, ok := params.Value().(map[string]any); ok {
			cfg.Parameters = m
		}
	}
	if cfg.Template.SourceDir != "" && !filepath.IsAbs(cfg.Template.SourceDir) {
		cfg.Template.SourceDir = filepath.Join(dir, cfg.Template.SourceDir)
	}

	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func repositoryURL(repo gjson.Result) string {
	if repo.IsObject() {
		return repo.Get("url").String()
	}
	return repo.String()
}
