package verify

import (
	"bytes"
	"fmt"

	"github.com/spf13/viper"
	"github.com/xeipuuv/gojsonschema"

	"github.com/connectias/pluginhost/internal/domain/plugin"
	herr "github.com/connectias/pluginhost/internal/obs/errors"
)

// manifestSchema is the JSON Schema describing plugin.json/plugin.toml,
// checked before the manifest is unmarshalled into plugin.Info so that
// malformed documents are rejected with a schema-level diagnostic rather
// than a confusing field-by-field Validate() error (spec §6: "schema-
// validated manifest").
const manifestSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["id", "name", "version", "entry_point", "min_core_version"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "name": {"type": "string", "minLength": 1},
    "version": {"type": "string", "minLength": 1},
    "author": {"type": "string"},
    "description": {"type": "string"},
    "min_core_version": {"type": "string", "minLength": 1},
    "max_core_version": {"type": "string"},
    "entry_point": {"type": "string", "minLength": 1},
    "permissions": {"type": "array", "items": {"type": "string"}},
    "dependencies": {"type": "array", "items": {"type": "string"}}
  }
}`

var schemaLoader = gojsonschema.NewStringLoader(manifestSchema)

// rawManifest mirrors the wire shape of plugin.json/plugin.toml, decoded
// through viper so both formats share one code path.
type rawManifest struct {
	ID              string   `mapstructure:"id"`
	Name            string   `mapstructure:"name"`
	Version         string   `mapstructure:"version"`
	Author          string   `mapstructure:"author"`
	Description     string   `mapstructure:"description"`
	MinCoreVersion  string   `mapstructure:"min_core_version"`
	MaxCoreVersion  string   `mapstructure:"max_core_version"`
	EntryPoint      string   `mapstructure:"entry_point"`
	Permissions     []string `mapstructure:"permissions"`
	Dependencies    []string `mapstructure:"dependencies"`
}

// parseManifest validates content against manifestSchema, decodes it via
// viper (accepting both "json" and "toml" as ext), and converts the
// result into a validated plugin.Info.
func parseManifest(content []byte, ext string) (plugin.Info, error) {
	if err := validateAgainstSchema(content, ext); err != nil {
		return plugin.Info{}, err
	}

	v := viper.New()
	v.SetConfigType(ext)
	if err := v.ReadConfig(bytes.NewReader(content)); err != nil {
		return plugin.Info{}, herr.MalformedPackage(fmt.Sprintf("manifest parse error: %v", err))
	}

	var raw rawManifest
	if err := v.Unmarshal(&raw); err != nil {
		return plugin.Info{}, herr.MalformedPackage(fmt.Sprintf("manifest decode error: %v", err))
	}

	deps := make([]plugin.ID, 0, len(raw.Dependencies))
	for _, d := range raw.Dependencies {
		deps = append(deps, plugin.ID(d))
	}

	info := plugin.Info{
		ID:             plugin.ID(raw.ID),
		Name:           raw.Name,
		Version:        raw.Version,
		Author:         raw.Author,
		Description:    raw.Description,
		MinCoreVersion: raw.MinCoreVersion,
		MaxCoreVersion: raw.MaxCoreVersion,
		EntryPoint:     raw.EntryPoint,
		Permissions:    raw.Permissions,
		Dependencies:   deps,
	}
	if err := info.Validate(); err != nil {
		return plugin.Info{}, err
	}
	return info, nil
}

// validateAgainstSchema only runs for JSON manifests: gojsonschema speaks
// JSON documents, so a TOML manifest is validated purely by
// plugin.Info.Validate() after decoding instead.
func validateAgainstSchema(content []byte, ext string) error {
	if ext != "json" {
		return nil
	}
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(content))
	if err != nil {
		return herr.MalformedPackage(fmt.Sprintf("schema validation error: %v", err))
	}
	if !result.Valid() {
		first := result.Errors()[0]
		return herr.InvalidManifest(first.Field())
	}
	return nil
}
