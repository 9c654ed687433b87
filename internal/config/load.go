// Package config loads the preprocessing and experiment configurations.
//
// Both configs are flat JSON documents whose fields are pointers: a field
// omitted from the file stays nil and its Get* accessor returns the default.
// After parsing, environment variables named <PREFIX><JSON_KEY> (upper case)
// override scalar fields, e.g. EXPERIMENT_EPOCHS=20 or PREP_TILE_SIZE=256.
// Names match case-insensitively, so experiment_epochs=20 works too.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
)

const (
	// ExperimentEnvPrefix prefixes env overrides for ExperimentConfig.
	ExperimentEnvPrefix = "EXPERIMENT_"
	// PrepEnvPrefix prefixes env overrides for PrepConfig.
	PrepEnvPrefix = "PREP_"

	maxFileSize = 1 * 1024 * 1024 // 1MB
)

// readConfigFile validates the path and size before reading, as every config
// in this repo is small JSON.
func readConfigFile(path string) ([]byte, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return data, nil
}

// applyEnvOverrides walks the pointer fields of cfg (a pointer to struct) and
// replaces any whose env var is set. Slices and nested structs are not
// overridable from the environment.
func applyEnvOverrides(prefix string, cfg interface{}, lookup func(string) (string, bool)) error {
	v := reflect.ValueOf(cfg).Elem()
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		key := strings.Split(field.Tag.Get("json"), ",")[0]
		if key == "" || key == "-" || field.Type.Kind() != reflect.Ptr {
			continue
		}
		raw, ok := lookup(prefix + strings.ToUpper(key))
		if !ok {
			continue
		}
		raw = strings.TrimSpace(raw)

		ptr := reflect.New(field.Type.Elem())
		switch field.Type.Elem().Kind() {
		case reflect.String:
			ptr.Elem().SetString(raw)
		case reflect.Int, reflect.Int64:
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return fmt.Errorf("env %s%s: invalid integer %q: %w", prefix, strings.ToUpper(key), raw, err)
			}
			ptr.Elem().SetInt(n)
		case reflect.Float64:
			f, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return fmt.Errorf("env %s%s: invalid float %q: %w", prefix, strings.ToUpper(key), raw, err)
			}
			ptr.Elem().SetFloat(f)
		case reflect.Bool:
			b, err := strconv.ParseBool(raw)
			if err != nil {
				return fmt.Errorf("env %s%s: invalid bool %q: %w", prefix, strings.ToUpper(key), raw, err)
			}
			ptr.Elem().SetBool(b)
		default:
			continue
		}
		v.Field(i).Set(ptr)
	}
	return nil
}

// envLookup resolves variable names against environ ("KEY=value" entries)
// ignoring case. An exact match wins over a case-folded one.
func envLookup(environ []string) func(string) (string, bool) {
	return func(name string) (string, bool) {
		var (
			folded string
			found  bool
		)
		for _, kv := range environ {
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				continue
			}
			if k == name {
				return v, true
			}
			if !found && strings.EqualFold(k, name) {
				folded, found = v, true
			}
		}
		return folded, found
	}
}

func decodeStrict(data []byte, cfg interface{}) error {
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.DisallowUnknownFields()
	return dec.Decode(cfg)
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }
