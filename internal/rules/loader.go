package rules

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
	"gopkg.in/yaml.v3"

	"lexline/internal/domain"
)

const goDefinitionFuncName = "RuleDefinitions"

// fileRule mirrors domain.ComplianceRule with optional fields whose zero
// value would otherwise be ambiguous.
type fileRule struct {
	domain.ComplianceRule `yaml:",inline"`
	Active                *bool `yaml:"active"`
	Version               *int  `yaml:"version"`
}

type ruleFile struct {
	Rules []fileRule `yaml:"rules"`
}

// LoadPaths reads rules from files and directories. YAML files (.yml, .yaml)
// hold a `rules:` list; Go files are interpreted and must define
// RuleDefinitions() ([]map[string]any, error). Missing paths are skipped.
func LoadPaths(paths []string) ([]domain.ComplianceRule, error) {
	var out []domain.ComplianceRule
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("rules: stat %s: %w", p, err)
		}
		files := []string{p}
		if info.IsDir() {
			entries, err := os.ReadDir(p)
			if err != nil {
				return nil, fmt.Errorf("rules: read %s: %w", p, err)
			}
			files = files[:0]
			for _, entry := range entries {
				if !entry.IsDir() {
					files = append(files, filepath.Join(p, entry.Name()))
				}
			}
			sort.Strings(files)
		}
		for _, f := range files {
			var rs []domain.ComplianceRule
			switch strings.ToLower(filepath.Ext(f)) {
			case ".yml", ".yaml":
				rs, err = LoadYAMLFile(f)
			case ".go":
				rs, err = LoadGoFile(f)
			default:
				continue
			}
			if err != nil {
				return nil, err
			}
			out = append(out, rs...)
		}
	}
	return out, nil
}

func LoadYAMLFile(path string) ([]domain.ComplianceRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rules: read %s: %w", path, err)
	}
	rs, err := ParseYAML(data)
	if err != nil {
		return nil, fmt.Errorf("rules: %s: %w", path, err)
	}
	return rs, nil
}

// ParseYAML accepts either a `rules:` document or a bare list.
func ParseYAML(data []byte) ([]domain.ComplianceRule, error) {
	var doc ruleFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		var list []fileRule
		if listErr := yaml.Unmarshal(data, &list); listErr != nil {
			return nil, err
		}
		doc.Rules = list
	}
	out := make([]domain.ComplianceRule, 0, len(doc.Rules))
	for _, fr := range doc.Rules {
		r := fr.ComplianceRule
		r.Active = fr.Active == nil || *fr.Active
		r.Version = 1
		if fr.Version != nil {
			r.Version = *fr.Version
		}
		Normalize(&r)
		if err := Validate(r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// LoadGoFile evaluates a Go rule pack (package main) with the yaegi
// interpreter.
func LoadGoFile(path string) ([]domain.ComplianceRule, error) {
	code, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rules: read %s: %w", path, err)
	}
	if len(bytes.TrimSpace(code)) == 0 {
		return nil, fmt.Errorf("rules: %s is empty", path)
	}
	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("rules: %s: %w", path, err)
	}
	if _, err := i.EvalPath(path); err != nil {
		return nil, fmt.Errorf("rules: interpret %s: %w", path, err)
	}
	fn, err := i.Eval(goDefinitionFuncName)
	if err != nil {
		return nil, fmt.Errorf("rules: %s must define %s() ([]map[string]any, error): %w", path, goDefinitionFuncName, err)
	}
	defs, err := invokeDefinitionFunc(fn)
	if err != nil {
		return nil, fmt.Errorf("rules: %s: %w", path, err)
	}
	payload, err := yaml.Marshal(map[string]any{"rules": defs})
	if err != nil {
		return nil, fmt.Errorf("rules: %s: %w", path, err)
	}
	rs, err := ParseYAML(payload)
	if err != nil {
		return nil, fmt.Errorf("rules: %s: %w", path, err)
	}
	return rs, nil
}

func invokeDefinitionFunc(value reflect.Value) ([]map[string]any, error) {
	if !value.IsValid() || value.Kind() != reflect.Func {
		return nil, fmt.Errorf("%s is not a function", goDefinitionFuncName)
	}
	results := value.Call(nil)
	if len(results) == 0 || len(results) > 2 {
		return nil, fmt.Errorf("%s must return ([]map[string]any[, error])", goDefinitionFuncName)
	}
	if len(results) == 2 && !results[1].IsNil() {
		if e, ok := results[1].Interface().(error); ok {
			return nil, e
		}
		return nil, fmt.Errorf("%s returned non-error second value", goDefinitionFuncName)
	}
	if defs, ok := results[0].Interface().([]map[string]any); ok {
		return defs, nil
	}
	if results[0].Kind() != reflect.Slice {
		return nil, fmt.Errorf("%s must return []map[string]any", goDefinitionFuncName)
	}
	out := make([]map[string]any, results[0].Len())
	for i := range out {
		m, ok := results[0].Index(i).Interface().(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s[%d] is not map[string]any", goDefinitionFuncName, i)
		}
		out[i] = m
	}
	return out, nil
}
