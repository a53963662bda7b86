// Package lockfile implements mlld.lock.json (spec §6.2): the on-disk
// record of resolver prefixes, per-import version pins, resolved module
// locations, and module-cache metadata, validated against a JSON Schema
// before being decoded into Go structs.
//
// The validate-then-decode shape, and the custom "semver" format validator
// wired onto the compiler, are grounded on the teacher's
// core/types/validation.go Validator: a santhosh-tekuri/jsonschema/v5
// compiler with Opal-specific format validators registered, paired with
// golang.org/x/mod/semver for the actual version-string check. mlld reuses
// both libraries for the same division of labor — jsonschema for shape,
// semver for the one format that needs semantic (not merely syntactic)
// validation.
package lockfile

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/mod/semver"
)

// schemaDoc is the shape mlld.lock.json must satisfy. Every section is
// optional: spec §6.2 says "missing sections are treated as empty", so
// nothing but the top-level object and its `version` string is required.
const schemaDoc = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["version"],
  "properties": {
    "version": {"type": "string"},
    "config": {
      "type": "object",
      "properties": {
        "resolvers": {
          "type": "object",
          "properties": {
            "prefixes": {"type": "array", "items": {"type": "string"}}
          }
        }
      }
    },
    "imports": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "properties": {
          "version": {"type": "string", "format": "semver"},
          "hash": {"type": "string"}
        }
      }
    },
    "modules": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "properties": {
          "resolved": {"type": "string"},
          "integrity": {"type": "string"}
        }
      }
    },
    "cache": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "properties": {
          "ttl": {"type": "string"},
          "fetchedAt": {"type": "string"}
        }
      }
    }
  }
}`

var compiled *jsonschema.Schema

func init() {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if compiler.Formats == nil {
		compiler.Formats = make(map[string]func(any) bool)
	}
	compiler.Formats["semver"] = func(v any) bool {
		s, ok := v.(string)
		if !ok {
			return true
		}
		if !strings.HasPrefix(s, "v") {
			s = "v" + s
		}
		return semver.IsValid(s)
	}
	if err := compiler.AddResource("mlld://lock.json", strings.NewReader(schemaDoc)); err != nil {
		panic("lockfile: invalid embedded schema: " + err.Error())
	}
	schema, err := compiler.Compile("mlld://lock.json")
	if err != nil {
		panic("lockfile: compiling embedded schema: " + err.Error())
	}
	compiled = schema
}

// Resolvers holds the module-prefix resolver configuration.
type Resolvers struct {
	Prefixes []string `json:"prefixes,omitempty"`
}

// Config is the lock file's `config` section.
type Config struct {
	Resolvers Resolvers `json:"resolvers"`
}

// ImportEntry pins one `import`'s resolved version.
type ImportEntry struct {
	Version string `json:"version,omitempty"`
	Hash    string `json:"hash,omitempty"`
}

// ModuleEntry records where a module resolved to.
type ModuleEntry struct {
	Resolved  string `json:"resolved,omitempty"`
	Integrity string `json:"integrity,omitempty"`
}

// CacheEntry records module-cache metadata for `import cached(TTL)`.
type CacheEntry struct {
	TTL       string `json:"ttl,omitempty"`
	FetchedAt string `json:"fetchedAt,omitempty"`
}

// LockFile is the decoded shape of mlld.lock.json (spec §6.2).
type LockFile struct {
	Version string                 `json:"version"`
	Config  Config                 `json:"config"`
	Imports map[string]ImportEntry `json:"imports"`
	Modules map[string]ModuleEntry `json:"modules"`
	Cache   map[string]CacheEntry  `json:"cache"`
}

// empty returns a fresh lock file with every section present but empty, so
// callers never need a nil check (spec's "missing sections are treated as
// empty").
func empty() *LockFile {
	return &LockFile{
		Version: "1",
		Imports: map[string]ImportEntry{},
		Modules: map[string]ModuleEntry{},
		Cache:   map[string]CacheEntry{},
	}
}

// Load reads and validates path, returning an empty lock file (not an
// error) if it does not exist yet — a project's first `mlld run` has none.
func Load(path string) (*LockFile, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return empty(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("lockfile: reading %s: %w", path, err)
	}
	return Parse(data)
}

// Parse validates raw against the embedded schema and decodes it.
func Parse(raw []byte) (*LockFile, error) {
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("lockfile: invalid JSON: %w", err)
	}
	if err := compiled.Validate(generic); err != nil {
		return nil, fmt.Errorf("lockfile: schema validation failed: %w", err)
	}
	lf := empty()
	if err := json.Unmarshal(raw, lf); err != nil {
		return nil, fmt.Errorf("lockfile: decoding: %w", err)
	}
	if lf.Imports == nil {
		lf.Imports = map[string]ImportEntry{}
	}
	if lf.Modules == nil {
		lf.Modules = map[string]ModuleEntry{}
	}
	if lf.Cache == nil {
		lf.Cache = map[string]CacheEntry{}
	}
	return lf, nil
}

// Save writes lf to path as indented JSON.
func Save(path string, lf *LockFile) error {
	data, err := json.MarshalIndent(lf, "", "  ")
	if err != nil {
		return fmt.Errorf("lockfile: encoding: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("lockfile: writing %s: %w", path, err)
	}
	return nil
}

// ResolveVersion picks the highest of candidates satisfying constraint
// (spec's `import cached(TTL)` version pin resolution). constraint is an
// exact version, a bare major/minor prefix ("v1", "v1.2"), or "" meaning
// "any" — the highest candidate wins.
func ResolveVersion(constraint string, candidates []string) (string, error) {
	if len(candidates) == 0 {
		return "", fmt.Errorf("lockfile: no candidate versions to resolve against")
	}
	norm := make([]string, 0, len(candidates))
	for _, c := range candidates {
		v := c
		if !strings.HasPrefix(v, "v") {
			v = "v" + v
		}
		if !semver.IsValid(v) {
			continue
		}
		norm = append(norm, v)
	}
	if len(norm) == 0 {
		return "", fmt.Errorf("lockfile: no valid semver candidates among %v", candidates)
	}

	want := constraint
	if want != "" && !strings.HasPrefix(want, "v") {
		want = "v" + want
	}

	best := ""
	for _, v := range norm {
		if want != "" && v != want && !strings.HasPrefix(v, want+".") {
			continue
		}
		if best == "" || semver.Compare(v, best) > 0 {
			best = v
		}
	}
	if best == "" {
		return "", fmt.Errorf("lockfile: no candidate version satisfies constraint %q", constraint)
	}
	return strings.TrimPrefix(best, "v"), nil
}
