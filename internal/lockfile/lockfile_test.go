package lockfile

import (
	"path/filepath"
	"testing"
)

func TestLoad_MissingFileReturnsEmptyLockFile(t *testing.T) {
	lf, err := Load(filepath.Join(t.TempDir(), "mlld.lock.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if lf.Version != "1" {
		t.Errorf("Version = %q, want default %q", lf.Version, "1")
	}
	if lf.Imports == nil || lf.Modules == nil || lf.Cache == nil {
		t.Errorf("empty lock file has a nil section: %+v", lf)
	}
}

func TestParse_ValidMinimalDocument(t *testing.T) {
	lf, err := Parse([]byte(`{"version": "1"}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if lf.Version != "1" {
		t.Errorf("Version = %q, want %q", lf.Version, "1")
	}
}

func TestParse_MissingVersionFailsSchemaValidation(t *testing.T) {
	_, err := Parse([]byte(`{}`))
	if err == nil {
		t.Fatalf("Parse err = nil, want a schema validation error for missing required version")
	}
}

func TestParse_InvalidJSONIsRejectedBeforeSchema(t *testing.T) {
	_, err := Parse([]byte(`{not json`))
	if err == nil {
		t.Fatalf("Parse err = nil, want a JSON syntax error")
	}
}

func TestParse_ValidSemverImportVersionAccepted(t *testing.T) {
	doc := `{"version": "1", "imports": {"foo": {"version": "1.2.3"}}}`
	lf, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if lf.Imports["foo"].Version != "1.2.3" {
		t.Errorf("Imports[foo].Version = %q, want %q", lf.Imports["foo"].Version, "1.2.3")
	}
}

func TestParse_InvalidSemverImportVersionRejected(t *testing.T) {
	doc := `{"version": "1", "imports": {"foo": {"version": "not-a-version"}}}`
	_, err := Parse([]byte(doc))
	if err == nil {
		t.Fatalf("Parse err = nil, want schema rejection of a non-semver import version")
	}
}

func TestParse_FullDocumentRoundTrips(t *testing.T) {
	doc := `{
		"version": "1",
		"config": {"resolvers": {"prefixes": ["@core/"]}},
		"imports": {"a/b": {"version": "2.0.0", "hash": "abc"}},
		"modules": {"a/b": {"resolved": "https://example.com/a/b", "integrity": "sha256-xyz"}},
		"cache": {"a/b": {"ttl": "24h", "fetchedAt": "2026-01-01T00:00:00Z"}}
	}`
	lf, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(lf.Config.Resolvers.Prefixes) != 1 || lf.Config.Resolvers.Prefixes[0] != "@core/" {
		t.Errorf("Config.Resolvers.Prefixes = %v", lf.Config.Resolvers.Prefixes)
	}
	if lf.Modules["a/b"].Resolved != "https://example.com/a/b" {
		t.Errorf("Modules[a/b].Resolved = %q", lf.Modules["a/b"].Resolved)
	}
	if lf.Cache["a/b"].TTL != "24h" {
		t.Errorf("Cache[a/b].TTL = %q", lf.Cache["a/b"].TTL)
	}
}

func TestSave_ThenLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mlld.lock.json")
	lf := &LockFile{
		Version: "1",
		Imports: map[string]ImportEntry{"a": {Version: "1.0.0"}},
		Modules: map[string]ModuleEntry{},
		Cache:   map[string]CacheEntry{},
	}
	if err := Save(path, lf); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Imports["a"].Version != "1.0.0" {
		t.Errorf("round-tripped Imports[a].Version = %q, want %q", got.Imports["a"].Version, "1.0.0")
	}
}

func TestResolveVersion_PicksHighestAmongCandidates(t *testing.T) {
	got, err := ResolveVersion("", []string{"1.0.0", "1.2.0", "1.1.5"})
	if err != nil {
		t.Fatalf("ResolveVersion: %v", err)
	}
	if got != "1.2.0" {
		t.Errorf("ResolveVersion() = %q, want %q", got, "1.2.0")
	}
}

func TestResolveVersion_ConstraintFiltersToMatchingPrefix(t *testing.T) {
	got, err := ResolveVersion("v1", []string{"1.0.0", "2.5.0", "1.9.9"})
	if err != nil {
		t.Fatalf("ResolveVersion: %v", err)
	}
	if got != "1.9.9" {
		t.Errorf("ResolveVersion(v1) = %q, want %q", got, "1.9.9")
	}
}

func TestResolveVersion_NoCandidatesIsError(t *testing.T) {
	_, err := ResolveVersion("", nil)
	if err == nil {
		t.Fatalf("ResolveVersion(no candidates) err = nil, want an error")
	}
}

func TestResolveVersion_NoCandidateSatisfiesConstraintIsError(t *testing.T) {
	_, err := ResolveVersion("v5", []string{"1.0.0", "2.0.0"})
	if err == nil {
		t.Fatalf("ResolveVersion(unsatisfiable constraint) err = nil, want an error")
	}
}

func TestResolveVersion_InvalidSemverCandidatesAreSkipped(t *testing.T) {
	got, err := ResolveVersion("", []string{"not-a-version", "1.0.0"})
	if err != nil {
		t.Fatalf("ResolveVersion: %v", err)
	}
	if got != "1.0.0" {
		t.Errorf("ResolveVersion() = %q, want the only valid candidate %q", got, "1.0.0")
	}
}
