package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/lithammer/fuzzysearch/fuzzy"

	"github.com/mlld-lang/mlld/internal/ast"
	"github.com/mlld-lang/mlld/internal/lockfile"
	"github.com/mlld-lang/mlld/internal/modcache"
	"github.com/mlld-lang/mlld/internal/value"
)

// fileLoader implements eval.FileLoader for `embed`/`add` (spec §4.3): OS
// filesystem access for project-relative paths, with an allow-absolute-
// paths gate and fuzzy markdown section-header matching.
//
// The fuzzy heading match is grounded on the teacher's
// runtime/planner/planner.go use of lithammer/fuzzysearch for approximate
// name resolution, generalized from command-name matching to markdown
// heading matching.
type fileLoader struct {
	AllowAbsolute bool
}

func (l *fileLoader) LoadFile(path string, section *ast.SectionMarker) (string, string, error) {
	if filepath.IsAbs(path) && !l.AllowAbsolute {
		return "", "", fmt.Errorf("absolute path %q is not allowed (pass --allow-absolute-paths to permit it)", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", fmt.Errorf("reading %s: %w", path, err)
	}
	text := string(data)
	if section == nil {
		return text, path, nil
	}
	extracted, err := extractSection(text, section.Heading, section.Threshold)
	if err != nil {
		return "", "", fmt.Errorf("%s: %w", path, err)
	}
	return extracted, path, nil
}

// heading is one markdown heading found while scanning a file for
// `embed`/`add`'s section target.
type heading struct {
	level int
	text  string
	line  int
}

// extractSection returns the body of the markdown heading in text that
// best matches wanted: an exact (case-insensitive) match if there is one,
// otherwise the closest fuzzy match. threshold 100 (or more) means an exact
// match only; a threshold below 100 does not reject any fuzzy match.
func extractSection(text, wanted string, threshold int) (string, error) {
	lines := strings.Split(text, "\n")

	var headings []heading
	for i, line := range lines {
		trimmed := strings.TrimLeft(line, " \t")
		level := 0
		for level < len(trimmed) && trimmed[level] == '#' {
			level++
		}
		if level == 0 || level >= len(trimmed) || trimmed[level] != ' ' {
			continue
		}
		headings = append(headings, heading{level: level, text: strings.TrimSpace(trimmed[level:]), line: i})
	}
	if len(headings) == 0 {
		return "", fmt.Errorf("no markdown headings found")
	}

	best, exact := closestHeading(wanted, headings)
	if best < 0 {
		return "", fmt.Errorf("no section heading matched %q", wanted)
	}
	if threshold >= 100 && !exact {
		return "", fmt.Errorf("no section heading exactly matched %q (closest was %q)", wanted, headings[best].text)
	}

	start := headings[best].line + 1
	end := len(lines)
	for _, h := range headings[best+1:] {
		if h.level <= headings[best].level {
			end = h.line
			break
		}
	}
	return strings.TrimSpace(strings.Join(lines[start:end], "\n")), nil
}

// closestHeading finds the heading whose text best matches wanted,
// preferring an exact case-insensitive match and otherwise falling back to
// fuzzy.RankFindFold, the same closest-match helper the teacher's planner
// uses for approximate command-name resolution.
func closestHeading(wanted string, headings []heading) (index int, exact bool) {
	lowerWanted := strings.ToLower(wanted)
	candidates := make([]string, len(headings))
	for i, h := range headings {
		candidates[i] = h.text
		if strings.ToLower(h.text) == lowerWanted {
			return i, true
		}
	}
	ranks := fuzzy.RankFindFold(wanted, candidates)
	if len(ranks) == 0 {
		return -1, false
	}
	best := ranks[0]
	for _, r := range ranks[1:] {
		if r.Distance < best.Distance {
			best = r
		}
	}
	for i, c := range candidates {
		if c == best.Target {
			return i, false
		}
	}
	return -1, false
}

// moduleResolver implements eval.ModuleResolver for `import` (spec §4.3),
// backed by the lock file's version pins and the content-addressed module
// cache. Network/registry fetch is explicitly outside this runtime core's
// scope (spec §1), so a cache miss is reported rather than fetched; a cache
// hit still cannot be evaluated into bound variables without the external
// parser (also out of scope), so resolution surfaces the cached module's
// declared exports as unresolved placeholders rather than failing outright
// — enough for an embedding host with its own parser to bind names and
// defer evaluation.
type moduleResolver struct {
	lock  *lockfile.LockFile
	cache *modcache.Cache
}

func (r *moduleResolver) ResolveModule(fromFile, path string) (map[string]value.Variable, error) {
	version := ""
	if imp, ok := r.lock.Imports[path]; ok {
		version = imp.Version
	}
	entry, ok, err := r.cache.Get(path, version)
	if err != nil {
		return nil, fmt.Errorf("reading module cache entry for %q: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf(
			"module %q@%s not present in the local cache and no registry fetch is wired "+
				"(module registry/network fetch is outside this runtime core's scope); "+
				"populate the cache out of band first", path, version)
	}

	vars := make(map[string]value.Variable, len(entry.Exports))
	for _, name := range entry.Exports {
		placeholder := value.Text(
			fmt.Sprintf("<unresolved import %q from %s@%s: evaluating a cached module body requires an external parser>",
				name, entry.Module, entry.Version),
			value.Empty().WithTaint(value.TaintNetwork))
		vars[name] = value.NewVariable(name, value.VarText, placeholder, value.Source{
			Directive: "import",
			FilePath:  fromFile,
		})
	}
	return vars, nil
}

// loadLockFile reads mlld.lock.json next to the program being run, or an
// empty lock file if none exists yet.
func loadLockFile(programPath string) (*lockfile.LockFile, error) {
	dir := filepath.Dir(programPath)
	return lockfile.Load(filepath.Join(dir, "mlld.lock.json"))
}

// defaultCacheDir resolves the module cache directory, honoring
// $MLLD_CACHE_DIR and falling back to the user cache directory.
func defaultCacheDir() (string, error) {
	if dir := os.Getenv("MLLD_CACHE_DIR"); dir != "" {
		return dir, nil
	}
	base, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "mlld", "modules"), nil
}

// readSource reads program source from a file path, or from stdin if path
// is "-".
func readSource(path string) ([]byte, error) {
	if path == "-" {
		r := bufio.NewReader(os.Stdin)
		var out []byte
		buf := make([]byte, 4096)
		for {
			n, err := r.Read(buf)
			out = append(out, buf[:n]...)
			if err != nil {
				break
			}
		}
		return out, nil
	}
	return os.ReadFile(path)
}
