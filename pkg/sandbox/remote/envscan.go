package remote

import (
	"regexp"
	"sort"
	"strings"
)

// envRefPatterns match the static forms of process.env access in tool
// source: dotted (process.env.NAME), double-quoted and single-quoted
// bracket indexing. Computed keys cannot be detected statically and are
// out of scope.
var envRefPatterns = []*regexp.Regexp{
	regexp.MustCompile(`process\.env\.([A-Za-z_$][A-Za-z0-9_$]*)`),
	regexp.MustCompile(`process\.env\[\s*"([^"]+)"\s*\]`),
	regexp.MustCompile(`process\.env\[\s*'([^']+)'\s*\]`),
}

// ScanEnvRefs returns the environment variable names the source reads
// through process.env, sorted and deduplicated.
func ScanEnvRefs(source string) []string {
	seen := make(map[string]struct{})
	for _, re := range envRefPatterns {
		for _, m := range re.FindAllStringSubmatch(source, -1) {
			seen[m[1]] = struct{}{}
		}
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// renderEnvFile produces dotenv content declaring every name, in sorted
// order, with the resolved value or an empty placeholder. Values are
// written verbatim; resolvers supplying multi-line secrets must encode
// them first.
func renderEnvFile(names []string, values map[string]string) []byte {
	var b strings.Builder
	for _, name := range names {
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(values[name])
		b.WriteByte('\n')
	}
	return []byte(b.String())
}
