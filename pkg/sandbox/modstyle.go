package sandbox

import (
	"regexp"

	"github.com/rhuss/werkstatt/pkg/api"
)

// ModuleStyle is the Node module system a piece of tool code is written
// for. The values match the package.json "type" field so a manifest can
// carry the detected style verbatim.
type ModuleStyle string

const (
	ModuleESM      ModuleStyle = "module"
	ModuleCommonJS ModuleStyle = "commonjs"
)

// Static classification of untrusted source. These are signals, not a
// parse: dynamic import() is valid in both systems and is deliberately
// not matched.
var (
	esmPattern = regexp.MustCompile(`(?m)^\s*(import\s|import["']|export\b)`)
	cjsPattern = regexp.MustCompile(`(?m)(\brequire\s*\(|\bmodule\.exports\b|^\s*exports\.\w+\s*=)`)
)

// DetectModuleStyle classifies tool source as ESM or CommonJS.
//
// Only an unambiguous CommonJS signal (require/module.exports and no
// import/export syntax) selects CommonJS. Everything else, including
// mixed syntax and signal-free source, is treated as ESM. The TypeScript
// runtime always executes as ESM, so it overrides whatever the source
// looks like.
func DetectModuleStyle(code string, runtime api.SandboxRuntime) ModuleStyle {
	if runtime == api.RuntimeTypeScript {
		return ModuleESM
	}

	hasESM := esmPattern.MatchString(code)
	hasCJS := cjsPattern.MatchString(code)

	if hasCJS && !hasESM {
		return ModuleCommonJS
	}
	return ModuleESM
}
