// Package jscodec is the production ScriptCodec for JavaScript and
// TypeScript tools. Serialize embeds the tool source and the call
// arguments into one self-contained script whose harness invokes the
// exported function and prints a single marker-prefixed JSON line to
// stdout; Parse recovers that line into a structured outcome.
//
// Tool code is expected to expose its entry point as a default export,
// a module.exports assignment, or a top-level function named execute or
// handler. The harness resolves them in that order.
package jscodec

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/rhuss/werkstatt/pkg/api"
	"github.com/rhuss/werkstatt/pkg/sandbox"
)

// ResultMarker prefixes the one stdout line that carries the structured
// outcome. Everything else on stdout/stderr is tool logging.
const ResultMarker = "__WERKSTATT_RESULT__"

// exportDefaultPattern matches the export default statement so the
// harness can reach an otherwise unnamed default export.
var exportDefaultPattern = regexp.MustCompile(`(?m)^(\s*)export\s+default\s+`)

// Codec implements sandbox.ScriptCodec for Node module styles.
type Codec struct{}

var _ sandbox.ScriptCodec = (*Codec)(nil)

// New returns the JavaScript/TypeScript codec.
func New() *Codec {
	return &Codec{}
}

// Serialize wraps the tool source in the invocation harness for the
// requested module style.
func (c *Codec) Serialize(call sandbox.ScriptCall) (string, error) {
	args := "{}"
	if len(call.Arguments) > 0 {
		if !json.Valid(call.Arguments) {
			return "", fmt.Errorf("serialize call: arguments are not valid JSON")
		}
		args = string(call.Arguments)
	}

	switch call.Style {
	case sandbox.ModuleESM:
		return serializeESM(call.Code, args), nil
	case sandbox.ModuleCommonJS:
		return serializeCommonJS(call.Code, args), nil
	default:
		return "", fmt.Errorf("serialize call: unknown module style %q", call.Style)
	}
}

// serializeESM keeps the source's top-level imports intact and rebinds
// the default export to a name the harness can see. Remaining export
// statements are legal in the final module and simply ignored.
func serializeESM(code, args string) string {
	rewritten := exportDefaultPattern.ReplaceAllString(code, "${1}const __werkstatt_default__ = ")

	var b strings.Builder
	b.WriteString(rewritten)
	b.WriteString("\n\n")
	b.WriteString(`const __werkstatt_args__ = ` + args + `;
const __werkstatt_emit__ = (payload) => {
  process.stdout.write('\n` + ResultMarker + `' + JSON.stringify(payload) + '\n');
};
const __werkstatt_resolve__ = () => {
  if (typeof __werkstatt_default__ === 'function') return __werkstatt_default__;
  if (__werkstatt_default__ && typeof __werkstatt_default__.execute === 'function') return __werkstatt_default__.execute;
  if (typeof execute === 'function') return execute;
  if (typeof handler === 'function') return handler;
  return undefined;
};
(async () => {
  try {
    const __werkstatt_fn__ = __werkstatt_resolve__();
    if (typeof __werkstatt_fn__ !== 'function') {
      __werkstatt_emit__({ success: false, error: 'tool code does not export a callable function' });
      return;
    }
    const __werkstatt_result__ = await __werkstatt_fn__(__werkstatt_args__);
    __werkstatt_emit__({ success: true, result: __werkstatt_result__ === undefined ? null : __werkstatt_result__ });
  } catch (err) {
    __werkstatt_emit__({ success: false, error: (err && err.stack) ? String(err.stack) : String(err) });
  }
})();
`)
	return b.String()
}

// serializeCommonJS runs the source at script top level, where the real
// module, exports, and require are in scope, then reads whatever it
// assigned to module.exports.
func serializeCommonJS(code, args string) string {
	var b strings.Builder
	b.WriteString("'use strict';\n")
	b.WriteString(code)
	b.WriteString("\n\n")
	b.WriteString(`const __werkstatt_args__ = ` + args + `;
const __werkstatt_emit__ = (payload) => {
  process.stdout.write('\n` + ResultMarker + `' + JSON.stringify(payload) + '\n');
};
const __werkstatt_resolve__ = () => {
  const m = module.exports;
  if (typeof m === 'function') return m;
  if (m && typeof m.default === 'function') return m.default;
  if (m && typeof m.execute === 'function') return m.execute;
  if (typeof execute === 'function') return execute;
  if (typeof handler === 'function') return handler;
  return undefined;
};
(async () => {
  try {
    const __werkstatt_fn__ = __werkstatt_resolve__();
    if (typeof __werkstatt_fn__ !== 'function') {
      __werkstatt_emit__({ success: false, error: 'tool code does not export a callable function' });
      return;
    }
    const __werkstatt_result__ = await __werkstatt_fn__(__werkstatt_args__);
    __werkstatt_emit__({ success: true, result: __werkstatt_result__ === undefined ? null : __werkstatt_result__ });
  } catch (err) {
    __werkstatt_emit__({ success: false, error: (err && err.stack) ? String(err.stack) : String(err) });
  }
})();
`)
	return b.String()
}

// Parse extracts the outcome from the last marker line on stdout. The
// last line wins so tool code printing marker-shaped noise earlier
// cannot shadow the harness's emission.
func (c *Codec) Parse(stdout string, toolID string) (*api.ToolOutcome, error) {
	var payload string
	found := false
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if rest, ok := strings.CutPrefix(strings.TrimSpace(line), ResultMarker); ok {
			payload = rest
			found = true
		}
	}
	if !found {
		return nil, fmt.Errorf("tool %s produced no result line", toolID)
	}

	var outcome api.ToolOutcome
	if err := json.Unmarshal([]byte(payload), &outcome); err != nil {
		return nil, fmt.Errorf("tool %s produced a malformed result line: %w", toolID, err)
	}
	return &outcome, nil
}

// IsResultLine reports whether line is a harness result line.
func (c *Codec) IsResultLine(line string) bool {
	return strings.HasPrefix(strings.TrimSpace(line), ResultMarker)
}
