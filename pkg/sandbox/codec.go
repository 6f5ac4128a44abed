package sandbox

import (
	"encoding/json"

	"github.com/rhuss/werkstatt/pkg/api"
)

// ScriptCall is the input to script serialization: the tool source, the
// call arguments, and the module style the script must be written in.
type ScriptCall struct {
	Code      string
	Arguments json.RawMessage
	Style     ModuleStyle
}

// ScriptCodec turns a function body plus arguments into a self-contained
// script and captured output back into a structured outcome. Executors
// treat it as an opaque pure transformation; the production JavaScript
// implementation lives in the jscodec subpackage.
type ScriptCodec interface {
	// Serialize produces script text that runs the call and prints one
	// structured result line to stdout.
	Serialize(call ScriptCall) (string, error)

	// Parse extracts the structured outcome from captured stdout. The
	// outcome carries the payload's own success/error flag, propagated
	// as-is. Absent or malformed output is an error.
	Parse(stdout string, toolID string) (*api.ToolOutcome, error)

	// IsResultLine reports whether line is a structured result line, so
	// executors can keep it out of user-visible logs.
	IsResultLine(line string) bool
}
