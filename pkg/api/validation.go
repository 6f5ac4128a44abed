package api

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ValidationConfig holds configurable limits for request validation.
type ValidationConfig struct {
	MaxCodeSize      int
	MaxDependencies  int
	MaxArgumentsSize int
	MaxNameLength    int
}

// DefaultValidationConfig returns a ValidationConfig with sensible defaults.
func DefaultValidationConfig() ValidationConfig {
	return ValidationConfig{
		MaxCodeSize:      256 * 1024, // 256KB
		MaxDependencies:  64,
		MaxArgumentsSize: 1024 * 1024, // 1MB
		MaxNameLength:    128,
	}
}

// ValidateFunctionTool checks a FunctionToolConfig for validity. It returns
// an *APIError describing the first validation failure, or nil if the
// config is valid.
func ValidateFunctionTool(cfg *FunctionToolConfig, vcfg ValidationConfig) *APIError {
	if cfg.Description == "" {
		return NewInvalidRequestError("description", "description is required")
	}

	if cfg.ExecuteCode == "" {
		return NewInvalidRequestError("execute_code", "execute_code is required")
	}

	if vcfg.MaxCodeSize > 0 && len(cfg.ExecuteCode) > vcfg.MaxCodeSize {
		return NewInvalidRequestError("execute_code",
			fmt.Sprintf("execute_code exceeds maximum of %d bytes", vcfg.MaxCodeSize))
	}

	if vcfg.MaxNameLength > 0 && len(cfg.Name) > vcfg.MaxNameLength {
		return NewInvalidRequestError("name",
			fmt.Sprintf("name exceeds maximum of %d characters", vcfg.MaxNameLength))
	}

	if vcfg.MaxDependencies > 0 && len(cfg.Dependencies) > vcfg.MaxDependencies {
		return NewInvalidRequestError("dependencies",
			fmt.Sprintf("dependencies exceeds maximum of %d entries", vcfg.MaxDependencies))
	}

	for name, version := range cfg.Dependencies {
		if err := validateDependencyName(name); err != nil {
			return NewInvalidRequestError("dependencies", err.Error())
		}
		if strings.TrimSpace(version) == "" {
			return NewInvalidRequestError("dependencies",
				fmt.Sprintf("dependency %q has an empty version", name))
		}
	}

	if len(cfg.InputSchema) > 0 && !json.Valid(cfg.InputSchema) {
		return NewInvalidRequestError("input_schema", "input_schema must be valid JSON")
	}

	if cfg.Sandbox == nil {
		return NewInvalidRequestError("sandbox", "sandbox configuration is required")
	}

	return ValidateSandboxConfig(cfg.Sandbox)
}

// ValidateSandboxConfig checks the provider variant fields.
func ValidateSandboxConfig(sc *SandboxConfig) *APIError {
	switch sc.Provider {
	case SandboxProviderNative, SandboxProviderRemote:
		// valid
	case "":
		return NewInvalidRequestError("sandbox.provider", "sandbox.provider is required")
	default:
		return NewInvalidRequestError("sandbox.provider",
			fmt.Sprintf("unknown sandbox provider %q (must be %q or %q)",
				sc.Provider, SandboxProviderNative, SandboxProviderRemote))
	}

	switch sc.Runtime {
	case RuntimeNode, RuntimeTypeScript:
		// valid
	case "":
		return NewInvalidRequestError("sandbox.runtime", "sandbox.runtime is required")
	default:
		return NewInvalidRequestError("sandbox.runtime",
			fmt.Sprintf("unknown sandbox runtime %q (must be %q or %q)",
				sc.Runtime, RuntimeNode, RuntimeTypeScript))
	}

	if sc.TimeoutSeconds < 0 {
		return NewInvalidRequestError("sandbox.timeout_seconds", "timeout_seconds must not be negative")
	}

	if sc.VCPUs < 0 {
		return NewInvalidRequestError("sandbox.vcpus", "vcpus must not be negative")
	}

	if sc.Provider == SandboxProviderRemote {
		if sc.TeamID == "" {
			return NewInvalidRequestError("sandbox.team_id", "team_id is required for the remote provider")
		}
		if sc.ProjectID == "" {
			return NewInvalidRequestError("sandbox.project_id", "project_id is required for the remote provider")
		}
		if sc.Token == "" {
			return NewInvalidRequestError("sandbox.token", "token is required for the remote provider")
		}
	}

	return nil
}

// ValidateExecuteRequest checks an execute request body.
func ValidateExecuteRequest(req *ExecuteRequest, vcfg ValidationConfig) *APIError {
	if vcfg.MaxArgumentsSize > 0 && len(req.Arguments) > vcfg.MaxArgumentsSize {
		return NewInvalidRequestError("arguments",
			fmt.Sprintf("arguments exceed maximum of %d bytes", vcfg.MaxArgumentsSize))
	}
	if len(req.Arguments) > 0 && !json.Valid(req.Arguments) {
		return NewInvalidRequestError("arguments", "arguments must be valid JSON")
	}
	return nil
}

// validateDependencyName rejects package names that could escape the
// manifest (path segments, scoped-name abuse, whitespace).
func validateDependencyName(name string) error {
	if name == "" {
		return fmt.Errorf("dependency name must not be empty")
	}
	if len(name) > 214 {
		return fmt.Errorf("dependency name %q exceeds 214 characters", name)
	}
	if strings.ContainsAny(name, " \t\n\\") {
		return fmt.Errorf("dependency name %q contains whitespace", name)
	}
	if strings.HasPrefix(name, "/") || strings.HasPrefix(name, ".") {
		return fmt.Errorf("dependency name %q must not start with %q", name, name[:1])
	}
	if strings.Contains(name, "..") {
		return fmt.Errorf("dependency name %q contains a path traversal sequence", name)
	}
	// Scoped names (@scope/pkg) may contain exactly one slash after the scope.
	rest := name
	if strings.HasPrefix(name, "@") {
		idx := strings.Index(name, "/")
		if idx < 0 {
			return fmt.Errorf("scoped dependency name %q is missing a package segment", name)
		}
		rest = name[idx+1:]
	}
	if strings.Contains(rest, "/") {
		return fmt.Errorf("dependency name %q contains an unexpected path separator", name)
	}
	return nil
}
