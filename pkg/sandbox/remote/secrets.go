package remote

import "context"

// SecretResolver supplies values for the environment variables a tool's
// source references. The executor scans the source, asks the resolver
// for the detected names, and uploads the result as the sandbox's .env
// file before the first run.
type SecretResolver interface {
	Resolve(ctx context.Context, cred Credential, names []string) (map[string]string, error)
}

// PlaceholderResolver is the default SecretResolver: every detected
// name is declared with an empty value, so the variable exists inside
// the sandbox without exposing anything. Deployments that manage real
// secrets plug in their own resolver at executor construction.
type PlaceholderResolver struct{}

var _ SecretResolver = PlaceholderResolver{}

func (PlaceholderResolver) Resolve(_ context.Context, _ Credential, names []string) (map[string]string, error) {
	values := make(map[string]string, len(names))
	for _, name := range names {
		values[name] = ""
	}
	return values, nil
}
