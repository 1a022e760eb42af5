package variables

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// EnvSecrets resolves secret:KEY references from environment variables.
// A key is upper-cased, dashes become underscores, and the prefix is
// prepended: with prefix "FLOWPG_SECRET_", "api-key" reads
// FLOWPG_SECRET_API_KEY.
type EnvSecrets struct {
	Prefix string
}

// ResolveSecret implements SecretSource.
func (e EnvSecrets) ResolveSecret(_ context.Context, key string) (string, error) {
	name := e.Prefix + strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
	val, ok := os.LookupEnv(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, key)
	}
	return val, nil
}

// StaticSecrets resolves secrets from a fixed map, useful in tests.
type StaticSecrets map[string]string

// ResolveSecret implements SecretSource.
func (s StaticSecrets) ResolveSecret(_ context.Context, key string) (string, error) {
	val, ok := s[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, key)
	}
	return val, nil
}
