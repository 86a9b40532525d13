package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/cookieguardian/cookieguardian/pkg/rotation"
)

var _ rotation.CredentialSource = (*EnvCredentials)(nil)

// EnvCredentials resolves platform credentials from environment variables
// named {Prefix}_{PLATFORM}, each holding {"username": ..., "password": ...}.
// Values are read at the moment of use and never cached.
type EnvCredentials struct {
	prefix string
	lookup func(string) (string, bool)
}

// NewEnvCredentials creates a credential source. lookup defaults to
// os.LookupEnv when nil.
func NewEnvCredentials(prefix string, lookup func(string) (string, bool)) *EnvCredentials {
	if prefix == "" {
		prefix = "USER_CREDENTIALS"
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	return &EnvCredentials{prefix: prefix, lookup: lookup}
}

// VarName returns the environment variable consulted for platform.
func (e *EnvCredentials) VarName(platform string) string {
	return e.prefix + "_" + strings.ToUpper(platform)
}

// Credentials implements rotation.CredentialSource.
func (e *EnvCredentials) Credentials(platform string) (rotation.Credentials, error) {
	name := e.VarName(platform)
	raw, ok := e.lookup(name)
	if !ok || strings.TrimSpace(raw) == "" {
		return rotation.Credentials{}, rotation.NewCredentialError(
			fmt.Sprintf("%s is not set", name), nil).WithPlatform(platform)
	}

	var creds rotation.Credentials
	if err := json.Unmarshal([]byte(raw), &creds); err != nil {
		// The decode error may echo part of the value.
		return rotation.Credentials{}, rotation.NewCredentialError(
			fmt.Sprintf("%s is not valid JSON", name), nil).WithPlatform(platform)
	}
	if creds.Username == "" || creds.Password == "" {
		return rotation.Credentials{}, rotation.NewCredentialError(
			fmt.Sprintf("%s lacks username or password", name), nil).WithPlatform(platform)
	}
	return creds, nil
}

// Has reports whether credentials for platform are present, without decoding them.
func (e *EnvCredentials) Has(platform string) bool {
	raw, ok := e.lookup(e.VarName(platform))
	return ok && strings.TrimSpace(raw) != ""
}
