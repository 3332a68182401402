package config

import (
	"os"
	"regexp"
)

var envRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ExpandEnv expands ${VAR_NAME} references in YAML content from the
// environment. Only the braced form is recognized so bare $ characters
// in regex patterns, passwords, and shell snippets pass through
// untouched.
//
// Missing variables expand to the empty string. Validation should catch
// required fields that end up empty.
func ExpandEnv(data []byte) []byte {
	return envRefPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envRefPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}
