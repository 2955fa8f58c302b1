package config

import (
	"bytes"
	"os"
	"text/template"
)

// ExpandEnv expands environment variables in config content using Go
// templates with {{.VAR_NAME}} syntax, avoiding collision with literal $
// characters in regex patterns, passwords, and shell snippets.
//
// Missing variables expand to empty string; validation catches required
// fields that end up empty. Malformed templates pass through untouched so
// plain TOML without template syntax always parses.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("config").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}

	envMap := make(map[string]string)
	for _, env := range os.Environ() {
		// Split only on first = to handle values with = in them
		if idx := bytes.IndexByte([]byte(env), '='); idx > 0 {
			envMap[env[:idx]] = env[idx+1:]
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, envMap); err != nil {
		return data
	}
	return buf.Bytes()
}
