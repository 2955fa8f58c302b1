// Package skills loads installed-skill manifests and validates
// planner-provided arguments against each skill's declared schema.
package skills

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrInvalidManifest marks a manifest that parsed but fails the structural
// rules (wrong type, missing name, bad arg spec).
var ErrInvalidManifest = errors.New("invalid skill manifest")

// ArgSpec describes one skill argument.
type ArgSpec struct {
	Type        string `toml:"type" json:"type"`
	Required    bool   `toml:"required" json:"required"`
	Default     any    `toml:"default" json:"default,omitempty"`
	Description string `toml:"description" json:"description"`
}

// Deps lists the skill's runtime requirements.
type Deps struct {
	Python string   `toml:"python"`
	Bin    []string `toml:"bin"`
}

// manifest mirrors the TOML layout under the [kiso] root key.
type manifest struct {
	Kiso struct {
		Type        string `toml:"type"`
		Name        string `toml:"name"`
		Version     string `toml:"version"`
		Description string `toml:"description"`
		Skill       struct {
			Summary        string             `toml:"summary"`
			SessionSecrets []string           `toml:"session_secrets"`
			UsageGuide     string             `toml:"usage_guide"`
			Args           map[string]ArgSpec `toml:"args"`
			Env            map[string]string  `toml:"env"`
		} `toml:"skill"`
		Deps Deps `toml:"deps"`
	} `toml:"kiso"`
}

// Skill is one installed skill with its compiled args schema.
type Skill struct {
	Name           string
	Version        string
	Description    string
	Summary        string
	UsageGuide     string
	SessionSecrets []string
	Env            map[string]string
	Args           map[string]ArgSpec
	Deps           Deps
	Dir            string

	schemaJSON []byte
	schema     *jsonschema.Schema
}

var argTypes = map[string]bool{
	"string": true, "integer": true, "number": true,
	"boolean": true, "array": true, "object": true,
}

// loadManifest parses and validates one manifest.toml.
func loadManifest(path, dir string) (*Skill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}

	k := m.Kiso
	if k.Type != "skill" {
		return nil, fmt.Errorf("%w: %s: type %q is not \"skill\"", ErrInvalidManifest, path, k.Type)
	}
	if k.Name == "" {
		return nil, fmt.Errorf("%w: %s: missing name", ErrInvalidManifest, path)
	}
	for arg, spec := range k.Skill.Args {
		if !argTypes[spec.Type] {
			return nil, fmt.Errorf("%w: %s: arg %q has unknown type %q",
				ErrInvalidManifest, path, arg, spec.Type)
		}
	}

	s := &Skill{
		Name:           k.Name,
		Version:        k.Version,
		Description:    k.Description,
		Summary:        k.Skill.Summary,
		UsageGuide:     k.Skill.UsageGuide,
		SessionSecrets: k.Skill.SessionSecrets,
		Env:            k.Skill.Env,
		Args:           k.Skill.Args,
		Deps:           k.Deps,
		Dir:            dir,
	}
	if err := s.compileArgsSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

// compileArgsSchema turns the manifest arg specs into a strict JSON Schema.
func (s *Skill) compileArgsSchema() error {
	properties := map[string]any{}
	required := []string{}
	for name, spec := range s.Args {
		prop := map[string]any{"type": spec.Type}
		if spec.Description != "" {
			prop["description"] = spec.Description
		}
		properties[name] = prop
		if spec.Required {
			required = append(required, name)
		}
	}

	doc := map[string]any{
		"type":                 "object",
		"properties":           properties,
		"required":             required,
		"additionalProperties": false,
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal args schema for %s: %w", s.Name, err)
	}
	s.schemaJSON = raw

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("args.json", bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("failed to add args schema for %s: %w", s.Name, err)
	}
	schema, err := compiler.Compile("args.json")
	if err != nil {
		return fmt.Errorf("failed to compile args schema for %s: %w", s.Name, err)
	}
	s.schema = schema
	return nil
}

// ArgsSchemaJSON returns the JSON Schema document shown to the planner.
func (s *Skill) ArgsSchemaJSON() string {
	return string(s.schemaJSON)
}

// ValidateArgs checks a planner-provided args JSON string against the
// skill's schema. An empty string counts as an empty object.
func (s *Skill) ValidateArgs(argsJSON string) error {
	if argsJSON == "" {
		argsJSON = "{}"
	}
	var v any
	if err := json.Unmarshal([]byte(argsJSON), &v); err != nil {
		return fmt.Errorf("args are not valid JSON: %w", err)
	}
	if err := s.schema.Validate(v); err != nil {
		return fmt.Errorf("args rejected for skill %s: %w", s.Name, err)
	}
	return nil
}
