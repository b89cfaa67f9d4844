package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const maxBodyBytes = 1 << 20

const schemaBase = "https://ndagate.dev/schemas/"

// Request body schemas, by name.
var bodySchemas = map[string]string{
	"submit": `{
		"type": "object",
		"required": ["asset_id", "tier"],
		"properties": {
			"asset_id": {"type": "string", "minLength": 1, "maxLength": 256},
			"tier": {"enum": ["basic", "standard", "enhanced"]},
			"justification": {"type": "string", "maxLength": 4000}
		},
		"additionalProperties": false
	}`,
	"respond": `{
		"type": "object",
		"required": ["decision", "version"],
		"properties": {
			"decision": {"enum": ["approve", "reject"]},
			"version": {"type": "integer", "minimum": 1},
			"reason": {"type": "string", "maxLength": 4000},
			"custom_terms": {"type": "string", "maxLength": 65536},
			"access_duration": {"type": "string", "pattern": "^[0-9]+(\\.[0-9]+)?(ns|us|ms|s|m|h)([0-9]+(\\.[0-9]+)?(ns|us|ms|s|m|h))*$"}
		},
		"additionalProperties": false
	}`,
	"draft": `{
		"type": "object",
		"properties": {
			"custom_terms": {"type": "string", "maxLength": 65536},
			"access_duration": {"type": "string"}
		},
		"additionalProperties": false
	}`,
	"sign": `{
		"type": "object",
		"required": ["client_fingerprint"],
		"properties": {
			"client_fingerprint": {"type": "string", "minLength": 1, "maxLength": 512},
			"client_metadata": {
				"type": "object",
				"maxProperties": 32,
				"additionalProperties": {"type": "string", "maxLength": 1024}
			}
		},
		"additionalProperties": false
	}`,
	"reason": `{
		"type": "object",
		"properties": {
			"reason": {"type": "string", "maxLength": 4000}
		},
		"additionalProperties": false
	}`,
	"sections": `{
		"type": "object",
		"required": ["asset_id", "sections"],
		"properties": {
			"asset_id": {"type": "string", "minLength": 1},
			"sections": {
				"type": "array",
				"maxItems": 1000,
				"items": {
					"type": "object",
					"required": ["id", "rule"],
					"properties": {
						"id": {"type": "string", "minLength": 1},
						"rule": {"enum": ["hidden", "requires_tier", "always_visible"]},
						"tier": {"enum": ["basic", "standard", "enhanced"]}
					},
					"if": {"properties": {"rule": {"const": "requires_tier"}}},
					"then": {"required": ["tier"]},
					"additionalProperties": false
				}
			}
		},
		"additionalProperties": false
	}`,
	"template": `{
		"type": "object",
		"required": ["owner_id", "name", "tier", "body"],
		"properties": {
			"owner_id": {"type": "string", "minLength": 1},
			"name": {"type": "string", "minLength": 1, "maxLength": 200},
			"tier": {"enum": ["basic", "standard", "enhanced"]},
			"body": {"type": "string", "minLength": 1, "maxLength": 262144},
			"version": {"type": "string"},
			"make_default": {"type": "boolean"}
		},
		"additionalProperties": false
	}`,
	"revision": `{
		"type": "object",
		"required": ["body"],
		"properties": {
			"body": {"type": "string", "minLength": 1, "maxLength": 262144},
			"bump": {"enum": ["patch", "minor", "major"]}
		},
		"additionalProperties": false
	}`,
	"asset": `{
		"type": "object",
		"required": ["owner_id"],
		"properties": {
			"owner_id": {"type": "string", "minLength": 1, "maxLength": 256}
		},
		"additionalProperties": false
	}`,
}

// Validator checks request bodies against the compiled schemas.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// NewValidator compiles every body schema.
func NewValidator() (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	for name, src := range bodySchemas {
		if err := c.AddResource(schemaBase+name+".json", strings.NewReader(src)); err != nil {
			return nil, fmt.Errorf("schema %s load failed: %w", name, err)
		}
	}
	v := &Validator{schemas: make(map[string]*jsonschema.Schema, len(bodySchemas))}
	for name := range bodySchemas {
		s, err := c.Compile(schemaBase + name + ".json")
		if err != nil {
			return nil, fmt.Errorf("schema %s compile failed: %w", name, err)
		}
		v.schemas[name] = s
	}
	return v, nil
}

// errBody is returned for unreadable or invalid bodies; the message is safe
// to show to the client.
type errBody struct{ msg string }

func (e *errBody) Error() string { return e.msg }

// Decode reads the body of r, validates it against the named schema and
// unmarshals it into dst. An empty body is treated as {}.
func (v *Validator) Decode(w http.ResponseWriter, r *http.Request, schema string, dst any) error {
	s, ok := v.schemas[schema]
	if !ok {
		return fmt.Errorf("unknown schema %q", schema)
	}
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return &errBody{msg: "request body too large or unreadable"}
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = []byte("{}")
	}

	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return &errBody{msg: "request body is not valid JSON"}
	}
	if err := s.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return &errBody{msg: describe(ve)}
		}
		return &errBody{msg: "request body does not match schema"}
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return &errBody{msg: "request body does not match schema"}
	}
	return nil
}

// describe reports the innermost failure, which names the offending field.
func describe(ve *jsonschema.ValidationError) string {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	loc := ve.InstanceLocation
	if loc == "" {
		loc = "/"
	}
	return fmt.Sprintf("invalid request body at %s: %s", loc, ve.Message)
}
