package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/go-quest/internal/lifecycle"
)

const (
	dateKeyPattern   = `^[0-9]{4}-[0-9]{2}-[0-9]{2}$`
	timeOfDayPattern = `^[0-9]{2}:[0-9]{2}$`
)

// taskSchemaJSON checks request shapes only. Range and state rules are
// enforced by the lifecycle service, which names the offending field.
var taskSchemaJSON = fmt.Sprintf(`{
	"type": "object",
	"properties": {
		"title":               {"type": ["string", "null"]},
		"category":            {"type": ["string", "null"]},
		"xpValue":             {"type": ["integer", "null"]},
		"context":             {"type": ["string", "null"]},
		"startDate":           {"type": ["string", "null"], "pattern": %[1]q},
		"startTime":           {"type": ["string", "null"], "pattern": %[2]q},
		"dueDate":             {"type": ["string", "null"], "pattern": %[1]q},
		"dueTime":             {"type": ["string", "null"], "pattern": %[2]q},
		"recurrence":          {"type": ["string", "null"]},
		"recurrenceDays":      {"type": ["array", "null"], "items": {"type": "integer"}},
		"recurrenceMonthDays": {"type": ["array", "null"], "items": {"type": "integer"}},
		"timesOfDay":          {"type": ["array", "null"], "items": {"type": "string", "pattern": %[2]q}},
		"recurrenceEndDate":   {"type": ["string", "null"], "pattern": %[1]q},
		"completed":           {"type": "boolean"}
	}
}`, dateKeyPattern, timeOfDayPattern)

const userSchemaJSON = `{
	"type": "object",
	"required": ["timezone"],
	"properties": {
		"timezone":    {"type": "string", "minLength": 1},
		"displayName": {"type": "string"}
	}
}`

var (
	taskSchema = mustCompile("task.json", taskSchemaJSON)
	userSchema = mustCompile("user.json", userSchemaJSON)
)

func mustCompile(name, schemaJSON string) *jsonschema.Schema {
	// Use jsonschema.UnmarshalJSON for correct number handling (json.Number).
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		panic(fmt.Sprintf("gateway: unmarshal %s: %v", name, err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		panic(fmt.Sprintf("gateway: add %s: %v", name, err))
	}
	schema, err := c.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("gateway: compile %s: %v", name, err))
	}
	return schema
}

// decodeBody validates the request body against schema and decodes it into
// dst. Failures are reported as validation errors.
func decodeBody(r *http.Request, schema *jsonschema.Schema, dst any) error {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return &lifecycle.ValidationError{Message: fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit)}
		}
		return &lifecycle.ValidationError{Message: "read body: " + err.Error()}
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = []byte("{}")
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return &lifecycle.ValidationError{Message: "invalid JSON: " + err.Error()}
	}
	if err := schema.Validate(doc); err != nil {
		return &lifecycle.ValidationError{Field: schemaField(err), Message: "schema validation failed"}
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return &lifecycle.ValidationError{Message: "decode body: " + err.Error()}
	}
	return nil
}

// schemaField returns the first property named by a validation failure.
func schemaField(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return ""
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	if len(ve.InstanceLocation) > 0 {
		return ve.InstanceLocation[0]
	}
	return ""
}

func decodePatch(r *http.Request) (lifecycle.TaskPatch, error) {
	var patch lifecycle.TaskPatch
	err := decodeBody(r, taskSchema, &patch)
	return patch, err
}
