package server

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const notificationSchema = `{
  "type": "object",
  "required": ["object_type", "aspect_type", "object_id"],
  "properties": {
    "object_type": {"type": "string", "minLength": 1},
    "aspect_type": {"type": "string", "minLength": 1},
    "object_id": {"type": "integer"},
    "owner_id": {"type": "integer"},
    "subscription_id": {"type": "integer"},
    "event_time": {"type": "integer"},
    "updates": {"type": "object"}
  }
}`

const sleepSchema = `{
  "type": "object",
  "required": ["startdate", "enddate"],
  "properties": {
    "startdate": {"type": "string"},
    "enddate": {"type": "string"},
    "description": {"type": "string"}
  }
}`

var (
	notificationValidator = mustCompile("https://stravacal.local/schemas/notification.json", notificationSchema)
	sleepValidator        = mustCompile("https://stravacal.local/schemas/sleep.json", sleepSchema)
)

func mustCompile(url, src string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
	if err != nil {
		panic(fmt.Sprintf("invalid schema %s: %v", url, err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		panic(fmt.Sprintf("invalid schema %s: %v", url, err))
	}
	return c.MustCompile(url)
}

// validateBody checks that body is well-formed JSON matching schema.
func validateBody(schema *jsonschema.Schema, body []byte) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return fmt.Errorf("request body is empty")
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("malformed JSON: %w", err)
	}
	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("invalid body: %w", err)
	}
	return nil
}
