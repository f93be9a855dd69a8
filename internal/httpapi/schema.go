package httpapi

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Request bodies are validated against JSON Schemas before any handler
// logic runs, so handlers can assume well-formed input.

const notionWebhookSchema = `{
	"type": "object",
	"properties": {
		"id": {"type": "string"},
		"type": {"type": "string", "minLength": 1},
		"entity": {
			"type": "object",
			"properties": {
				"id": {"type": "string", "minLength": 1},
				"type": {"type": "string", "minLength": 1}
			},
			"required": ["id", "type"]
		}
	},
	"required": ["type", "entity"]
}`

const fieldMappingSchema = `{
	"type": "object",
	"properties": {
		"fieldMapping": {
			"type": "object",
			"minProperties": 1,
			"additionalProperties": {
				"type": "object",
				"properties": {
					"notionPropertyName": {"type": "string", "minLength": 1},
					"propertyType": {
						"type": "string",
						"enum": ["title", "rich_text", "date", "select", "number", ""]
					},
					"enabled": {"type": "boolean"}
				},
				"required": ["notionPropertyName"]
			}
		}
	},
	"required": ["fieldMapping"]
}`

const backfillSchema = `{
	"type": "object",
	"properties": {
		"fields": {
			"type": "array",
			"items": {
				"type": "string",
				"enum": ["attendees", "organizer", "conferenceLink", "recurrence", "color", "visibility", "reminders"]
			}
		}
	}
}`

type schemaSet struct {
	notionWebhook *jsonschema.Schema
	fieldMapping  *jsonschema.Schema
	backfill      *jsonschema.Schema
}

func newSchemaSet() *schemaSet {
	return &schemaSet{
		notionWebhook: mustCompileSchema("notion-webhook.json", notionWebhookSchema),
		fieldMapping:  mustCompileSchema("field-mapping.json", fieldMappingSchema),
		backfill:      mustCompileSchema("backfill.json", backfillSchema),
	}
}

func mustCompileSchema(name, raw string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("schema %s: %v", name, err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, doc); err != nil {
		panic(fmt.Sprintf("schema %s: %v", name, err))
	}
	return compiler.MustCompile(name)
}

// validateBody checks raw JSON bytes against a compiled schema and
// returns a human-readable reason on failure.
func validateBody(schema *jsonschema.Schema, body []byte) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(body)))
	if err != nil {
		return fmt.Errorf("invalid json body")
	}
	if err := schema.Validate(doc); err != nil {
		return err
	}
	return nil
}
