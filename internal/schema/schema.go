// Package schema validates inbound API payloads before they reach the store.
// Schemas are compiled once at startup; a compile failure is a programming
// error and panics.
package schema

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

var (
	PositionWrite  = mustCompile("position-write.json", positionWriteSchema)
	ParkingLotSave = mustCompile("parking-lot-save.json", parkingLotSaveSchema)
	Cleanup        = mustCompile("cleanup.json", cleanupSchema)
	ProjectCreate  = mustCompile("project-create.json", projectCreateSchema)
	ProjectPatch   = mustCompile("project-patch.json", projectPatchSchema)
	Migrate        = mustCompile("migrate.json", migrateSchema)
)

// Validate decodes raw JSON and checks it against the compiled schema. The
// returned error is suitable for a 400 response body.
func Validate(schema *jsonschema.Schema, raw []byte) error {
	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return schema.Validate(value)
}

func mustCompile(name, text string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(text))
	if err != nil {
		panic(fmt.Sprintf("schema %s is not valid JSON: %v", name, err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, doc); err != nil {
		panic(fmt.Sprintf("schema %s could not be registered: %v", name, err))
	}
	compiled, err := compiler.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("schema %s failed to compile: %v", name, err))
	}
	return compiled
}

const positionWriteSchema = `{
	"type": "object",
	"required": ["issueId", "projectId", "xPosition", "lastUpdated"],
	"properties": {
		"issueId": {"type": "string", "minLength": 1},
		"projectId": {"type": "string", "minLength": 1},
		"xPosition": {"type": "number", "minimum": 0, "maximum": 100},
		"notes": {"type": "string"},
		"lastUpdated": {"type": "string", "minLength": 1}
	}
}`

const parkingLotSaveSchema = `{
	"type": "object",
	"required": ["projectId", "side", "issueIds"],
	"properties": {
		"projectId": {"type": "string", "minLength": 1},
		"side": {"type": "string", "enum": ["left", "right"]},
		"issueIds": {
			"type": "array",
			"items": {"type": "string", "minLength": 1}
		}
	}
}`

const cleanupSchema = `{
	"type": "object",
	"required": ["projectId", "activeIssueIds"],
	"properties": {
		"projectId": {"type": "string", "minLength": 1},
		"activeIssueIds": {
			"type": "array",
			"minItems": 1,
			"items": {"type": "string", "minLength": 1}
		}
	}
}`

const projectCreateSchema = `{
	"type": "object",
	"required": ["id", "name", "linearTeamId", "labelFilter"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"name": {"type": "string", "minLength": 1},
		"description": {"type": "string"},
		"linearTeamId": {"type": "string", "minLength": 1},
		"linearTeamName": {"type": "string"},
		"linearProjectId": {"type": "string"},
		"linearProjectName": {"type": "string"},
		"labelFilter": {"type": "string", "minLength": 1},
		"color": {"type": "string"}
	}
}`

const projectPatchSchema = `{
	"type": "object",
	"minProperties": 1,
	"properties": {
		"name": {"type": "string", "minLength": 1},
		"description": {"type": "string"},
		"linearTeamId": {"type": "string", "minLength": 1},
		"linearTeamName": {"type": "string"},
		"linearProjectId": {"type": "string"},
		"linearProjectName": {"type": "string"},
		"labelFilter": {"type": "string", "minLength": 1},
		"color": {"type": "string"},
		"cachedBacklogCount": {"type": "integer", "minimum": 0},
		"cachedCompletedCount": {"type": "integer", "minimum": 0}
	}
}`

const migrateSchema = `{
	"type": "object",
	"properties": {
		"projects": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["id", "name"],
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"name": {"type": "string", "minLength": 1}
				}
			}
		},
		"issuePositions": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["issueId", "projectId", "xPosition"],
				"properties": {
					"issueId": {"type": "string", "minLength": 1},
					"projectId": {"type": "string", "minLength": 1},
					"xPosition": {"type": "number", "minimum": 0, "maximum": 100}
				}
			}
		},
		"parkingLotOrders": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["projectId", "side"],
				"properties": {
					"projectId": {"type": "string", "minLength": 1},
					"side": {"type": "string", "enum": ["left", "right"]},
					"issueIds": {"type": "array", "items": {"type": "string"}}
				}
			}
		}
	}
}`
