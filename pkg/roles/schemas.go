package roles

import "encoding/json"

// Structured-output schemas for planner, reviewer, and curator. All three
// are strict: additionalProperties false, every property required, optional
// fields expressed as nullable types.

var plannerSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"goal": {"type": "string"},
		"secrets": {
			"type": ["array", "null"],
			"items": {
				"type": "object",
				"properties": {
					"key": {"type": "string"},
					"value": {"type": "string"}
				},
				"required": ["key", "value"],
				"additionalProperties": false
			}
		},
		"tasks": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"type": {"type": "string", "enum": ["exec", "skill", "msg", "search", "replan"]},
					"detail": {"type": "string"},
					"skill": {"type": ["string", "null"]},
					"args": {"type": ["string", "null"]},
					"expect": {"type": ["string", "null"]}
				},
				"required": ["type", "detail", "skill", "args", "expect"],
				"additionalProperties": false
			}
		},
		"extend_replan": {"type": ["integer", "null"]}
	},
	"required": ["goal", "secrets", "tasks", "extend_replan"],
	"additionalProperties": false
}`)

var reviewerSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"status": {"type": "string", "enum": ["ok", "replan"]},
		"reason": {"type": ["string", "null"]},
		"learn": {"type": ["string", "null"]}
	},
	"required": ["status", "reason", "learn"],
	"additionalProperties": false
}`)

var curatorSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"evaluations": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"learning_id": {"type": "integer"},
					"verdict": {"type": "string", "enum": ["promote", "ask", "discard"]},
					"fact": {"type": ["string", "null"]},
					"question": {"type": ["string", "null"]},
					"reason": {"type": ["string", "null"]}
				},
				"required": ["learning_id", "verdict", "fact", "question", "reason"],
				"additionalProperties": false
			}
		}
	},
	"required": ["evaluations"],
	"additionalProperties": false
}`)

var factListSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"facts": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"content": {"type": "string"},
					"category": {"type": "string", "enum": ["project", "user", "tool", "general"]},
					"confidence": {"type": "number"}
				},
				"required": ["content", "category", "confidence"],
				"additionalProperties": false
			}
		}
	},
	"required": ["facts"],
	"additionalProperties": false
}`)
