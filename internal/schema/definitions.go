package schema

// ExecutionPlanDoc is the JSON Schema the planner's structured output must
// conform to.
var ExecutionPlanDoc = map[string]any{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type":    "object",
	"required": []string{"endpointsToCall", "executionStrategy", "reasoning", "confidence"},
	"additionalProperties": false,
	"properties": map[string]any{
		"endpointsToCall": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type":                 "object",
				"required":             []string{"endpointId", "priority", "critical"},
				"additionalProperties": false,
				"properties": map[string]any{
					"endpointId": map[string]any{"type": "string", "minLength": 1},
					"parameters": map[string]any{"type": "object"},
					"headers": map[string]any{
						"type":                 "object",
						"additionalProperties": map[string]any{"type": "string"},
					},
					"priority":  map[string]any{"type": "integer"},
					"dependsOn": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"critical":  map[string]any{"type": "boolean"},
				},
			},
		},
		"executionStrategy": map[string]any{"enum": []string{"sequential", "parallel", "mixed"}},
		"concurrencyLimit":  map[string]any{"type": "integer", "minimum": 1},
		"preliminaryNextRunAt": map[string]any{"type": "string", "format": "date-time"},
		"reasoning":  map[string]any{"type": "string"},
		"confidence": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
		"usage":      tokenUsageProperty,
	},
}

// ScheduleDecisionDoc is the JSON Schema the scheduler's structured output
// must conform to.
var ScheduleDecisionDoc = map[string]any{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type":    "object",
	"required": []string{"nextRunAt", "reasoning", "confidence"},
	"additionalProperties": false,
	"properties": map[string]any{
		"nextRunAt":  map[string]any{"type": "string", "format": "date-time"},
		"reasoning":  map[string]any{"type": "string"},
		"confidence": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
		"recommendedActions": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type":                 "object",
				"required":             []string{"type", "details", "priority"},
				"additionalProperties": false,
				"properties": map[string]any{
					"type": map[string]any{"enum": []string{
						"retry_failed_endpoints", "pause_job", "modify_frequency",
						"notify_user", "adjust_timeout",
					}},
					"details":  map[string]any{"type": "string"},
					"priority": map[string]any{"enum": []string{"low", "medium", "high"}},
				},
			},
		},
		"usage": tokenUsageProperty,
	},
}

var tokenUsageProperty = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"inputTokens":       map[string]any{"type": "integer", "minimum": 0},
		"outputTokens":      map[string]any{"type": "integer", "minimum": 0},
		"totalTokens":       map[string]any{"type": "integer", "minimum": 0},
		"reasoningTokens":   map[string]any{"type": "integer", "minimum": 0},
		"cachedInputTokens": map[string]any{"type": "integer", "minimum": 0},
	},
}
