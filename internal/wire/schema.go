package wire

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// schemaSource holds the literal JSON Schema document text for one message
// kind, compiled once and reused for every envelope of that kind.
var schemaSource = map[Kind]string{
	KindAuthRequest: `{
		"type": "object",
		"required": ["workerId", "apiKey"],
		"properties": {
			"workerId": {"type": "string", "minLength": 1},
			"apiKey": {"type": "string", "minLength": 1}
		}
	}`,
	KindAuthResponse: `{
		"type": "object",
		"required": ["success"],
		"properties": {
			"success": {"type": "boolean"},
			"reason": {"type": "string"}
		}
	}`,
	KindHeartbeatPing: `{
		"type": "object",
		"required": ["serverTime"],
		"properties": {"serverTime": {"type": "integer"}}
	}`,
	KindHeartbeatPong: `{"type": "object"}`,
	KindTaskSubmit: `{
		"type": "object",
		"required": ["taskId", "projectId", "command", "prompt", "model"],
		"properties": {
			"taskId": {"type": "string", "minLength": 1},
			"projectId": {"type": "string", "minLength": 1},
			"command": {"type": "string", "minLength": 1},
			"prompt": {"type": "string"},
			"systemPrompt": {"type": "string"},
			"model": {"type": "string", "minLength": 1},
			"maxBudget": {"type": "number"},
			"allowedTools": {"type": "array", "items": {"type": "string"}},
			"sessionId": {"type": "string"},
			"localPath": {"type": "string"}
		}
	}`,
	KindTaskAck: `{
		"type": "object",
		"required": ["taskId"],
		"properties": {"taskId": {"type": "string", "minLength": 1}, "sessionId": {"type": "string"}}
	}`,
	KindTaskProgress: `{
		"type": "object",
		"required": ["taskId", "step"],
		"properties": {
			"taskId": {"type": "string", "minLength": 1},
			"step": {"type": "string"},
			"percent": {"type": "integer"}
		}
	}`,
	KindTaskStream: `{
		"type": "object",
		"required": ["taskId", "delta"],
		"properties": {"taskId": {"type": "string", "minLength": 1}, "delta": {"type": "string"}}
	}`,
	KindTaskComplete: `{
		"type": "object",
		"required": ["taskId", "result"],
		"properties": {
			"taskId": {"type": "string", "minLength": 1},
			"sessionId": {"type": "string"},
			"result": {"type": "string"},
			"inputTokens": {"type": "integer"},
			"outputTokens": {"type": "integer"},
			"estimatedCost": {"type": "number"},
			"filesChanged": {"type": "array", "items": {"type": "string"}},
			"commandsRun": {"type": "array", "items": {"type": "string"}},
			"durationMs": {"type": "integer"},
			"maxTurnsHit": {"type": "boolean"}
		}
	}`,
	KindTaskError: `{
		"type": "object",
		"required": ["taskId", "reason"],
		"properties": {
			"taskId": {"type": "string", "minLength": 1},
			"reason": {"type": "string", "minLength": 1},
			"fatal": {"type": "boolean"}
		}
	}`,
	KindTaskCancel: `{
		"type": "object",
		"required": ["taskId"],
		"properties": {"taskId": {"type": "string", "minLength": 1}, "reason": {"type": "string"}}
	}`,
	KindTaskCancelled: `{
		"type": "object",
		"required": ["taskId"],
		"properties": {"taskId": {"type": "string", "minLength": 1}}
	}`,
	KindAgentStatus: `{
		"type": "object",
		"required": ["workerId"],
		"properties": {
			"workerId": {"type": "string", "minLength": 1},
			"memoryPct": {"type": "number"},
			"cpuPct": {"type": "number"},
			"activeTasks": {"type": "integer"}
		}
	}`,
	KindSystemRestart: `{
		"type": "object",
		"properties": {"graceSeconds": {"type": "integer"}}
	}`,
}

var (
	compileOnce sync.Once
	compiled    map[Kind]*jsonschema.Schema
	compileErr  error
)

func compileAll() {
	compiled = make(map[Kind]*jsonschema.Schema, len(schemaSource))
	c := jsonschema.NewCompiler()
	for kind, src := range schemaSource {
		res := string(kind) + ".json"
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			compileErr = fmt.Errorf("unmarshal schema for %s: %w", kind, err)
			return
		}
		if err := c.AddResource(res, doc); err != nil {
			compileErr = fmt.Errorf("add schema resource for %s: %w", kind, err)
			return
		}
	}
	for kind := range schemaSource {
		res := string(kind) + ".json"
		schema, err := c.Compile(res)
		if err != nil {
			compileErr = fmt.Errorf("compile schema for %s: %w", kind, err)
			return
		}
		compiled[kind] = schema
	}
}

// Validate parses env.Payload and validates it against the compiled schema
// for env.Type. Unknown kinds are reported via the returned bool (ok=false)
// but produce no error — callers should log and continue, not close the
// connection.
func Validate(env Envelope) (ok bool, err error) {
	compileOnce.Do(compileAll)
	if compileErr != nil {
		return false, fmt.Errorf("schema compilation: %w", compileErr)
	}
	schema, known := compiled[env.Type]
	if !known {
		return false, nil
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(env.Payload)))
	if err != nil {
		return true, &MalformedMessage{Kind: env.Type, Reason: fmt.Sprintf("invalid payload JSON: %s", err)}
	}
	if err := schema.Validate(doc); err != nil {
		return true, &MalformedMessage{Kind: env.Type, Reason: fmt.Sprintf("schema validation failed: %s", err)}
	}
	return true, nil
}
