package envelope

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// messageSchema constrains inbound frames before they reach the engine.
// A frame with a method is a request or notification; replies are never
// accepted from the outside.
const messageSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"properties": {
		"token":     {"type": "string"},
		"to":        {"type": "string", "minLength": 1},
		"from":      {"type": "string"},
		"sessionId": {"type": "string"},
		"method":    {"type": "string", "minLength": 1},
		"params":    {},
		"id":        {"type": "string"}
	},
	"required": ["to", "method"],
	"additionalProperties": false
}`

var (
	schemaOnce sync.Once
	schemaInst *gojsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schemaInst, schemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(messageSchema))
	})
	return schemaInst, schemaErr
}

// Decode parses and validates a raw inbound frame. On failure it returns a
// SystemError with CodeParseError (not JSON) or CodeInvalidRequest (JSON
// that violates the message schema).
func Decode(raw []byte) (*Message, *SystemError) {
	if !json.Valid(raw) {
		return nil, &SystemError{Code: CodeParseError, Message: "frame is not valid JSON"}
	}

	schema, err := compiledSchema()
	if err != nil {
		return nil, &SystemError{Code: CodeInternalError, Message: "message schema unavailable: " + err.Error()}
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, &SystemError{Code: CodeInvalidRequest, Message: err.Error()}
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}
		return nil, &SystemError{
			Code:    CodeInvalidRequest,
			Message: strings.Join(details, "; "),
		}
	}

	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, &SystemError{Code: CodeInvalidRequest, Message: err.Error()}
	}

	return &msg, nil
}
