package wire

import (
	"bytes"
	"errors"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

var ErrUnknownMessage = errors.New("unknown message type")

const syncSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["entity", "action"],
	"properties": {
		"entity": {
			"enum": ["task", "project", "label", "category", "notification", "projectMember", "filterPreset"]
		},
		"action": {"enum": ["created", "updated", "deleted", "reordered"]},
		"entityId": {"type": "string"},
		"projectId": {"type": ["string", "null"]},
		"data": {"type": ["object", "null"]}
	},
	"if": {"properties": {"action": {"enum": ["created", "updated", "deleted"]}}},
	"then": {"required": ["entityId"], "properties": {"entityId": {"minLength": 1}}}
}`

const notificationSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["type", "notificationId", "userId", "title", "message", "timestamp"],
	"properties": {
		"type": {"type": "string"},
		"notificationId": {"type": "string", "minLength": 1},
		"userId": {"type": "string"},
		"taskId": {"type": ["string", "null"]},
		"title": {"type": "string"},
		"message": {"type": "string"},
		"metadata": {"type": ["object", "null"]},
		"timestamp": {"type": "string"}
	}
}`

type lazySchema struct {
	name   string
	source string
	once   sync.Once
	schema *jsonschema.Schema
	err    error
}

var (
	syncSchema         = &lazySchema{name: "sync-event.json", source: syncSchemaJSON}
	notificationSchema = &lazySchema{name: "notification-event.json", source: notificationSchemaJSON}
)

func (s *lazySchema) compile() (*jsonschema.Schema, error) {
	s.once.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(s.source))
		if err != nil {
			s.err = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(s.name, doc); err != nil {
			s.err = err
			return
		}
		s.schema, s.err = compiler.Compile(s.name)
	})
	return s.schema, s.err
}

func validatePayload(s *lazySchema, payload []byte) error {
	schema, err := s.compile()
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		return errors.New("missing payload")
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return err
	}
	return schema.Validate(instance)
}
