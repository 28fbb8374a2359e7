package queue

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/*.json
var schemaFS embed.FS

var compiledSchemas = sync.OnceValues(compileSchemas)

func compileSchemas() (map[Kind]*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	out := make(map[Kind]*jsonschema.Schema, len(Kinds))
	for _, kind := range Kinds {
		data, err := schemaFS.ReadFile("schemas/" + string(kind) + ".json")
		if err != nil {
			return nil, err
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("queue: parse %s schema: %w", kind, err)
		}
		url := "mem://cardsync/" + string(kind) + ".json"
		if err := c.AddResource(url, doc); err != nil {
			return nil, err
		}
		sch, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("queue: compile %s schema: %w", kind, err)
		}
		out[kind] = sch
	}
	return out, nil
}

// Schema returns the raw JSON schema for kind.
func Schema(kind Kind) ([]byte, error) {
	if !kind.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return schemaFS.ReadFile("schemas/" + string(kind) + ".json")
}

// ValidatePayload checks raw against the schema of kind.
func ValidatePayload(kind Kind, raw []byte) error {
	return validatePayload(kind, raw)
}

func validatePayload(kind Kind, raw []byte) error {
	if !kind.IsValid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	schemas, err := compiledSchemas()
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if err := schemas[kind].Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return nil
}

// Decode validates a stored action and returns its typed payload. The
// returned error wraps ErrUnknownKind or ErrMalformedPayload, both poison.
func Decode(a QueuedAction) (Payload, error) {
	if err := validatePayload(a.Kind, a.Payload); err != nil {
		return nil, fmt.Errorf("action %d: %w", a.ID, err)
	}
	var (
		p   Payload
		err error
	)
	switch a.Kind {
	case KindUpsertReviewState:
		var v UpsertReviewState
		err = json.Unmarshal(a.Payload, &v)
		p = v
	case KindCreateDeck:
		var v CreateDeck
		err = json.Unmarshal(a.Payload, &v)
		p = v
	default:
		return nil, fmt.Errorf("action %d: %w: %q", a.ID, ErrUnknownKind, a.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("action %d: %w: %v", a.ID, ErrMalformedPayload, err)
	}
	return p, nil
}
