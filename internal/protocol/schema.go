package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const (
	SchemaWorldSnapshot = "world_snapshot.schema.json"
	SchemaAgentState    = "agent_state.schema.json"
	SchemaEpisode       = "episode.schema.json"
)

const schemaBaseURL = "https://worldlab.ai/schemas/"

var (
	schemasOnce sync.Once
	schemas     map[string]*jsonschema.Schema
	schemasErr  error
)

func loadSchemas() {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft7
	names := []string{SchemaWorldSnapshot, SchemaAgentState, SchemaEpisode}
	for _, name := range names {
		b, err := schemaFS.ReadFile("schemas/" + name)
		if err != nil {
			schemasErr = err
			return
		}
		if err := c.AddResource(schemaBaseURL+name, bytes.NewReader(b)); err != nil {
			schemasErr = fmt.Errorf("%s: %w", name, err)
			return
		}
	}
	out := make(map[string]*jsonschema.Schema, len(names))
	for _, name := range names {
		s, err := c.Compile(schemaBaseURL + name)
		if err != nil {
			schemasErr = fmt.Errorf("compile %s: %w", name, err)
			return
		}
		out[name] = s
	}
	schemas = out
}

// Schema returns one of the embedded schemas by file name.
func Schema(name string) (*jsonschema.Schema, error) {
	schemasOnce.Do(loadSchemas)
	if schemasErr != nil {
		return nil, schemasErr
	}
	s, ok := schemas[name]
	if !ok {
		return nil, fmt.Errorf("unknown schema %q", name)
	}
	return s, nil
}

// Validate checks a raw JSON document against the named schema.
func Validate(name string, raw []byte) error {
	s, err := Schema(name)
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if err := s.Validate(v); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// DecodeWorldSnapshot validates raw against the world snapshot schema and decodes it.
// An empty document is an empty world.
func DecodeWorldSnapshot(raw []byte) (WorldSnapshot, error) {
	var ws WorldSnapshot
	if len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		return ws, nil
	}
	if err := Validate(SchemaWorldSnapshot, raw); err != nil {
		return ws, err
	}
	if err := json.Unmarshal(raw, &ws); err != nil {
		return ws, fmt.Errorf("world snapshot: %w", err)
	}
	return ws, nil
}
