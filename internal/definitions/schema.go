package definitions

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed definition.schema.json
var schemaDoc []byte

const schemaURL = "definition.schema.json"

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

func schema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(schemaURL, bytes.NewReader(schemaDoc)); err != nil {
			compileErr = err
			return
		}
		compiled, compileErr = c.Compile(schemaURL)
	})
	return compiled, compileErr
}

// ValidateDocument checks a YAML or JSON definition document against the
// embedded schema before it is decoded into a workflow.Definition.
func ValidateDocument(data []byte) error {
	sch, err := schema()
	if err != nil {
		return fmt.Errorf("compile definition schema: %w", err)
	}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse definition: %w", err)
	}
	// Round trip through JSON so numbers and maps take the shapes the
	// validator expects.
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("parse definition: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("parse definition: %w", err)
	}
	if err := sch.Validate(v); err != nil {
		return fmt.Errorf("definition does not match schema: %w", err)
	}
	return nil
}
