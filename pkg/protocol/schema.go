package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

const schemaBaseURL = "https://agentcourt.dev/schemas/"

// Schema names accepted by Validate.
const (
	SchemaClause  = "arbitration_clause.schema.json"
	SchemaReceipt = "event_receipt.schema.json"
	SchemaVerdict = "verdict_package.schema.json"
)

var (
	schemaOnce sync.Once
	schemas    map[string]*jsonschema.Schema
	schemaErr  error
)

func compiledSchema(name string) (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		compiled := make(map[string]*jsonschema.Schema)
		for _, n := range []string{SchemaClause, SchemaReceipt, SchemaVerdict} {
			raw, err := schemaFS.ReadFile("schemas/" + n)
			if err != nil {
				schemaErr = fmt.Errorf("schema read %s: %w", n, err)
				return
			}
			url := schemaBaseURL + n
			if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
				schemaErr = fmt.Errorf("schema load %s: %w", n, err)
				return
			}
			s, err := c.Compile(url)
			if err != nil {
				schemaErr = fmt.Errorf("schema compile %s: %w", n, err)
				return
			}
			compiled[n] = s
		}
		schemas = compiled
	})
	if schemaErr != nil {
		return nil, schemaErr
	}
	s, ok := schemas[name]
	if !ok {
		return nil, fmt.Errorf("unknown schema %q", name)
	}
	return s, nil
}

// Validate checks payload against the named schema and returns a sorted
// list of machine-readable "path: message" violations. An empty list
// means the document is valid. Unknown fields are violations.
func Validate(name string, payload any) ([]string, error) {
	s, err := compiledSchema(name)
	if err != nil {
		return nil, err
	}

	// Round-trip through JSON so typed structs and raw maps validate
	// identically.
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("schema validate: marshal: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("schema validate: decode: %w", err)
	}

	verr := s.Validate(doc)
	if verr == nil {
		return nil, nil
	}
	ve, ok := verr.(*jsonschema.ValidationError)
	if !ok {
		return []string{verr.Error()}, nil
	}

	var messages []string
	for _, unit := range ve.BasicOutput().Errors {
		if unit.Error == "" || strings.HasPrefix(unit.Error, "doesn't validate with") {
			continue
		}
		loc := strings.TrimPrefix(unit.InstanceLocation, "/")
		loc = strings.ReplaceAll(loc, "/", ".")
		messages = append(messages, fmt.Sprintf("%s: %s", loc, unit.Error))
	}
	if len(messages) == 0 {
		messages = []string{ve.Error()}
	}
	sort.Strings(messages)
	return messages, nil
}
