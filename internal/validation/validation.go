// Package validation checks the shape of live import request bodies before
// they are decoded.
package validation

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/ts-factory/bublik-sub000/internal/livelog"
)

//go:embed init.schema.json
var initSchemaJSON []byte

var (
	initSchemaOnce sync.Once
	initSchema     *jsonschema.Schema
	initSchemaErr  error
)

func compiledInitSchema() (*jsonschema.Schema, error) {
	initSchemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("init.schema.json", bytes.NewReader(initSchemaJSON)); err != nil {
			initSchemaErr = err
			return
		}
		initSchema, initSchemaErr = c.Compile("init.schema.json")
	})
	return initSchema, initSchemaErr
}

// InitBody validates a raw init request body. Missing fields are left to
// the session, which reports them with its own messages.
func InitBody(raw []byte) error {
	schema, err := compiledInitSchema()
	if err != nil {
		return fmt.Errorf("compile init schema: %w", err)
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return livelog.InvalidInput("malformed JSON", nil)
	}
	if err := schema.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if !errors.As(err, &ve) {
			return err
		}
		return livelog.InvalidInput("invalid init request", map[string]any{"errors": violations(ve)})
	}
	return nil
}

// violations flattens the leaf errors as "<instance location>: <message>".
func violations(ve *jsonschema.ValidationError) []string {
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		return []string{loc + ": " + ve.Message}
	}
	var out []string
	for _, c := range ve.Causes {
		out = append(out, violations(c)...)
	}
	return out
}
