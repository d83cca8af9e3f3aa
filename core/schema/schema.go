/*Package schema validates object instances against JSON schemas.

Object types may reference a schema by id; the dispatcher then validates
create and update bodies before they reach storage.
*/
package schema

import (
	"errors"
	"fmt"
	"sync"

	"github.com/goccy/go-json"

	"github.com/xeipuuv/gojsonschema"
)

// Validator validates JSON objects against a set of schemas keyed by their
// "$id". Schemas can be added and removed at runtime.
type Validator struct {
	mutex            sync.RWMutex
	refs             []string
	schemaValidators map[string]*gojsonschema.Schema
}

// NewValidator compiles the top level schemas and refs. Top level schemas
// cannot reference each other; anything referenced must be in refs.
func NewValidator(schemas []string, refs []string) (*Validator, error) {
	validator := Validator{
		refs:             refs,
		schemaValidators: make(map[string]*gojsonschema.Schema),
	}
	for _, str := range schemas {
		if _, err := validator.Add(str); err != nil {
			return nil, err
		}
	}
	return &validator, nil
}

// Add compiles the schema and adds it under its "$id", replacing any schema
// previously stored under that id. It returns the id.
func (v *Validator) Add(schemaJSON string) (string, error) {
	type schema struct {
		ID string `json:"$id"`
	}
	s := schema{}
	err := json.Unmarshal([]byte(schemaJSON), &s)
	if err != nil {
		return "", fmt.Errorf("parse error '%v' in schema: '%s'", err, schemaJSON)
	}
	if s.ID == "" {
		return "", fmt.Errorf("schema does not contain $id: '%s'", schemaJSON)
	}
	sl := gojsonschema.NewSchemaLoader()
	for _, ref := range v.refs {
		loader := gojsonschema.NewStringLoader(ref)
		if err := sl.AddSchemas(loader); err != nil {
			return "", fmt.Errorf("cannot add ref %s %s", ref, err)
		}
	}
	compiled, err := sl.Compile(gojsonschema.NewStringLoader(schemaJSON))
	if err != nil {
		return "", fmt.Errorf("cannot compile schema %s %s", s.ID, err)
	}
	v.mutex.Lock()
	v.schemaValidators[s.ID] = compiled
	v.mutex.Unlock()
	return s.ID, nil
}

// Remove removes the schema with schemaID. Removing an unknown schema
// does nothing.
func (v *Validator) Remove(schemaID string) {
	v.mutex.Lock()
	delete(v.schemaValidators, schemaID)
	v.mutex.Unlock()
}

// HasSchema returns true if schemaID is known
func (v *Validator) HasSchema(schemaID string) bool {
	v.mutex.RLock()
	_, ok := v.schemaValidators[schemaID]
	v.mutex.RUnlock()
	return ok
}

// ValidateStruct validates the given value against schemaID. A nil error
// means the value is valid.
func (v *Validator) ValidateStruct(value interface{}, schemaID string) error {
	return v.validate(gojsonschema.NewGoLoader(value), schemaID)
}

// ValidateString validates the given json text against schemaID. A nil
// error means the document is valid.
func (v *Validator) ValidateString(jsonText, schemaID string) error {
	return v.validate(gojsonschema.NewStringLoader(jsonText), schemaID)
}

func (v *Validator) validate(loader gojsonschema.JSONLoader, schemaID string) error {
	v.mutex.RLock()
	compiled, ok := v.schemaValidators[schemaID]
	v.mutex.RUnlock()
	if !ok {
		return fmt.Errorf("there is no schema %s", schemaID)
	}

	result, err := compiled.Validate(loader)
	if err != nil {
		return fmt.Errorf("cannot validate with schema %s %s", schemaID, err)
	}

	if !result.Valid() {
		msg := "the document is not valid:\n"
		for _, e := range result.Errors() {
			msg += fmt.Sprintf("- %s\n", e)
		}
		return errors.New(msg)
	}
	return nil
}
