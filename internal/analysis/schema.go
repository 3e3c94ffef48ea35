package analysis

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ErrSchema is returned when the parsed object does not satisfy the result schema.
var ErrSchema = errors.New("analysis does not match the expected schema")

//go:embed schema.json
var schemaDocument string

// Validator checks parsed model output against the embedded JSON schema.
type Validator struct {
	schema *gojsonschema.Schema
}

func NewValidator() (*Validator, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaDocument))
	if err != nil {
		return nil, fmt.Errorf("load analysis schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

// Validate checks document, the extracted JSON text of a model response.
func (v *Validator) Validate(document string) error {
	res, err := v.schema.Validate(gojsonschema.NewStringLoader(document))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSchema, err)
	}

	if res.Valid() {
		return nil
	}

	problems := make([]string, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		problems = append(problems, e.String())
	}
	return fmt.Errorf("%w: %s", ErrSchema, strings.Join(problems, "; "))
}
