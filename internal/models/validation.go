package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"
)

const metadataSchemaURL = "wesflow://schemas/metadata.json"

const metadataSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["workflow_name", "workflow_version"],
	"properties": {
		"workflow_name": {"type": "string", "minLength": 1},
		"workflow_version": {"type": "string", "minLength": 1}
	}
}`

// ValidationError reports input that cannot be accepted
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

var (
	schemaOnce     sync.Once
	metadataSchema *jsonschema.Schema
	schemaErr      error

	validate = validator.New(validator.WithRequiredStructEnabled())
)

func compiledMetadataSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(metadataSchemaJSON))
		if err != nil {
			schemaErr = fmt.Errorf("failed to parse metadata schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(metadataSchemaURL, doc); err != nil {
			schemaErr = fmt.Errorf("failed to add metadata schema: %w", err)
			return
		}
		metadataSchema, schemaErr = c.Compile(metadataSchemaURL)
	})
	return metadataSchema, schemaErr
}

// ValidateMetadata checks the metadata root against the metadata schema.
// Missing keys are reported as "Metadata root is missing required keys: a, b".
func ValidateMetadata(metadata map[string]any) error {
	sch, err := compiledMetadataSchema()
	if err != nil {
		return err
	}

	if metadata == nil {
		metadata = map[string]any{}
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return &ValidationError{Field: "metadata", Message: fmt.Sprintf("Metadata is not serializable: %v", err)}
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return &ValidationError{Field: "metadata", Message: fmt.Sprintf("Metadata is not valid JSON: %v", err)}
	}

	err = sch.Validate(inst)
	if err == nil {
		return nil
	}

	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return fmt.Errorf("failed to validate metadata: %w", err)
	}

	if missing := missingRootKeys(ve); len(missing) > 0 {
		return &ValidationError{
			Field:   "metadata",
			Message: "Metadata root is missing required keys: " + strings.Join(missing, ", "),
		}
	}
	return &ValidationError{Field: "metadata", Message: "Metadata is invalid: " + leafMessage(ve)}
}

func missingRootKeys(ve *jsonschema.ValidationError) []string {
	seen := make(map[string]bool)
	var walk func(*jsonschema.ValidationError)
	walk = func(v *jsonschema.ValidationError) {
		if req, ok := v.ErrorKind.(*kind.Required); ok && len(v.InstanceLocation) == 0 {
			for _, key := range req.Missing {
				seen[key] = true
			}
		}
		for _, cause := range v.Causes {
			walk(cause)
		}
	}
	walk(ve)

	missing := make([]string, 0, len(seen))
	for key := range seen {
		missing = append(missing, key)
	}
	sort.Strings(missing)
	return missing
}

func leafMessage(ve *jsonschema.ValidationError) string {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	return ve.Error()
}

// ValidateNew validates a creation request. Metadata is checked first so
// the metadata message wins when several problems are present.
func ValidateNew(req *NewExecutionRequest) error {
	if req == nil {
		return &ValidationError{Message: "execution request is required"}
	}

	if err := ValidateMetadata(req.Metadata); err != nil {
		return err
	}

	if err := validate.Struct(req); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return &ValidationError{
				Field:   fe.Namespace(),
				Message: fmt.Sprintf("%s failed on the '%s' rule", fe.Namespace(), fe.Tag()),
			}
		}
		return fmt.Errorf("failed to validate execution request: %w", err)
	}

	columns := req.SamplesheetColumns
	if len(columns) == 0 {
		columns = DefaultSamplesheetColumns
	}
	if columns[0].Name != "sample" {
		return &ValidationError{Field: "samplesheet_columns", Message: "first sample sheet column must be 'sample'"}
	}
	names := make(map[string]bool, len(columns))
	for _, col := range columns {
		if names[col.Name] {
			return &ValidationError{Field: "samplesheet_columns", Message: fmt.Sprintf("duplicate sample sheet column %q", col.Name)}
		}
		names[col.Name] = true
	}

	return validateStagingKeys(req.Samples, columns)
}

// validateStagingKeys rejects samples that would be staged onto the same
// blob: inputs land in input/Sample_{id}/{basename}.
func validateStagingKeys(samples []NewSample, columns []SamplesheetColumn) error {
	ids := make(map[string]bool, len(samples))
	for _, sample := range samples {
		if ids[sample.SampleID] {
			return &ValidationError{Field: "samples", Message: fmt.Sprintf("duplicate sample ID %q", sample.SampleID)}
		}
		ids[sample.SampleID] = true

		files := make(map[string]string)
		for _, col := range columns[1:] {
			value := sample.SamplesheetParams[col.Name]
			if !col.File || value == "" {
				continue
			}
			name := value[strings.LastIndex(value, "/")+1:]
			if other, dup := files[name]; dup {
				return &ValidationError{
					Field:   "samples",
					Message: fmt.Sprintf("sample %s: columns %s and %s share the file name %q", sample.SampleID, other, col.Name, name),
				}
			}
			files[name] = col.Name
		}
	}
	return nil
}
