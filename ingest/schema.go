package ingest

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/xeipuuv/gojsonschema"

	"github.com/c360/fieldgate/errors"
)

// SchemaSet validates telemetry payload fields against versioned JSON
// schemas. An empty set accepts everything.
type SchemaSet struct {
	schemas map[int]*gojsonschema.Schema
}

// NewSchemaSet compiles the given schema documents, keyed by schema version.
func NewSchemaSet(sources map[int]string) (*SchemaSet, error) {
	set := &SchemaSet{schemas: make(map[int]*gojsonschema.Schema, len(sources))}
	for version, src := range sources {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
		if err != nil {
			return nil, errors.WrapInvalid(err, "SchemaSet", "NewSchemaSet",
				fmt.Sprintf("schema compile for version %d", version))
		}
		set.schemas[version] = schema
	}
	return set, nil
}

// LoadSchemas reads a schema file holding a JSON object keyed by schema
// version, each value a JSON schema document.
func LoadSchemas(path string) (*SchemaSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "SchemaSet", "LoadSchemas", "schema file read")
	}

	var byVersion map[string]json.RawMessage
	if err := json.Unmarshal(data, &byVersion); err != nil {
		return nil, errors.WrapInvalid(err, "SchemaSet", "LoadSchemas", "schema file parse")
	}

	sources := make(map[int]string, len(byVersion))
	for key, raw := range byVersion {
		version, err := strconv.Atoi(key)
		if err != nil {
			return nil, errors.WrapInvalid(err, "SchemaSet", "LoadSchemas",
				fmt.Sprintf("schema version key %q", key))
		}
		sources[version] = string(raw)
	}
	return NewSchemaSet(sources)
}

// Empty reports whether the set holds no schemas.
func (s *SchemaSet) Empty() bool {
	return s == nil || len(s.schemas) == 0
}

// Validate checks fields against the schema declared for version. An
// undeclared version or a failing document is a schema violation.
func (s *SchemaSet) Validate(version int, fields map[string]interface{}) error {
	if s.Empty() {
		return nil
	}

	schema, ok := s.schemas[version]
	if !ok {
		return errors.WrapInvalid(errors.ErrSchemaViolation, "SchemaSet", "Validate",
			fmt.Sprintf("undeclared schema version %d", version))
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(fields))
	if err != nil {
		return errors.WrapInvalid(errors.ErrSchemaViolation, "SchemaSet", "Validate", "payload load")
	}
	if !result.Valid() {
		detail := ""
		if errs := result.Errors(); len(errs) > 0 {
			detail = errs[0].String()
		}
		return errors.WrapInvalid(errors.ErrSchemaViolation, "SchemaSet", "Validate", detail)
	}
	return nil
}
