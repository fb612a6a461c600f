package extract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// resultSchema is the contract every stored extraction result must satisfy.
const resultSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["success", "extraction_time", "warnings", "errors"],
  "properties": {
    "success": {"type": "boolean"},
    "extraction_time": {"type": "number", "minimum": 0},
    "warnings": {"type": "array", "items": {"type": "string"}},
    "errors": {"type": "array", "items": {"type": "string"}},
    "file_metadata": {
      "type": "object",
      "required": ["filename", "file_size", "file_type", "file_extension"],
      "properties": {
        "filename": {"type": "string", "minLength": 1},
        "file_size": {"type": "integer", "minimum": 0},
        "file_type": {"type": "string"},
        "file_extension": {"type": "string"},
        "page_count": {"type": "integer", "minimum": 0}
      }
    },
    "extracted_text": {
      "type": "object",
      "required": ["content", "word_count", "character_count"],
      "properties": {
        "content": {"type": "string"},
        "word_count": {"type": "integer", "minimum": 0},
        "character_count": {"type": "integer", "minimum": 0}
      }
    },
    "structured_data": {
      "type": "object",
      "properties": {
        "tables": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["rows"],
            "properties": {
              "rows": {"type": "array", "items": {"type": "array", "items": {"type": "string"}}}
            }
          }
        },
        "headings": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["level", "text"],
            "properties": {
              "level": {"type": "integer", "minimum": 1, "maximum": 6},
              "text": {"type": "string"}
            }
          }
        },
        "links": {"type": "array", "items": {"type": "string"}},
        "sheets": {"type": "array", "items": {"type": "string"}}
      }
    }
  }
}`

var compileResultSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("result.json", bytes.NewReader([]byte(resultSchema))); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("result.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
})

// ValidateResult checks an encoded extraction result against the result schema.
func ValidateResult(data []byte) error {
	schema, err := compileResultSchema()
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("unmarshal data: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("json does not match schema: %w", err)
	}
	return nil
}
