package state

// FieldType names a JSON value kind for schema validation.
type FieldType string

const (
	TypeString FieldType = "string"
	TypeNumber FieldType = "number"
	TypeBool   FieldType = "bool"
	TypeObject FieldType = "object"
	TypeArray  FieldType = "array"
)

// Schema describes the shape a document's data must satisfy. Validation
// stops at the first offending field.
type Schema struct {
	RequiredFields []string
	FieldTypes     map[string]FieldType
	Validators     map[string]func(any) bool
}

// Validate checks data against the schema. A nil schema accepts everything.
func (s *Schema) Validate(data map[string]any) error {
	if s == nil {
		return nil
	}

	for _, field := range s.RequiredFields {
		if _, ok := data[field]; !ok {
			return &SchemaError{Field: field, Reason: "is required"}
		}
	}

	for field, want := range s.FieldTypes {
		value, ok := data[field]
		if !ok {
			continue
		}
		if !matchesType(value, want) {
			return &SchemaError{Field: field, Reason: "has wrong type, expected " + string(want)}
		}
	}

	for field, validator := range s.Validators {
		value, ok := data[field]
		if !ok {
			continue
		}
		if !validator(value) {
			return &SchemaError{Field: field, Reason: "failed validation"}
		}
	}

	return nil
}

// matchesType accepts both values built in-process and values decoded from
// JSON, where all numbers arrive as float64.
func matchesType(value any, want FieldType) bool {
	switch want {
	case TypeString:
		_, ok := value.(string)
		return ok
	case TypeNumber:
		switch value.(type) {
		case int, int32, int64, float32, float64:
			return true
		}
		return false
	case TypeBool:
		_, ok := value.(bool)
		return ok
	case TypeObject:
		_, ok := value.(map[string]any)
		return ok
	case TypeArray:
		_, ok := value.([]any)
		return ok
	default:
		return false
	}
}
