package gateway

// Schema is the subset of JSON Schema used to describe tool arguments.
type Schema struct {
	Type        string             `json:"type"`
	Description string             `json:"description,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty"`
	Required    []string           `json:"required,omitempty"`
	Enum        []any              `json:"enum,omitempty"`
	Minimum     *float64           `json:"minimum,omitempty"`
}

func objectSchema(properties map[string]*Schema, required ...string) *Schema {
	if properties == nil {
		properties = map[string]*Schema{}
	}
	return &Schema{
		Type:       "object",
		Properties: properties,
		Required:   required,
	}
}

func stringProperty(description string, enum ...string) *Schema {
	schema := &Schema{Type: "string", Description: description}
	for _, value := range enum {
		schema.Enum = append(schema.Enum, value)
	}
	return schema
}

func integerProperty(description string, minimum float64) *Schema {
	return &Schema{
		Type:        "integer",
		Description: description,
		Minimum:     &minimum,
	}
}

func booleanProperty(description string) *Schema {
	return &Schema{Type: "boolean", Description: description}
}
