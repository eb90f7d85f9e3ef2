package tool

import (
	"fmt"

	"github.com/invopop/jsonschema"
)

// DefinitionFor derives a tool definition from the fields of the argument
// struct T, so parameter schemas stay in sync with the handler's input type.
// jsonschema struct tags (description, enum, required via omitempty rules)
// are honored.
func DefinitionFor[T any](name, description string) (Tool, error) {
	reflector := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}

	var zero T
	schema := reflector.Reflect(&zero)
	if schema.Type != "object" {
		return Tool{}, fmt.Errorf("tool %q: argument type must be a struct, got %q schema", name, schema.Type)
	}

	props := Properties{}
	if schema.Properties != nil {
		for pair := schema.Properties.Oldest(); pair != nil; pair = pair.Next() {
			prop := Property{
				Type:        pair.Value.Type,
				Description: pair.Value.Description,
			}
			if len(pair.Value.Enum) > 0 {
				prop.Enum = pair.Value.Enum
			}
			props[pair.Key] = prop
		}
	}

	required := schema.Required
	if required == nil {
		required = []string{}
	}

	return Tool{
		Type:        "function",
		Name:        name,
		Description: description,
		Parameters: Parameters{
			Type:       "object",
			Properties: props,
			Required:   required,
		},
	}, nil
}
