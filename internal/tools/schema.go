package tools

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// SchemaFor generates a JSON Schema map for a Go argument struct via
// struct tags, used by built-in tools to build their InputSchema().
// Grounded on kadirpekel-hector/pkg/tool/functiontool/schema.go's
// generateSchema — same reflector settings (inline everything, required
// driven by the jsonschema struct tag).
func SchemaFor[T any]() map[string]interface{} {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	schema := reflector.Reflect(new(T))

	raw, err := json.Marshal(schema)
	if err != nil {
		return map[string]interface{}{}
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]interface{}{}
	}
	return out
}
