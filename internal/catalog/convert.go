package catalog

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

func newJSONReader(s string) io.Reader {
	return strings.NewReader(s)
}

// yamlToJSON converts arbitrary YAML bytes to JSON bytes so the jsonschema
// validator (which only understands the decoded-JSON value model) can
// check a document whichever format it was authored in.
func yamlToJSON(doc []byte) ([]byte, error) {
	var v any
	if err := yaml.Unmarshal(doc, &v); err != nil {
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}
	converted := convertMapKeys(v)
	return json.Marshal(converted)
}

// convertMapKeys recursively rewrites map[string]interface{} (yaml.v3's
// native map type) into map[string]any so encoding/json can marshal it;
// yaml.v3 already decodes string-keyed maps this way by default, but
// nested values may still carry map[interface{}]interface{} from older
// merge-key expansion paths, so we normalize defensively.
func convertMapKeys(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, sub := range val {
			out[k] = convertMapKeys(sub)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, sub := range val {
			out[fmt.Sprintf("%v", k)] = convertMapKeys(sub)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, sub := range val {
			out[i] = convertMapKeys(sub)
		}
		return out
	default:
		return v
	}
}
