package decompose

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/felixgeelhaar/agentlens/internal/domain"
)

// Reassemble rebuilds a request payload from its stored components and
// generation config. The result is semantically equal to the original
// payload for the fields the extractors understand; key order and
// whitespace are not preserved.
func Reassemble(components []domain.PromptComponent, config json.RawMessage) ([]byte, error) {
	if len(components) == 1 && components[0].Type == domain.ComponentUnstructured {
		if len(components[0].ContentJSON) > 0 {
			return components[0].ContentJSON, nil
		}
		return []byte(components[0].Content), nil
	}

	var root any = map[string]any{}
	for _, c := range components {
		if c.Path == "" || len(c.ContentJSON) == 0 {
			continue
		}
		if field, start, _, ok := ParseRange(c.Path); ok {
			var elems []json.RawMessage
			if err := json.Unmarshal(c.ContentJSON, &elems); err != nil {
				return nil, fmt.Errorf("reassemble %s: %w", c.Path, err)
			}
			for i, el := range elems {
				root = setPath(root, append(strings.Split(field, "."), strconv.Itoa(start+i)), el)
			}
			continue
		}
		root = setPath(root, strings.Split(c.Path, "."), c.ContentJSON)
	}

	if len(config) > 0 {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(config, &fields); err != nil {
			return nil, fmt.Errorf("reassemble config: %w", err)
		}
		obj := root.(map[string]any)
		for k, v := range fields {
			if _, exists := obj[k]; !exists {
				obj[k] = v
			}
		}
	}
	return json.Marshal(root)
}

// setPath stores v at segs below cur, creating objects for names and
// arrays for numeric segments.
func setPath(cur any, segs []string, v any) any {
	if len(segs) == 0 {
		return v
	}
	seg := segs[0]
	if idx, err := strconv.Atoi(seg); err == nil && idx >= 0 {
		arr, _ := cur.([]any)
		for len(arr) <= idx {
			arr = append(arr, nil)
		}
		arr[idx] = setPath(arr[idx], segs[1:], v)
		return arr
	}
	obj, ok := cur.(map[string]any)
	if !ok {
		obj = map[string]any{}
	}
	obj[seg] = setPath(obj[seg], segs[1:], v)
	return obj
}
