package scene

import "sort"

// Domain is the entity domain of scene entities.
const Domain = "scene"

// Scene is a named set of entity bundles applied together.
type Scene struct {
	ID       string                  `json:"id" yaml:"id"`
	Name     string                  `json:"name" yaml:"name"`
	Icon     string                  `json:"icon,omitempty" yaml:"icon"`
	Entities map[string]EntityBundle `json:"entities" yaml:"-"`
}

// EntityBundle is the overlay applied to one entity. An empty State keeps
// the entity's current state.
type EntityBundle struct {
	State      string         `json:"state,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// EntityID returns the id of the scene's own entity.
func (s *Scene) EntityID() string {
	return Domain + "." + s.ID
}

// EntityIDs returns the ids of the entities the scene touches, sorted.
func (s *Scene) EntityIDs() []string {
	ids := make([]string, 0, len(s.Entities))
	for id := range s.Entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// DeepCopy creates a complete independent copy of the Scene.
// Bundle attribute maps are cloned so modifications to the copy do not
// affect the cached original.
func (s *Scene) DeepCopy() *Scene {
	if s == nil {
		return nil
	}

	cpy := *s
	if s.Entities != nil {
		cpy.Entities = make(map[string]EntityBundle, len(s.Entities))
		for id, b := range s.Entities {
			cpy.Entities[id] = EntityBundle{
				State:      b.State,
				Attributes: deepCopyMap(b.Attributes),
			}
		}
	}
	return &cpy
}

// deepCopyMap creates a deep copy of a map[string]any.
// Nested maps and slices are recursively copied.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cpy := make(map[string]any, len(m))
	for k, v := range m {
		cpy[k] = deepCopyValue(v)
	}
	return cpy
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cpy := make([]any, len(val))
		for i, elem := range val {
			cpy[i] = deepCopyValue(elem)
		}
		return cpy
	default:
		return v // Primitives are immutable
	}
}
