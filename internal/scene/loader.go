package scene

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/nerrad567/gray-logic-hub/internal/core"
)

// rawScene is the YAML shape of one scene. Entity values are either a
// scalar state or a mapping of attributes with an optional "state" key.
type rawScene struct {
	ID       string         `yaml:"id"`
	Name     string         `yaml:"name"`
	Icon     string         `yaml:"icon"`
	Entities map[string]any `yaml:"entities"`
}

// ReadFile loads and validates scenes from a YAML file.
func ReadFile(path string) ([]*Scene, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from trusted configuration
	if err != nil {
		return nil, fmt.Errorf("reading scenes file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML list of scenes and validates each one.
func Parse(data []byte) ([]*Scene, error) {
	var raw []rawScene
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing scenes: %w", err)
	}

	scenes := make([]*Scene, 0, len(raw))
	for i, r := range raw {
		s, err := r.toScene()
		if err != nil {
			return nil, fmt.Errorf("scene %d: %w", i, err)
		}
		if err := ValidateScene(s); err != nil {
			return nil, fmt.Errorf("scene %q: %w", s.ID, err)
		}
		scenes = append(scenes, s)
	}
	return scenes, nil
}

func (r rawScene) toScene() (*Scene, error) {
	s := &Scene{ID: r.ID, Name: r.Name, Icon: r.Icon}
	if s.ID == "" {
		s.ID = core.Slugify(r.Name)
	}
	if s.Name == "" {
		s.Name = s.ID
	}

	bundles, err := ParseBundles(r.Entities)
	if err != nil {
		return nil, err
	}
	s.Entities = bundles
	return s, nil
}

// ParseBundles converts a decoded "entities" mapping into bundles. A
// scalar value is shorthand for {state: value}.
func ParseBundles(entities map[string]any) (map[string]EntityBundle, error) {
	bundles := make(map[string]EntityBundle, len(entities))
	for id, v := range entities {
		var b EntityBundle
		switch val := v.(type) {
		case nil:
		case map[string]any:
			attrs := make(map[string]any, len(val))
			for k, av := range val {
				if k == "state" {
					state, ok := scalarState(av)
					if !ok {
						return nil, fmt.Errorf("%w: %s: state must be a scalar", ErrInvalidScene, id)
					}
					b.State = state
					continue
				}
				attrs[k] = av
			}
			if len(attrs) > 0 {
				b.Attributes = attrs
			}
		default:
			state, ok := scalarState(val)
			if !ok {
				return nil, fmt.Errorf("%w: %s: unsupported value %T", ErrInvalidScene, id, v)
			}
			b.State = state
		}
		bundles[id] = b
	}
	return bundles, nil
}

// scalarState renders a YAML scalar as a state string. Booleans map to
// on/off.
func scalarState(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case bool:
		if val {
			return "on", true
		}
		return "off", true
	case int:
		return strconv.Itoa(val), true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	default:
		return "", false
	}
}

// ValidateScene checks the scene id and every entity bundle.
func ValidateScene(s *Scene) error {
	if s == nil {
		return ErrInvalidScene
	}
	if err := core.ValidateEntityID(s.EntityID()); err != nil {
		return fmt.Errorf("%w: id %q", ErrInvalidScene, s.ID)
	}
	if len(s.Entities) == 0 {
		return ErrNoEntities
	}
	for id, b := range s.Entities {
		if err := core.ValidateEntityID(id); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidScene, err)
		}
		if len(b.State) > core.MaxStateLength {
			return fmt.Errorf("%w: %s: state exceeds %d characters", ErrInvalidScene, id, core.MaxStateLength)
		}
	}
	return nil
}
