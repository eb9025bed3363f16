package codec

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/INLOpen/livedb/core"
	"gopkg.in/yaml.v3"
)

// GobSerializer uses encoding/gob. It is the default for commands and models
// because it round-trips unexported-free Go structs, maps and pointers exactly.
type GobSerializer struct{}

func (GobSerializer) Name() string { return "gob" }

func (GobSerializer) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("gob marshal %T: %w", v, err)
	}
	return buf.Bytes(), nil
}

func (GobSerializer) Unmarshal(data []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("gob unmarshal %T: %w", v, err)
	}
	return nil
}

// JSONSerializer uses encoding/json.
type JSONSerializer struct{}

func (JSONSerializer) Name() string { return "json" }

func (JSONSerializer) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONSerializer) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// YAMLSerializer uses gopkg.in/yaml.v3. Mostly useful for human-readable snapshots.
type YAMLSerializer struct{}

func (YAMLSerializer) Name() string { return "yaml" }

func (YAMLSerializer) Marshal(v any) ([]byte, error) {
	return yaml.Marshal(v)
}

func (YAMLSerializer) Unmarshal(data []byte, v any) error {
	return yaml.Unmarshal(data, v)
}

var (
	_ core.Serializer = GobSerializer{}
	_ core.Serializer = JSONSerializer{}
	_ core.Serializer = YAMLSerializer{}
)

// SerializerByName maps a config name to a serializer. Empty means gob.
func SerializerByName(name string) (core.Serializer, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "gob":
		return GobSerializer{}, nil
	case "json":
		return JSONSerializer{}, nil
	case "yaml", "yml":
		return YAMLSerializer{}, nil
	default:
		return nil, fmt.Errorf("unknown serializer %q", name)
	}
}
