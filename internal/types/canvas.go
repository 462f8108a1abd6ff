package types

import (
	"encoding/json"
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// CanvasObject is a drawable on the shared canvas. Geometry and style are
// kept opaque in Props and flattened back out on the wire.
type CanvasObject struct {
	Id    string         `mapstructure:"id"`
	Type  string         `mapstructure:"type"`
	Props map[string]any `mapstructure:",remain"`
}

// DecodeCanvasObject builds a CanvasObject from a raw JSON object.
func DecodeCanvasObject(raw map[string]any) (*CanvasObject, error) {
	obj := &CanvasObject{}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           obj,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(raw); err != nil {
		return nil, fmt.Errorf("decode canvas object: %w", err)
	}
	if obj.Props == nil {
		obj.Props = make(map[string]any)
	}

	return obj, nil
}

// Apply merges patch into the object. The id is immutable.
func (o *CanvasObject) Apply(patch map[string]any) {
	if o.Props == nil {
		o.Props = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		switch k {
		case "id":
		case "type":
			if s, ok := v.(string); ok {
				o.Type = s
			}
		default:
			o.Props[k] = v
		}
	}
}

func (o *CanvasObject) Clone() *CanvasObject {
	props := make(map[string]any, len(o.Props))
	for k, v := range o.Props {
		props[k] = v
	}

	return &CanvasObject{Id: o.Id, Type: o.Type, Props: props}
}

func (o CanvasObject) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(o.Props)+2)
	for k, v := range o.Props {
		flat[k] = v
	}
	flat["id"] = o.Id
	if o.Type != "" {
		flat["type"] = o.Type
	}

	return json.Marshal(flat)
}

func (o *CanvasObject) UnmarshalJSON(b []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	obj, err := DecodeCanvasObject(raw)
	if err != nil {
		return err
	}

	*o = *obj
	return nil
}
