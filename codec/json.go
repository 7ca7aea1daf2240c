package codec

import "encoding/json"

// KindJSON identifies the JSON codec.
const KindJSON = "json"

// JSON is the default codec.
type JSON struct{}

func (JSON) Kind() string { return KindJSON }

func (JSON) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (JSON) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
