package utils

import (
	"bytes"
	"encoding/json"
	"errors"
)

// DecodeJSONObject decodes a JSON object keeping numbers as json.Number.
// Empty input decodes to an empty map.
func DecodeJSONObject(data []byte) (map[string]any, error) {
	out := map[string]any{}
	if len(bytes.TrimSpace(data)) == 0 {
		return out, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, errors.New("payload is not a JSON object")
	}
	return out, nil
}
