package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
)

// Decode errors. Both mean the message is dropped; neither is fatal to the
// connection that delivered it.
var (
	ErrInvalidJSON = errors.New("payload is not valid JSON")
	ErrNotAnObject = errors.New("payload is not a JSON object")
)

// Decode parses a raw message body into a flat parameter map. Top-level
// fields holding numbers, or strings that parse as numbers, are kept;
// everything else (booleans, nulls, nested values, non-numeric strings) is
// dropped. An object yielding zero usable keys decodes to an empty map, not
// an error: the reading is still recorded so the device's last-seen
// timestamp advances.
func Decode(payload []byte) (ParameterMap, error) {
	var raw any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidJSON, err)
	}

	fields, ok := raw.(map[string]any)
	if !ok {
		return nil, ErrNotAnObject
	}

	parameters := make(ParameterMap, len(fields))
	for key, value := range fields {
		switch v := value.(type) {
		case float64:
			parameters[key] = v
		case string:
			// ParseFloat accepts "NaN" and "Inf", which are not storable
			// numbers; those fields are dropped like any other junk string.
			if f, err := strconv.ParseFloat(v, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
				parameters[key] = f
			}
		}
	}
	return parameters, nil
}
