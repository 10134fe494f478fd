package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Generic converts v to the JSON data model: nil, bool, string,
// json.Number, []any and map[string]any. The result never aliases v, so
// it doubles as a deep copy.
//
// Values outside the data model (structs, typed maps and slices) are
// round-tripped through encoding/json with UseNumber, which keeps large
// integers exact.
func Generic(v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case bool, string, json.Number:
		return val, nil
	case float64:
		return floatNumber(val)
	case float32:
		return floatNumber(float64(val))
	case int:
		return json.Number(strconv.FormatInt(int64(val), 10)), nil
	case int8:
		return json.Number(strconv.FormatInt(int64(val), 10)), nil
	case int16:
		return json.Number(strconv.FormatInt(int64(val), 10)), nil
	case int32:
		return json.Number(strconv.FormatInt(int64(val), 10)), nil
	case int64:
		return json.Number(strconv.FormatInt(val, 10)), nil
	case uint:
		return json.Number(strconv.FormatUint(uint64(val), 10)), nil
	case uint8:
		return json.Number(strconv.FormatUint(uint64(val), 10)), nil
	case uint16:
		return json.Number(strconv.FormatUint(uint64(val), 10)), nil
	case uint32:
		return json.Number(strconv.FormatUint(uint64(val), 10)), nil
	case uint64:
		return json.Number(strconv.FormatUint(val, 10)), nil
	case []any:
		arr := make([]any, len(val))
		for i, elem := range val {
			g, err := Generic(elem)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			arr[i] = g
		}
		return arr, nil
	case map[string]any:
		obj := make(map[string]any, len(val))
		for k, elem := range val {
			g, err := Generic(elem)
			if err != nil {
				return nil, fmt.Errorf("[%q]: %w", k, err)
			}
			obj[k] = g
		}
		return obj, nil
	case json.RawMessage:
		return Decode(val)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("unsupported type %T: %w", v, err)
		}
		return Decode(data)
	}
}

// Clone returns a deep copy of v in the JSON data model.
func Clone(v any) (any, error) {
	return Generic(v)
}

// Decode parses JSON into the data model, keeping numbers as json.Number.
func Decode(data []byte) (any, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	return v, nil
}

// Float reports the numeric value of v when v is a number in any of the
// representations Generic understands.
func Float(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	}
	return 0, false
}

func floatNumber(f float64) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("non-finite number %v is not representable in JSON", f)
	}
	return json.Number(formatFloat(f)), nil
}
