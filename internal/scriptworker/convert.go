package scriptworker

import (
	"encoding/json"
	"fmt"

	"go.starlark.net/starlark"
)

// jsonToStarlark decodes one JSON value and converts it into the
// corresponding Starlark value, so that args/kwargs arriving over the
// work queue as JSON can be passed straight into a user function call.
func jsonToStarlark(raw json.RawMessage) (starlark.Value, error) {
	if len(raw) == 0 {
		return starlark.None, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode json argument: %w", err)
	}
	return goToStarlark(v)
}

func goToStarlark(v any) (starlark.Value, error) {
	switch val := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(val), nil
	case float64:
		if val == float64(int64(val)) {
			return starlark.MakeInt64(int64(val)), nil
		}
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []any:
		elems := make([]starlark.Value, len(val))
		for i, e := range val {
			sv, err := goToStarlark(e)
			if err != nil {
				return nil, err
			}
			elems[i] = sv
		}
		return starlark.NewList(elems), nil
	case map[string]any:
		dict := starlark.NewDict(len(val))
		for k, e := range val {
			sv, err := goToStarlark(e)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported argument type %T", v)
	}
}

// starlarkToJSON converts a Starlark value back to JSON, the reverse of
// jsonToStarlark, used to publish a function's return value on the bus.
func starlarkToJSON(v starlark.Value) (json.RawMessage, error) {
	goVal, err := starlarkToGo(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(goVal)
}

func starlarkToGo(v starlark.Value) (any, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return val.String(), nil
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		out := make([]any, 0, val.Len())
		iter := val.Iterate()
		defer iter.Done()
		var elem starlark.Value
		for iter.Next(&elem) {
			goElem, err := starlarkToGo(elem)
			if err != nil {
				return nil, err
			}
			out = append(out, goElem)
		}
		return out, nil
	case starlark.Tuple:
		out := make([]any, val.Len())
		for i := 0; i < val.Len(); i++ {
			goElem, err := starlarkToGo(val[i])
			if err != nil {
				return nil, err
			}
			out[i] = goElem
		}
		return out, nil
	case *starlark.Dict:
		out := make(map[string]any, val.Len())
		for _, item := range val.Items() {
			key, ok := starlark.AsString(item[0])
			if !ok {
				return nil, fmt.Errorf("dict keys must be strings, got %s", item[0].Type())
			}
			goVal, err := starlarkToGo(item[1])
			if err != nil {
				return nil, err
			}
			out[key] = goVal
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported return type %s", v.Type())
	}
}

// argsFromInput converts a ProcedureInput's args/kwargs into the tuple
// and keyword-value slices starlark.Call expects.
func argsFromInput(args []json.RawMessage, kwargs map[string]json.RawMessage) (starlark.Tuple, []starlark.Tuple, error) {
	posArgs := make(starlark.Tuple, len(args))
	for i, a := range args {
		v, err := jsonToStarlark(a)
		if err != nil {
			return nil, nil, err
		}
		posArgs[i] = v
	}

	kwArgs := make([]starlark.Tuple, 0, len(kwargs))
	for k, raw := range kwargs {
		v, err := jsonToStarlark(raw)
		if err != nil {
			return nil, nil, err
		}
		kwArgs = append(kwArgs, starlark.Tuple{starlark.String(k), v})
	}
	return posArgs, kwArgs, nil
}
