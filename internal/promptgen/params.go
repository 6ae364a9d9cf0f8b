package promptgen

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"renderq/internal/workflowdef"
)

// ErrInvalidParam indicates a parameter value that cannot be coerced to its
// declared type.
var ErrInvalidParam = errors.New("invalid parameter value")

func paramErr(def *workflowdef.Definition, param workflowdef.ParamDef, format string, args ...any) error {
	detail := fmt.Sprintf(format, args...)
	return fmt.Errorf("%w: workflow %s: parameter %q: %s", ErrInvalidParam, def.Name, param.Name, detail)
}

// ResolveParams merges raw user parameters over declared defaults, coercing
// each value to its declared type. Unknown keys are ignored so older
// submissions keep working against extended schemas. Numeric values outside a
// declared [min,max] range clamp to the nearest bound instead of failing.
func ResolveParams(def *workflowdef.Definition, raw map[string]any) (map[string]any, error) {
	resolved := make(map[string]any, len(def.Parameters))
	for _, param := range def.Parameters {
		value, provided := raw[param.Name]
		if !provided {
			value = param.Default
		}
		coerced, err := coerceParam(def, param, value)
		if err != nil {
			return nil, err
		}
		resolved[param.Name] = coerced
	}
	return resolved, nil
}

func coerceParam(def *workflowdef.Definition, param workflowdef.ParamDef, value any) (any, error) {
	switch param.Type {
	case workflowdef.ParamText:
		if value == nil {
			return "", nil
		}
		switch v := value.(type) {
		case string:
			return v, nil
		case bool, int, int64, float64, float32:
			return fmt.Sprint(v), nil
		default:
			return nil, paramErr(def, param, "cannot represent %T as text", value)
		}

	case workflowdef.ParamBool:
		return coerceBool(def, param, value)

	case workflowdef.ParamInt:
		f, err := coerceNumber(def, param, value)
		if err != nil {
			return nil, err
		}
		return int64(clampRange(param, math.Trunc(f))), nil

	case workflowdef.ParamFloat:
		f, err := coerceNumber(def, param, value)
		if err != nil {
			return nil, err
		}
		return clampRange(param, f), nil
	}
	return nil, paramErr(def, param, "unsupported type %q", param.Type)
}

func coerceBool(def *workflowdef.Definition, param workflowdef.ParamDef, value any) (bool, error) {
	switch v := value.(type) {
	case nil:
		return false, nil
	case bool:
		return v, nil
	case int:
		return v != 0, nil
	case int64:
		return v != 0, nil
	case float64:
		return v != 0, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "on":
			return true, nil
		case "0", "false", "no", "off", "":
			return false, nil
		}
		return false, paramErr(def, param, "%q is not a boolean", v)
	default:
		return false, paramErr(def, param, "cannot represent %T as bool", value)
	}
}

func coerceNumber(def *workflowdef.Definition, param workflowdef.ParamDef, value any) (float64, error) {
	switch v := value.(type) {
	case nil:
		return 0, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case float32:
		return float64(v), nil
	case float64:
		return v, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, paramErr(def, param, "%q is not numeric", v)
		}
		return f, nil
	case bool:
		return 0, paramErr(def, param, "boolean is not numeric")
	default:
		return 0, paramErr(def, param, "cannot represent %T as number", value)
	}
}

func clampRange(param workflowdef.ParamDef, v float64) float64 {
	if param.Min != nil && v < *param.Min {
		v = *param.Min
	}
	if param.Max != nil && v > *param.Max {
		v = *param.Max
	}
	return v
}

func boolParam(resolved map[string]any, name string) bool {
	v, ok := resolved[name].(bool)
	return ok && v
}

func intParam(resolved map[string]any, name string, fallback int64) int64 {
	switch v := resolved[name].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	default:
		return fallback
	}
}

func textParam(resolved map[string]any, name string) string {
	v, _ := resolved[name].(string)
	return v
}
