package scoring

import (
	"encoding/json"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Evaluate reports whether value satisfies rule. It never fails: malformed
// operands, incompatible value types and unknown operators all yield false,
// so a misconfigured rule contributes no points.
func Evaluate(rule Rule, value any) bool {
	switch rule.Operator {
	case OpEquals:
		return looseEqual(value, rule.Value)
	case OpNotEquals:
		return !looseEqual(value, rule.Value)
	case OpGreaterThan:
		v, ok := toNumber(value)
		operand, okOperand := parseNumber(rule.Value)
		return ok && okOperand && v > operand
	case OpLessThan:
		v, ok := toNumber(value)
		operand, okOperand := parseNumber(rule.Value)
		return ok && okOperand && v < operand
	case OpContains:
		s, ok := value.(string)
		return ok && strings.Contains(strings.ToLower(s), strings.ToLower(rule.Value))
	case OpNotContains:
		s, ok := value.(string)
		return ok && !strings.Contains(strings.ToLower(s), strings.ToLower(rule.Value))
	case OpIsEmpty:
		return isEmpty(value)
	case OpIsNotEmpty:
		return !isEmpty(value)
	case OpBetween:
		return between(value, rule.Value)
	case OpIn:
		return inList(value, rule.Value)
	case OpNotIn:
		return !inList(value, rule.Value)
	default:
		return false
	}
}

func looseEqual(value any, operand string) bool {
	if v, ok := toNumber(value); ok {
		if o, ok := parseNumber(operand); ok {
			return v == o
		}
	}
	return toString(value) == operand
}

func between(value any, rng string) bool {
	parts := strings.Split(rng, ",")
	if len(parts) != 2 {
		return false
	}
	lo, ok := parseNumber(parts[0])
	if !ok {
		return false
	}
	hi, ok := parseNumber(parts[1])
	if !ok {
		return false
	}
	v, ok := toNumber(value)
	if !ok {
		return false
	}
	return v >= lo && v <= hi
}

func inList(value any, list string) bool {
	s := toString(value)
	for _, item := range strings.Split(list, ",") {
		if strings.TrimSpace(item) == s {
			return true
		}
	}
	return false
}

func isEmpty(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return v == ""
	case []byte:
		return len(v) == 0
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() == 0
	case reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

func parseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func toNumber(value any) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		return parseNumber(v)
	}
	return 0, false
}

func toString(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		if v {
			return "1"
		}
		return ""
	case int:
		return strconv.Itoa(v)
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case int64:
		return strconv.FormatInt(v, 10)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	case time.Time:
		return v.Format(time.RFC3339)
	}
	b, err := json.Marshal(value)
	if err != nil {
		return ""
	}
	return string(b)
}
