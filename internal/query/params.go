package query

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"regexp"
	"strings"
)

// Placeholder syntax: @name@. Every occurrence of a name receives the same
// substituted value.
var paramPattern = regexp.MustCompile(`@(\w+?)@`)

// escapeParam renders a parameter as a SQL fragment. Single quotes inside
// strings are doubled so a value substituted inside a quoted literal cannot
// break out of it. Slices escape element-wise and join with ", " so they can
// feed IN clauses. Maps and structs are rejected outright.
func escapeParam(value any) (string, error) {
	switch v := value.(type) {
	case nil:
		return "", nil
	case string:
		return strings.ReplaceAll(v, "'", "''"), nil
	case []string:
		parts := make([]string, len(v))
		for i, item := range v {
			parts[i] = strings.ReplaceAll(item, "'", "''")
		}
		return strings.Join(parts, ", "), nil
	case []any:
		parts := make([]string, len(v))
		for i, item := range v {
			escaped, err := escapeParam(item)
			if err != nil {
				return "", err
			}
			parts[i] = escaped
		}
		return strings.Join(parts, ", "), nil
	}

	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		parts := make([]string, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			escaped, err := escapeParam(rv.Index(i).Interface())
			if err != nil {
				return "", err
			}
			parts[i] = escaped
		}
		return strings.Join(parts, ", "), nil
	case reflect.Map, reflect.Struct, reflect.Pointer:
		return "", errors.New("query: objects are not supported as query parameter")
	default:
		return fmt.Sprint(value), nil
	}
}

// Parameterize substitutes every @name@ placeholder in sql with the escaped
// value from params in a single pass, so substituted values are never
// re-scanned for placeholders. A missing parameter substitutes the empty
// string rather than failing; that long-standing behavior can silently
// produce a semantically wrong query, so it is logged loudly instead of
// fixed.
func Parameterize(sql string, params map[string]any, logger *slog.Logger) (string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var substErr error
	out := paramPattern.ReplaceAllStringFunc(sql, func(placeholder string) string {
		if substErr != nil {
			return placeholder
		}
		name := strings.Trim(placeholder, "@")
		value, ok := params[name]
		if !ok {
			logger.Warn("query parameter missing, substituting empty string",
				slog.String("parameter", name),
			)
			return ""
		}
		escaped, err := escapeParam(value)
		if err != nil {
			substErr = err
			return placeholder
		}
		return escaped
	})
	if substErr != nil {
		return "", substErr
	}
	return out, nil
}
