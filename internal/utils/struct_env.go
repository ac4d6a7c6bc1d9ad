package utils

import (
	"fmt"
	"reflect"
	"strings"
)

// StructToEnvVars renders the exported fields of s as KEY=value pairs. The
// key comes from the `env` tag or the field name in SNAKE_UPPER case and is
// prefixed with prefix. Empty values are skipped.
func StructToEnvVars(prefix string, s interface{}) ([]string, error) {
	v := reflect.ValueOf(s)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil, fmt.Errorf("input is not a struct")
	}

	envVars := []string{}
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if field.PkgPath != "" {
			continue
		}

		key := field.Tag.Get("env")
		if key == "-" {
			continue
		}
		if key == "" {
			key = toSnakeUpper(field.Name)
		}

		value := fmt.Sprintf("%v", v.Field(i).Interface())
		if value == "" {
			continue
		}

		envVars = append(envVars, fmt.Sprintf("%s%s=%s", prefix, key, value))
	}

	return envVars, nil
}

// toSnakeUpper converts a CamelCase string to SNAKE_UPPER_CASE.
func toSnakeUpper(s string) string {
	var result []rune
	for i, r := range s {
		if i > 0 && strings.ToUpper(string(r)) == string(r) && strings.ToLower(string(s[i-1])) == string(s[i-1]) {
			result = append(result, '_')
		}
		result = append(result, r)
	}
	return strings.ToUpper(string(result))
}
