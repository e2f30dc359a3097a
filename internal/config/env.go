package config

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
)

// envSections maps environment prefixes to the section they override.
var envSections = []struct {
	prefix  string
	section string
}{
	{"CHAT_APP_LOG_", "logging"},
	{"CHAT_APP_MODEL_", "models"},
	{"CHAT_APP_UI_", "ui"},
	{"CHAT_APP_STORAGE_", "storage"},
	{"CHAT_APP_AWS_", "aws"},
	{"CHAT_APP_SERVER_", "server"},
}

var durationType = reflect.TypeOf(time.Duration(0))

// applyEnvConfig applies environment variable configuration. environ is in
// os.Environ form. It returns warnings for values it had to skip.
func applyEnvConfig(cfg *Config, environ []string) []string {
	vars := make(map[string]string, len(environ))
	keys := make([]string, 0, len(environ))
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		vars[name] = value
		keys = append(keys, name)
	}
	sort.Strings(keys)

	var warnings []string
	for _, name := range keys {
		value := vars[name]

		switch name {
		case "CHAT_APP_ENV":
			cfg.Environment = value
			continue
		case "AWS_REGION":
			if strings.TrimSpace(value) != "" {
				cfg.AWS.Region = value
			}
			continue
		}

		for _, s := range envSections {
			if !strings.HasPrefix(name, s.prefix) {
				continue
			}
			key := strings.ToLower(strings.TrimPrefix(name, s.prefix))
			section, _ := sectionValue(cfg, s.section)
			if err := setField(section, key, value); err != nil {
				warnings = append(warnings, fmt.Sprintf("%s: %v", name, err))
			}
		}
	}
	return warnings
}

// Get returns a configuration value by section and YAML key, or def when the
// pair does not exist.
func (c *Config) Get(section, key string, def any) any {
	v, ok := sectionValue(c, section)
	if !ok {
		return def
	}
	field, ok := fieldByYAMLKey(v, key)
	if !ok {
		return def
	}
	return field.Interface()
}

func sectionValue(cfg *Config, section string) (reflect.Value, bool) {
	root := reflect.ValueOf(cfg).Elem()
	return fieldByYAMLKey(root, section)
}

func fieldByYAMLKey(v reflect.Value, key string) (reflect.Value, bool) {
	if v.Kind() != reflect.Struct {
		return reflect.Value{}, false
	}
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		tag := strings.Split(t.Field(i).Tag.Get("yaml"), ",")[0]
		if tag == key && tag != "" && tag != "-" {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

// setField converts raw to the type the field already has. A failed
// conversion leaves the field untouched.
func setField(section reflect.Value, key, raw string) error {
	field, ok := fieldByYAMLKey(section, key)
	if !ok {
		return fmt.Errorf("unknown key %q", key)
	}

	if field.Type() == durationType {
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("invalid duration %q", raw)
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Bool:
		switch strings.ToLower(strings.TrimSpace(raw)) {
		case "true", "yes", "1":
			field.SetBool(true)
		default:
			field.SetBool(false)
		}
	case reflect.Int:
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("invalid integer %q", raw)
		}
		field.SetInt(int64(n))
	case reflect.Float64:
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return fmt.Errorf("invalid number %q", raw)
		}
		field.SetFloat(f)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("key %q cannot be set from the environment", key)
		}
		field.Set(reflect.ValueOf(splitList(raw)))
	default:
		return fmt.Errorf("key %q cannot be set from the environment", key)
	}
	return nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
