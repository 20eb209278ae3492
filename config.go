package alter

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
)

// Runtime configuration is a validated string KV persisted by the Store and
// overlaid on the defaults below. Values are checked on write (invalid
// writes are rejected) and on read (invalid persisted values are repaired
// to the nearest bound or the default).

// ConfigRule is one key's default and validation behavior.
type ConfigRule struct {
	Default   string
	Protected bool // protected keys cannot be deleted
	// Validate returns a non-nil error when value is unacceptable.
	Validate func(value string) error
	// Repair maps an invalid persisted value onto an acceptable one.
	Repair func(value string) string
}

var configRules = map[string]ConfigRule{
	"max_iterations":   intRule(100, 1, 1000, true),
	"thinking_budget":  intRule(10000, 0, 100000, false),
	"tool_timeout_ms":  intRule(30000, 1000, 600000, true),
	"code_timeout_ms":  intRule(60000, 1000, 600000, false),
	"max_output_chars": intRule(10000, 1000, 100000, false),
	"verbose":          boolRule(false),
	"temperature":      floatRule(0.7, 0, 2),
	"model":            regexRule("gemini-2.5-flash", `^(gemini|gpt|o[0-9]|claude|qwen|llama|mistral|deepseek)[a-z0-9._-]*$`),
}

// LookupConfigRule returns the rule for key.
func LookupConfigRule(key string) (ConfigRule, bool) {
	r, ok := configRules[key]
	return r, ok
}

// ValidateConfigValue checks value against key's rule. Unknown keys carry
// no rule and always validate.
func ValidateConfigValue(key, value string) error {
	r, ok := configRules[key]
	if !ok {
		return nil
	}
	return r.Validate(value)
}

// RepairConfigValue maps an invalid persisted value onto the nearest bound
// or the default; valid values pass through unchanged.
func RepairConfigValue(key, value string) string {
	r, ok := configRules[key]
	if !ok {
		return value
	}
	if r.Validate(value) == nil {
		return value
	}
	return r.Repair(value)
}

// DefaultConfigValue returns key's built-in default.
func DefaultConfigValue(key string) (string, bool) {
	r, ok := configRules[key]
	if !ok {
		return "", false
	}
	return r.Default, true
}

// ConfigProtected reports whether key may not be deleted.
func ConfigProtected(key string) bool {
	r, ok := configRules[key]
	return ok && r.Protected
}

// ConfigDefaults returns a copy of all built-in defaults.
func ConfigDefaults() map[string]string {
	out := make(map[string]string, len(configRules))
	for k, r := range configRules {
		out[k] = r.Default
	}
	return out
}

// --- rule constructors ---

func intRule(def, min, max int, protected bool) ConfigRule {
	return ConfigRule{
		Default:   strconv.Itoa(def),
		Protected: protected,
		Validate: func(v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("not an integer: %q", v)
			}
			if n < min || n > max {
				return fmt.Errorf("out of range [%d, %d]: %d", min, max, n)
			}
			return nil
		},
		Repair: func(v string) string {
			n, err := strconv.Atoi(v)
			if err != nil {
				return strconv.Itoa(def)
			}
			if n < min {
				return strconv.Itoa(min)
			}
			if n > max {
				return strconv.Itoa(max)
			}
			return v
		},
	}
}

func floatRule(def, min, max float64) ConfigRule {
	format := func(f float64) string { return strconv.FormatFloat(f, 'g', -1, 64) }
	return ConfigRule{
		Default: format(def),
		Validate: func(v string) error {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("not a number: %q", v)
			}
			if f < min || f > max {
				return fmt.Errorf("out of range [%g, %g]: %g", min, max, f)
			}
			return nil
		},
		Repair: func(v string) string {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return format(def)
			}
			if f < min {
				return format(min)
			}
			if f > max {
				return format(max)
			}
			return v
		},
	}
}

func boolRule(def bool) ConfigRule {
	return ConfigRule{
		Default: strconv.FormatBool(def),
		Validate: func(v string) error {
			if v != "true" && v != "false" {
				return fmt.Errorf("not a boolean literal: %q", v)
			}
			return nil
		},
		Repair: func(string) string { return strconv.FormatBool(def) },
	}
}

func regexRule(def, pattern string) ConfigRule {
	re := regexp.MustCompile(pattern)
	return ConfigRule{
		Default: def,
		Validate: func(v string) error {
			if !re.MatchString(v) {
				return fmt.Errorf("does not match %s: %q", pattern, v)
			}
			return nil
		},
		Repair: func(string) string { return def },
	}
}

// --- typed read helpers ---
//
// Reads go through Store.GetConfig, which already repairs invalid persisted
// values, so a parse failure here only happens for unknown keys and falls
// back to the rule default.

func cfgInt(ctx context.Context, s Store, key string) int {
	v, err := s.GetConfig(ctx, key)
	if err == nil {
		if n, perr := strconv.Atoi(v); perr == nil {
			return n
		}
	}
	def, _ := DefaultConfigValue(key)
	n, _ := strconv.Atoi(def)
	return n
}

func cfgFloat(ctx context.Context, s Store, key string) float64 {
	v, err := s.GetConfig(ctx, key)
	if err == nil {
		if f, perr := strconv.ParseFloat(v, 64); perr == nil {
			return f
		}
	}
	def, _ := DefaultConfigValue(key)
	f, _ := strconv.ParseFloat(def, 64)
	return f
}

func cfgBool(ctx context.Context, s Store, key string) bool {
	v, err := s.GetConfig(ctx, key)
	if err == nil {
		if b, perr := strconv.ParseBool(v); perr == nil {
			return b
		}
	}
	def, _ := DefaultConfigValue(key)
	b, _ := strconv.ParseBool(def)
	return b
}

func cfgString(ctx context.Context, s Store, key string) string {
	v, err := s.GetConfig(ctx, key)
	if err == nil && v != "" {
		return v
	}
	def, _ := DefaultConfigValue(key)
	return def
}
