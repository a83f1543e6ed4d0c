package activity

import (
	"fmt"
	"time"

	"github.com/petrijr/fluxgraph/pkg/api"
)

func configString(in Input, key string) string {
	v, ok := in.Config[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func requireString(in Input, key string) (string, error) {
	s := configString(in, key)
	if s == "" {
		return "", api.NewValidationError(in.Node.ID, fmt.Sprintf("%s node requires %q", in.Node.Type, key))
	}
	return s, nil
}

func configInt(in Input, key string, def int) (int, error) {
	v, ok := in.Config[key]
	if !ok || v == nil {
		return def, nil
	}
	n, ok := toInt(v)
	if !ok {
		return 0, api.NewValidationError(in.Node.ID, fmt.Sprintf("%q must be an integer, got %T", key, v))
	}
	return n, nil
}

func configBool(in Input, key string, def bool) bool {
	v, ok := in.Config[key]
	if !ok || v == nil {
		return def
	}
	return Truthy(v)
}

// configDuration accepts Go duration strings or a number of seconds.
func configDuration(in Input, key string) (time.Duration, bool, error) {
	v, ok := in.Config[key]
	if !ok || v == nil {
		return 0, false, nil
	}
	switch t := v.(type) {
	case string:
		d, err := time.ParseDuration(t)
		if err != nil {
			return 0, true, api.NewValidationError(in.Node.ID, fmt.Sprintf("invalid %q: %v", key, err))
		}
		return d, true, nil
	case time.Duration:
		return t, true, nil
	}
	if n, ok := v.(float64); ok {
		return time.Duration(n * float64(time.Second)), true, nil
	}
	if n, ok := toInt(v); ok {
		return time.Duration(n) * time.Second, true, nil
	}
	return 0, true, api.NewValidationError(in.Node.ID, fmt.Sprintf("invalid %q: %v", key, v))
}

// configValue returns a literal config value, or evaluates it when the
// config holds an expression under "<key>_expr".
func configValue(ev *Evaluator, in Input, key string, env map[string]any) (any, error) {
	if src := configString(in, key+"_expr"); src != "" {
		return ev.Eval(src, env)
	}
	return in.Config[key], nil
}
