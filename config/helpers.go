package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// envReader reads prefixed environment overrides and remembers the first failure so
// that applyEnvOverrides can be written as a flat list of assignments.
type envReader struct {
	prefix string
	err    error
}

func (r *envReader) lookup(name string) (string, bool) {
	if r.err != nil {
		return "", false
	}
	key := r.prefix + "_" + name
	val, ok := os.LookupEnv(key)
	if !ok || val == "" {
		return "", false
	}
	if err := validateEnvVar(key, val); err != nil {
		r.err = err
		return "", false
	}
	return val, true
}

func (r *envReader) fail(name, val string, err error) {
	r.err = fmt.Errorf("%s_%s=%q: %w", r.prefix, name, val, err)
}

func (r *envReader) String(name string, dst *string) {
	if val, ok := r.lookup(name); ok {
		*dst = val
	}
}

func (r *envReader) Strings(name string, dst *[]string) {
	if val, ok := r.lookup(name); ok {
		parts := strings.Split(val, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		*dst = out
	}
}

func (r *envReader) Int(name string, dst *int) {
	if val, ok := r.lookup(name); ok {
		n, err := strconv.Atoi(val)
		if err != nil {
			r.fail(name, val, err)
			return
		}
		*dst = n
	}
}

func (r *envReader) Int64(name string, dst *int64) {
	if val, ok := r.lookup(name); ok {
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			r.fail(name, val, err)
			return
		}
		*dst = n
	}
}

func (r *envReader) Float(name string, dst *float64) {
	if val, ok := r.lookup(name); ok {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			r.fail(name, val, err)
			return
		}
		*dst = f
	}
}

func (r *envReader) Bool(name string, dst *bool) {
	if val, ok := r.lookup(name); ok {
		b, err := strconv.ParseBool(val)
		if err != nil {
			r.fail(name, val, err)
			return
		}
		*dst = b
	}
}

func (r *envReader) Duration(name string, dst *time.Duration) {
	if val, ok := r.lookup(name); ok {
		d, err := time.ParseDuration(val)
		if err != nil {
			r.fail(name, val, err)
			return
		}
		*dst = d
	}
}
