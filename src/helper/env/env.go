// Package env reads process configuration from environment variables.
// Getters fall back to an optional default when the variable is unset or
// unparsable; Must variants panic, for config the process cannot run without.
package env

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

func lookup[T any](name string, parse func(string) (T, error), defaults []T) T {
	value, err := parse(os.Getenv(name))
	if err != nil && len(defaults) > 0 {
		return defaults[0]
	}
	return value
}

func GetString(name string, defaultValue ...string) string {
	return lookup(name, func(raw string) (string, error) {
		if raw == "" {
			return "", fmt.Errorf("unset")
		}
		return raw, nil
	}, defaultValue)
}

// MustGetString panics if the environment variable is not present.
func MustGetString(name string) string {
	value := os.Getenv(name)
	if value == "" {
		panic(fmt.Sprintf("%s can't be empty", name))
	}
	return value
}

func GetInt(name string, defaultValue ...int) int {
	return lookup(name, strconv.Atoi, defaultValue)
}

func GetBool(name string, defaultValue ...bool) bool {
	return lookup(name, strconv.ParseBool, defaultValue)
}

func GetDuration(name string, defaultValue ...time.Duration) time.Duration {
	return lookup(name, time.ParseDuration, defaultValue)
}
