package args

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// EnvOption is the option that selects an alternate configuration profile
const EnvOption = "env"

// Standard errors
var (
	ErrEmptyOptionName = errors.New("args: empty option name")
	ErrInvalidEnv      = errors.New("args: invalid env option")
)

// Args holds the positional arguments and --key=value options of one
// invocation
type Args struct {
	Positional []string
	Options    map[string]string
}

// Parse splits argv (without the program name) into positional arguments
// and options.
//
// "--key=value" sets an option, "--key" alone sets it to "true" and a bare
// "--" makes every following token positional. A repeated option keeps the
// last value.
func Parse(argv []string) (*Args, error) {
	a := &Args{
		Positional: []string{},
		Options:    map[string]string{},
	}

	for i := 0; i < len(argv); i++ {
		tok := argv[i]

		if tok == "--" {
			a.Positional = append(a.Positional, argv[i+1:]...)
			break
		}

		if !strings.HasPrefix(tok, "--") {
			a.Positional = append(a.Positional, tok)
			continue
		}

		key, value, found := strings.Cut(tok[2:], "=")
		if key == "" {
			return nil, fmt.Errorf("%w: %q", ErrEmptyOptionName, tok)
		}
		if !found {
			value = "true"
		}
		a.Options[key] = value
	}

	if env, ok := a.Options[EnvOption]; ok {
		if err := validateEnv(env); err != nil {
			return nil, err
		}
	}

	return a, nil
}

// validateEnv rejects env values that cannot be used as a profile suffix
func validateEnv(env string) error {
	if env == "" || env == "true" {
		return fmt.Errorf("%w: a value is required (--env=<name>)", ErrInvalidEnv)
	}
	if strings.ContainsAny(env, `/\`) || strings.Contains(env, "..") {
		return fmt.Errorf("%w: %q must not contain path elements", ErrInvalidEnv, env)
	}
	return nil
}

// Env returns the selected profile suffix, or "" for the default profile
func (a *Args) Env() string {
	return a.Options[EnvOption]
}

// Option returns the value of an option and whether it was given
func (a *Args) Option(key string) (string, bool) {
	v, ok := a.Options[key]
	return v, ok
}

// OptionOr returns the value of an option or def when it was not given
func (a *Args) OptionOr(key, def string) string {
	if v, ok := a.Options[key]; ok {
		return v
	}
	return def
}

// IntOption returns an option parsed as an integer, or def when absent
func (a *Args) IntOption(key string, def int) (int, error) {
	v, ok := a.Options[key]
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("option --%s: invalid integer %q", key, v)
	}
	return n, nil
}

// BoolOption returns an option parsed with strconv.ParseBool, or def when
// absent. A bare --key counts as true.
func (a *Args) BoolOption(key string, def bool) (bool, error) {
	v, ok := a.Options[key]
	if !ok {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("option --%s: invalid boolean %q", key, v)
	}
	return b, nil
}

// Arg returns the i-th positional argument, or "" if there is none
func (a *Args) Arg(i int) string {
	if i < 0 || i >= len(a.Positional) {
		return ""
	}
	return a.Positional[i]
}
