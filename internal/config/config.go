package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

const (
	// DefaultDir is where profiles are looked up when nothing else is set
	DefaultDir = "config"

	// BaseName is the file name of the default profile without extension
	BaseName = "cmdguard"

	// EnvPrefix marks environment variables that override profile values,
	// e.g. CMDGUARD_DATABASE_HOST overrides [database] host
	EnvPrefix = "CMDGUARD_"

	// DirEnvVar selects the profile directory
	DirEnvVar = EnvPrefix + "CONFIG_DIR"

	// DotenvEnvVar names a dotenv file with additional overrides
	DotenvEnvVar = EnvPrefix + "DOTENV"
)

// Standard errors
var (
	ErrMissingKey = errors.New("config: missing key")
	ErrNotFound   = errors.New("config: profile not found")
)

// Profile is a named section → key → value store
type Profile struct {
	Name     string
	Path     string
	sections map[string]map[string]string
}

// LoadOptions controls profile resolution
type LoadOptions struct {
	// Dir holds the profile files, defaults to $CMDGUARD_CONFIG_DIR or "config"
	Dir string
	// Env selects cmdguard.<env>.toml instead of cmdguard.toml
	Env string
	// Dotenv overrides the dotenv file named by the profile or $CMDGUARD_DOTENV
	Dotenv string
	// Environ defaults to os.Environ
	Environ func() []string
}

// FileName returns the profile file name for env
func FileName(env string) string {
	if env == "" {
		return BaseName + ".toml"
	}
	return BaseName + "." + env + ".toml"
}

// Load resolves a profile with the following precedence:
// 1. Profile file
// 2. Dotenv file (if any)
// 3. Process environment
func Load(opts LoadOptions) (*Profile, error) {
	environ := opts.Environ
	if environ == nil {
		environ = os.Environ
	}
	env := environMap(environ())

	dir := opts.Dir
	if dir == "" {
		dir = env[DirEnvVar]
	}
	if dir == "" {
		dir = DefaultDir
	}

	p, err := LoadFromFile(filepath.Join(dir, FileName(opts.Env)))
	if err != nil {
		return nil, err
	}
	p.Name = opts.Env

	dotenv := opts.Dotenv
	if dotenv == "" {
		dotenv = p.GetOr("config", "dotenv", env[DotenvEnvVar])
	}
	if dotenv != "" {
		if !filepath.IsAbs(dotenv) {
			dotenv = filepath.Join(dir, dotenv)
		}
		values, err := godotenv.Read(dotenv)
		if err != nil {
			return nil, fmt.Errorf("failed to read dotenv file %s: %w", dotenv, err)
		}
		p.applyOverrides(values)
	}

	p.applyOverrides(env)
	return p, nil
}

// LoadFromFile parses a TOML profile file
func LoadFromFile(path string) (*Profile, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}

	var raw map[string]any
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	p := &Profile{
		Path:     path,
		sections: map[string]map[string]string{},
	}
	p.flatten("", raw)
	return p, nil
}

// Parse builds a profile from TOML text
func Parse(data string) (*Profile, error) {
	var raw map[string]any
	if _, err := toml.Decode(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	p := &Profile{sections: map[string]map[string]string{}}
	p.flatten("", raw)
	return p, nil
}

// flatten stores scalar values by section. Nested tables become dotted
// section names and top-level keys land in the "" section.
func (p *Profile) flatten(section string, table map[string]any) {
	for k, v := range table {
		if sub, ok := v.(map[string]any); ok {
			name := k
			if section != "" {
				name = section + "." + k
			}
			p.flatten(name, sub)
			continue
		}
		p.Set(section, k, scalarString(v))
	}
}

func scalarString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []any:
		parts := make([]string, len(x))
		for i, e := range x {
			parts[i] = scalarString(e)
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprint(x)
	}
}

func environMap(environ []string) map[string]string {
	m := make(map[string]string, len(environ))
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok {
			m[k] = v
		}
	}
	return m
}

// applyOverrides maps PREFIX_SECTION_KEY variables onto section/key
func (p *Profile) applyOverrides(values map[string]string) {
	for k, v := range values {
		if !strings.HasPrefix(k, EnvPrefix) {
			continue
		}
		section, key, ok := strings.Cut(strings.ToLower(strings.TrimPrefix(k, EnvPrefix)), "_")
		if !ok || section == "" || key == "" {
			continue
		}
		p.Set(section, key, v)
	}
}

// Set stores a value, creating the section as needed
func (p *Profile) Set(section, key, value string) {
	if p.sections == nil {
		p.sections = map[string]map[string]string{}
	}
	s, ok := p.sections[section]
	if !ok {
		s = map[string]string{}
		p.sections[section] = s
	}
	s[key] = value
}

// Has reports whether section/key is set
func (p *Profile) Has(section, key string) bool {
	_, ok := p.sections[section][key]
	return ok
}

// Get returns a value or ErrMissingKey
func (p *Profile) Get(section, key string) (string, error) {
	v, ok := p.sections[section][key]
	if !ok {
		return "", fmt.Errorf("%w: [%s] %s", ErrMissingKey, section, key)
	}
	return v, nil
}

// GetOr returns a value or def when unset
func (p *Profile) GetOr(section, key, def string) string {
	if v, ok := p.sections[section][key]; ok {
		return v
	}
	return def
}

// GetInt returns a value parsed as an integer
func (p *Profile) GetInt(section, key string) (int, error) {
	v, err := p.Get(section, key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("config: [%s] %s: invalid integer %q", section, key, v)
	}
	return n, nil
}

// GetIntOr returns an integer value or def when unset
func (p *Profile) GetIntOr(section, key string, def int) (int, error) {
	if !p.Has(section, key) {
		return def, nil
	}
	return p.GetInt(section, key)
}

// GetBoolOr returns a boolean value or def when unset
func (p *Profile) GetBoolOr(section, key string, def bool) (bool, error) {
	v, ok := p.sections[section][key]
	if !ok {
		return def, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return false, fmt.Errorf("config: [%s] %s: invalid boolean %q", section, key, v)
	}
	return b, nil
}

// Section returns a copy of one section
func (p *Profile) Section(name string) map[string]string {
	out := make(map[string]string, len(p.sections[name]))
	for k, v := range p.sections[name] {
		out[k] = v
	}
	return out
}

// Sections returns the section names, sorted
func (p *Profile) Sections() []string {
	names := make([]string, 0, len(p.sections))
	for name := range p.sections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
