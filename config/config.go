// Package config fills a struct from struct tag defaults, environment
// variables and secret files, in that order of precedence (lowest first).
//
// Field names are derived from the struct path: Engine.URL is read from the
// environment variable ENGINE_URL (with an optional prefix) and from the
// secret file engine_url. Tags override the derived names.
// Command line arguments are left to the CLI parser.
package config

import (
	"cmp"
	"encoding"
	"errors"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strings"
)

const (
	tagEnv         = "env"
	tagDefault     = "default"
	tagSecret      = "secret"
	tagDescription = "desc"     // Description for error messages
	tagOptional    = "optional" // Mark field as optional
)

// Priorities of the built-in sources. Add a Source with a priority in
// between to slot it into the order.
const (
	PriorityDefaults = 0
	PriorityEnv      = 50
	PrioritySecrets  = 75
)

var (
	ErrNotPointerToStruct = errors.New("config must be a pointer to a struct")
)

// Source applies values to the fields it knows about. Sources run in
// ascending priority, so a later source overwrites an earlier one.
type Source interface {
	Priority() int
	Process(fields map[string]Field) error
}

// Options holds options for the Parse function.
type Options struct {
	// EnvPrefix is prefixed with an underscore to derived environment
	// variable names. Names set with the env tag are used as-is.
	EnvPrefix string
	// SkipEnv ignores environment variables.
	SkipEnv bool
	// SecretsDir enables secret files read from this directory.
	SecretsDir string
	// Sources adds additional sources.
	Sources []Source
}

// Parse populates cfg, which must be a pointer to a struct. Fields that are
// already non-zero are left alone. Every field without an optional tag must
// end up non-zero.
//
// All source and validation errors are collected and returned together.
func Parse(cfg any, opts Options) error {
	v := reflect.ValueOf(cfg)
	if v.Kind() != reflect.Pointer || v.Elem().Kind() != reflect.Struct {
		return ErrNotPointerToStruct
	}

	fields := walkStruct(v.Elem(), "")

	sources := []Source{&defaultSource{}}
	if !opts.SkipEnv {
		sources = append(sources, &envSource{prefix: opts.EnvPrefix})
	}
	if opts.SecretsDir != "" {
		sources = append(sources, NewSecretsDirSource(opts.SecretsDir))
	}
	sources = append(sources, opts.Sources...)

	slices.SortStableFunc(sources, func(a, b Source) int {
		return cmp.Compare(a.Priority(), b.Priority())
	})

	var errs []error
	for _, source := range sources {
		if err := source.Process(fields); err != nil {
			errs = append(errs, err)
		}
	}

	if err := validateRequired(fields); err != nil {
		errs = append(errs, fmt.Errorf("validation: %w", err))
	}

	if len(errs) > 0 {
		return &MultiError{Errors: errs}
	}
	return nil
}

// Field is one settable leaf of the config struct.
type Field struct {
	Path        string
	Value       reflect.Value
	Tag         reflect.StructTag
	Description string
}

var textUnmarshalerType = reflect.TypeFor[encoding.TextUnmarshaler]()

// walkStruct maps dotted paths to leaf fields. Nested structs are walked
// unless they unmarshal themselves from text.
func walkStruct(v reflect.Value, currPath string) map[string]Field {
	fields := map[string]Field{}

	t := v.Type()

	for i := range v.NumField() {
		fieldVal := v.Field(i)
		structField := t.Field(i)
		if !structField.IsExported() {
			continue
		}

		// Skip fields already filled
		if !fieldVal.IsZero() {
			continue
		}

		path := structField.Name
		if currPath != "" {
			path = currPath + "." + structField.Name
		}

		if fieldVal.Kind() == reflect.Struct && !reflect.PointerTo(fieldVal.Type()).Implements(textUnmarshalerType) {
			maps.Copy(fields, walkStruct(fieldVal, path))
			continue
		}

		fields[path] = Field{
			Path:        path,
			Value:       fieldVal,
			Tag:         structField.Tag,
			Description: cmp.Or(structField.Tag.Get(tagDescription), path),
		}
	}
	return fields
}

// Error if required fields are missing
func validateRequired(fields map[string]Field) error {
	var errs []error

	for _, path := range slices.Sorted(maps.Keys(fields)) {
		field := fields[path]

		optional, ok := field.Tag.Lookup(tagOptional)
		if ok && optional != "false" {
			continue
		}

		if field.Value.IsZero() {
			errs = append(errs, fmt.Errorf("%s is required", field.Description))
		}
	}

	if len(errs) > 0 {
		return &MultiError{Errors: errs}
	}
	return nil
}

// MultiError holds every error that occurred during parsing.
type MultiError struct {
	Errors []error
}

func (m *MultiError) Error() string {
	if len(m.Errors) == 0 {
		return "no errors"
	}

	msgs := make([]string, len(m.Errors))
	for i, err := range m.Errors {
		msgs[i] = err.Error()
	}

	return fmt.Sprintf("%d error(s) occurred:\n- %s", len(m.Errors), strings.Join(msgs, "\n- "))
}

// Unwrap lets errors.Is and errors.As see every collected error.
func (m *MultiError) Unwrap() []error {
	return m.Errors
}
