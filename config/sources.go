package config

import (
	"encoding"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
)

const maxSecretSize = 1 << 20 // 1MB - max size for secret files

// Default ===================================================================
type defaultSource struct{}

func (s *defaultSource) Priority() int {
	return PriorityDefaults
}

func (s *defaultSource) Process(fields map[string]Field) error {
	var errs []error

	for _, field := range fields {
		defVal, ok := field.Tag.Lookup(tagDefault)
		if !ok {
			continue
		}
		if err := setField(field, defVal); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return &MultiError{Errors: errs}
	}
	return nil
}

// Env ====================================================================
type envSource struct {
	prefix string
}

func (s *envSource) Priority() int {
	return PriorityEnv
}

func (s *envSource) Process(fields map[string]Field) error {
	var errs []error

	for _, field := range fields {
		envName := toScreamingSnake(field.Path)
		if s.prefix != "" {
			envName = s.prefix + "_" + envName
		}

		// Overwrite with tag
		if tagVal, ok := field.Tag.Lookup(tagEnv); ok {
			envName = tagVal
		}

		envVal, ok := os.LookupEnv(envName)
		if !ok {
			continue
		}
		if err := setField(field, envVal); err != nil {
			errs = append(errs, fmt.Errorf("env %s: %w", envName, err))
		}
	}

	if len(errs) > 0 {
		return &MultiError{Errors: errs}
	}
	return nil
}

// ====================================================================
// Secret files

// SecretsDirSource reads one file per field from a directory, such as
// /run/secrets in a container. File names default to the snake case
// struct path; override them with the "secret" tag.
type SecretsDirSource struct {
	Dir string
	FileContentSource
}

// NewSecretsDirSource reads secrets from dir at PrioritySecrets.
func NewSecretsDirSource(dir string) *SecretsDirSource {
	return &SecretsDirSource{
		Dir: dir,
		FileContentSource: FileContentSource{
			PriorityLevel: PrioritySecrets,
			Tag:           tagSecret,
			// FS is assigned in Process so it can be an os.Root.
		},
	}
}

// Process opens dir as an [os.Root] so secret names cannot escape it.
// A missing directory contributes nothing.
func (s *SecretsDirSource) Process(fields map[string]Field) error {
	root, err := os.OpenRoot(s.Dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open secrets dir: %w", err)
	}
	defer root.Close()

	s.FileContentSource.FS = root.FS()
	return s.FileContentSource.Process(fields)
}

// FileContentSource sets each field to the trimmed content of the file
// named after it in FS. Missing files are skipped.
type FileContentSource struct {
	PriorityLevel int
	Tag           string
	FS            fs.FS
}

// Priority implements [Source].
func (s *FileContentSource) Priority() int {
	return s.PriorityLevel
}

// Process implements [Source].
func (s *FileContentSource) Process(fields map[string]Field) error {
	if s.FS == nil {
		return errors.New("file content source: fs.FS cannot be nil")
	}

	var errs []error

	for path, field := range fields {
		name := toSnake(path)
		if tagVal, ok := field.Tag.Lookup(s.Tag); ok {
			name = tagVal
		}

		content, ok, err := s.read(name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !ok {
			continue
		}

		if err := setField(field, content); err != nil {
			errs = append(errs, fmt.Errorf("secret %s: %w", name, err))
		}
	}

	if len(errs) > 0 {
		return &MultiError{Errors: errs}
	}
	return nil
}

func (s *FileContentSource) read(name string) (string, bool, error) {
	file, err := s.FS.Open(name)
	if err != nil {
		return "", false, nil
	}
	defer file.Close()

	// Limit read size to prevent memory exhaustion
	b, err := io.ReadAll(io.LimitReader(file, maxSecretSize+1))
	if err != nil {
		return "", false, fmt.Errorf("cannot read file %s: %w", name, err)
	}
	if len(b) > maxSecretSize {
		return "", false, fmt.Errorf("file %s exceeds max size of %d bytes", name, maxSecretSize)
	}

	return strings.TrimSpace(string(b)), true, nil
}

var durationType = reflect.TypeFor[time.Duration]()

// setField parses raw into the field's type.
func setField(field Field, raw string) error {
	if u, ok := field.Value.Addr().Interface().(encoding.TextUnmarshaler); ok {
		if err := u.UnmarshalText([]byte(raw)); err != nil {
			return fmt.Errorf("cannot set %s: %w", field.Path, err)
		}
		return nil
	}

	// time.Duration is an int64 but is written as "1m30s".
	if field.Value.Type() == durationType {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("cannot parse duration %s: %w", field.Path, err)
		}
		field.Value.SetInt(int64(d))
		return nil
	}

	switch field.Value.Kind() {
	case reflect.String:
		field.Value.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("cannot set %s: %w", field.Path, err)
		}
		field.Value.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, field.Value.Type().Bits())
		if err != nil {
			return fmt.Errorf("cannot set %s: %w", field.Path, err)
		}
		field.Value.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(raw, 10, field.Value.Type().Bits())
		if err != nil {
			return fmt.Errorf("cannot set %s: %w", field.Path, err)
		}
		field.Value.SetUint(n)
	case reflect.Float64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("cannot set %s: %w", field.Path, err)
		}
		field.Value.SetFloat(f)
	default:
		return fmt.Errorf("cannot set %s: unimplemented kind %s", field.Path, field.Value.Kind())
	}
	return nil
}
