// Package config loads the pipeweaver.yaml runtime configuration and plan files.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"go/parser"
	"go/token"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultFile is the configuration file looked up in the working directory.
const DefaultFile = "pipeweaver.yaml"

// Config is the runtime configuration. Command line flags override it.
type Config struct {
	// StoreDir holds the content store, history log and run ledger.
	StoreDir string `yaml:"store_dir" validate:"required"`

	// Plan is the default plan file.
	Plan string `yaml:"plan" validate:"required"`

	Jobs    int  `yaml:"jobs" validate:"min=1,max=1024"`
	Recover bool `yaml:"recover"`

	FileHash  string `yaml:"file_hash" validate:"oneof=content mtime"`
	LogLevel  string `yaml:"log_level" validate:"oneof=panic fatal error warn warning info debug trace"`
	LogFormat string `yaml:"log_format" validate:"oneof=text json"`

	// MetricsFile receives build metrics in the Prometheus text format.
	MetricsFile string `yaml:"metrics_file"`

	// TraceFile receives the canonical build trace of each make run.
	TraceFile string `yaml:"trace_file"`

	CacheSize  int  `yaml:"cache_size" validate:"min=0"`
	SyncWrites bool `yaml:"sync_writes"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		StoreDir:  ".pipeweaver",
		Plan:      "plan.yaml",
		Jobs:      runtime.NumCPU(),
		FileHash:  "content",
		LogLevel:  "info",
		LogFormat: "text",
		CacheSize: 1024,
	}
}

// ValidationError holds multiple validation failures.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed:\n  - %s", strings.Join(e.Errors, "\n  - "))
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("goexpr", validateGoExpr)
	_ = v.RegisterValidation("goident", validateGoIdent)
	return v
}

// validateGoExpr accepts strings that parse as a single Go expression.
func validateGoExpr(fl validator.FieldLevel) bool {
	_, err := parser.ParseExpr(fl.Field().String())
	return err == nil
}

// validateGoIdent accepts non-keyword Go identifiers.
func validateGoIdent(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	return token.IsIdentifier(s)
}

// Validate checks v against its struct tags and returns a *ValidationError.
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describe(fe))
	}
	return &ValidationError{Errors: msgs}
}

func describe(fe validator.FieldError) string {
	field := fe.Namespace()
	if i := strings.IndexByte(field, '.'); i >= 0 {
		field = field[i+1:]
	}
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s: is required", field)
	case "min":
		return fmt.Sprintf("%s: must be at least %s", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s: must be at most %s", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s: must be one of [%s], got %q", field, fe.Param(), fmt.Sprint(fe.Value()))
	case "goexpr":
		return fmt.Sprintf("%s: %q is not a valid expression", field, fmt.Sprint(fe.Value()))
	case "goident":
		return fmt.Sprintf("%s: %q is not a valid identifier", field, fmt.Sprint(fe.Value()))
	default:
		return fmt.Sprintf("%s: failed %q validation", field, fe.Tag())
	}
}

// Load reads and validates the configuration at path on top of Default.
//
// A missing file is not an error when optional is set.
func Load(path string, optional bool) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if optional && errors.Is(err, os.ErrNotExist) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := decodeStrict(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}

// decodeStrict decodes YAML rejecting unknown keys. An empty document leaves
// dst unchanged.
func decodeStrict(data []byte, dst any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
