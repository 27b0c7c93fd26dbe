// Package config defines the service configuration for zipserve.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"
	"github.com/samber/lo"
)

// Archiver kinds understood by the service.
const (
	ArchiverCommand = "zip"
	ArchiverBuiltin = "builtin"
)

// DefaultChunkSize is the source chunk size in bytes (500 KB).
const DefaultChunkSize = 500_000

var defaultValidator = validator.New(validator.WithRequiredStructEnabled())

// Config holds the process-wide service configuration. It is assembled once
// at startup (defaults, then an optional YAML file, then flags) and read-only
// afterwards.
type Config struct {
	// Listen is the address the HTTP server binds to.
	Listen string `yaml:"listen" validate:"required"`

	// Root is the directory whose subdirectories are served as archives,
	// one subdirectory per archive identifier.
	Root string `yaml:"root" validate:"required"`

	// IndexFile is the path of the static page served at /.
	IndexFile string `yaml:"index_file" validate:"required"`

	// ChunkSize is the maximum number of bytes read from the archiver and
	// written to the response per iteration.
	ChunkSize int `yaml:"chunk_size" validate:"gt=0"`

	// Delay is an artificial pause inserted between successive chunk
	// writes. Zero disables the throttle.
	Delay time.Duration `yaml:"delay" validate:"min=0"`

	// Archiver selects how archive bytes are produced: "zip" spawns the
	// external command, "builtin" writes the zip stream in-process.
	Archiver string `yaml:"archiver" validate:"oneof=zip builtin"`

	// ZipCommand is the argv of the external archiver. It runs with the
	// resolved directory as its working directory and must write the
	// archive to stdout.
	ZipCommand []string `yaml:"zip_command" validate:"min=1,dive,required"`
}

// Default returns the configuration the service starts from before any file
// or flag overrides.
func Default() Config {
	return Config{
		Listen:     ":8080",
		IndexFile:  "index.html",
		ChunkSize:  DefaultChunkSize,
		Archiver:   ArchiverCommand,
		ZipCommand: []string{"zip", "-r", "-", "."},
	}
}

// fileConfig mirrors Config for YAML unmarshaling. Delay is a string so the
// file can say "500ms" or "2s" rather than nanoseconds.
type fileConfig struct {
	Listen     string   `yaml:"listen"`
	Root       string   `yaml:"root"`
	IndexFile  string   `yaml:"index_file"`
	ChunkSize  int      `yaml:"chunk_size"`
	Delay      string   `yaml:"delay"`
	Archiver   string   `yaml:"archiver"`
	ZipCommand []string `yaml:"zip_command"`
}

// LoadFile overlays the YAML file at path onto c. Fields absent from the
// file keep their current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	c.Listen = lo.CoalesceOrEmpty(fc.Listen, c.Listen)
	c.Root = lo.CoalesceOrEmpty(fc.Root, c.Root)
	c.IndexFile = lo.CoalesceOrEmpty(fc.IndexFile, c.IndexFile)
	c.ChunkSize = lo.CoalesceOrEmpty(fc.ChunkSize, c.ChunkSize)
	c.Archiver = lo.CoalesceOrEmpty(fc.Archiver, c.Archiver)
	if len(fc.ZipCommand) > 0 {
		c.ZipCommand = fc.ZipCommand
	}
	if fc.Delay != "" {
		d, err := time.ParseDuration(fc.Delay)
		if err != nil {
			return fmt.Errorf("parse delay: %w", err)
		}
		c.Delay = d
	}

	return nil
}

// Validate checks the assembled configuration and returns a readable error
// listing every failed field.
func (c *Config) Validate() error {
	if err := defaultValidator.Struct(c); err != nil {
		return formatValidationError(err)
	}
	return nil
}

func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) {
		var sb strings.Builder
		sb.WriteString(fmt.Sprintf("configuration has %d validation error(s):", len(validationErrs)))
		for _, fe := range validationErrs {
			sb.WriteString(fmt.Sprintf("\n  • %s: failed '%s' validation", fe.Namespace(), fe.Tag()))
			if fe.Param() != "" {
				sb.WriteString(fmt.Sprintf(" (param: %s)", fe.Param()))
			}
		}
		return errors.New(sb.String())
	}
	return err
}
