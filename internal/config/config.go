// Package config loads process configuration from an optional YAML file,
// a .env file and the environment, in increasing order of precedence.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"corebridge/internal/platform/scheduler"
)

// Config holds application configuration values.
type Config struct {
	Env string `yaml:"env" validate:"required,oneof=dev prod"`
	DB  struct {
		Path          string `yaml:"path" validate:"required"`
		SchemaVersion uint64 `yaml:"schema_version"`
		// EncryptionKey is hex encoded.
		EncryptionKey string `yaml:"encryption_key" validate:"omitempty,hexadecimal,len=128"`
	} `yaml:"db"`
	Dispatch struct {
		QueueSize int `yaml:"queue_size" validate:"gte=1"`
	} `yaml:"dispatch"`
	Workers struct {
		PoolSize  int `yaml:"pool_size" validate:"gte=1,lte=256"`
		QueueSize int `yaml:"queue_size" validate:"gte=1"`
	} `yaml:"workers"`
	Notify struct {
		Policy string `yaml:"policy" validate:"oneof=coalesce buffered"`
		Buffer int    `yaml:"buffer" validate:"gte=0"`
	} `yaml:"notify"`
	Schedule struct {
		Sweep   string `yaml:"sweep" validate:"omitempty,schedule"`
		Compact string `yaml:"compact" validate:"omitempty,schedule"`
	} `yaml:"schedule"`
	HTTP struct {
		Addr string `yaml:"addr" validate:"omitempty,hostname_port"`
	} `yaml:"http"`
	Log struct {
		ConsoleLevel string `yaml:"console_level" validate:"required,oneof=debug info warn error"`
		FileLevel    string `yaml:"file_level" validate:"required,oneof=debug info warn error"`
		File         string `yaml:"file"`
	} `yaml:"log"`
}

// Key decodes DB.EncryptionKey.
func (c Config) Key() []byte {
	if c.DB.EncryptionKey == "" {
		return nil
	}
	key, _ := hex.DecodeString(c.DB.EncryptionKey)
	return key
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("schedule", func(fl validator.FieldLevel) bool {
		return scheduler.ParseSchedule(fl.Field().String()) == nil
	})
	return v
}

// Default returns the built-in values.
func Default() Config {
	var c Config
	c.Env = "prod"
	c.DB.Path = "data/corebridge.db"
	c.Dispatch.QueueSize = 256
	c.Workers.PoolSize = 4
	c.Workers.QueueSize = 64
	c.Notify.Policy = "coalesce"
	c.Notify.Buffer = 16
	c.Schedule.Sweep = "@every 1m"
	c.Schedule.Compact = "@every 10m"
	c.Log.ConsoleLevel = "info"
	c.Log.FileLevel = "debug"
	c.Log.File = "data/logs/corebridge.log"
	return c
}

// Load reads the .env file if present, then the YAML file named by
// CONFIG_FILE, then environment variables. Empty variables are ignored.
func Load() (Config, error) {
	return LoadFrom("")
}

// LoadFrom is Load with an explicit YAML file that takes the place of
// CONFIG_FILE when not empty.
func LoadFrom(path string) (Config, error) {
	_ = godotenv.Load()

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	c := Default()
	if path != "" {
		if err := c.loadFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := c.loadEnv(); err != nil {
		return Config{}, err
	}
	c.Notify.Policy = strings.ToLower(c.Notify.Policy)
	c.Log.ConsoleLevel = strings.ToLower(c.Log.ConsoleLevel)
	c.Log.FileLevel = strings.ToLower(c.Log.FileLevel)

	if err := validate.Struct(c); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("config file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	return nil
}

// envKeys lists every variable loadEnv reads.
var envKeys = []string{
	"ENV", "DB_PATH", "DB_SCHEMA_VERSION", "DB_ENCRYPTION_KEY",
	"DISPATCH_QUEUE_SIZE", "WORKER_POOL_SIZE", "WORKER_QUEUE_SIZE",
	"NOTIFY_POLICY", "NOTIFY_BUFFER", "SWEEP_SCHEDULE", "COMPACT_SCHEDULE",
	"HTTP_ADDR", "LOG_CONSOLE_LEVEL", "LOG_FILE_LEVEL", "LOG_FILE",
}

func (c *Config) loadEnv() error {
	str := map[string]*string{
		"ENV":               &c.Env,
		"DB_PATH":           &c.DB.Path,
		"DB_ENCRYPTION_KEY": &c.DB.EncryptionKey,
		"NOTIFY_POLICY":     &c.Notify.Policy,
		"SWEEP_SCHEDULE":    &c.Schedule.Sweep,
		"COMPACT_SCHEDULE":  &c.Schedule.Compact,
		"HTTP_ADDR":         &c.HTTP.Addr,
		"LOG_CONSOLE_LEVEL": &c.Log.ConsoleLevel,
		"LOG_FILE_LEVEL":    &c.Log.FileLevel,
		"LOG_FILE":          &c.Log.File,
	}
	for k, p := range str {
		if v := os.Getenv(k); v != "" {
			*p = v
		}
	}

	ints := map[string]*int{
		"DISPATCH_QUEUE_SIZE": &c.Dispatch.QueueSize,
		"WORKER_POOL_SIZE":    &c.Workers.PoolSize,
		"WORKER_QUEUE_SIZE":   &c.Workers.QueueSize,
		"NOTIFY_BUFFER":       &c.Notify.Buffer,
	}
	var errs []error
	for k, p := range ints {
		v := os.Getenv(k)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", k, err))
			continue
		}
		*p = n
	}
	if v := os.Getenv("DB_SCHEMA_VERSION"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("DB_SCHEMA_VERSION: %w", err))
		}
		c.DB.SchemaVersion = n
	}
	return errors.Join(errs...)
}
