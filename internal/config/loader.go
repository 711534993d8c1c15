package config

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ConfigError describes which loading stage failed.
type ConfigError struct {
	Type    ConfigErrorType
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

func (e *ConfigError) Unwrap() error { return e.Err }

const (
	ssmParamSuffix = "_SSM_PARAM"
	localEnv       = "local"
	ssmTimeout     = 20 * time.Second
)

// environment abstracts the process environment so tests do not mutate it.
type environment struct {
	lookup func(string) (string, bool)
	set    func(string, string) error
	list   func() []string
}

func osEnvironment() environment {
	return environment{lookup: os.LookupEnv, set: os.Setenv, list: os.Environ}
}

// Load reads .env, resolves SSM pointers (outside local), populates Config
// from the environment and validates it. provider may be nil for local runs.
func Load(provider SecretProvider) (*Config, error) {
	return load(provider, osEnvironment())
}

func load(provider SecretProvider, env environment) (*Config, error) {
	time.Local = time.UTC
	_ = godotenv.Load()

	if appEnv, _ := env.lookup("APP_ENV"); appEnv != localEnv {
		if err := resolveSSM(provider, env); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &ConfigError{Type: ErrParsing, Message: "failed to process environment", Err: err}
	}
	cfg.Build = NewBuildInfo()

	if err := validator.New().Struct(cfg); err != nil {
		return nil, &ConfigError{Type: ErrValidation, Message: "configuration validation failed", Err: err}
	}
	return &cfg, nil
}

// resolveSSM looks for FOO_SSM_PARAM=/path variables and sets FOO to the
// parameter value. Variables already present in the environment win.
func resolveSSM(provider SecretProvider, env environment) error {
	targets := make(map[string]string) // ssm path -> env var
	for _, entry := range env.list() {
		key, path, ok := strings.Cut(entry, "=")
		if !ok || !strings.HasSuffix(key, ssmParamSuffix) || path == "" {
			continue
		}
		target := strings.TrimSuffix(key, ssmParamSuffix)
		if _, set := env.lookup(target); set {
			continue
		}
		targets[path] = target
	}
	if len(targets) == 0 {
		return nil
	}

	paths := make([]string, 0, len(targets))
	for p := range targets {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	if provider == nil {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("no secret provider for %d SSM parameters", len(paths)),
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), ssmTimeout)
	defer cancel()

	values, err := provider.GetParametersBatch(ctx, paths)
	if err != nil {
		return &ConfigError{Type: ErrSSMResolution, Message: "failed to fetch SSM parameters", Err: err}
	}

	var missing []string
	for _, p := range paths {
		v, ok := values[p]
		if !ok {
			missing = append(missing, targets[p])
			continue
		}
		if err := env.set(targets[p], v); err != nil {
			return &ConfigError{Type: ErrSSMResolution, Message: "failed to set " + targets[p], Err: err}
		}
	}
	if len(missing) > 0 {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: "SSM parameters not found for: " + strings.Join(missing, ", "),
		}
	}
	return nil
}
