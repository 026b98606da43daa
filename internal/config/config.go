package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config carries the full service configuration.
type Config struct {
	// ListenAddr is the HTTP bind address, e.g. ":5000".
	ListenAddr string `mapstructure:"listen_addr"`

	// Backend selects the commit-graph store: "git" or "postgres".
	Backend string `mapstructure:"backend"`

	// DatabaseURL is the Postgres connection string. Required for the
	// postgres backend, the task store and the label store.
	DatabaseURL string `mapstructure:"database_url"`

	// RepoBaseDir is where the git backend keeps one repository per task.
	RepoBaseDir string `mapstructure:"repo_base_dir"`

	// GeneratedFilesDir holds artifacts written by tools during execution.
	GeneratedFilesDir string `mapstructure:"generated_files_dir"`

	// CORSOrigins lists allowed origins for browser clients.
	CORSOrigins []string `mapstructure:"cors_origins"`

	LLM LLMSettings `mapstructure:"llm"`

	Queue QueueSettings `mapstructure:"queue"`

	// VMSpecPath optionally points to a markdown file describing the
	// instruction set, injected into generation prompts. A built-in
	// description is used when empty.
	VMSpecPath string `mapstructure:"vm_spec_path"`

	// PlanExamplePath optionally points to a markdown file with few-shot
	// plan examples injected into the generation prompt.
	PlanExamplePath string `mapstructure:"plan_example_path"`

	// LabelsSeedPath optionally points to a YAML file declaring namespaces
	// and their label forests, applied at startup when the label store is
	// available.
	LabelsSeedPath string `mapstructure:"labels_seed_path"`

	// BestPlanCacheSimilarity is the goal-similarity cutoff for cache hits.
	BestPlanCacheSimilarity float64 `mapstructure:"best_plan_cache_similarity"`
}

// LLMSettings configures the model endpoints.
type LLMSettings struct {
	Provider string `mapstructure:"provider"`
	BaseURL  string `mapstructure:"base_url"`
	APIKey   string `mapstructure:"api_key"`
	// Model drives plan generation and in-plan calls.
	Model string `mapstructure:"model"`
	// ReasoningModel drives jump-condition evaluation and plan updates.
	// Falls back to Model when empty.
	ReasoningModel string `mapstructure:"reasoning_model"`
	// EvaluationModel drives answer judging in the optimizer. Falls back
	// to Model when empty.
	EvaluationModel string `mapstructure:"evaluation_model"`
	TimeoutSeconds  int    `mapstructure:"timeout_seconds"`
	MaxRetries      int    `mapstructure:"max_retries"`
}

// QueueSettings configures the background task queue.
type QueueSettings struct {
	Workers int           `mapstructure:"workers"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Load reads configuration from an optional YAML file and the environment.
// Environment variables use the STACKVM_ prefix with underscores, e.g.
// STACKVM_DATABASE_URL, STACKVM_LLM_API_KEY.
func Load(configFile string) (*Config, error) {
	v := viper.New()

	v.SetDefault("listen_addr", ":5000")
	v.SetDefault("backend", "git")
	v.SetDefault("repo_base_dir", "task_repos")
	v.SetDefault("generated_files_dir", "generated_files")
	v.SetDefault("cors_origins", []string{"*"})
	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.timeout_seconds", 120)
	v.SetDefault("llm.max_retries", 3)
	v.SetDefault("queue.workers", 4)
	v.SetDefault("queue.timeout", 30*time.Minute)
	v.SetDefault("best_plan_cache_similarity", 0.95)

	v.SetEnvPrefix("STACKVM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("stackvm")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.stackvm")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.LLM.ReasoningModel == "" {
		cfg.LLM.ReasoningModel = cfg.LLM.Model
	}
	if cfg.LLM.EvaluationModel == "" {
		cfg.LLM.EvaluationModel = cfg.LLM.Model
	}

	return &cfg, cfg.Validate()
}

// Validate checks cross-field requirements.
func (c *Config) Validate() error {
	switch c.Backend {
	case "git":
		if c.RepoBaseDir == "" {
			return fmt.Errorf("repo_base_dir is required for the git backend")
		}
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("database_url is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown backend %q (want git or postgres)", c.Backend)
	}
	if c.Queue.Workers <= 0 {
		return fmt.Errorf("queue.workers must be positive")
	}
	return nil
}
