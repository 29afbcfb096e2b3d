package config

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Verification VerificationConfig `yaml:"verification"`
	Health       HealthConfig       `yaml:"health"`
	Planner      PlannerConfig      `yaml:"planner"`
	Feeds        FeedsConfig        `yaml:"feeds"`
	Logging      LoggingConfig      `yaml:"logging"`
	Tracing      TracingConfig      `yaml:"tracing"`
}

type ServerConfig struct {
	Listen          string `yaml:"listen"`
	DBPath          string `yaml:"db_path"`
	AdminToken      string `yaml:"admin_token"`
	VerifyRateLimit int    `yaml:"verify_rate_limit"`
	VerifyRateWinS  int    `yaml:"verify_rate_window_s"`
}

type VerificationConfig struct {
	ValidityDays    int     `yaml:"validity_days"`
	PassThreshold   float64 `yaml:"pass_threshold"`
	QuestionCount   int     `yaml:"question_count"`
	MaxAttempts     int     `yaml:"max_attempts"` // 0 = unlimited retries
	ChallengeTTLMin int     `yaml:"challenge_ttl_min"`
}

type HealthConfig struct {
	StartFailureWeight float64 `yaml:"start_failure_weight"`
	TestFailureWeight  float64 `yaml:"test_failure_weight"`
	RecoveryFactor     float64 `yaml:"recovery_factor"`
	HealthyThreshold   float64 `yaml:"healthy_threshold"`
	FailingThreshold   float64 `yaml:"failing_threshold"`
}

type PlannerConfig struct {
	FailureThreshold int    `yaml:"failure_threshold"`
	DefaultAgent     string `yaml:"default_agent"`
}

type FeedsConfig struct {
	MetadataPath  string `yaml:"metadata_path"`
	OwnersPath    string `yaml:"owners_path"`
	QuestionsPath string `yaml:"questions_path"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"`
	LogSpans    bool    `yaml:"log_spans"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:          ":8080",
			DBPath:          "warden.db",
			VerifyRateLimit: 0,
			VerifyRateWinS:  60,
		},
		Verification: VerificationConfig{
			ValidityDays:    30,
			PassThreshold:   0.8,
			QuestionCount:   5,
			MaxAttempts:     0,
			ChallengeTTLMin: 15,
		},
		Health: HealthConfig{
			StartFailureWeight: 25,
			TestFailureWeight:  10,
			RecoveryFactor:     0.5,
			HealthyThreshold:   80,
			FailingThreshold:   40,
		},
		Planner: PlannerConfig{
			FailureThreshold: 3,
			DefaultAgent:     "dev-agent",
		},
		Feeds: FeedsConfig{
			MetadataPath:  "feeds/components.yaml",
			OwnersPath:    "feeds/owners.yaml",
			QuestionsPath: "feeds/questions.yaml",
		},
		Logging: LoggingConfig{
			Level: "info",
			JSON:  false,
		},
		Tracing: TracingConfig{
			Endpoint:    "",
			Insecure:    false,
			SampleRatio: 1,
			LogSpans:    false,
		},
	}
}

// Load reads config from file with env var overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		}
	}

	if listen := os.Getenv("WARDEN_LISTEN"); listen != "" {
		cfg.Server.Listen = listen
	}
	if dbPath := os.Getenv("WARDEN_DB"); dbPath != "" {
		cfg.Server.DBPath = dbPath
	}
	if token := os.Getenv("WARDEN_ADMIN_TOKEN"); token != "" {
		cfg.Server.AdminToken = token
	}
	if level := os.Getenv("WARDEN_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if agent := os.Getenv("WARDEN_DEFAULT_AGENT"); agent != "" {
		cfg.Planner.DefaultAgent = agent
	}
	if days := os.Getenv("WARDEN_VALIDITY_DAYS"); days != "" {
		if n, err := strconv.Atoi(days); err == nil && n > 0 {
			cfg.Verification.ValidityDays = n
		}
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return ErrMissingListen
	}
	if c.Server.DBPath == "" {
		return ErrMissingDBPath
	}
	if c.Planner.DefaultAgent == "" {
		return ErrMissingDefaultAgent
	}
	if c.Verification.PassThreshold <= 0 || c.Verification.PassThreshold > 1 {
		return &Error{"verification pass threshold must be in (0, 1]"}
	}
	if c.Verification.ValidityDays <= 0 {
		c.Verification.ValidityDays = 30
	}
	if c.Verification.QuestionCount <= 0 {
		c.Verification.QuestionCount = 5
	}
	if c.Verification.ChallengeTTLMin <= 0 {
		c.Verification.ChallengeTTLMin = 15
	}
	if c.Verification.MaxAttempts < 0 {
		c.Verification.MaxAttempts = 0
	}
	if c.Health.StartFailureWeight < c.Health.TestFailureWeight {
		return &Error{"start failures must weigh at least as much as test failures"}
	}
	if c.Health.RecoveryFactor <= 0 || c.Health.RecoveryFactor >= 1 {
		c.Health.RecoveryFactor = 0.5
	}
	if c.Health.FailingThreshold >= c.Health.HealthyThreshold {
		return &Error{"failing threshold must be below healthy threshold"}
	}
	if c.Planner.FailureThreshold <= 0 {
		c.Planner.FailureThreshold = 3
	}
	if c.Tracing.SampleRatio <= 0 || c.Tracing.SampleRatio > 1 {
		c.Tracing.SampleRatio = 1
	}
	return nil
}

var (
	ErrMissingListen       = &Error{"server listen address is required"}
	ErrMissingDBPath       = &Error{"database path is required"}
	ErrMissingDefaultAgent = &Error{"planner default agent is required"}
)

type Error struct {
	Message string
}

func (e *Error) Error() string {
	return e.Message
}
