package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/basket/gatekeeper/internal/otel"
	"github.com/basket/gatekeeper/internal/quality"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// RulesConfig controls the rule evaluator.
type RulesConfig struct {
	Enabled        bool   `yaml:"enabled"`
	File           string `yaml:"file"` // rule pack; default <home>/rules.yaml
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// PrinciplesConfig controls the principle scorer.
type PrinciplesConfig struct {
	Enabled      bool               `yaml:"enabled"`
	Weights      map[string]float64 `yaml:"weights"`
	MinAlignment float64            `yaml:"min_alignment"`
	// IndicatorsFile overrides the built-in keyword indicators.
	IndicatorsFile string `yaml:"indicators_file"`
}

// ParticipantConfig declares one guardian taking part in a coordination task.
type ParticipantConfig struct {
	Type      string   `yaml:"type"`
	Role      string   `yaml:"role"`
	Weight    float64  `yaml:"weight"`
	DependsOn []string `yaml:"depends_on"`
}

// TaskConfig declares a coordination task created at startup.
type TaskConfig struct {
	ID                  string              `yaml:"id"`
	Name                string              `yaml:"name"`
	Pattern             string              `yaml:"pattern"`
	Priority            int                 `yaml:"priority"`
	Participants        []ParticipantConfig `yaml:"participants"`
	TimeoutSeconds      int                 `yaml:"timeout_seconds"`
	RetryAttempts       int                 `yaml:"retry_attempts"`
	RequireConsensus    bool                `yaml:"require_consensus"`
	ConsensusThreshold  float64             `yaml:"consensus_threshold"`
	AllowPartialSuccess bool                `yaml:"allow_partial_success"`
	MinSuccessful       int                 `yaml:"min_successful"`
	MinOverallScore     float64             `yaml:"min_overall_score"`
	MinAlignment        float64             `yaml:"min_alignment"`
	Critical            []string            `yaml:"critical"`
}

// CoordinatorConfig controls the cross-component coordinator.
type CoordinatorConfig struct {
	Enabled                   bool         `yaml:"enabled"`
	MaxConcurrentTasks        int          `yaml:"max_concurrent_tasks"`
	ConsensusEnabled          bool         `yaml:"consensus_enabled"`
	DefaultConsensusThreshold float64      `yaml:"default_consensus_threshold"`
	DefaultTimeoutSeconds     int          `yaml:"default_timeout_seconds"`
	Tasks                     []TaskConfig `yaml:"tasks"`
}

// BackupConfig controls the backup store.
type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Dir           string `yaml:"dir"` // default <home>/backups
	RetentionDays int    `yaml:"retention_days"`
	Compress      bool   `yaml:"compress"`
}

// RollbackConfig controls automatic rollback.
type RollbackConfig struct {
	Enabled        bool `yaml:"enabled"`
	OnFailure      bool `yaml:"on_failure"`
	TimeoutMinutes int  `yaml:"timeout_minutes"` // 0 disables timed rollback
}

// AutoFixConfig controls the auto-fix engine.
type AutoFixConfig struct {
	Enabled                 bool           `yaml:"enabled"`
	RiskThreshold           string         `yaml:"risk_threshold"`
	ApprovalRisks           []string       `yaml:"approval_risks"`
	MaxFixesPerSession      int            `yaml:"max_fixes_per_session"`
	Backups                 BackupConfig   `yaml:"backups"`
	Rollback                RollbackConfig `yaml:"rollback"`
	ValidateAfterFix        bool           `yaml:"validate_after_fix"`
	RequiredValidationScore float64        `yaml:"required_validation_score"`
	PrincipleValidation     bool           `yaml:"principle_validation"`
	RequiredAlignment       float64        `yaml:"required_alignment"`
	InstallCommand          []string       `yaml:"install_command"`
	InstallTimeoutSeconds   int            `yaml:"install_timeout_seconds"`
}

// ConditionConfig declares one condition of a conditional schedule.
type ConditionConfig struct {
	ID          string   `yaml:"id"`
	Type        string   `yaml:"type"`
	Operator    string   `yaml:"operator"`
	Threshold   float64  `yaml:"threshold"`
	Value       string   `yaml:"value"`
	Metric      string   `yaml:"metric"`
	Principle   string   `yaml:"principle"`
	Participant string   `yaml:"participant"`
	StartHour   int      `yaml:"start_hour"`
	EndHour     int      `yaml:"end_hour"`
	Days        []string `yaml:"days"`
	Patterns    []string `yaml:"patterns"`
	SinceMins   int      `yaml:"since_minutes"`
	ChangeType  string   `yaml:"change_type"`
	Predicate   string   `yaml:"predicate"` // registered Go predicate or WASM module name
	Weight      float64  `yaml:"weight"`
}

// ScheduleConfig declares a schedule created at startup.
type ScheduleConfig struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Kind        string   `yaml:"kind"`
	Enabled     bool     `yaml:"enabled"`
	Priority    int      `yaml:"priority"`
	Timezone    string   `yaml:"timezone"`
	Targets     []string `yaml:"targets"`
	Mode        string   `yaml:"mode"`

	IntervalMinutes int `yaml:"interval_minutes"`
	MaxExecutions   int `yaml:"max_executions"`

	Cron            string `yaml:"cron"`
	AllowConcurrent bool   `yaml:"allow_concurrent"`

	Events          []string `yaml:"events"`
	DebounceSeconds int      `yaml:"debounce_seconds"`
	CooldownSeconds int      `yaml:"cooldown_seconds"`

	BaseMinutes      int     `yaml:"base_minutes"`
	MinMinutes       int     `yaml:"min_minutes"`
	MaxMinutes       int     `yaml:"max_minutes"`
	AdaptationFactor float64 `yaml:"adaptation_factor"`
	LearningPeriod   int     `yaml:"learning_period"`

	Conditions        []ConditionConfig `yaml:"conditions"`
	EvaluationSeconds int               `yaml:"evaluation_seconds"`
	RequireAll        bool              `yaml:"require_all"`
}

// SchedulerConfig controls the intelligent scheduler.
type SchedulerConfig struct {
	Enabled                 bool             `yaml:"enabled"`
	DefaultIntervalMinutes  int              `yaml:"default_interval_minutes"`
	MaxSchedules            int              `yaml:"max_schedules"`
	AdaptiveLearning        bool             `yaml:"adaptive_learning"`
	ConditionPollSeconds    int              `yaml:"condition_poll_seconds"`
	AnalysisIntervalMinutes int              `yaml:"analysis_interval_minutes"`
	SuccessCeilingMs        int              `yaml:"success_ceiling_ms"`
	WatchWorkspace          bool             `yaml:"watch_workspace"`
	PredicateDir            string           `yaml:"predicate_dir"` // *.wasm custom predicates
	Schedules               []ScheduleConfig `yaml:"schedules"`
}

// IntegrationConfig controls the validation integration engine.
type IntegrationConfig struct {
	PipelineMode           string             `yaml:"pipeline_mode"`
	ErrorHandling          string             `yaml:"error_handling"`
	Aggregation            string             `yaml:"aggregation"`
	Weights                map[string]float64 `yaml:"weights"`
	CoordinationPaths      []string           `yaml:"coordination_paths"`
	CoordinationTask       string             `yaml:"coordination_task"`
	AutoFixScoreFloor      float64            `yaml:"autofix_score_floor"`
	AutoFixOnCritical      bool               `yaml:"autofix_on_critical"`
	DurationCeilingMs      int                `yaml:"duration_ceiling_ms"`
	HistoryLimit           int                `yaml:"history_limit"`
	PrincipleKeywords      []string           `yaml:"principle_keywords"`
	PerformancePaths       []string           `yaml:"performance_paths"`
	LargePayloadBytes      int                `yaml:"large_payload_bytes"`
	MaxConcurrentPipelines int                `yaml:"max_concurrent_pipelines"`
	ShutdownTimeoutSeconds int                `yaml:"shutdown_timeout_seconds"`
}

// RetentionConfig sets how long persisted records are kept (days, 0 = forever).
type RetentionConfig struct {
	RunsDays       int `yaml:"runs_days"`
	ExecutionsDays int `yaml:"executions_days"`
	AuditDays      int `yaml:"audit_days"`
}

type Config struct {
	HomeDir string `yaml:"-"`
	// NeedsInit is set when no config.yaml exists yet.
	NeedsInit bool `yaml:"-"`

	LogLevel      string `yaml:"log_level"`
	DBPath        string `yaml:"db_path"`
	WorkspaceRoot string `yaml:"workspace_root"`
	PolicyFile    string `yaml:"policy_file"`

	Rules       RulesConfig       `yaml:"rules"`
	Principles  PrinciplesConfig  `yaml:"principles"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	AutoFix     AutoFixConfig     `yaml:"autofix"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Integration IntegrationConfig `yaml:"integration"`
	Retention   RetentionConfig   `yaml:"retention"`
	OTel        otel.Config       `yaml:"otel"`
}

// Fingerprint returns a stable hash of the settings that change run outcomes.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "mode=%s|errors=%s|agg=%s|risk=%s|fixes=%d|align=%.4f|rules=%t|principles=%t|coord=%t|autofix=%t",
		c.Integration.PipelineMode, c.Integration.ErrorHandling, c.Integration.Aggregation,
		c.AutoFix.RiskThreshold, c.AutoFix.MaxFixesPerSession, c.Principles.MinAlignment,
		c.Rules.Enabled, c.Principles.Enabled, c.Coordinator.Enabled, c.AutoFix.Enabled)
	keys := make([]string, 0, len(c.Principles.Weights))
	for k := range c.Principles.Weights {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "|%s=%.4f", k, c.Principles.Weights[k])
	}
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// PrincipleWeights converts the configured weights to quality.Weights.
func (c Config) PrincipleWeights() quality.Weights {
	w := make(quality.Weights, len(c.Principles.Weights))
	for k, v := range c.Principles.Weights {
		w[quality.Principle(k)] = v
	}
	return w
}

// AnyComponentEnabled reports whether at least one pipeline component is on.
func (c Config) AnyComponentEnabled() bool {
	return c.Rules.Enabled || c.Principles.Enabled || c.Coordinator.Enabled || c.AutoFix.Enabled
}

func defaultConfig() Config {
	weights := make(map[string]float64)
	for p, v := range quality.DefaultWeights() {
		weights[string(p)] = v
	}
	return Config{
		LogLevel: "info",
		Rules: RulesConfig{
			Enabled:        true,
			TimeoutSeconds: 30,
		},
		Principles: PrinciplesConfig{
			Enabled:      true,
			Weights:      weights,
			MinAlignment: 0.6,
		},
		Coordinator: CoordinatorConfig{
			Enabled:                   true,
			MaxConcurrentTasks:        5,
			ConsensusEnabled:          true,
			DefaultConsensusThreshold: 0.7,
			DefaultTimeoutSeconds:     300,
		},
		AutoFix: AutoFixConfig{
			Enabled:            false,
			RiskThreshold:      "low",
			ApprovalRisks:      []string{"high"},
			MaxFixesPerSession: 10,
			Backups: BackupConfig{
				Enabled:       true,
				RetentionDays: 30,
				Compress:      true,
			},
			Rollback: RollbackConfig{
				Enabled:   true,
				OnFailure: true,
			},
			ValidateAfterFix:        true,
			RequiredValidationScore: 0.7,
			PrincipleValidation:     false,
			RequiredAlignment:       0.6,
			InstallTimeoutSeconds:   300,
		},
		Scheduler: SchedulerConfig{
			Enabled:                 true,
			DefaultIntervalMinutes:  60,
			MaxSchedules:            50,
			AdaptiveLearning:        true,
			ConditionPollSeconds:    30,
			AnalysisIntervalMinutes: 60,
			SuccessCeilingMs:        5000,
		},
		Integration: IntegrationConfig{
			PipelineMode:  "adaptive",
			ErrorHandling: "tolerant",
			Aggregation:   "weighted",
			Weights: map[string]float64{
				"principles":   0.30,
				"rules":        0.25,
				"coordination": 0.20,
				"autofix":      0.15,
				"scheduling":   0.10,
			},
			CoordinationPaths:      []string{"component", "page"},
			AutoFixScoreFloor:      0.6,
			AutoFixOnCritical:      true,
			DurationCeilingMs:      5000,
			HistoryLimit:           100,
			PrincipleKeywords:      []string{"philosophy", "principle"},
			PerformancePaths:       []string{"performance", "optimization"},
			LargePayloadBytes:      10000,
			MaxConcurrentPipelines: 4,
			ShutdownTimeoutSeconds: 30,
		},
		Retention: RetentionConfig{
			RunsDays:       90,
			ExecutionsDays: 90,
			AuditDays:      365,
		},
	}
}

// Default returns the built-in configuration rooted at homeDir.
func Default(homeDir string) Config {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir
	normalize(&cfg)
	return cfg
}

func HomeDir() string {
	if override := os.Getenv("GATEKEEPER_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".gatekeeper")
}

// ConfigPath returns the config.yaml path inside homeDir.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create gatekeeper home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsInit = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "gatekeeper.db")
	}
	if cfg.WorkspaceRoot == "" {
		if wd, err := os.Getwd(); err == nil {
			cfg.WorkspaceRoot = wd
		} else {
			cfg.WorkspaceRoot = "."
		}
	}
	if cfg.PolicyFile == "" {
		cfg.PolicyFile = filepath.Join(cfg.HomeDir, "policy.yaml")
	}
	if cfg.Rules.File == "" {
		cfg.Rules.File = filepath.Join(cfg.HomeDir, "rules.yaml")
	}
	if cfg.Rules.TimeoutSeconds <= 0 {
		cfg.Rules.TimeoutSeconds = 30
	}
	if len(cfg.Principles.Weights) == 0 {
		cfg.Principles.Weights = defaultConfig().Principles.Weights
	}
	if cfg.Coordinator.MaxConcurrentTasks <= 0 {
		cfg.Coordinator.MaxConcurrentTasks = 5
	}
	if cfg.Coordinator.DefaultConsensusThreshold <= 0 {
		cfg.Coordinator.DefaultConsensusThreshold = 0.7
	}
	if cfg.Coordinator.DefaultTimeoutSeconds <= 0 {
		cfg.Coordinator.DefaultTimeoutSeconds = 300
	}
	if cfg.AutoFix.RiskThreshold == "" {
		cfg.AutoFix.RiskThreshold = "low"
	}
	cfg.AutoFix.RiskThreshold = strings.ToLower(strings.TrimSpace(cfg.AutoFix.RiskThreshold))
	if cfg.AutoFix.Backups.Dir == "" {
		cfg.AutoFix.Backups.Dir = filepath.Join(cfg.HomeDir, "backups")
	}
	if cfg.AutoFix.InstallTimeoutSeconds <= 0 {
		cfg.AutoFix.InstallTimeoutSeconds = 300
	}
	if cfg.Scheduler.DefaultIntervalMinutes <= 0 {
		cfg.Scheduler.DefaultIntervalMinutes = 60
	}
	if cfg.Scheduler.ConditionPollSeconds <= 0 {
		cfg.Scheduler.ConditionPollSeconds = 30
	}
	if cfg.Scheduler.AnalysisIntervalMinutes <= 0 {
		cfg.Scheduler.AnalysisIntervalMinutes = 60
	}
	if cfg.Scheduler.SuccessCeilingMs <= 0 {
		cfg.Scheduler.SuccessCeilingMs = 5000
	}
	if cfg.Scheduler.PredicateDir == "" {
		cfg.Scheduler.PredicateDir = filepath.Join(cfg.HomeDir, "predicates")
	}
	in := &cfg.Integration
	in.PipelineMode = strings.ToLower(strings.TrimSpace(in.PipelineMode))
	if in.PipelineMode == "" {
		in.PipelineMode = "adaptive"
	}
	in.ErrorHandling = strings.ToLower(strings.TrimSpace(in.ErrorHandling))
	if in.ErrorHandling == "" {
		in.ErrorHandling = "tolerant"
	}
	in.Aggregation = strings.ToLower(strings.TrimSpace(in.Aggregation))
	if in.Aggregation == "" {
		in.Aggregation = "weighted"
	}
	if len(in.Weights) == 0 {
		in.Weights = defaultConfig().Integration.Weights
	}
	if in.DurationCeilingMs <= 0 {
		in.DurationCeilingMs = 5000
	}
	if in.HistoryLimit <= 0 {
		in.HistoryLimit = 100
	}
	if in.LargePayloadBytes <= 0 {
		in.LargePayloadBytes = 10000
	}
	if in.MaxConcurrentPipelines <= 0 {
		in.MaxConcurrentPipelines = 4
	}
	if in.ShutdownTimeoutSeconds <= 0 {
		in.ShutdownTimeoutSeconds = 30
	}
}

// Validate checks enums, ranges and the principle weight distribution.
func (c Config) Validate() error {
	var errs []error
	if err := c.PrincipleWeights().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("principles.weights: %w", err))
	}
	if !oneOf(c.Integration.PipelineMode, "sequential", "parallel", "adaptive") {
		errs = append(errs, fmt.Errorf("integration.pipeline_mode %q: want sequential, parallel or adaptive", c.Integration.PipelineMode))
	}
	if !oneOf(c.Integration.ErrorHandling, "strict", "tolerant", "adaptive") {
		errs = append(errs, fmt.Errorf("integration.error_handling %q: want strict, tolerant or adaptive", c.Integration.ErrorHandling))
	}
	if !oneOf(c.Integration.Aggregation, "weighted", "consensus", "best_of") {
		errs = append(errs, fmt.Errorf("integration.aggregation %q: want weighted, consensus or best_of", c.Integration.Aggregation))
	}
	for name, w := range c.Integration.Weights {
		if w < 0 {
			errs = append(errs, fmt.Errorf("integration.weights.%s is negative", name))
		}
	}
	if !oneOf(c.AutoFix.RiskThreshold, "low", "medium", "high") {
		errs = append(errs, fmt.Errorf("autofix.risk_threshold %q: want low, medium or high", c.AutoFix.RiskThreshold))
	}
	for _, r := range c.AutoFix.ApprovalRisks {
		if !oneOf(strings.ToLower(r), "low", "medium", "high") {
			errs = append(errs, fmt.Errorf("autofix.approval_risks: unknown risk %q", r))
		}
	}
	if c.AutoFix.MaxFixesPerSession < 0 {
		errs = append(errs, fmt.Errorf("autofix.max_fixes_per_session must be >= 0"))
	}
	if !inUnit(c.Principles.MinAlignment) || !inUnit(c.AutoFix.RequiredValidationScore) ||
		!inUnit(c.AutoFix.RequiredAlignment) || !inUnit(c.Integration.AutoFixScoreFloor) ||
		!inUnit(c.Coordinator.DefaultConsensusThreshold) {
		errs = append(errs, fmt.Errorf("score floors and thresholds must lie in [0,1]"))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

func oneOf(v string, options ...string) bool {
	for _, o := range options {
		if v == o {
			return true
		}
	}
	return false
}

func inUnit(v float64) bool {
	return v >= 0 && v <= 1
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("GATEKEEPER_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("GATEKEEPER_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("GATEKEEPER_WORKSPACE"); raw != "" {
		cfg.WorkspaceRoot = raw
	}
	if raw := os.Getenv("GATEKEEPER_PIPELINE_MODE"); raw != "" {
		cfg.Integration.PipelineMode = raw
	}
	if raw := os.Getenv("GATEKEEPER_AUTOFIX_ENABLED"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.AutoFix.Enabled = v
		}
	}
	if raw := os.Getenv("GATEKEEPER_MAX_FIXES_PER_SESSION"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.AutoFix.MaxFixesPerSession = v
		}
	}
	if raw := os.Getenv("GATEKEEPER_RISK_THRESHOLD"); raw != "" {
		cfg.AutoFix.RiskThreshold = raw
	}
	if raw := os.Getenv("GATEKEEPER_SCHEDULER_ENABLED"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Scheduler.Enabled = v
		}
	}
	if raw := os.Getenv("GATEKEEPER_OTEL_ENDPOINT"); raw != "" {
		cfg.OTel.Endpoint = raw
		cfg.OTel.Enabled = true
	}
}
