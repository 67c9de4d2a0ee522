package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"triagebot/internal/classify"
	"triagebot/internal/logger"
	"triagebot/internal/schedule"
	"triagebot/internal/secrets"
	"triagebot/internal/tracker"
)

const defaultExternalHTTPTimeoutSeconds = 30

type Config struct {
	SlackBotToken    string   `yaml:"slack_bot_token"`
	SlackAppToken    string   `yaml:"slack_app_token"`
	ReportChannelIDs []string `yaml:"report_channel_ids"`
	TeamChannelID    string   `yaml:"team_channel_id"`
	TriggerEmoji     string   `yaml:"trigger_emoji"`
	UrgentEmoji      string   `yaml:"urgent_emoji"`
	ResolvedEmoji    string   `yaml:"resolved_emoji"`
	InvalidEmoji     string   `yaml:"invalid_emoji"`

	// On-call, admin and infra IDs are Slack user IDs. TicketAssignees maps
	// them to user IDs in the ticketing system; unmapped people are left off
	// tickets.
	OnCallID        string            `yaml:"on_call_id"`
	AdminIDs        []string          `yaml:"admin_ids"`
	InfraIDs        []string          `yaml:"infra_ids"`
	TicketAssignees map[string]string `yaml:"ticket_assignees"`
	DocsURL         string            `yaml:"docs_url"`

	LLMProvider     string `yaml:"llm_provider"`
	LLMModel        string `yaml:"llm_model"`
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	OpenAIAPIKey    string `yaml:"openai_api_key"`
	OpenAIBaseURL   string `yaml:"openai_base_url"`

	TicketBaseURL string `yaml:"ticket_base_url"`
	TicketToken   string `yaml:"ticket_token"`
	TicketListID  string `yaml:"ticket_list_id"`

	// SourceControl picks the handoff target: "github" or "gitlab". Empty
	// selects whichever has a token.
	SourceControl string `yaml:"source_control"`
	GitHubToken   string `yaml:"github_token"`
	GitHubRepo    string `yaml:"github_repo"`
	GitLabURL     string `yaml:"gitlab_url"`
	GitLabToken   string `yaml:"gitlab_token"`
	GitLabProject string `yaml:"gitlab_project"`
	CodegenLabel  string `yaml:"codegen_label"`

	DBPath      string `yaml:"db_path"`
	SecretsPath string `yaml:"secrets_path"`
	SignalsPath string `yaml:"signals_path"`
	HTTPAddr    string `yaml:"http_addr"`
	APIToken    string `yaml:"api_token"`
	LogLevel    string `yaml:"log_level"`

	Timezone      string `yaml:"timezone"`
	DailySchedule string `yaml:"daily_schedule"`

	TicketCreatedThresholdDays float64 `yaml:"ticket_created_threshold_days"`
	AnalyzedThresholdDays      float64 `yaml:"analyzed_threshold_days"`
	PRCreatedThresholdDays     float64 `yaml:"pr_created_threshold_days"`
	TimeBucketDays             int     `yaml:"time_bucket_days"`

	Policy classify.Policy `yaml:"policy"`

	ExternalCallsPerSecond     float64 `yaml:"external_calls_per_second"`
	APIRequestsPerSecond       float64 `yaml:"api_requests_per_second"`
	MinutesPerDuplicate        int     `yaml:"minutes_saved_per_duplicate"`
	MinutesPerEducation        int     `yaml:"minutes_saved_per_education"`
	ExternalHTTPTimeoutSeconds int     `yaml:"external_http_timeout_seconds"`

	Location *time.Location `yaml:"-"` // computed from Timezone, not from YAML
}

// LoadConfig reads config.yaml (or CONFIG_PATH) and exits on invalid config.
func LoadConfig() Config {
	configPath := "config.yaml"
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		configPath = envPath
	}
	cfg, err := Load(configPath)
	if err != nil {
		logger.Fatalf("config %v", err)
	}
	return cfg
}

// Load reads path when it exists, applies env overrides, secrets and defaults,
// and validates the result.
func Load(path string) (Config, error) {
	// Policy keys missing from the file keep their defaults; present keys win, zero included.
	cfg := Config{Policy: classify.DefaultPolicy()}
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing %s: %w", path, err)
		}
		logger.Infof("config loaded path=%s", path)
	} else if !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("reading %s: %w", path, err)
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := resolveSecrets(&cfg); err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	envOverride(&cfg.SlackBotToken, "SLACK_BOT_TOKEN")
	envOverride(&cfg.SlackAppToken, "SLACK_APP_TOKEN")
	envOverrideList(&cfg.ReportChannelIDs, "REPORT_CHANNEL_IDS")
	envOverride(&cfg.TeamChannelID, "TEAM_CHANNEL_ID")
	envOverride(&cfg.TriggerEmoji, "TRIGGER_EMOJI")
	envOverride(&cfg.UrgentEmoji, "URGENT_EMOJI")
	envOverride(&cfg.OnCallID, "ON_CALL_ID")
	envOverrideList(&cfg.AdminIDs, "ADMIN_IDS")
	envOverrideList(&cfg.InfraIDs, "INFRA_IDS")
	collect(envOverrideMap(&cfg.TicketAssignees, "TICKET_ASSIGNEES"))
	envOverride(&cfg.DocsURL, "DOCS_URL")
	envOverride(&cfg.LLMProvider, "LLM_PROVIDER")
	envOverride(&cfg.LLMModel, "LLM_MODEL")
	envOverride(&cfg.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	envOverride(&cfg.OpenAIAPIKey, "OPENAI_API_KEY")
	envOverride(&cfg.OpenAIBaseURL, "OPENAI_BASE_URL")
	envOverride(&cfg.TicketBaseURL, "TICKET_BASE_URL")
	envOverride(&cfg.TicketToken, "TICKET_TOKEN")
	envOverride(&cfg.TicketListID, "TICKET_LIST_ID")
	envOverride(&cfg.SourceControl, "SOURCE_CONTROL")
	envOverride(&cfg.GitHubToken, "GITHUB_TOKEN")
	envOverride(&cfg.GitHubRepo, "GITHUB_REPO")
	envOverride(&cfg.GitLabURL, "GITLAB_URL")
	envOverride(&cfg.GitLabToken, "GITLAB_TOKEN")
	envOverride(&cfg.GitLabProject, "GITLAB_PROJECT")
	envOverride(&cfg.DBPath, "DB_PATH")
	envOverrideAllowEmpty(&cfg.SecretsPath, "SECRETS_PATH")
	envOverride(&cfg.SignalsPath, "SIGNALS_PATH")
	envOverride(&cfg.HTTPAddr, "HTTP_ADDR")
	envOverride(&cfg.APIToken, "API_TOKEN")
	envOverride(&cfg.LogLevel, "LOG_LEVEL")
	envOverride(&cfg.Timezone, "TIMEZONE")
	envOverride(&cfg.DailySchedule, "DAILY_SCHEDULE")
	collect(envOverrideFloat(&cfg.TicketCreatedThresholdDays, "TICKET_CREATED_THRESHOLD_DAYS"))
	collect(envOverrideFloat(&cfg.AnalyzedThresholdDays, "ANALYZED_THRESHOLD_DAYS"))
	collect(envOverrideFloat(&cfg.PRCreatedThresholdDays, "PR_CREATED_THRESHOLD_DAYS"))
	collect(envOverrideInt(&cfg.TimeBucketDays, "TIME_BUCKET_DAYS"))
	collect(envOverrideFloat(&cfg.ExternalCallsPerSecond, "EXTERNAL_CALLS_PER_SECOND"))
	collect(envOverrideFloat(&cfg.APIRequestsPerSecond, "API_REQUESTS_PER_SECOND"))
	collect(envOverrideInt(&cfg.ExternalHTTPTimeoutSeconds, "EXTERNAL_HTTP_TIMEOUT_SECONDS"))
	return errors.Join(errs...)
}

// resolveSecrets lets credentials live in a separate secrets file. The
// environment still wins, then the secrets file, then config.yaml.
func resolveSecrets(cfg *Config) error {
	fields := map[string]*string{
		"slack_bot_token":   &cfg.SlackBotToken,
		"slack_app_token":   &cfg.SlackAppToken,
		"anthropic_api_key": &cfg.AnthropicAPIKey,
		"openai_api_key":    &cfg.OpenAIAPIKey,
		"ticket_token":      &cfg.TicketToken,
		"github_token":      &cfg.GitHubToken,
		"gitlab_token":      &cfg.GitLabToken,
		"api_token":         &cfg.APIToken,
	}
	fallback := make(map[string]string, len(fields))
	for name, field := range fields {
		fallback[name] = *field
	}
	chain, err := secrets.NewChain(cfg.SecretsPath, fallback)
	if err != nil {
		return err
	}
	for name, field := range fields {
		if v, ok := chain.GetSecret(name); ok {
			*field = v
		}
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.LLMProvider == "" {
		cfg.LLMProvider = "anthropic"
	}
	if cfg.TriggerEmoji == "" {
		cfg.TriggerEmoji = "bug"
	}
	if cfg.UrgentEmoji == "" {
		cfg.UrgentEmoji = "rotating_light"
	}
	if cfg.ResolvedEmoji == "" {
		cfg.ResolvedEmoji = "white_check_mark"
	}
	if cfg.InvalidEmoji == "" {
		cfg.InvalidEmoji = "no_entry_sign"
	}
	if cfg.TicketBaseURL == "" {
		cfg.TicketBaseURL = "https://api.clickup.com/api/v2"
	}
	if cfg.GitLabURL == "" {
		cfg.GitLabURL = "https://gitlab.com"
	}
	if cfg.CodegenLabel == "" {
		cfg.CodegenLabel = "ai-codegen"
	}
	if cfg.SourceControl == "" {
		switch {
		case cfg.GitHubToken != "":
			cfg.SourceControl = "github"
		case cfg.GitLabToken != "":
			cfg.SourceControl = "gitlab"
		}
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "./triagebot.db"
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "Local"
	}
	if cfg.DailySchedule == "" {
		cfg.DailySchedule = "0 9 * * *"
	}
	if cfg.TicketCreatedThresholdDays == 0 {
		cfg.TicketCreatedThresholdDays = 1
	}
	if cfg.AnalyzedThresholdDays == 0 {
		cfg.AnalyzedThresholdDays = 2
	}
	if cfg.PRCreatedThresholdDays == 0 {
		cfg.PRCreatedThresholdDays = 3
	}
	if cfg.TimeBucketDays == 0 {
		cfg.TimeBucketDays = 7
	}
	if cfg.MinutesPerDuplicate == 0 {
		cfg.MinutesPerDuplicate = 15
	}
	if cfg.MinutesPerEducation == 0 {
		cfg.MinutesPerEducation = 20
	}
	if cfg.ExternalHTTPTimeoutSeconds == 0 {
		cfg.ExternalHTTPTimeoutSeconds = defaultExternalHTTPTimeoutSeconds
	}
}

func validate(cfg *Config) error {
	if (cfg.SlackBotToken == "") != (cfg.SlackAppToken == "") {
		return fmt.Errorf("slack_bot_token and slack_app_token must be set together")
	}
	if cfg.SlackBotToken == "" {
		logger.Warnf("config slack not configured, reactions and notifications disabled")
	}

	switch cfg.LLMProvider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("llm_provider must be 'anthropic' or 'openai', got '%s'", cfg.LLMProvider)
	}
	if !cfg.LLMConfigured() {
		logger.Warnf("config %s api key not set, classifier will use the pattern-only fallback", cfg.LLMProvider)
	}

	switch cfg.SourceControl {
	case "":
		logger.Warnf("config no source control configured, code-bug handoff disabled")
	case "github":
		if cfg.GitHubToken == "" || !strings.Contains(cfg.GitHubRepo, "/") {
			return fmt.Errorf("source_control=github requires github_token and github_repo as owner/name")
		}
	case "gitlab":
		if cfg.GitLabToken == "" || cfg.GitLabProject == "" {
			return fmt.Errorf("source_control=gitlab requires gitlab_token and gitlab_project")
		}
	default:
		return fmt.Errorf("source_control must be 'github' or 'gitlab', got '%s'", cfg.SourceControl)
	}

	if cfg.TicketToken != "" && cfg.TicketListID == "" {
		return fmt.Errorf("ticket_token is set but ticket_list_id is not")
	}

	if strings.EqualFold(cfg.Timezone, "Local") {
		cfg.Location = time.Local
	} else {
		loc, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return fmt.Errorf("invalid timezone '%s': %w", cfg.Timezone, err)
		}
		cfg.Location = loc
	}

	if _, err := schedule.Parse(cfg.DailySchedule); err != nil {
		return fmt.Errorf("invalid daily_schedule: %w", err)
	}
	for name, v := range map[string]float64{
		"ticket_created_threshold_days": cfg.TicketCreatedThresholdDays,
		"analyzed_threshold_days":       cfg.AnalyzedThresholdDays,
		"pr_created_threshold_days":     cfg.PRCreatedThresholdDays,
	} {
		if v <= 0 {
			return fmt.Errorf("invalid %s '%g': must be > 0", name, v)
		}
	}
	if cfg.TimeBucketDays < 1 {
		return fmt.Errorf("invalid time_bucket_days '%d': must be >= 1", cfg.TimeBucketDays)
	}
	if cfg.ExternalCallsPerSecond < 0 || cfg.APIRequestsPerSecond < 0 {
		return fmt.Errorf("rate limits must be >= 0")
	}
	if cfg.ExternalHTTPTimeoutSeconds < 5 {
		return fmt.Errorf("invalid external_http_timeout_seconds '%d': must be >= 5", cfg.ExternalHTTPTimeoutSeconds)
	}
	if err := cfg.Policy.Validate(); err != nil {
		return fmt.Errorf("invalid policy: %w", err)
	}
	return nil
}

func envOverride(field *string, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		*field = val
	}
}

func envOverrideAllowEmpty(field *string, envKey string) {
	if val, ok := os.LookupEnv(envKey); ok {
		*field = val
	}
}

func envOverrideList(field *[]string, envKey string) {
	val := os.Getenv(envKey)
	if val == "" {
		return
	}
	*field = nil
	for _, item := range strings.Split(val, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			*field = append(*field, item)
		}
	}
}

// envOverrideMap reads "key=value" pairs separated by commas.
func envOverrideMap(field *map[string]string, envKey string) error {
	val := os.Getenv(envKey)
	if val == "" {
		return nil
	}
	out := make(map[string]string)
	for _, item := range strings.Split(val, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		k, v, ok := strings.Cut(item, "=")
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if !ok || k == "" || v == "" {
			return fmt.Errorf("invalid %s entry '%s': want key=value", envKey, item)
		}
		out[k] = v
	}
	*field = out
	return nil
}

func envOverrideInt(field *int, envKey string) error {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", envKey, val, err)
		}
		*field = parsed
	}
	return nil
}

func envOverrideFloat(field *float64, envKey string) error {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", envKey, val, err)
		}
		*field = parsed
	}
	return nil
}

func (c Config) SlackConfigured() bool {
	return c.SlackBotToken != "" && c.SlackAppToken != ""
}

func (c Config) LLMConfigured() bool {
	if c.LLMProvider == "openai" {
		return c.OpenAIAPIKey != ""
	}
	return c.AnthropicAPIKey != ""
}

func (c Config) TicketingConfigured() bool {
	return c.TicketToken != "" && c.TicketListID != ""
}

// CodegenRepo is the repository handoff issues are opened in.
func (c Config) CodegenRepo() string {
	switch c.SourceControl {
	case "github":
		return c.GitHubRepo
	case "gitlab":
		return c.GitLabProject
	}
	return ""
}

func days(d float64) time.Duration {
	return time.Duration(d * float64(24*time.Hour))
}

func (c Config) Thresholds() tracker.Thresholds {
	return tracker.Thresholds{
		TicketCreated: days(c.TicketCreatedThresholdDays),
		Analyzed:      days(c.AnalyzedThresholdDays),
		PRCreated:     days(c.PRCreatedThresholdDays),
	}
}

func (c Config) BucketWidth() time.Duration {
	return time.Duration(c.TimeBucketDays) * 24 * time.Hour
}
