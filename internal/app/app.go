package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/slack-go/slack"
	"golang.org/x/sync/errgroup"

	"triagebot/internal/classify"
	"triagebot/internal/config"
	"triagebot/internal/fingerprint"
	"triagebot/internal/httpx"
	"triagebot/internal/integrations/github"
	"triagebot/internal/integrations/gitlab"
	"triagebot/internal/integrations/llm"
	slackbot "triagebot/internal/integrations/slack"
	"triagebot/internal/integrations/ticket"
	"triagebot/internal/logger"
	"triagebot/internal/schedule"
	"triagebot/internal/server"
	"triagebot/internal/storage/sqlite"
	"triagebot/internal/tracker"
	"triagebot/internal/workflow"
)

// App holds the wired components for one process.
type App struct {
	Config       config.Config
	DB           *sqlite.DB
	Tracker      *tracker.Tracker
	Orchestrator *workflow.Orchestrator
	Server       *server.Server
	Slack        *slackbot.Client // nil when Slack is not configured
}

// Build wires every component from cfg. Collaborators without config are left
// out and the matching workflow steps are skipped.
func Build(cfg config.Config) (*App, error) {
	logger.Init(cfg.LogLevel)
	callTimeout := httpx.ConfigureExternalHTTPClient(cfg.ExternalHTTPTimeoutSeconds)

	db, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}
	logger.Infof("app database initialized path=%s", cfg.DBPath)

	classifier, err := NewClassifier(cfg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	trk := tracker.New(db, fingerprint.New(cfg.BucketWidth()), cfg.Thresholds())

	deps := workflow.Deps{
		Classifier: classifier,
		Tracker:    trk,
		Runs:       db,
	}
	if cfg.TicketingConfigured() {
		deps.Tickets = ticket.New(cfg.TicketBaseURL, cfg.TicketToken, cfg.TicketListID)
	}
	switch cfg.SourceControl {
	case "github":
		deps.Issues = github.New(cfg.GitHubToken)
	case "gitlab":
		deps.Issues = gitlab.New(cfg.GitLabURL, cfg.GitLabToken)
	}

	a := &App{Config: cfg, DB: db, Tracker: trk}
	if cfg.SlackConfigured() {
		api := slack.New(cfg.SlackBotToken, slack.OptionAppLevelToken(cfg.SlackAppToken))
		a.Slack = slackbot.New(api, slackbot.Settings{
			TriggerEmoji:  cfg.TriggerEmoji,
			UrgentEmoji:   cfg.UrgentEmoji,
			ResolvedEmoji: cfg.ResolvedEmoji,
			InvalidEmoji:  cfg.InvalidEmoji,
			Channels:      cfg.ReportChannelIDs,
		})
		deps.Notifier = a.Slack
		deps.Source = a.Slack
	}

	a.Orchestrator = workflow.New(deps, workflow.Settings{
		TeamChannel:         cfg.TeamChannelID,
		OnCallID:            cfg.OnCallID,
		AdminIDs:            cfg.AdminIDs,
		InfraIDs:            cfg.InfraIDs,
		TicketAssignees:     cfg.TicketAssignees,
		CodegenRepo:         cfg.CodegenRepo(),
		CodegenLabel:        cfg.CodegenLabel,
		DocsURL:             cfg.DocsURL,
		MinutesPerDuplicate: cfg.MinutesPerDuplicate,
		MinutesPerEducation: cfg.MinutesPerEducation,
		CallsPerSecond:      cfg.ExternalCallsPerSecond,
		CallTimeout:         callTimeout,
	})
	a.Server = server.New(a.Orchestrator, trk, db, server.Options{
		APIToken:          cfg.APIToken,
		RequestsPerSecond: cfg.APIRequestsPerSecond,
	})

	h := a.Orchestrator.Health()
	logger.Infof("app configured estimator=%t tickets=%t source_control=%s slack=%t timezone=%s http_timeout=%s",
		h.Estimator, h.Tickets, nonEmpty(cfg.SourceControl, "none"), h.Notifier, cfg.Location, callTimeout)
	return a, nil
}

// NewClassifier builds the classifier alone, with the LLM estimator when an
// API key is configured.
func NewClassifier(cfg config.Config) (*classify.Classifier, error) {
	signals, err := classify.LoadSignalLibrary(cfg.SignalsPath)
	if err != nil {
		return nil, err
	}
	logger.Debugf("classify signal library loaded types=%s", strings.Join(signals.Types(), ","))
	var estimator classify.Estimator
	if cfg.LLMConfigured() {
		estimator = llm.NewEstimator(llm.Config{
			Provider:        cfg.LLMProvider,
			Model:           cfg.LLMModel,
			AnthropicAPIKey: cfg.AnthropicAPIKey,
			OpenAIAPIKey:    cfg.OpenAIAPIKey,
			OpenAIBaseURL:   cfg.OpenAIBaseURL,
		})
	}
	return classify.New(signals, estimator, cfg.Policy), nil
}

func (a *App) Close() error {
	return a.DB.Close()
}

// Serve runs the HTTP server, the daily scheduler and, when configured, the
// Slack bot. It returns when ctx is cancelled or any of them fails.
func (a *App) Serve(ctx context.Context) error {
	daily, err := schedule.New("daily", a.Config.DailySchedule, a.Config.Location, func(ctx context.Context) error {
		_, err := a.Orchestrator.RunDaily(ctx)
		return err
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		daily.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return a.Server.ListenAndServe(gctx, a.Config.HTTPAddr)
	})
	if a.Slack != nil {
		g.Go(func() error {
			return a.Slack.Run(gctx, a.Orchestrator)
		})
	}

	logger.Infof("app triagebot started addr=%s slack=%t", a.Config.HTTPAddr, a.Slack != nil)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func nonEmpty(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}
