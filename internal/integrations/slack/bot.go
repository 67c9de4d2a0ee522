package slackbot

import (
	"context"
	"errors"
	"fmt"

	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"triagebot/internal/domain"
	"triagebot/internal/logger"
	"triagebot/internal/workflow"
)

// Processor is the workflow entry point the bot hands reports and verdicts to.
type Processor interface {
	Process(ctx context.Context, report domain.Report) (workflow.Outcome, error)
	Feedback(ctx context.Context, channelID, messageTS, verdict string) (workflow.Outcome, error)
}

// Run connects over Socket Mode and handles reactions until ctx is cancelled.
// The API client must carry an app-level token.
func (c *Client) Run(ctx context.Context, proc Processor) error {
	auth, err := c.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth test: %w", err)
	}
	c.botUserID = auth.UserID

	client := socketmode.New(c.api)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-client.Events:
				switch evt.Type {
				case socketmode.EventTypeConnected:
					logger.Infof("slack socket mode connected bot=%s", c.botUserID)
				case socketmode.EventTypeEventsAPI:
					client.Ack(*evt.Request)
					eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
					if !ok {
						continue
					}
					go c.handleEventsAPI(ctx, proc, eventsAPIEvent)
				}
			}
		}
	}()

	logger.Infof("slack bot starting trigger=%s urgent=%s channels=%d",
		c.settings.TriggerEmoji, c.settings.UrgentEmoji, len(c.settings.Channels))
	return client.RunContext(ctx)
}

func (c *Client) handleEventsAPI(ctx context.Context, proc Processor, event slackevents.EventsAPIEvent) {
	if event.Type != slackevents.CallbackEvent {
		return
	}
	switch ev := event.InnerEvent.Data.(type) {
	case *slackevents.ReactionAddedEvent:
		c.handleReaction(ctx, proc, ev)
	}
}

func (c *Client) handleReaction(ctx context.Context, proc Processor, ev *slackevents.ReactionAddedEvent) {
	if ev.Item.Type != "message" || ev.User == c.botUserID || !c.watches(ev.Item.Channel) {
		return
	}
	switch normalizeEmoji(ev.Reaction) {
	case c.settings.TriggerEmoji:
		c.handleTrigger(ctx, proc, ev.Item.Channel, ev.Item.Timestamp)
	case c.settings.ResolvedEmoji:
		c.handleFeedback(ctx, proc, ev.Item.Channel, ev.Item.Timestamp, "resolved")
	case c.settings.InvalidEmoji:
		c.handleFeedback(ctx, proc, ev.Item.Channel, ev.Item.Timestamp, "invalid")
	}
}

func (c *Client) handleTrigger(ctx context.Context, proc Processor, channel, ts string) {
	msg, err := c.fetchMessage(ctx, channel, ts)
	if err != nil {
		logger.Errorf("slack trigger channel=%s ts=%s error=%v", channel, ts, err)
		return
	}
	if !isReportMessage(msg) {
		return
	}
	// Only the first trigger reaction files a report.
	if reactionCount(msg.Reactions, c.settings.TriggerEmoji) > 1 {
		logger.Debugf("slack trigger channel=%s ts=%s already reported", channel, ts)
		return
	}

	report := c.reportFromMessage(ctx, channel, msg)
	logger.Infof("slack report received channel=%s ts=%s author=%s urgent=%t", channel, ts, report.AuthorID, report.Urgent)
	out, err := proc.Process(ctx, report)
	if errors.Is(err, workflow.ErrEmptyReport) {
		return
	}
	if err != nil {
		logger.Errorf("slack report channel=%s ts=%s error=%v", channel, ts, err)
		if postErr := c.PostMessage(ctx, channel, fmt.Sprintf("Could not process this report: %v", err), ts); postErr != nil {
			logger.Errorf("slack report failure notice channel=%s ts=%s error=%v", channel, ts, postErr)
		}
		return
	}
	logger.Infof("slack report processed record=%s action=%s route=%s state=%s partial=%t",
		out.RecordID, out.TrackerAction, out.Recommendation, out.State, out.Partial)
}

func (c *Client) handleFeedback(ctx context.Context, proc Processor, channel, ts, verdict string) {
	out, err := proc.Feedback(ctx, channel, ts, verdict)
	if err != nil {
		logger.Warnf("slack feedback channel=%s ts=%s verdict=%s error=%v", channel, ts, verdict, err)
		return
	}
	if out.NotFound {
		logger.Debugf("slack feedback channel=%s ts=%s no tracked record", channel, ts)
		return
	}
	logger.Infof("slack feedback record=%s state=%s", out.RecordID, out.State)
}
