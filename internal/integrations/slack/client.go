package slackbot

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"triagebot/internal/domain"
	"triagebot/internal/logger"
)

const historyPageSize = 200

// Settings control which reactions the bot listens to and which channels the
// daily pass scans.
type Settings struct {
	TriggerEmoji  string
	UrgentEmoji   string
	ResolvedEmoji string
	InvalidEmoji  string
	Channels      []string
}

func (s Settings) withDefaults() Settings {
	if s.TriggerEmoji == "" {
		s.TriggerEmoji = "bug"
	}
	if s.UrgentEmoji == "" {
		s.UrgentEmoji = "rotating_light"
	}
	if s.ResolvedEmoji == "" {
		s.ResolvedEmoji = "white_check_mark"
	}
	if s.InvalidEmoji == "" {
		s.InvalidEmoji = "no_entry_sign"
	}
	s.TriggerEmoji = normalizeEmoji(s.TriggerEmoji)
	s.UrgentEmoji = normalizeEmoji(s.UrgentEmoji)
	s.ResolvedEmoji = normalizeEmoji(s.ResolvedEmoji)
	s.InvalidEmoji = normalizeEmoji(s.InvalidEmoji)
	return s
}

// Client is the Slack side of the engine: it posts notifications and reads
// reports back out of the watched channels.
type Client struct {
	api      *slack.Client
	settings Settings
	users    userCache
	now      func() time.Time

	botUserID string
}

func New(api *slack.Client, settings Settings) *Client {
	return &Client{
		api:      api,
		settings: settings.withDefaults(),
		now:      time.Now,
	}
}

// PostMessage posts text to a channel, or to a DM when channel is a user ID.
// A non-empty threadTS posts the message as a thread reply.
func (c *Client) PostMessage(ctx context.Context, channel, text, threadTS string) error {
	target := channel
	if isLikelySlackID(channel) {
		dm, _, _, err := c.api.OpenConversationContext(ctx, &slack.OpenConversationParameters{
			Users: []string{channel},
		})
		if err != nil {
			return fmt.Errorf("opening DM with %s: %w", channel, err)
		}
		target = dm.ID
	}
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if threadTS != "" {
		opts = append(opts, slack.MsgOptionTS(threadTS))
	}
	if _, _, err := c.api.PostMessageContext(ctx, target, opts...); err != nil {
		return fmt.Errorf("posting to %s: %w", channel, err)
	}
	return nil
}

// ReportsSince returns messages in the watched channels that carry the trigger
// reaction and were posted after since, oldest first.
func (c *Client) ReportsSince(ctx context.Context, since time.Time) ([]domain.Report, error) {
	var reports []domain.Report
	for _, channel := range c.settings.Channels {
		params := &slack.GetConversationHistoryParameters{
			ChannelID: channel,
			Oldest:    formatSlackTS(since),
			Limit:     historyPageSize,
		}
		for {
			resp, err := c.api.GetConversationHistoryContext(ctx, params)
			if err != nil {
				return nil, fmt.Errorf("reading history of %s: %w", channel, err)
			}
			for _, msg := range resp.Messages {
				if !isReportMessage(msg) || !hasReaction(msg.Reactions, c.settings.TriggerEmoji) {
					continue
				}
				reports = append(reports, c.reportFromMessage(ctx, channel, msg))
			}
			if !resp.HasMore || resp.ResponseMetaData.NextCursor == "" {
				break
			}
			params.Cursor = resp.ResponseMetaData.NextCursor
		}
	}
	sort.SliceStable(reports, func(i, j int) bool {
		return reports[i].ReportedAt.Before(reports[j].ReportedAt)
	})
	logger.Infof("slack history since=%s channels=%d reports=%d", since.Format(time.RFC3339), len(c.settings.Channels), len(reports))
	return reports, nil
}

// fetchMessage loads a single top-level message by its timestamp.
func (c *Client) fetchMessage(ctx context.Context, channel, ts string) (slack.Message, error) {
	resp, err := c.api.GetConversationHistoryContext(ctx, &slack.GetConversationHistoryParameters{
		ChannelID: channel,
		Latest:    ts,
		Oldest:    ts,
		Inclusive: true,
		Limit:     1,
	})
	if err != nil {
		return slack.Message{}, fmt.Errorf("reading message %s/%s: %w", channel, ts, err)
	}
	for _, msg := range resp.Messages {
		if msg.Timestamp == ts {
			return msg, nil
		}
	}
	return slack.Message{}, fmt.Errorf("message %s/%s not found", channel, ts)
}

func (c *Client) reportFromMessage(ctx context.Context, channel string, msg slack.Message) domain.Report {
	return domain.Report{
		Text:       msg.Text,
		AuthorID:   msg.User,
		AuthorName: c.userName(ctx, msg.User),
		ChannelID:  channel,
		MessageTS:  msg.Timestamp,
		ReportedAt: parseSlackTS(msg.Timestamp),
		Urgent:     hasReaction(msg.Reactions, c.settings.UrgentEmoji) || isUrgentText(msg.Text),
	}
}

func (c *Client) watches(channel string) bool {
	if len(c.settings.Channels) == 0 {
		return true
	}
	for _, ch := range c.settings.Channels {
		if ch == channel {
			return true
		}
	}
	return false
}

var urgentPattern = regexp.MustCompile(`(?i)\b(urgent|asap|p0)\b`)

func isUrgentText(text string) bool {
	return urgentPattern.MatchString(text)
}

// isReportMessage drops bot posts and channel housekeeping messages.
func isReportMessage(msg slack.Message) bool {
	if msg.BotID != "" || msg.User == "" {
		return false
	}
	return msg.SubType == "" || msg.SubType == "thread_broadcast"
}

func hasReaction(reactions []slack.ItemReaction, emoji string) bool {
	return reactionCount(reactions, emoji) > 0
}

func reactionCount(reactions []slack.ItemReaction, emoji string) int {
	emoji = normalizeEmoji(emoji)
	for _, r := range reactions {
		if normalizeEmoji(r.Name) == emoji {
			return r.Count
		}
	}
	return 0
}

// normalizeEmoji strips colons and skin-tone modifiers so ":bug:" and
// "thumbsup::skin-tone-2" compare by base name.
func normalizeEmoji(name string) string {
	name = strings.ToLower(strings.Trim(strings.TrimSpace(name), ":"))
	if i := strings.Index(name, "::"); i >= 0 {
		name = name[:i]
	}
	return name
}

// parseSlackTS converts a Slack message timestamp ("1700000000.000100") to UTC.
func parseSlackTS(ts string) time.Time {
	sec, frac, _ := strings.Cut(ts, ".")
	s, err := strconv.ParseInt(sec, 10, 64)
	if err != nil {
		return time.Time{}
	}
	var usec int64
	if frac != "" {
		frac = (frac + "000000")[:6]
		usec, _ = strconv.ParseInt(frac, 10, 64)
	}
	return time.Unix(s, usec*int64(time.Microsecond)).UTC()
}

func formatSlackTS(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return fmt.Sprintf("%d.%06d", t.Unix(), t.Nanosecond()/int(time.Microsecond))
}
