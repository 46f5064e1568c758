// Package notify delivers tournament progress to downstream channels.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/chess-knockout/internal/config"
)

// Kind classifies a notification.
type Kind string

const (
	KindStarted       Kind = "started"
	KindMatchFinished Kind = "match_finished"
	KindStageAdvanced Kind = "stage_advanced"
	KindCompleted     Kind = "completed"
	KindPayoutFailed  Kind = "payout_failed"
)

// Notification is one message about a tournament.
type Notification struct {
	TournamentID string
	Kind         Kind
	Title        string
	Message      string
}

// Notifier delivers notifications. Delivery is best effort; callers log
// errors and carry on.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Nop discards notifications.
type Nop struct{}

func (Nop) Notify(context.Context, Notification) error { return nil }

// Log writes notifications as log lines.
type Log struct {
	logger *slog.Logger
}

// NewLog returns a notifier that logs through logger.
func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) Notify(ctx context.Context, n Notification) error {
	l.logger.InfoContext(ctx, n.Title,
		slog.String("tournament_id", n.TournamentID),
		slog.String("kind", string(n.Kind)),
		slog.String("message", n.Message),
	)
	return nil
}

var kindColors = map[Kind]int{
	KindStarted:       0x3498db,
	KindMatchFinished: 0x95a5a6,
	KindStageAdvanced: 0x9b59b6,
	KindCompleted:     0x2ecc71,
	KindPayoutFailed:  0xe74c3c,
}

// Discord posts notifications as embeds to one channel through the REST
// API. No gateway connection is opened.
type Discord struct {
	session   *discordgo.Session
	channelID string
	logger    *slog.Logger
	tracer    trace.Tracer
}

// NewDiscord creates a Discord notifier for the configured channel.
func NewDiscord(cfg config.DiscordConfig, logger *slog.Logger, tp trace.TracerProvider) (*Discord, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("creating discord session: %w", err)
	}
	return &Discord{
		session:   session,
		channelID: cfg.ChannelID,
		logger:    logger,
		tracer:    tp.Tracer("github.com/jensholdgaard/chess-knockout/internal/notify"),
	}, nil
}

// Session exposes the underlying session, mainly so tests can swap its
// HTTP client.
func (d *Discord) Session() *discordgo.Session { return d.session }

func (d *Discord) Notify(ctx context.Context, n Notification) error {
	ctx, span := d.tracer.Start(ctx, "Discord.Notify",
		trace.WithAttributes(
			attribute.String("tournament_id", n.TournamentID),
			attribute.String("kind", string(n.Kind)),
		),
	)
	defer span.End()

	embed := &discordgo.MessageEmbed{
		Title:       n.Title,
		Description: n.Message,
		Color:       kindColors[n.Kind],
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		Footer:      &discordgo.MessageEmbedFooter{Text: "tournament " + n.TournamentID},
	}
	if _, err := d.session.ChannelMessageSendEmbed(d.channelID, embed, discordgo.WithContext(ctx)); err != nil {
		span.RecordError(err)
		return fmt.Errorf("sending discord message: %w", err)
	}

	d.logger.DebugContext(ctx, "discord notification sent",
		slog.String("tournament_id", n.TournamentID),
		slog.String("kind", string(n.Kind)),
	)
	return nil
}
