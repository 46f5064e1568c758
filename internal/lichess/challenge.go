package lichess

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Challenge is an open challenge that either player can accept through
// their color-specific link.
type Challenge struct {
	GameID   string
	URL      string
	WhiteURL string
	BlackURL string
}

type challengeResponse struct {
	ID        string `json:"id"`
	URL       string `json:"url"`
	URLWhite  string `json:"urlWhite"`
	URLBlack  string `json:"urlBlack"`
	Challenge *struct {
		ID  string `json:"id"`
		URL string `json:"url"`
	} `json:"challenge"`
}

// challenge validates the response. The game id comes from "id" or else
// "challenge.id"; links fall back to ones derived from the game URL.
func (r challengeResponse) challenge(baseURL string) (Challenge, error) {
	id, link := r.ID, r.URL
	if r.Challenge != nil {
		if id == "" {
			id = r.Challenge.ID
		}
		if link == "" {
			link = r.Challenge.URL
		}
	}
	if id == "" {
		return Challenge{}, fmt.Errorf("challenge without id: %w", ErrMalformedResponse)
	}
	if link == "" {
		link = strings.TrimRight(baseURL, "/") + "/" + id
	}

	c := Challenge{GameID: id, URL: link, WhiteURL: r.URLWhite, BlackURL: r.URLBlack}
	if c.WhiteURL == "" {
		c.WhiteURL = link + "?color=white"
	}
	if c.BlackURL == "" {
		c.BlackURL = link + "?color=black"
	}
	return c, nil
}

// CreateOpenChallenge creates an open challenge with the configured time
// control.
func (c *Client) CreateOpenChallenge(ctx context.Context, rated bool) (Challenge, error) {
	ctx, span := c.startSpan(ctx, "lichess.CreateOpenChallenge", attribute.Bool("rated", rated))
	defer span.End()

	form := url.Values{}
	form.Set("rated", strconv.FormatBool(rated))
	form.Set("clock.limit", strconv.Itoa(c.cfg.ClockLimit))
	form.Set("clock.increment", strconv.Itoa(c.cfg.ClockIncrement))
	form.Set("variant", c.cfg.Variant)
	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/api/challenge/open"

	ch, err := retry(ctx, c, "create_challenge", func(ctx context.Context) (Challenge, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return Challenge{}, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		var resp challengeResponse
		if err := c.send(req, &resp, nil); err != nil {
			return Challenge{}, err
		}
		ch, err := resp.challenge(c.cfg.BaseURL)
		if err != nil {
			// Retrying would open another challenge on every attempt.
			return Challenge{}, backoff.Permanent(err)
		}
		return ch, nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "challenge creation failed")
		return Challenge{}, fmt.Errorf("creating open challenge: %w", err)
	}

	span.SetAttributes(attribute.String("game_id", ch.GameID))
	c.logger.DebugContext(ctx, "open challenge created",
		slog.String("game_id", ch.GameID),
		slog.String("url", ch.URL),
	)
	return ch, nil
}
