package lichess

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var errGameNotFound = errors.New("game not found")

type gameResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Winner string `json:"winner"`
}

// FetchOutcome reads the current state of a game. A game the server does
// not know yet (challenge not accepted) is reported as in progress.
// Terminal outcomes are cached.
func (c *Client) FetchOutcome(ctx context.Context, gameID string) (GameResult, error) {
	ctx, span := c.startSpan(ctx, "lichess.FetchOutcome", attribute.String("game_id", gameID))
	defer span.End()

	key := "outcome:" + gameID
	var cached GameResult
	if ok, err := c.cache.Get(ctx, key, &cached); err != nil {
		c.logger.WarnContext(ctx, "outcome cache read failed", slog.String("game_id", gameID), slog.Any("error", err))
	} else if ok && cached.Outcome.Terminal() {
		span.SetAttributes(attribute.Bool("cache_hit", true))
		return cached, nil
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/game/export/" + url.PathEscape(gameID)
	res, err := retry(ctx, c, "fetch_outcome", func(ctx context.Context) (GameResult, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return GameResult{}, err
		}
		q := req.URL.Query()
		q.Set("moves", "false")
		req.URL.RawQuery = q.Encode()

		var g gameResponse
		err = c.send(req, &g, errGameNotFound)
		if errors.Is(err, errGameNotFound) {
			return GameResult{Outcome: OutcomeInProgress, Status: "created"}, nil
		}
		if err != nil {
			return GameResult{}, err
		}
		return GameResult{Outcome: Classify(g.Status, g.Winner), Status: g.Status}, nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch outcome failed")
		return GameResult{}, fmt.Errorf("fetching outcome of %s: %w", gameID, err)
	}

	span.SetAttributes(attribute.String("outcome", res.Outcome.String()))
	if res.Outcome.Terminal() {
		if err := c.cache.Set(ctx, key, res, c.outcomeTTL); err != nil {
			c.logger.WarnContext(ctx, "outcome cache write failed", slog.String("game_id", gameID), slog.Any("error", err))
		}
	}
	return res, nil
}
