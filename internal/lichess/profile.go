package lichess

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// DefaultRating is reported when a player's rating is unavailable.
const DefaultRating = 1500

// Profile is the public part of a Lichess user used to enrich rosters.
type Profile struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Rating   int    `json:"rating"`
	Fallback bool   `json:"fallback,omitempty"`
}

type userResponse struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Perfs    map[string]struct {
		Rating int `json:"rating"`
	} `json:"perfs"`
}

// FetchProfile returns a player's profile. Lookups go through the cache;
// failures degrade to a fallback profile with the default rating, which is
// not cached.
func (c *Client) FetchProfile(ctx context.Context, lichessID string) Profile {
	ctx, span := c.startSpan(ctx, "lichess.FetchProfile", attribute.String("lichess_id", lichessID))
	defer span.End()

	key := "profile:" + strings.ToLower(lichessID)
	var cached Profile
	if ok, err := c.cache.Get(ctx, key, &cached); err == nil && ok {
		return cached
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/api/user/" + url.PathEscape(lichessID)
	p, err := retry(ctx, c, "fetch_profile", func(ctx context.Context) (Profile, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return Profile{}, err
		}
		var u userResponse
		if err := c.send(req, &u, nil); err != nil {
			return Profile{}, err
		}
		return Profile{ID: u.ID, Username: u.Username, Rating: u.rating()}, nil
	})
	if err != nil {
		c.logger.WarnContext(ctx, "profile lookup failed, using fallback",
			slog.String("lichess_id", lichessID), slog.Any("error", err))
		return Profile{ID: lichessID, Username: lichessID, Rating: DefaultRating, Fallback: true}
	}

	if err := c.cache.Set(ctx, key, p, c.profileTTL); err != nil {
		c.logger.WarnContext(ctx, "profile cache write failed", slog.String("lichess_id", lichessID), slog.Any("error", err))
	}
	return p
}

// rating prefers the blitz rating, then rapid, then the default.
func (u userResponse) rating() int {
	for _, perf := range []string{"blitz", "rapid"} {
		if p, ok := u.Perfs[perf]; ok && p.Rating > 0 {
			return p.Rating
		}
	}
	return DefaultRating
}
