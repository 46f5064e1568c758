package notify_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jensholdgaard/chess-knockout/internal/config"
	"github.com/jensholdgaard/chess-knockout/internal/notify"
)

var testTP = noop.NewTracerProvider()

// redirect sends every request to the test server regardless of host.
type redirect struct {
	target *url.URL
}

func (r redirect) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.URL.Scheme = r.target.Scheme
	req.URL.Host = r.target.Host
	return http.DefaultTransport.RoundTrip(req)
}

type capture struct {
	mu     sync.Mutex
	paths  []string
	auth   []string
	bodies []map[string]any
}

func newDiscordServer(t *testing.T, status int) (*httptest.Server, *capture) {
	t.Helper()
	c := &capture{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var m map[string]any
		_ = json.Unmarshal(body, &m)

		c.mu.Lock()
		c.paths = append(c.paths, r.URL.Path)
		c.auth = append(c.auth, r.Header.Get("Authorization"))
		c.bodies = append(c.bodies, m)
		c.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status == http.StatusOK {
			_, _ = w.Write([]byte(`{"id":"1001","channel_id":"42","content":""}`))
			return
		}
		_, _ = w.Write([]byte(`{"message":"Missing Permissions","code":50013}`))
	}))
	t.Cleanup(srv.Close)
	return srv, c
}

func newDiscord(t *testing.T, srv *httptest.Server) *notify.Discord {
	t.Helper()
	d, err := notify.NewDiscord(config.DiscordConfig{Token: "bot-token", ChannelID: "42"}, slog.Default(), testTP)
	if err != nil {
		t.Fatalf("NewDiscord() error = %v", err)
	}
	target, _ := url.Parse(srv.URL)
	d.Session().Client = &http.Client{Transport: redirect{target: target}}
	d.Session().MaxRestRetries = 0
	return d
}

func TestDiscord_Notify(t *testing.T) {
	srv, c := newDiscordServer(t, http.StatusOK)
	d := newDiscord(t, srv)

	err := d.Notify(context.Background(), notify.Notification{
		TournamentID: "t-1",
		Kind:         notify.KindCompleted,
		Title:        "Tournament complete",
		Message:      "magnus wins 80",
	})
	if err != nil {
		t.Fatalf("Notify() error = %v", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.paths) != 1 {
		t.Fatalf("requests = %d, want 1", len(c.paths))
	}
	if !strings.HasSuffix(c.paths[0], "/channels/42/messages") {
		t.Errorf("path = %q, want channel 42 messages", c.paths[0])
	}
	if c.auth[0] != "Bot bot-token" {
		t.Errorf("Authorization = %q, want %q", c.auth[0], "Bot bot-token")
	}
	embeds, ok := c.bodies[0]["embeds"].([]any)
	if !ok || len(embeds) != 1 {
		t.Fatalf("embeds = %v, want one embed", c.bodies[0]["embeds"])
	}
	embed := embeds[0].(map[string]any)
	if embed["title"] != "Tournament complete" || embed["description"] != "magnus wins 80" {
		t.Errorf("embed = %v", embed)
	}
}

func TestDiscord_NotifyError(t *testing.T) {
	srv, _ := newDiscordServer(t, http.StatusForbidden)
	d := newDiscord(t, srv)

	err := d.Notify(context.Background(), notify.Notification{TournamentID: "t-1", Kind: notify.KindStarted, Title: "Started"})
	if err == nil {
		t.Fatal("expected error for a rejected message")
	}
}

func TestNopAndLog(t *testing.T) {
	n := notify.Notification{TournamentID: "t-1", Kind: notify.KindStageAdvanced, Title: "Semifinals", Message: "2 matches"}

	if err := (notify.Nop{}).Notify(context.Background(), n); err != nil {
		t.Errorf("Nop.Notify() error = %v", err)
	}

	var buf strings.Builder
	l := notify.NewLog(slog.New(slog.NewTextHandler(&buf, nil)))
	if err := l.Notify(context.Background(), n); err != nil {
		t.Fatalf("Log.Notify() error = %v", err)
	}
	out := buf.String()
	for _, want := range []string{"Semifinals", "tournament_id=t-1", "kind=stage_advanced"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output %q missing %q", out, want)
		}
	}
}
