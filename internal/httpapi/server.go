// Package httpapi exposes tournaments, accounts and the result push
// endpoint over HTTP.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/chess-knockout/internal/event"
	"github.com/jensholdgaard/chess-knockout/internal/health"
	"github.com/jensholdgaard/chess-knockout/internal/lichess"
	"github.com/jensholdgaard/chess-knockout/internal/store"
	"github.com/jensholdgaard/chess-knockout/internal/tournament"
)

// Tournaments is the tournament lifecycle the API drives.
type Tournaments interface {
	Create(ctx context.Context, p tournament.CreateParams) (*store.Tournament, error)
	Get(ctx context.Context, id string) (*store.Tournament, error)
	List(ctx context.Context, status store.TournamentStatus) ([]store.Tournament, error)
	History(ctx context.Context, id string) ([]event.Event, error)
	EventsByType(ctx context.Context, typ event.Type) ([]event.Event, error)
	Join(ctx context.Context, id, playerID string) (*store.Tournament, error)
	Start(ctx context.Context, id string) (*store.Tournament, error)
	TryAdvance(ctx context.Context, id string) (tournament.AdvanceResult, error)
	IngestResult(ctx context.Context, r tournament.Report) (tournament.IngestOutcome, error)
}

// Accounts is the balance ledger the API drives.
type Accounts interface {
	RegisterAccount(ctx context.Context, lichessID string) (*store.Account, error)
	GetAccount(ctx context.Context, lichessID string) (*store.Account, error)
	ListAccounts(ctx context.Context) ([]store.Account, error)
	Credit(ctx context.Context, lichessID string, amount int, reason string) error
}

// Lichess is the read side of the game server: public profiles for player
// ids and the live state of individual games.
type Lichess interface {
	FetchProfile(ctx context.Context, lichessID string) lichess.Profile
	FetchOutcome(ctx context.Context, gameID string) (lichess.GameResult, error)
}

// Server holds the HTTP handlers.
type Server struct {
	tournaments Tournaments
	accounts    Accounts
	lichess     Lichess
	health      *health.Handler
	logger      *slog.Logger
	tp          trace.TracerProvider
}

// NewServer returns a Server. health may be nil, in which case the probe
// endpoints are not mounted.
func NewServer(tournaments Tournaments, accounts Accounts, lc Lichess, h *health.Handler, logger *slog.Logger, tp trace.TracerProvider) *Server {
	return &Server{
		tournaments: tournaments,
		accounts:    accounts,
		lichess:     lc,
		health:      h,
		logger:      logger,
		tp:          tp,
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"https://*", "http://*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	if s.health != nil {
		r.Get("/healthz", s.health.LivenessHandler())
		r.Get("/readyz", s.health.ReadinessHandler())
	}

	r.Route("/accounts", func(r chi.Router) {
		r.Get("/", s.listAccounts)
		r.Post("/", s.registerAccount)
		r.Get("/{lichessID}", s.getAccount)
		r.Post("/{lichessID}/credit", s.creditAccount)
	})

	r.Get("/events", s.listEventsByType)
	r.Get("/games/{gameID}", s.getGame)

	r.Route("/tournaments", func(r chi.Router) {
		r.Get("/", s.listTournaments)
		r.Post("/", s.createTournament)
		r.Post("/results", s.pushResult)
		r.Route("/{tournamentID}", func(r chi.Router) {
			r.Get("/", s.getTournament)
			r.Get("/players", s.listPlayers)
			r.Get("/events", s.listEvents)
			r.Post("/join", s.joinTournament)
			r.Post("/start", s.startTournament)
			r.Post("/advance", s.advanceTournament)
		})
	})

	return otelhttp.NewHandler(r, "knockout.api",
		otelhttp.WithTracerProvider(s.tp),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.InfoContext(r.Context(), "http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Int("bytes", ww.BytesWritten()),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// fail writes err with the status it maps to. Server errors are logged and
// hidden from the client.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
		errorResponse(w, status, "the server encountered a problem and could not process your request")
		return
	}
	errorResponse(w, status, err.Error())
}
