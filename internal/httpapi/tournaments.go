package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/jensholdgaard/chess-knockout/internal/event"
	"github.com/jensholdgaard/chess-knockout/internal/lichess"
	"github.com/jensholdgaard/chess-knockout/internal/store"
	"github.com/jensholdgaard/chess-knockout/internal/tournament"
)

type createTournamentRequest struct {
	Name       string `json:"name"`
	CreatedBy  string `json:"created_by"`
	MaxPlayers int    `json:"max_players"`
	EntryFee   int    `json:"entry_fee"`
	Rated      bool   `json:"rated"`
}

type joinRequest struct {
	PlayerID string `json:"player_id"`
}

type resultRequest struct {
	GameURL string `json:"game_url"`
	Winner  string `json:"winner"`
	Status  string `json:"status"`
}

type advanceResponse struct {
	tournament.AdvanceResult
	PayoutError string `json:"payout_error,omitempty"`
}

type resultResponse struct {
	TournamentID string          `json:"tournament_id"`
	StageIndex   int             `json:"stage_index"`
	MatchIndex   int             `json:"match_index"`
	Applied      bool            `json:"applied"`
	WinnerID     string          `json:"winner_id,omitempty"`
	Advance      advanceResponse `json:"advance"`
}

func newAdvanceResponse(res tournament.AdvanceResult) advanceResponse {
	out := advanceResponse{AdvanceResult: res}
	if res.PayoutErr != nil {
		out.PayoutError = res.PayoutErr.Error()
	}
	return out
}

func (s *Server) listTournaments(w http.ResponseWriter, r *http.Request) {
	status := store.TournamentStatus(r.URL.Query().Get("status"))
	ts, err := s.tournaments.List(r.Context(), status)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ts)
}

func (s *Server) createTournament(w http.ResponseWriter, r *http.Request) {
	var req createTournamentRequest
	if err := readJSON(w, r, &req); err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	t, err := s.tournaments.Create(r.Context(), tournament.CreateParams{
		Name:       req.Name,
		CreatedBy:  req.CreatedBy,
		MaxPlayers: req.MaxPlayers,
		EntryFee:   req.EntryFee,
		Rated:      req.Rated,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) getTournament(w http.ResponseWriter, r *http.Request) {
	t, err := s.tournaments.Get(r.Context(), chi.URLParam(r, "tournamentID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type gameResponse struct {
	GameID   string `json:"game_id"`
	Outcome  string `json:"outcome"`
	Status   string `json:"status"`
	Terminal bool   `json:"terminal"`
}

// profileFetchLimit caps concurrent profile lookups per roster request.
const profileFetchLimit = 8

// listPlayers returns the roster enriched with public profiles, in join
// order. Profile lookups never fail; unavailable players come back with a
// fallback rating.
func (s *Server) listPlayers(w http.ResponseWriter, r *http.Request) {
	t, err := s.tournaments.Get(r.Context(), chi.URLParam(r, "tournamentID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}

	profiles := make([]lichess.Profile, len(t.PlayerIDs))
	g, ctx := errgroup.WithContext(r.Context())
	g.SetLimit(profileFetchLimit)
	for i, id := range t.PlayerIDs {
		g.Go(func() error {
			profiles[i] = s.lichess.FetchProfile(ctx, id)
			return nil
		})
	}
	_ = g.Wait()
	writeJSON(w, http.StatusOK, profiles)
}

// getGame reports the current outcome of a single game. The path accepts a
// bare id or a full game URL segment.
func (s *Server) getGame(w http.ResponseWriter, r *http.Request) {
	id := lichess.GameID(chi.URLParam(r, "gameID"))
	if id == "" {
		errorResponse(w, http.StatusBadRequest, "game id is required")
		return
	}

	res, err := s.lichess.FetchOutcome(r.Context(), id)
	if err != nil {
		s.logger.WarnContext(r.Context(), "game lookup failed",
			slog.String("game_id", id),
			slog.Any("error", err),
		)
		errorResponse(w, http.StatusBadGateway, "game server unavailable")
		return
	}
	writeJSON(w, http.StatusOK, gameResponse{
		GameID:   id,
		Outcome:  res.Outcome.String(),
		Status:   res.Status,
		Terminal: res.Outcome.Terminal(),
	})
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	evts, err := s.tournaments.History(r.Context(), chi.URLParam(r, "tournamentID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, evts)
}

// listEventsByType serves the audit log filtered by ?type=.
func (s *Server) listEventsByType(w http.ResponseWriter, r *http.Request) {
	evts, err := s.tournaments.EventsByType(r.Context(), event.Type(r.URL.Query().Get("type")))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, evts)
}

func (s *Server) joinTournament(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := readJSON(w, r, &req); err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	t, err := s.tournaments.Join(r.Context(), chi.URLParam(r, "tournamentID"), req.PlayerID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) startTournament(w http.ResponseWriter, r *http.Request) {
	t, err := s.tournaments.Start(r.Context(), chi.URLParam(r, "tournamentID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) advanceTournament(w http.ResponseWriter, r *http.Request) {
	res, err := s.tournaments.TryAdvance(r.Context(), chi.URLParam(r, "tournamentID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newAdvanceResponse(res))
}

// pushResult ingests a finished game reported by a client. Reporting the
// same game twice is harmless; the second report is not applied.
func (s *Server) pushResult(w http.ResponseWriter, r *http.Request) {
	var req resultRequest
	if err := readJSON(w, r, &req); err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	out, err := s.tournaments.IngestResult(r.Context(), tournament.Report{
		GameRef: req.GameURL,
		Winner:  req.Winner,
		Status:  req.Status,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, resultResponse{
		TournamentID: out.TournamentID,
		StageIndex:   out.StageIndex,
		MatchIndex:   out.MatchIndex,
		Applied:      out.Reconcile.Applied,
		WinnerID:     out.Reconcile.WinnerID,
		Advance:      newAdvanceResponse(out.Advance),
	})
}
