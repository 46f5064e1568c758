package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/jensholdgaard/chess-knockout/internal/clock"
	"github.com/jensholdgaard/chess-knockout/internal/store"
)

const tournamentColumns = `id, name, created_by, max_players, player_ids, entry_fee, prize_pool, rated,
	stages, current_stage_index, advancing_players, winner, status, created_at, updated_at, completed_at`

// tournamentRow is the scan target for a tournaments row.
type tournamentRow struct {
	ID                string         `db:"id"`
	Name              string         `db:"name"`
	CreatedBy         string         `db:"created_by"`
	MaxPlayers        int            `db:"max_players"`
	PlayerIDs         pq.StringArray `db:"player_ids"`
	EntryFee          int            `db:"entry_fee"`
	PrizePool         int            `db:"prize_pool"`
	Rated             bool           `db:"rated"`
	Stages            []byte         `db:"stages"`
	CurrentStageIndex int            `db:"current_stage_index"`
	AdvancingPlayers  pq.StringArray `db:"advancing_players"`
	Winner            *string        `db:"winner"`
	Status            string         `db:"status"`
	CreatedAt         time.Time      `db:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"`
	CompletedAt       *time.Time     `db:"completed_at"`
}

func (r tournamentRow) toTournament() (*store.Tournament, error) {
	var stages []store.Stage
	if len(r.Stages) > 0 {
		if err := json.Unmarshal(r.Stages, &stages); err != nil {
			return nil, fmt.Errorf("decoding stages of tournament %s: %w", r.ID, err)
		}
	}
	return &store.Tournament{
		ID:                r.ID,
		Name:              r.Name,
		CreatedBy:         r.CreatedBy,
		MaxPlayers:        r.MaxPlayers,
		PlayerIDs:         []string(r.PlayerIDs),
		EntryFee:          r.EntryFee,
		PrizePool:         r.PrizePool,
		Rated:             r.Rated,
		Stages:            stages,
		CurrentStageIndex: r.CurrentStageIndex,
		AdvancingPlayers:  []string(r.AdvancingPlayers),
		Winner:            r.Winner,
		Status:            store.TournamentStatus(r.Status),
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
		CompletedAt:       r.CompletedAt,
	}, nil
}

// TournamentRepo implements store.TournamentRepository with sqlx. Stages
// live in a JSONB column and every transition is a conditional UPDATE.
type TournamentRepo struct {
	db    *sqlx.DB
	clock clock.Clock
}

// NewTournamentRepo returns a new TournamentRepo.
func NewTournamentRepo(db *sqlx.DB, clk clock.Clock) *TournamentRepo {
	return &TournamentRepo{db: db, clock: clk}
}

func (r *TournamentRepo) Create(ctx context.Context, t *store.Tournament) error {
	now := r.clock.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	stages, err := json.Marshal(nonNilStages(t.Stages))
	if err != nil {
		return fmt.Errorf("encoding stages: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO tournaments (id, name, created_by, max_players, player_ids, entry_fee, prize_pool, rated,
		                          stages, current_stage_index, advancing_players, winner, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10, $11, $12, $13, $14, $15)`,
		t.ID, t.Name, t.CreatedBy, t.MaxPlayers, stringArray(t.PlayerIDs), t.EntryFee, t.PrizePool, t.Rated,
		string(stages), t.CurrentStageIndex, stringArray(t.AdvancingPlayers), t.Winner, string(t.Status),
		t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("tournament %s: %w", t.ID, store.ErrConflict)
		}
		return fmt.Errorf("creating tournament: %w", err)
	}
	return nil
}

func (r *TournamentRepo) GetByID(ctx context.Context, id string) (*store.Tournament, error) {
	var row tournamentRow
	err := r.db.GetContext(ctx, &row, `SELECT `+tournamentColumns+` FROM tournaments WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("tournament %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting tournament: %w", err)
	}
	return row.toTournament()
}

func (r *TournamentRepo) ListByStatus(ctx context.Context, status store.TournamentStatus) ([]store.Tournament, error) {
	return r.list(ctx,
		`SELECT `+tournamentColumns+` FROM tournaments WHERE status = $1 ORDER BY created_at ASC`,
		string(status))
}

func (r *TournamentRepo) ListByGameID(ctx context.Context, gameID string) ([]store.Tournament, error) {
	return r.list(ctx,
		`SELECT `+tournamentColumns+` FROM tournaments
		 WHERE status <> 'open' AND position($1 in stages::text) > 0
		 ORDER BY created_at ASC`,
		gameID)
}

func (r *TournamentRepo) list(ctx context.Context, query string, args ...any) ([]store.Tournament, error) {
	var rows []tournamentRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("listing tournaments: %w", err)
	}
	out := make([]store.Tournament, 0, len(rows))
	for _, row := range rows {
		t, err := row.toTournament()
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, nil
}

func (r *TournamentRepo) AddPlayer(ctx context.Context, id, playerID string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE tournaments SET player_ids = array_append(player_ids, $2::text), updated_at = $3
		 WHERE id = $1 AND status = 'open'
		   AND cardinality(player_ids) < max_players
		   AND NOT ($2::text = ANY(player_ids))`,
		id, playerID, r.clock.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("adding player: %w", err)
	}
	return expectOneRow(result, "tournament %s: add player %s", id, playerID)
}

func (r *TournamentRepo) Activate(ctx context.Context, p store.ActivateParams) error {
	stage, err := json.Marshal(p.FirstStage)
	if err != nil {
		return fmt.Errorf("encoding stage: %w", err)
	}
	now := r.clock.Now().UTC()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// The tournament row is updated first so its row lock serialises
	// concurrent starters before any balance is touched.
	var players pq.StringArray
	var fee int
	err = tx.QueryRowxContext(ctx,
		`UPDATE tournaments
		 SET status = 'active', stages = jsonb_build_array($2::jsonb), current_stage_index = 0,
		     advancing_players = $3, updated_at = $4
		 WHERE id = $1 AND status = 'open' AND cardinality(player_ids) = max_players
		 RETURNING player_ids, entry_fee`,
		p.TournamentID, string(stage), stringArray(p.AdvancingPlayers), now,
	).Scan(&players, &fee)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("tournament %s: activate: %w", p.TournamentID, store.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("activating tournament: %w", err)
	}

	if fee > 0 {
		stmt, err := tx.PreparexContext(ctx,
			`UPDATE accounts SET balance = balance - $1, updated_at = $2
			 WHERE lichess_id = $3 AND balance >= $1`)
		if err != nil {
			return fmt.Errorf("preparing debit: %w", err)
		}
		defer stmt.Close()

		for _, player := range players {
			result, err := stmt.ExecContext(ctx, fee, now, player)
			if err != nil {
				return fmt.Errorf("debiting entry fee from %s: %w", player, err)
			}
			if n, _ := result.RowsAffected(); n == 0 {
				return fmt.Errorf("debiting entry fee from %s: %w", player, store.ErrInsufficientFunds)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing activation: %w", err)
	}
	return nil
}

func (r *TournamentRepo) FinishMatch(ctx context.Context, p store.FinishMatchParams) (bool, error) {
	s, m := strconv.Itoa(p.StageIndex), strconv.Itoa(p.MatchIndex)
	path := func(field string) pq.StringArray {
		return pq.StringArray{s, "matches", m, field}
	}

	// One statement: the pending guard makes the first terminal write win
	// and the advancing set is updated in the same write.
	result, err := r.db.ExecContext(ctx,
		`UPDATE tournaments SET
		     stages = jsonb_set(jsonb_set(jsonb_set(jsonb_set(stages,
		         $2::text[], '"finished"'::jsonb),
		         $3::text[], to_jsonb($4::text)),
		         $5::text[], to_jsonb($6::text)),
		         $7::text[], to_jsonb($8::text)),
		     advancing_players = CASE
		         WHEN $4::text <> $9::text AND current_stage_index = $10
		              AND NOT ($4::text = ANY(advancing_players))
		         THEN array_append(advancing_players, $4::text)
		         ELSE advancing_players
		     END,
		     updated_at = $11
		 WHERE id = $1 AND status = 'active' AND stages #>> $2::text[] = 'pending'`,
		p.TournamentID,
		path("result"),
		path("winner_id"), p.WinnerID,
		path("status_label"), p.StatusLabel,
		path("finished_at"), p.FinishedAt.UTC().Format(time.RFC3339Nano),
		store.DrawWinner,
		p.StageIndex,
		r.clock.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("finishing match: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

func (r *TournamentRepo) AppendStage(ctx context.Context, p store.AppendStageParams) error {
	stage, err := json.Marshal(p.Stage)
	if err != nil {
		return fmt.Errorf("encoding stage: %w", err)
	}
	result, err := r.db.ExecContext(ctx,
		`UPDATE tournaments
		 SET stages = stages || jsonb_build_array($2::jsonb),
		     current_stage_index = current_stage_index + 1,
		     advancing_players = $3, updated_at = $4
		 WHERE id = $1 AND status = 'active' AND current_stage_index = $5`,
		p.TournamentID, string(stage), stringArray(p.AdvancingPlayers), r.clock.Now().UTC(), p.ExpectedStageIndex,
	)
	if err != nil {
		return fmt.Errorf("appending stage: %w", err)
	}
	return expectOneRow(result, "tournament %s: append stage after %d", p.TournamentID, p.ExpectedStageIndex)
}

func (r *TournamentRepo) Complete(ctx context.Context, id string, expectedStageIndex int, winnerID string) error {
	now := r.clock.Now().UTC()
	result, err := r.db.ExecContext(ctx,
		`UPDATE tournaments SET status = 'completed', winner = $2, completed_at = $3, updated_at = $3
		 WHERE id = $1 AND status = 'active' AND current_stage_index = $4`,
		id, winnerID, now, expectedStageIndex,
	)
	if err != nil {
		return fmt.Errorf("completing tournament: %w", err)
	}
	return expectOneRow(result, "tournament %s: complete at stage %d", id, expectedStageIndex)
}

func expectOneRow(result sql.Result, format string, args ...any) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf(format+": %w", append(args, store.ErrConflict)...)
	}
	return nil
}

// stringArray never returns a nil array so NOT NULL columns stay valid.
func stringArray(s []string) pq.StringArray {
	if s == nil {
		return pq.StringArray{}
	}
	return pq.StringArray(s)
}

func nonNilStages(s []store.Stage) []store.Stage {
	if s == nil {
		return []store.Stage{}
	}
	return s
}
