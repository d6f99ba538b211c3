package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/park285/card-scorekeeper/internal/game"
)

const schema = `CREATE TABLE IF NOT EXISTS card_game_results (
    game_id      TEXT PRIMARY KEY,
    remote_id    TEXT NOT NULL DEFAULT '',
    room         TEXT NOT NULL,
    players      JSONB NOT NULL,
    rounds       JSONB NOT NULL,
    total_scores JSONB NOT NULL,
    winner_index INTEGER NOT NULL,
    winner_name  TEXT NOT NULL,
    round_count  INTEGER NOT NULL,
    started_at   TIMESTAMPTZ,
    ended_at     TIMESTAMPTZ,
    duration_ms  BIGINT NOT NULL DEFAULT 0
)`

const upsert = `INSERT INTO card_game_results (
    game_id, remote_id, room, players, rounds, total_scores,
    winner_index, winner_name, round_count, started_at, ended_at, duration_ms
  ) VALUES (
    $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
  ) ON CONFLICT (game_id) DO UPDATE SET
    remote_id=EXCLUDED.remote_id,
    room=EXCLUDED.room,
    players=EXCLUDED.players,
    rounds=EXCLUDED.rounds,
    total_scores=EXCLUDED.total_scores,
    winner_index=EXCLUDED.winner_index,
    winner_name=EXCLUDED.winner_name,
    round_count=EXCLUDED.round_count,
    started_at=EXCLUDED.started_at,
    ended_at=EXCLUDED.ended_at,
    duration_ms=EXCLUDED.duration_ms`

// Repository stores finished games in Postgres for long-term history.
type Repository struct {
	db *sql.DB
}

func NewRepository(databaseURL string) (*Repository, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &Repository{db: db}, nil
}

func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// Row is the flattened shape of one archived game.
type Row struct {
	GameID      string
	RemoteID    string
	Room        string
	Players     string
	Rounds      string
	TotalScores string
	WinnerIndex int
	WinnerName  string
	RoundCount  int
	StartedAt   sql.NullTime
	EndedAt     sql.NullTime
	DurationMS  int64
}

// BuildRow derives the archive row from a finished record.
func BuildRow(rec *game.Record) (Row, error) {
	if rec == nil {
		return Row{}, fmt.Errorf("nil record")
	}
	players, err := json.Marshal(rec.Players)
	if err != nil {
		return Row{}, err
	}
	rounds, err := json.Marshal(rec.Rounds)
	if err != nil {
		return Row{}, err
	}
	totals, err := json.Marshal(rec.TotalScores)
	if err != nil {
		return Row{}, err
	}
	row := Row{
		GameID:      rec.ID,
		RemoteID:    rec.RemoteID,
		Room:        rec.Room,
		Players:     string(players),
		Rounds:      string(rounds),
		TotalScores: string(totals),
		WinnerIndex: game.FindWinner(rec),
		WinnerName:  game.WinnerName(rec),
		RoundCount:  len(rec.Rounds),
		StartedAt:   parseTime(rec.Date),
		EndedAt:     parseTime(rec.EndDate),
	}
	if row.StartedAt.Valid && row.EndedAt.Valid {
		if d := row.EndedAt.Time.Sub(row.StartedAt.Time).Milliseconds(); d > 0 {
			row.DurationMS = d
		}
	}
	return row, nil
}

// SaveResult upserts a finished game. Unfinished records are ignored.
func (r *Repository) SaveResult(ctx context.Context, rec *game.Record) error {
	if r == nil || r.db == nil || rec == nil || !rec.IsEnded {
		return nil
	}
	row, err := BuildRow(rec)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, upsert,
		row.GameID, row.RemoteID, row.Room,
		row.Players, row.Rounds, row.TotalScores,
		row.WinnerIndex, row.WinnerName, row.RoundCount,
		row.StartedAt, row.EndedAt, row.DurationMS,
	)
	if err != nil {
		return fmt.Errorf("archive game %s: %w", row.GameID, err)
	}
	return nil
}

func parseTime(s string) sql.NullTime {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullTime{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return sql.NullTime{Time: t, Valid: true}
		}
	}
	return sql.NullTime{}
}
