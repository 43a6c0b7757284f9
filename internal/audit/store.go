// Package audit keeps a permanent SQLite record of closed voting rounds.
//
// Every agent process may close rounds, so the database runs in WAL mode
// with a busy timeout, and writes retry on transient contention errors.
// Results are insert-only: a round's first archived result is never
// overwritten.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Iron-Ham/switchboard/internal/consensus"
	"github.com/Iron-Ham/switchboard/internal/errors"

	_ "modernc.org/sqlite"
)

// Store is the results archive. It implements consensus.Archive.
type Store struct {
	db *sql.DB
}

var _ consensus.Archive = (*Store)(nil)

// Open opens (or creates) the archive at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("audit: create directory: %w", err)
	}
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("audit: migrate: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	return retryOnContention(func() error {
		_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS results (
			vote_id     TEXT PRIMARY KEY,
			topic       TEXT NOT NULL,
			option_a    TEXT NOT NULL,
			option_b    TEXT NOT NULL,
			winner      TEXT NOT NULL,
			strategy    TEXT NOT NULL,
			tie_broken  INTEGER NOT NULL DEFAULT 0,
			tie_break   TEXT NOT NULL DEFAULT '',
			total_votes INTEGER NOT NULL,
			abstentions INTEGER NOT NULL,
			tallies     TEXT NOT NULL,
			closed_at   TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_results_closed ON results(closed_at);
		`)
		return err
	})
}

// SaveResult archives res. Archiving the same round twice keeps the first
// result.
func (s *Store) SaveResult(ctx context.Context, res consensus.Result) error {
	tallies, err := json.Marshal(res.Tallies)
	if err != nil {
		return fmt.Errorf("audit: encode tallies: %w", err)
	}
	return retryOnContention(func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO results (vote_id, topic, option_a, option_b, winner, strategy,
			                      tie_broken, tie_break, total_votes, abstentions, tallies, closed_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(vote_id) DO NOTHING`,
			res.VoteID, res.Topic, res.OptionA, res.OptionB, res.Winner, string(res.Strategy),
			boolToInt(res.TieBroken), res.TieBreak, res.TotalVotes, res.Abstentions,
			string(tallies), res.ClosedAt.UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("audit: save result %s: %w", res.VoteID, err)
		}
		return nil
	})
}

const selectResult = `SELECT vote_id, topic, option_a, option_b, winner, strategy,
	tie_broken, tie_break, total_votes, abstentions, tallies, closed_at FROM results`

// GetResult returns the archived result for voteID.
func (s *Store) GetResult(ctx context.Context, voteID string) (*consensus.Result, error) {
	row := s.db.QueryRowContext(ctx, selectResult+` WHERE vote_id = ?`, voteID)
	res, err := scanResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("result", voteID)
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ListResults returns up to limit results, most recently closed first.
// limit <= 0 returns all of them.
func (s *Store) ListResults(ctx context.Context, limit int) ([]consensus.Result, error) {
	query := selectResult + ` ORDER BY closed_at DESC, vote_id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: list results: %w", err)
	}
	defer rows.Close()

	var out []consensus.Result
	for rows.Next() {
		res, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *res)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanResult(sc scanner) (*consensus.Result, error) {
	var (
		res       consensus.Result
		strategy  string
		tieBroken int
		tallies   string
		closedAt  string
	)
	err := sc.Scan(&res.VoteID, &res.Topic, &res.OptionA, &res.OptionB, &res.Winner, &strategy,
		&tieBroken, &res.TieBreak, &res.TotalVotes, &res.Abstentions, &tallies, &closedAt)
	if err != nil {
		return nil, err
	}
	res.Strategy = consensus.Strategy(strategy)
	res.TieBroken = tieBroken != 0
	if err := json.Unmarshal([]byte(tallies), &res.Tallies); err != nil {
		return nil, fmt.Errorf("audit: decode tallies for %s: %w", res.VoteID, err)
	}
	if res.ClosedAt, err = time.Parse(time.RFC3339Nano, closedAt); err != nil {
		return nil, fmt.Errorf("audit: parse closed_at for %s: %w", res.VoteID, err)
	}
	return &res, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
