package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const playerColumns = "id, name, position, team, jersey_number, height, weight, age, created_at, updated_at"

// CreatePlayer inserts a new player and returns it with ID and timestamps set.
func (s *Store) CreatePlayer(ctx context.Context, p Player) (Player, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO players (name, position, team, jersey_number, height, weight, age, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Name, p.Position, p.Team, nullableInt(p.JerseyNumber), p.Height, p.Weight, nullableInt(p.Age),
		now.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return Player{}, fmt.Errorf("inserting player: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Player{}, err
	}
	p.ID = id
	p.CreatedAt = now
	p.UpdatedAt = now
	return p, nil
}

// GetPlayer returns the player with the given ID, or ErrNotFound.
func (s *Store) GetPlayer(ctx context.Context, id int64) (Player, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+playerColumns+" FROM players WHERE id = ?", id)
	p, err := scanPlayer(row)
	if err == sql.ErrNoRows {
		return Player{}, ErrNotFound
	}
	return p, err
}

// SearchPlayers returns players matching the filter, ordered by name.
// Name and team match case-insensitively on substrings.
func (s *Store) SearchPlayers(ctx context.Context, f PlayerFilter) ([]Player, error) {
	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	query := "SELECT " + playerColumns + " FROM players WHERE 1=1"
	var args []interface{}
	if f.Name != "" {
		query += " AND name LIKE ? COLLATE NOCASE"
		args = append(args, "%"+f.Name+"%")
	}
	if f.Team != "" {
		query += " AND team LIKE ? COLLATE NOCASE"
		args = append(args, "%"+f.Team+"%")
	}
	if f.Position != "" {
		query += " AND position LIKE ? COLLATE NOCASE"
		args = append(args, "%"+f.Position+"%")
	}
	query += " ORDER BY name ASC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("searching players: %w", err)
	}
	defer rows.Close()

	var players []Player
	for rows.Next() {
		p, err := scanPlayer(rows)
		if err != nil {
			return nil, err
		}
		players = append(players, p)
	}
	return players, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPlayer(r rowScanner) (Player, error) {
	var p Player
	var jersey, age sql.NullInt64
	var createdAt, updatedAt string
	err := r.Scan(&p.ID, &p.Name, &p.Position, &p.Team, &jersey, &p.Height, &p.Weight, &age, &createdAt, &updatedAt)
	if err != nil {
		return Player{}, err
	}
	p.JerseyNumber = int(jersey.Int64)
	p.Age = int(age.Int64)
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return Player{}, fmt.Errorf("parsing created_at for player %d: %w", p.ID, err)
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Player{}, fmt.Errorf("parsing updated_at for player %d: %w", p.ID, err)
	}
	return p, nil
}

func nullableInt(v int) interface{} {
	if v == 0 {
		return nil
	}
	return v
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}
