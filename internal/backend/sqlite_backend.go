package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	brokererrors "github.com/devrev/mimus/internal/errors"
	"github.com/devrev/mimus/internal/model"
	"go.uber.org/zap"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// SQLiteBackend implements Backend on an embedded SQLite database.
// It serves local runs and tests; load runs use PostgreSQL.
type SQLiteBackend struct {
	db     *sql.DB
	logger *zap.Logger
}

// OpenSQLite opens the database at path. ":memory:" gives a private in-memory database.
func OpenSQLite(path string, logger *zap.Logger) (*SQLiteBackend, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	memory := path == ":memory:"
	dsn := path
	if !memory {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if memory {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	return &SQLiteBackend{db: db, logger: logger}, nil
}

// Migrate creates the tables if they do not exist
func (b *SQLiteBackend) Migrate(ctx context.Context) error {
	for _, stmt := range sqliteSchema {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (b *SQLiteBackend) ReadPlayer(ctx context.Context, playerID int64) (*model.Player, error) {
	p, err := scanPlayer(b.db.QueryRowContext(ctx, selectPlayerSQLite, playerID))
	if err != nil {
		return nil, classifySQLite("read player", err)
	}
	return p, nil
}

func (b *SQLiteBackend) CreatePlayer(ctx context.Context, playerID int64, loadout model.Loadout) (*model.Player, error) {
	var player *model.Player
	err := b.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO player (id, level, points, stones, stamina, slots, version)
			VALUES (?, 0, ?, ?, ?, ?, 0)
			ON CONFLICT (id) DO NOTHING`,
			playerID, loadout.Points, loadout.Stones, loadout.Stamina, loadout.Slots)
		if err != nil {
			return err
		}
		player, err = scanPlayer(tx.QueryRowContext(ctx, selectPlayerSQLite, playerID))
		return err
	})
	if err != nil {
		return nil, classifySQLite("create player", err)
	}
	return player, nil
}

func (b *SQLiteBackend) UpsertPlayer(ctx context.Context, p *model.Player) (*model.Player, error) {
	var player *model.Player
	err := b.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO player (id, level, points, stones, stamina, slots, version)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				level = excluded.level,
				points = excluded.points,
				stones = excluded.stones,
				stamina = excluded.stamina,
				slots = excluded.slots,
				version = excluded.version
			WHERE player.version <= excluded.version`,
			p.PlayerID, p.Level, p.Points, p.Stones, p.Stamina, p.Slots, p.Version)
		if err != nil {
			return err
		}
		player, err = scanPlayer(tx.QueryRowContext(ctx, selectPlayerSQLite, p.PlayerID))
		return err
	})
	if err != nil {
		return nil, classifySQLite("upsert player", err)
	}
	return player, nil
}

func (b *SQLiteBackend) ReadCards(ctx context.Context, playerID int64) ([]model.Card, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, owner_id, type, level, xp, version
		FROM card
		WHERE owner_id = ?
		ORDER BY id ASC`, playerID)
	if err != nil {
		return nil, classifySQLite("read cards", err)
	}
	defer rows.Close()

	cards := make([]model.Card, 0)
	for rows.Next() {
		var c model.Card
		if err := rows.Scan(&c.CardID, &c.OwnerID, &c.Type, &c.Level, &c.XP, &c.Version); err != nil {
			return nil, classifySQLite("scan card", err)
		}
		cards = append(cards, c)
	}
	if err := rows.Err(); err != nil {
		return nil, classifySQLite("read cards", err)
	}
	return cards, nil
}

func (b *SQLiteBackend) UpsertCard(ctx context.Context, c *model.Card) (*model.Card, error) {
	var card model.Card
	err := b.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO card (id, owner_id, type, level, xp, version)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				owner_id = excluded.owner_id,
				type = excluded.type,
				level = excluded.level,
				xp = excluded.xp,
				version = excluded.version
			WHERE card.version < excluded.version`,
			c.CardID, c.OwnerID, c.Type, c.Level, c.XP, c.Version)
		if err != nil {
			return err
		}
		return tx.QueryRowContext(ctx,
			`SELECT id, owner_id, type, level, xp, version FROM card WHERE id = ?`, c.CardID).
			Scan(&card.CardID, &card.OwnerID, &card.Type, &card.Level, &card.XP, &card.Version)
	})
	if err != nil {
		return nil, classifySQLite("upsert card", err)
	}
	return &card, nil
}

func (b *SQLiteBackend) RetireCards(ctx context.Context, cardIDs []int64) (int64, error) {
	if len(cardIDs) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(cardIDs)), ",")
	args := make([]any, len(cardIDs))
	for i, id := range cardIDs {
		args[i] = id
	}

	res, err := b.db.ExecContext(ctx, `
		UPDATE card SET
			version = CASE WHEN owner_id <> 0 THEN version + 1 ELSE version END,
			owner_id = 0
		WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, classifySQLite("retire cards", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, classifySQLite("retire cards", err)
	}
	return n, nil
}

// Ping checks the database handle
func (b *SQLiteBackend) Ping(ctx context.Context) error {
	if err := b.db.PingContext(ctx); err != nil {
		return brokererrors.BackendUnavailable("sqlite ping failed", err)
	}
	return nil
}

// Close closes the SQLite handle
func (b *SQLiteBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

const selectPlayerSQLite = `
	SELECT id, level, points, stones, stamina, slots, version
	FROM player
	WHERE id = ?`

func scanPlayer(row *sql.Row) (*model.Player, error) {
	var p model.Player
	if err := row.Scan(&p.PlayerID, &p.Level, &p.Points, &p.Stones, &p.Stamina, &p.Slots, &p.Version); err != nil {
		return nil, err
	}
	return &p, nil
}

func (b *SQLiteBackend) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// classifySQLite maps driver errors onto the broker's retry taxonomy
func classifySQLite(op string, err error) error {
	if err == nil {
		return nil
	}
	if brokererrors.IsBrokerError(err) || errors.Is(err, ErrNotFound) {
		return err
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if errors.Is(err, sql.ErrConnDone) || strings.Contains(err.Error(), "database is closed") {
		return brokererrors.BackendUnavailable(op+" failed", err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return brokererrors.TransientBackend(op+" interrupted", err)
	}

	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		switch code & 0xff {
		case sqlite3lib.SQLITE_BUSY, sqlite3lib.SQLITE_LOCKED:
			return brokererrors.TransientBackend(op+" failed", err).WithDetail("sqlite_code", code)
		case sqlite3lib.SQLITE_IOERR, sqlite3lib.SQLITE_CANTOPEN, sqlite3lib.SQLITE_FULL:
			return brokererrors.BackendUnavailable(op+" failed", err).WithDetail("sqlite_code", code)
		default:
			return brokererrors.PermanentBackend(op+" rejected", err).WithDetail("sqlite_code", code)
		}
	}
	return brokererrors.TransientBackend(op+" failed", err)
}
