package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	brokererrors "github.com/devrev/mimus/internal/errors"
	"github.com/devrev/mimus/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PostgresOptions configures the PostgreSQL backend
type PostgresOptions struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	MaxConns int
	MinConns int
}

func (o PostgresOptions) connString() string {
	u := url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", o.Host, o.Port),
		Path:   "/" + o.Database,
	}
	if o.Password != "" {
		u.User = url.UserPassword(o.User, o.Password)
	} else {
		u.User = url.User(o.User)
	}
	q := url.Values{}
	if o.MaxConns > 0 {
		q.Set("pool_max_conns", strconv.Itoa(o.MaxConns))
	}
	if o.MinConns > 0 {
		q.Set("pool_min_conns", strconv.Itoa(o.MinConns))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// PostgresBackend implements Backend for PostgreSQL
type PostgresBackend struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresBackend creates a connection pool and verifies connectivity
func NewPostgresBackend(ctx context.Context, opts PostgresOptions, logger *zap.Logger) (*PostgresBackend, error) {
	config, err := pgxpool.ParseConfig(opts.connString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresBackend{pool: pool, logger: logger}, nil
}

// Migrate creates the tables if they do not exist
func (b *PostgresBackend) Migrate(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := b.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// ReadPlayer retrieves a player row
func (b *PostgresBackend) ReadPlayer(ctx context.Context, playerID int64) (*model.Player, error) {
	return b.selectPlayer(ctx, b.pool, playerID)
}

// CreatePlayer inserts the player with the initial loadout unless it already exists
func (b *PostgresBackend) CreatePlayer(ctx context.Context, playerID int64, loadout model.Loadout) (*model.Player, error) {
	query := `
		INSERT INTO player (id, level, points, stones, stamina, slots, version)
		VALUES ($1, 0, $2, $3, $4, $5, 0)
		ON CONFLICT (id) DO NOTHING
	`

	var player *model.Player
	err := b.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, query, playerID, loadout.Points, loadout.Stones, loadout.Stamina, loadout.Slots); err != nil {
			return err
		}
		p, err := b.selectPlayer(ctx, tx, playerID)
		player = p
		return err
	})
	if err != nil {
		return nil, classifyPostgres("create player", err)
	}
	return player, nil
}

// UpsertPlayer writes the player unless the stored row carries a newer version
func (b *PostgresBackend) UpsertPlayer(ctx context.Context, p *model.Player) (*model.Player, error) {
	query := `
		INSERT INTO player (id, level, points, stones, stamina, slots, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			level = EXCLUDED.level,
			points = EXCLUDED.points,
			stones = EXCLUDED.stones,
			stamina = EXCLUDED.stamina,
			slots = EXCLUDED.slots,
			version = EXCLUDED.version,
			updated_at = now()
		WHERE player.version <= EXCLUDED.version
	`

	var player *model.Player
	err := b.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, query, p.PlayerID, p.Level, p.Points, p.Stones, p.Stamina, p.Slots, p.Version); err != nil {
			return err
		}
		stored, err := b.selectPlayer(ctx, tx, p.PlayerID)
		player = stored
		return err
	})
	if err != nil {
		return nil, classifyPostgres("upsert player", err)
	}
	return player, nil
}

// ReadCards lists the cards a player owns
func (b *PostgresBackend) ReadCards(ctx context.Context, playerID int64) ([]model.Card, error) {
	query := `
		SELECT id, owner_id, type, level, xp, version
		FROM card
		WHERE owner_id = $1
		ORDER BY id ASC
	`

	rows, err := b.pool.Query(ctx, query, playerID)
	if err != nil {
		return nil, classifyPostgres("read cards", err)
	}
	defer rows.Close()

	cards := make([]model.Card, 0)
	for rows.Next() {
		var c model.Card
		if err := rows.Scan(&c.CardID, &c.OwnerID, &c.Type, &c.Level, &c.XP, &c.Version); err != nil {
			return nil, classifyPostgres("scan card", err)
		}
		cards = append(cards, c)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPostgres("read cards", err)
	}
	return cards, nil
}

// UpsertCard writes the card only over an older stored version
func (b *PostgresBackend) UpsertCard(ctx context.Context, c *model.Card) (*model.Card, error) {
	query := `
		INSERT INTO card (id, owner_id, type, level, xp, version)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			owner_id = EXCLUDED.owner_id,
			type = EXCLUDED.type,
			level = EXCLUDED.level,
			xp = EXCLUDED.xp,
			version = EXCLUDED.version,
			updated_at = now()
		WHERE card.version < EXCLUDED.version
	`
	selectQuery := `SELECT id, owner_id, type, level, xp, version FROM card WHERE id = $1`

	var card model.Card
	err := b.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, query, c.CardID, c.OwnerID, c.Type, c.Level, c.XP, c.Version); err != nil {
			return err
		}
		return tx.QueryRow(ctx, selectQuery, c.CardID).Scan(
			&card.CardID, &card.OwnerID, &card.Type, &card.Level, &card.XP, &card.Version)
	})
	if err != nil {
		return nil, classifyPostgres("upsert card", err)
	}
	return &card, nil
}

// RetireCards detaches the cards from their owner. Retiring bumps the version so a
// replayed upsert of the owned card cannot hand it back.
func (b *PostgresBackend) RetireCards(ctx context.Context, cardIDs []int64) (int64, error) {
	if len(cardIDs) == 0 {
		return 0, nil
	}
	query := `
		UPDATE card SET
			version = CASE WHEN owner_id <> 0 THEN version + 1 ELSE version END,
			owner_id = 0,
			updated_at = now()
		WHERE id = ANY($1)
	`

	result, err := b.pool.Exec(ctx, query, cardIDs)
	if err != nil {
		return 0, classifyPostgres("retire cards", err)
	}
	return result.RowsAffected(), nil
}

// Ping checks database connectivity
func (b *PostgresBackend) Ping(ctx context.Context) error {
	if err := b.pool.Ping(ctx); err != nil {
		return brokererrors.BackendUnavailable("postgres ping failed", err)
	}
	return nil
}

// Close closes the connection pool
func (b *PostgresBackend) Close() error {
	b.pool.Close()
	return nil
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (b *PostgresBackend) selectPlayer(ctx context.Context, q rowQuerier, playerID int64) (*model.Player, error) {
	query := `
		SELECT id, level, points, stones, stamina, slots, version
		FROM player
		WHERE id = $1
	`

	var p model.Player
	err := q.QueryRow(ctx, query, playerID).Scan(
		&p.PlayerID, &p.Level, &p.Points, &p.Stones, &p.Stamina, &p.Slots, &p.Version)
	if err != nil {
		return nil, classifyPostgres("read player", err)
	}
	return &p, nil
}

func (b *PostgresBackend) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := b.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// classifyPostgres maps driver errors onto the broker's retry taxonomy
func classifyPostgres(op string, err error) error {
	if err == nil {
		return nil
	}
	if brokererrors.IsBrokerError(err) || errors.Is(err, ErrNotFound) {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return brokererrors.TransientBackend(op+" interrupted", err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "55P03", pgErr.Code == "57014":
			// serialization failure, deadlock, lock not available, statement timeout
			return brokererrors.TransientBackend(op+" failed", err).WithDetail("sqlstate", pgErr.Code)
		case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "57P"), pgErr.Code == "53300":
			return brokererrors.BackendUnavailable(op+" failed", err).WithDetail("sqlstate", pgErr.Code)
		case strings.HasPrefix(pgErr.Code, "53"), strings.HasPrefix(pgErr.Code, "58"):
			return brokererrors.TransientBackend(op+" failed", err).WithDetail("sqlstate", pgErr.Code)
		default:
			// integrity (23), data (22), syntax/access (42) and the rest are not fixed by retrying
			return brokererrors.PermanentBackend(op+" rejected", err).WithDetail("sqlstate", pgErr.Code)
		}
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return brokererrors.BackendUnavailable(op+" failed", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || pgconn.SafeToRetry(err) {
		return brokererrors.BackendUnavailable(op+" failed", err)
	}
	return brokererrors.TransientBackend(op+" failed", err)
}
