package store // import "github.com/whisthq/whist/backend/workspaces/store"

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/whisthq/whist/backend/workspaces/types"
	"github.com/whisthq/whist/backend/workspaces/utils"
	logger "github.com/whisthq/whist/backend/workspaces/whistlogger"
)

// Schema creates the tables Postgres needs. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS workspaces (
	workspace_id     TEXT PRIMARY KEY,
	user_id          TEXT NOT NULL,
	session_id       TEXT NOT NULL,
	local_pod_id     TEXT,
	compute_endpoint TEXT NOT NULL DEFAULT '',
	tier             TEXT NOT NULL,
	config           JSONB NOT NULL DEFAULT '{}',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS workspaces_session_id_idx ON workspaces (session_id);
CREATE TABLE IF NOT EXISTS sessions (
	session_id TEXT PRIMARY KEY,
	settings   JSONB NOT NULL DEFAULT '{}'
);
`

// Postgres is a Store backed by a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to the database at connStr and makes sure the schema
// exists.
func NewPostgres(ctx context.Context, connStr string) (*Postgres, error) {
	pgxConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, utils.MakeError("unable to parse database connection string: %s", err)
	}
	// We always want to have at least one connection open.
	pgxConfig.MinConns = 1
	pgxConfig.LazyConnect = false

	pool, err := pgxpool.ConnectConfig(ctx, pgxConfig)
	if err != nil {
		return nil, utils.MakeError("unable to connect to the database: %s", err)
	}
	if _, err := pool.Exec(ctx, Schema); err != nil {
		pool.Close()
		return nil, utils.MakeError("error creating schema: %s", describe(err))
	}
	logger.Infof("Successfully connected to the database.")
	return &Postgres{pool: pool}, nil
}

// Close closes the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// describe adds the SQLSTATE of database errors to their message.
func describe(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return utils.Sprintf("%s (SQLSTATE %s)", pgErr.Message, pgErr.Code)
	}
	return err.Error()
}

func (p *Postgres) GetWorkspace(ctx context.Context, id types.WorkspaceID) (*WorkspaceRecord, error) {
	var (
		userID, sessionID, endpoint, tier string
		localPodID                        *string
		config                            []byte
	)
	rec := WorkspaceRecord{WorkspaceID: id}
	err := p.pool.QueryRow(ctx, `
		SELECT user_id, session_id, local_pod_id, compute_endpoint, tier, config, created_at
		FROM workspaces WHERE workspace_id = $1`, string(id),
	).Scan(&userID, &sessionID, &localPodID, &endpoint, &tier, &config, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, utils.MakeError("error querying workspace %s: %s", id, describe(err))
	}

	rec.UserID = types.UserID(userID)
	rec.SessionID = types.SessionID(sessionID)
	rec.ComputeEndpoint = types.Endpoint(endpoint)
	rec.Tier = types.Tier(tier)
	if localPodID != nil {
		rec.LocalPodID = types.PodID(*localPodID)
	}
	if err := json.Unmarshal(config, &rec.Config); err != nil {
		return nil, utils.MakeError("error decoding config of workspace %s: %s", id, err)
	}
	return &rec, nil
}

func (p *Postgres) SaveWorkspace(ctx context.Context, rec *WorkspaceRecord) error {
	config, err := json.Marshal(rec.Config)
	if err != nil {
		return utils.MakeError("error encoding config of workspace %s: %s", rec.WorkspaceID, err)
	}
	var localPodID *string
	if rec.LocalPodID != "" {
		s := string(rec.LocalPodID)
		localPodID = &s
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO workspaces (workspace_id, user_id, session_id, local_pod_id, compute_endpoint, tier, config, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (workspace_id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			session_id = EXCLUDED.session_id,
			local_pod_id = EXCLUDED.local_pod_id,
			compute_endpoint = EXCLUDED.compute_endpoint,
			tier = EXCLUDED.tier,
			config = EXCLUDED.config`,
		string(rec.WorkspaceID), string(rec.UserID), string(rec.SessionID), localPodID,
		string(rec.ComputeEndpoint), string(rec.Tier), config, rec.CreatedAt,
	)
	if err != nil {
		return utils.MakeError("error saving workspace %s: %s", rec.WorkspaceID, describe(err))
	}
	return nil
}

func (p *Postgres) DeleteWorkspace(ctx context.Context, id types.WorkspaceID) error {
	result, err := p.pool.Exec(ctx, `DELETE FROM workspaces WHERE workspace_id = $1`, string(id))
	if err != nil {
		return utils.MakeError("error deleting workspace %s: %s", id, describe(err))
	}
	logger.Infof("Deleted record of workspace %s: %s", id, result)
	return nil
}

func (p *Postgres) GetSessionSettings(ctx context.Context, id types.SessionID) (SessionSettings, error) {
	var (
		settings SessionSettings
		raw      []byte
	)
	err := p.pool.QueryRow(ctx, `SELECT settings FROM sessions WHERE session_id = $1`, string(id)).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return settings, nil
	}
	if err != nil {
		return settings, utils.MakeError("error querying settings of session %s: %s", id, describe(err))
	}
	if err := json.Unmarshal(raw, &settings); err != nil {
		return settings, utils.MakeError("error decoding settings of session %s: %s", id, err)
	}
	return settings, nil
}

func (p *Postgres) UpdateSessionSettings(ctx context.Context, id types.SessionID, settings SessionSettings) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return utils.MakeError("error encoding settings of session %s: %s", id, err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO sessions (session_id, settings) VALUES ($1, $2)
		ON CONFLICT (session_id) DO UPDATE SET settings = EXCLUDED.settings`,
		string(id), raw,
	)
	if err != nil {
		return utils.MakeError("error saving settings of session %s: %s", id, describe(err))
	}
	return nil
}
