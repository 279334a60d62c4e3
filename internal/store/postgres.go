package store

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/crowdgate/crowdgate/internal/db"
	"github.com/crowdgate/crowdgate/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists the hottest store queries, prepared on each
// new connection.
var preparedStatements = map[string]string{
	"get_comment":         `SELECT id, tenant_id, platform, platform_comment_id, platform_user_id, platform_user_name, text, ingested_at FROM comments WHERE id = $1`,
	"get_analysis":        `SELECT id, tenant_id, comment_id, score, categories, severity, created_at FROM analysis_results WHERE id = $1`,
	"get_offender":        `SELECT tenant_id, platform, platform_user_id, total_violations, actions, first_seen_at, last_seen_at, version FROM offenders WHERE tenant_id = $1 AND platform = $2 AND platform_user_id = $3`,
	"get_shield_action":   `SELECT id, tenant_id, comment_id, analysis_id, action, severity, offense_level, status, executed_action, degraded, reason, created_at, executed_at FROM shield_actions WHERE id = $1`,
	"insert_usage_record": `INSERT INTO usage_records (id, tenant_id, resource, quantity, idempotency_key, recorded_at) VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6) ON CONFLICT (idempotency_key) DO NOTHING`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool (tests use pgxmock here).
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool returns the underlying pool for subsystems that need direct query
// access (the postgres queue backend shares it).
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS tenants (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	tier       TEXT NOT NULL DEFAULT 'free',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS integrations (
	id         TEXT PRIMARY KEY,
	tenant_id  TEXT NOT NULL REFERENCES tenants(id),
	platform   TEXT NOT NULL,
	handle     TEXT NOT NULL,
	enabled    BOOLEAN NOT NULL DEFAULT true,
	auto_reply BOOLEAN NOT NULL DEFAULT false,
	tone       TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS comments (
	id                  TEXT PRIMARY KEY,
	tenant_id           TEXT NOT NULL,
	platform            TEXT NOT NULL,
	platform_comment_id TEXT NOT NULL,
	platform_user_id    TEXT NOT NULL,
	platform_user_name  TEXT NOT NULL DEFAULT '',
	text                TEXT NOT NULL,
	ingested_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (tenant_id, platform, platform_comment_id)
);

CREATE TABLE IF NOT EXISTS analysis_results (
	id         TEXT PRIMARY KEY,
	tenant_id  TEXT NOT NULL,
	comment_id TEXT NOT NULL UNIQUE REFERENCES comments(id),
	score      DOUBLE PRECISION NOT NULL,
	categories TEXT[] NOT NULL DEFAULT '{}',
	severity   TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS shield_actions (
	id              TEXT PRIMARY KEY,
	tenant_id       TEXT NOT NULL,
	comment_id      TEXT NOT NULL UNIQUE REFERENCES comments(id),
	analysis_id     TEXT NOT NULL REFERENCES analysis_results(id),
	action          TEXT NOT NULL,
	severity        TEXT NOT NULL,
	offense_level   INTEGER NOT NULL,
	status          TEXT NOT NULL DEFAULT 'pending',
	executed_action TEXT NOT NULL DEFAULT '',
	degraded        BOOLEAN NOT NULL DEFAULT false,
	reason          TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	executed_at     TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS offenders (
	tenant_id        TEXT NOT NULL,
	platform         TEXT NOT NULL,
	platform_user_id TEXT NOT NULL,
	total_violations INTEGER NOT NULL DEFAULT 0,
	actions          TEXT[] NOT NULL DEFAULT '{}',
	first_seen_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_seen_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	version          BIGINT NOT NULL DEFAULT 1,
	PRIMARY KEY (tenant_id, platform, platform_user_id)
);

CREATE TABLE IF NOT EXISTS replies (
	id           TEXT PRIMARY KEY,
	tenant_id    TEXT NOT NULL,
	comment_id   TEXT NOT NULL UNIQUE REFERENCES comments(id),
	text         TEXT NOT NULL,
	tone         TEXT NOT NULL DEFAULT '',
	published    BOOLEAN NOT NULL DEFAULT false,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	published_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS usage_records (
	id              TEXT PRIMARY KEY,
	tenant_id       TEXT NOT NULL,
	resource        TEXT NOT NULL,
	quantity        BIGINT NOT NULL,
	idempotency_key TEXT UNIQUE,
	recorded_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_comments_tenant ON comments(tenant_id, ingested_at DESC);
CREATE INDEX IF NOT EXISTS idx_shield_actions_tenant_status ON shield_actions(tenant_id, status);
CREATE INDEX IF NOT EXISTS idx_usage_tenant_resource ON usage_records(tenant_id, resource, recorded_at);
CREATE INDEX IF NOT EXISTS idx_integrations_tenant ON integrations(tenant_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresMigration); err != nil {
		return eris.Wrap(err, "postgres: migrate")
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

// ---- tenants & integrations ----

func (s *PostgresStore) UpsertTenant(ctx context.Context, t *Tenant) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tenants (id, name, tier) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, tier = EXCLUDED.tier`,
		t.ID, t.Name, t.Tier)
	return eris.Wrap(err, "postgres: upsert tenant")
}

func (s *PostgresStore) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	var t Tenant
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, tier, created_at FROM tenants WHERE id = $1`, id,
	).Scan(&t.ID, &t.Name, &t.Tier, &t.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, eris.Wrap(err, "postgres: get tenant")
	}
	return &t, nil
}

func (s *PostgresStore) UpsertIntegration(ctx context.Context, in *Integration) error {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO integrations (id, tenant_id, platform, handle, enabled, auto_reply, tone)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			handle = EXCLUDED.handle, enabled = EXCLUDED.enabled,
			auto_reply = EXCLUDED.auto_reply, tone = EXCLUDED.tone`,
		in.ID, in.TenantID, in.Platform, in.Handle, in.Enabled, in.AutoReply, in.Tone)
	return eris.Wrap(err, "postgres: upsert integration")
}

func (s *PostgresStore) GetIntegration(ctx context.Context, id string) (*Integration, error) {
	var in Integration
	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, platform, handle, enabled, auto_reply, tone, created_at
		FROM integrations WHERE id = $1`, id,
	).Scan(&in.ID, &in.TenantID, &in.Platform, &in.Handle, &in.Enabled, &in.AutoReply, &in.Tone, &in.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, eris.Wrap(err, "postgres: get integration")
	}
	return &in, nil
}

func (s *PostgresStore) ListIntegrations(ctx context.Context, onlyEnabled bool) ([]Integration, error) {
	query := `SELECT id, tenant_id, platform, handle, enabled, auto_reply, tone, created_at FROM integrations`
	if onlyEnabled {
		query += ` WHERE enabled`
	}
	query += ` ORDER BY created_at`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list integrations")
	}
	defer rows.Close()

	var out []Integration
	for rows.Next() {
		var in Integration
		if err := rows.Scan(&in.ID, &in.TenantID, &in.Platform, &in.Handle, &in.Enabled, &in.AutoReply, &in.Tone, &in.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan integration")
		}
		out = append(out, in)
	}
	return out, eris.Wrap(rows.Err(), "postgres: integration rows")
}

// ---- comments ----

func (s *PostgresStore) CreateComment(ctx context.Context, c *model.Comment) (*model.Comment, error) {
	stored := *c
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.IngestedAt.IsZero() {
		stored.IngestedAt = time.Now().UTC()
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO comments (id, tenant_id, platform, platform_comment_id, platform_user_id, platform_user_name, text, ingested_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tenant_id, platform, platform_comment_id) DO NOTHING`,
		stored.ID, stored.TenantID, stored.Platform, stored.PlatformCommentID,
		stored.PlatformUserID, stored.PlatformUserName, stored.Text, stored.IngestedAt)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert comment")
	}
	if tag.RowsAffected() == 0 {
		existing, err := s.getCommentByPlatformID(ctx, stored.TenantID, stored.Platform, stored.PlatformCommentID)
		if err != nil {
			return nil, err
		}
		return existing, ErrDuplicate
	}
	return &stored, nil
}

func (s *PostgresStore) getCommentByPlatformID(ctx context.Context, tenantID string, platform model.Platform, platformCommentID string) (*model.Comment, error) {
	var c model.Comment
	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, platform, platform_comment_id, platform_user_id, platform_user_name, text, ingested_at
		FROM comments WHERE tenant_id = $1 AND platform = $2 AND platform_comment_id = $3`,
		tenantID, platform, platformCommentID,
	).Scan(&c.ID, &c.TenantID, &c.Platform, &c.PlatformCommentID, &c.PlatformUserID, &c.PlatformUserName, &c.Text, &c.IngestedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, eris.Wrap(err, "postgres: get comment by platform id")
	}
	return &c, nil
}

func (s *PostgresStore) GetComment(ctx context.Context, id string) (*model.Comment, error) {
	var c model.Comment
	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, platform, platform_comment_id, platform_user_id, platform_user_name, text, ingested_at
		FROM comments WHERE id = $1`, id,
	).Scan(&c.ID, &c.TenantID, &c.Platform, &c.PlatformCommentID, &c.PlatformUserID, &c.PlatformUserName, &c.Text, &c.IngestedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, eris.Wrap(err, "postgres: get comment")
	}
	return &c, nil
}

// ---- analysis results ----

func (s *PostgresStore) CreateAnalysisResult(ctx context.Context, r *model.AnalysisResult) (*model.AnalysisResult, error) {
	stored := *r
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO analysis_results (id, tenant_id, comment_id, score, categories, severity, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (comment_id) DO NOTHING`,
		stored.ID, stored.TenantID, stored.CommentID, stored.Score,
		stored.Categories, stored.Severity.String(), stored.CreatedAt)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert analysis result")
	}
	if tag.RowsAffected() == 0 {
		existing, err := s.GetAnalysisByComment(ctx, stored.CommentID)
		if err != nil {
			return nil, err
		}
		return existing, ErrDuplicate
	}
	return &stored, nil
}

func (s *PostgresStore) scanAnalysis(row pgx.Row) (*model.AnalysisResult, error) {
	var r model.AnalysisResult
	var severity string
	err := row.Scan(&r.ID, &r.TenantID, &r.CommentID, &r.Score, &r.Categories, &severity, &r.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, eris.Wrap(err, "postgres: scan analysis result")
	}
	r.Severity = model.ParseSeverity(severity)
	return &r, nil
}

func (s *PostgresStore) GetAnalysisResult(ctx context.Context, id string) (*model.AnalysisResult, error) {
	return s.scanAnalysis(s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, comment_id, score, categories, severity, created_at
		FROM analysis_results WHERE id = $1`, id))
}

func (s *PostgresStore) GetAnalysisByComment(ctx context.Context, commentID string) (*model.AnalysisResult, error) {
	return s.scanAnalysis(s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, comment_id, score, categories, severity, created_at
		FROM analysis_results WHERE comment_id = $1`, commentID))
}

// ---- shield actions ----

func (s *PostgresStore) CreateShieldAction(ctx context.Context, a *model.ShieldAction) (*model.ShieldAction, error) {
	stored := *a
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	if stored.Status == "" {
		stored.Status = model.ActionStatusPending
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO shield_actions (id, tenant_id, comment_id, analysis_id, action, severity, offense_level, status, executed_action, degraded, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (comment_id) DO NOTHING`,
		stored.ID, stored.TenantID, stored.CommentID, stored.AnalysisID,
		string(stored.Action), stored.Severity.String(), stored.OffenseLevel,
		string(stored.Status), string(stored.ExecutedAction), stored.Degraded,
		stored.Reason, stored.CreatedAt)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert shield action")
	}
	if tag.RowsAffected() == 0 {
		existing, err := s.GetShieldActionByComment(ctx, stored.CommentID)
		if err != nil {
			return nil, err
		}
		return existing, ErrDuplicate
	}
	return &stored, nil
}

func (s *PostgresStore) scanShieldAction(row pgx.Row) (*model.ShieldAction, error) {
	var a model.ShieldAction
	var action, severity, status, executedAction string
	err := row.Scan(&a.ID, &a.TenantID, &a.CommentID, &a.AnalysisID, &action, &severity,
		&a.OffenseLevel, &status, &executedAction, &a.Degraded, &a.Reason, &a.CreatedAt, &a.ExecutedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, eris.Wrap(err, "postgres: scan shield action")
	}
	a.Action = model.ActionType(action)
	a.Severity = model.ParseSeverity(severity)
	a.Status = model.ActionStatus(status)
	a.ExecutedAction = model.ActionType(executedAction)
	return &a, nil
}

func (s *PostgresStore) GetShieldAction(ctx context.Context, id string) (*model.ShieldAction, error) {
	return s.scanShieldAction(s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, comment_id, analysis_id, action, severity, offense_level, status, executed_action, degraded, reason, created_at, executed_at
		FROM shield_actions WHERE id = $1`, id))
}

func (s *PostgresStore) GetShieldActionByComment(ctx context.Context, commentID string) (*model.ShieldAction, error) {
	return s.scanShieldAction(s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, comment_id, analysis_id, action, severity, offense_level, status, executed_action, degraded, reason, created_at, executed_at
		FROM shield_actions WHERE comment_id = $1`, commentID))
}

func (s *PostgresStore) UpdateShieldActionExecution(ctx context.Context, a *model.ShieldAction) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE shield_actions SET status = $2, executed_action = $3, degraded = $4, reason = $5, executed_at = $6
		WHERE id = $1`,
		a.ID, string(a.Status), string(a.ExecutedAction), a.Degraded, a.Reason, a.ExecutedAt)
	if err != nil {
		return eris.Wrap(err, "postgres: update shield action")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListShieldActions(ctx context.Context, filter ActionFilter) ([]model.ShieldAction, error) {
	query := `SELECT id, tenant_id, comment_id, analysis_id, action, severity, offense_level, status, executed_action, degraded, reason, created_at, executed_at
		FROM shield_actions WHERE 1=1`
	var args []any

	if filter.TenantID != "" {
		args = append(args, filter.TenantID)
		query += ` AND tenant_id = $1`
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += ` AND status = $` + strconv.Itoa(len(args))
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list shield actions")
	}
	defer rows.Close()

	var out []model.ShieldAction
	for rows.Next() {
		a, err := s.scanShieldAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: shield action rows")
}

// ---- offender history ----

func (s *PostgresStore) GetOffender(ctx context.Context, key model.OffenderKey) (*model.OffenderHistory, error) {
	var h model.OffenderHistory
	var actions []string
	err := s.pool.QueryRow(ctx, `
		SELECT tenant_id, platform, platform_user_id, total_violations, actions, first_seen_at, last_seen_at, version
		FROM offenders WHERE tenant_id = $1 AND platform = $2 AND platform_user_id = $3`,
		key.TenantID, key.Platform, key.PlatformUserID,
	).Scan(&h.Key.TenantID, &h.Key.Platform, &h.Key.PlatformUserID,
		&h.TotalViolations, &actions, &h.FirstSeenAt, &h.LastSeenAt, &h.Version)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, eris.Wrap(err, "postgres: get offender")
	}
	h.Actions = make([]model.ActionType, len(actions))
	for i, a := range actions {
		h.Actions[i] = model.ActionType(a)
	}
	return &h, nil
}

// UpsertOffender performs a compare-and-swap scoped to the single
// offender row. Version 0 inserts; otherwise the update must match the
// version the caller read.
func (s *PostgresStore) UpsertOffender(ctx context.Context, h *model.OffenderHistory) error {
	actions := make([]string, len(h.Actions))
	for i, a := range h.Actions {
		actions[i] = string(a)
	}
	now := time.Now().UTC()

	if h.Version == 0 {
		tag, err := s.pool.Exec(ctx, `
			INSERT INTO offenders (tenant_id, platform, platform_user_id, total_violations, actions, first_seen_at, last_seen_at, version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 1)
			ON CONFLICT (tenant_id, platform, platform_user_id) DO NOTHING`,
			h.Key.TenantID, h.Key.Platform, h.Key.PlatformUserID,
			h.TotalViolations, actions, now, now)
		if err != nil {
			return eris.Wrap(err, "postgres: insert offender")
		}
		if tag.RowsAffected() == 0 {
			return ErrVersionConflict
		}
		h.Version = 1
		h.FirstSeenAt = now
		h.LastSeenAt = now
		return nil
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE offenders SET total_violations = $4, actions = $5, last_seen_at = $6, version = version + 1
		WHERE tenant_id = $1 AND platform = $2 AND platform_user_id = $3 AND version = $7`,
		h.Key.TenantID, h.Key.Platform, h.Key.PlatformUserID,
		h.TotalViolations, actions, now, h.Version)
	if err != nil {
		return eris.Wrap(err, "postgres: update offender")
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	h.Version++
	h.LastSeenAt = now
	return nil
}

// ---- replies ----

func (s *PostgresStore) CreateReply(ctx context.Context, r *model.Reply) (*model.Reply, error) {
	stored := *r
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO replies (id, tenant_id, comment_id, text, tone, published, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (comment_id) DO NOTHING`,
		stored.ID, stored.TenantID, stored.CommentID, stored.Text, stored.Tone,
		stored.Published, stored.CreatedAt)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert reply")
	}
	if tag.RowsAffected() == 0 {
		existing, err := s.GetReplyByComment(ctx, stored.CommentID)
		if err != nil {
			return nil, err
		}
		return existing, ErrDuplicate
	}
	return &stored, nil
}

func (s *PostgresStore) GetReplyByComment(ctx context.Context, commentID string) (*model.Reply, error) {
	var r model.Reply
	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, comment_id, text, tone, published, created_at, published_at
		FROM replies WHERE comment_id = $1`, commentID,
	).Scan(&r.ID, &r.TenantID, &r.CommentID, &r.Text, &r.Tone, &r.Published, &r.CreatedAt, &r.PublishedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, eris.Wrap(err, "postgres: get reply")
	}
	return &r, nil
}

func (s *PostgresStore) MarkReplyPublished(ctx context.Context, replyID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE replies SET published = true, published_at = $2 WHERE id = $1`, replyID, at)
	if err != nil {
		return eris.Wrap(err, "postgres: mark reply published")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- usage records ----

func (s *PostgresStore) RecordUsage(ctx context.Context, rec *model.UsageRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}
	// NULLIF keeps keyless records out of the unique constraint;
	// ON CONFLICT swallows idempotent redelivery.
	_, err := s.pool.Exec(ctx, `
		INSERT INTO usage_records (id, tenant_id, resource, quantity, idempotency_key, recorded_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		rec.ID, rec.TenantID, string(rec.Resource), rec.Quantity, rec.IdempotencyKey, rec.RecordedAt)
	return eris.Wrap(err, "postgres: insert usage record")
}

func (s *PostgresStore) UsageTotal(ctx context.Context, tenantID string, resource model.ResourceType, since time.Time) (int64, error) {
	var total int64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(quantity), 0) FROM usage_records
		WHERE tenant_id = $1 AND resource = $2 AND recorded_at >= $3`,
		tenantID, string(resource), since,
	).Scan(&total)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: usage total")
	}
	return total, nil
}
