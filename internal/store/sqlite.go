package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/crowdgate/crowdgate/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite for local and
// single-node runs. Array columns are stored as JSON text.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := sqlDB.Exec(pragma); err != nil {
			sqlDB.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: sqlDB}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS tenants (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	tier       TEXT NOT NULL DEFAULT 'free',
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS integrations (
	id         TEXT PRIMARY KEY,
	tenant_id  TEXT NOT NULL REFERENCES tenants(id),
	platform   TEXT NOT NULL,
	handle     TEXT NOT NULL,
	enabled    INTEGER NOT NULL DEFAULT 1,
	auto_reply INTEGER NOT NULL DEFAULT 0,
	tone       TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS comments (
	id                  TEXT PRIMARY KEY,
	tenant_id           TEXT NOT NULL,
	platform            TEXT NOT NULL,
	platform_comment_id TEXT NOT NULL,
	platform_user_id    TEXT NOT NULL,
	platform_user_name  TEXT NOT NULL DEFAULT '',
	text                TEXT NOT NULL,
	ingested_at         DATETIME NOT NULL,
	UNIQUE (tenant_id, platform, platform_comment_id)
);

CREATE TABLE IF NOT EXISTS analysis_results (
	id         TEXT PRIMARY KEY,
	tenant_id  TEXT NOT NULL,
	comment_id TEXT NOT NULL UNIQUE REFERENCES comments(id),
	score      REAL NOT NULL,
	categories TEXT NOT NULL DEFAULT '[]',
	severity   TEXT NOT NULL,
	created_at DATETIME NOT NULL
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
	degraded        INTEGER NOT NULL DEFAULT 0,
	reason          TEXT NOT NULL DEFAULT '',
	created_at      DATETIME NOT NULL,
	executed_at     DATETIME
);

CREATE TABLE IF NOT EXISTS offenders (
	tenant_id        TEXT NOT NULL,
	platform         TEXT NOT NULL,
	platform_user_id TEXT NOT NULL,
	total_violations INTEGER NOT NULL DEFAULT 0,
	actions          TEXT NOT NULL DEFAULT '[]',
	first_seen_at    DATETIME NOT NULL,
	last_seen_at     DATETIME NOT NULL,
	version          INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (tenant_id, platform, platform_user_id)
);

CREATE TABLE IF NOT EXISTS replies (
	id           TEXT PRIMARY KEY,
	tenant_id    TEXT NOT NULL,
	comment_id   TEXT NOT NULL UNIQUE REFERENCES comments(id),
	text         TEXT NOT NULL,
	tone         TEXT NOT NULL DEFAULT '',
	published    INTEGER NOT NULL DEFAULT 0,
	created_at   DATETIME NOT NULL,
	published_at DATETIME
);

CREATE TABLE IF NOT EXISTS usage_records (
	id              TEXT PRIMARY KEY,
	tenant_id       TEXT NOT NULL,
	resource        TEXT NOT NULL,
	quantity        INTEGER NOT NULL,
	idempotency_key TEXT UNIQUE,
	recorded_at     DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_comments_tenant ON comments(tenant_id, ingested_at DESC);
CREATE INDEX IF NOT EXISTS idx_shield_actions_tenant_status ON shield_actions(tenant_id, status);
CREATE INDEX IF NOT EXISTS idx_usage_tenant_resource ON usage_records(tenant_id, resource, recorded_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---- tenants & integrations ----

func (s *SQLiteStore) UpsertTenant(ctx context.Context, t *Tenant) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenants (id, name, tier) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, tier = excluded.tier`,
		t.ID, t.Name, string(t.Tier))
	return eris.Wrap(err, "sqlite: upsert tenant")
}

func (s *SQLiteStore) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	var t Tenant
	var tier string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, tier, created_at FROM tenants WHERE id = ?`, id,
	).Scan(&t.ID, &t.Name, &tier, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, eris.Wrap(err, "sqlite: get tenant")
	}
	t.Tier = model.Tier(tier)
	return &t, nil
}

func (s *SQLiteStore) UpsertIntegration(ctx context.Context, in *Integration) error {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO integrations (id, tenant_id, platform, handle, enabled, auto_reply, tone)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			handle = excluded.handle, enabled = excluded.enabled,
			auto_reply = excluded.auto_reply, tone = excluded.tone`,
		in.ID, in.TenantID, string(in.Platform), in.Handle, in.Enabled, in.AutoReply, in.Tone)
	return eris.Wrap(err, "sqlite: upsert integration")
}

func (s *SQLiteStore) GetIntegration(ctx context.Context, id string) (*Integration, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, platform, handle, enabled, auto_reply, tone, created_at
		FROM integrations WHERE id = ?`, id)
	return scanIntegration(row)
}

func (s *SQLiteStore) ListIntegrations(ctx context.Context, onlyEnabled bool) ([]Integration, error) {
	query := `SELECT id, tenant_id, platform, handle, enabled, auto_reply, tone, created_at FROM integrations`
	if onlyEnabled {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list integrations")
	}
	defer rows.Close()

	var out []Integration
	for rows.Next() {
		in, err := scanIntegration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *in)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: integration rows")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIntegration(row rowScanner) (*Integration, error) {
	var in Integration
	var platform string
	err := row.Scan(&in.ID, &in.TenantID, &platform, &in.Handle, &in.Enabled, &in.AutoReply, &in.Tone, &in.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan integration")
	}
	in.Platform = model.Platform(platform)
	return &in, nil
}

// ---- comments ----

func (s *SQLiteStore) CreateComment(ctx context.Context, c *model.Comment) (*model.Comment, error) {
	stored := *c
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.IngestedAt.IsZero() {
		stored.IngestedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO comments (id, tenant_id, platform, platform_comment_id, platform_user_id, platform_user_name, text, ingested_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, platform, platform_comment_id) DO NOTHING`,
		stored.ID, stored.TenantID, string(stored.Platform), stored.PlatformCommentID,
		stored.PlatformUserID, stored.PlatformUserName, stored.Text, stored.IngestedAt)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert comment")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		row := s.db.QueryRowContext(ctx, `
			SELECT id, tenant_id, platform, platform_comment_id, platform_user_id, platform_user_name, text, ingested_at
			FROM comments WHERE tenant_id = ? AND platform = ? AND platform_comment_id = ?`,
			stored.TenantID, string(stored.Platform), stored.PlatformCommentID)
		existing, err := scanComment(row)
		if err != nil {
			return nil, err
		}
		return existing, ErrDuplicate
	}
	return &stored, nil
}

func scanComment(row rowScanner) (*model.Comment, error) {
	var c model.Comment
	var platform string
	err := row.Scan(&c.ID, &c.TenantID, &platform, &c.PlatformCommentID, &c.PlatformUserID, &c.PlatformUserName, &c.Text, &c.IngestedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan comment")
	}
	c.Platform = model.Platform(platform)
	return &c, nil
}

func (s *SQLiteStore) GetComment(ctx context.Context, id string) (*model.Comment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, platform, platform_comment_id, platform_user_id, platform_user_name, text, ingested_at
		FROM comments WHERE id = ?`, id)
	return scanComment(row)
}

// ---- analysis results ----

func (s *SQLiteStore) CreateAnalysisResult(ctx context.Context, r *model.AnalysisResult) (*model.AnalysisResult, error) {
	stored := *r
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}

	cats, err := json.Marshal(stored.Categories)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal categories")
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO analysis_results (id, tenant_id, comment_id, score, categories, severity, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (comment_id) DO NOTHING`,
		stored.ID, stored.TenantID, stored.CommentID, stored.Score,
		string(cats), stored.Severity.String(), stored.CreatedAt)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert analysis result")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		existing, err := s.GetAnalysisByComment(ctx, stored.CommentID)
		if err != nil {
			return nil, err
		}
		return existing, ErrDuplicate
	}
	return &stored, nil
}

func scanAnalysisSQLite(row rowScanner) (*model.AnalysisResult, error) {
	var r model.AnalysisResult
	var cats, severity string
	err := row.Scan(&r.ID, &r.TenantID, &r.CommentID, &r.Score, &cats, &severity, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan analysis result")
	}
	if err := json.Unmarshal([]byte(cats), &r.Categories); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal categories")
	}
	r.Severity = model.ParseSeverity(severity)
	return &r, nil
}

func (s *SQLiteStore) GetAnalysisResult(ctx context.Context, id string) (*model.AnalysisResult, error) {
	return scanAnalysisSQLite(s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, comment_id, score, categories, severity, created_at
		FROM analysis_results WHERE id = ?`, id))
}

func (s *SQLiteStore) GetAnalysisByComment(ctx context.Context, commentID string) (*model.AnalysisResult, error) {
	return scanAnalysisSQLite(s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, comment_id, score, categories, severity, created_at
		FROM analysis_results WHERE comment_id = ?`, commentID))
}

// ---- shield actions ----

func (s *SQLiteStore) CreateShieldAction(ctx context.Context, a *model.ShieldAction) (*model.ShieldAction, error) {
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

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO shield_actions (id, tenant_id, comment_id, analysis_id, action, severity, offense_level, status, executed_action, degraded, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (comment_id) DO NOTHING`,
		stored.ID, stored.TenantID, stored.CommentID, stored.AnalysisID,
		string(stored.Action), stored.Severity.String(), stored.OffenseLevel,
		string(stored.Status), string(stored.ExecutedAction), stored.Degraded,
		stored.Reason, stored.CreatedAt)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert shield action")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		existing, err := s.GetShieldActionByComment(ctx, stored.CommentID)
		if err != nil {
			return nil, err
		}
		return existing, ErrDuplicate
	}
	return &stored, nil
}

func scanShieldActionSQLite(row rowScanner) (*model.ShieldAction, error) {
	var a model.ShieldAction
	var action, severity, status, executedAction string
	err := row.Scan(&a.ID, &a.TenantID, &a.CommentID, &a.AnalysisID, &action, &severity,
		&a.OffenseLevel, &status, &executedAction, &a.Degraded, &a.Reason, &a.CreatedAt, &a.ExecutedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan shield action")
	}
	a.Action = model.ActionType(action)
	a.Severity = model.ParseSeverity(severity)
	a.Status = model.ActionStatus(status)
	a.ExecutedAction = model.ActionType(executedAction)
	return &a, nil
}

func (s *SQLiteStore) GetShieldAction(ctx context.Context, id string) (*model.ShieldAction, error) {
	return scanShieldActionSQLite(s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, comment_id, analysis_id, action, severity, offense_level, status, executed_action, degraded, reason, created_at, executed_at
		FROM shield_actions WHERE id = ?`, id))
}

func (s *SQLiteStore) GetShieldActionByComment(ctx context.Context, commentID string) (*model.ShieldAction, error) {
	return scanShieldActionSQLite(s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, comment_id, analysis_id, action, severity, offense_level, status, executed_action, degraded, reason, created_at, executed_at
		FROM shield_actions WHERE comment_id = ?`, commentID))
}

func (s *SQLiteStore) UpdateShieldActionExecution(ctx context.Context, a *model.ShieldAction) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE shield_actions SET status = ?, executed_action = ?, degraded = ?, reason = ?, executed_at = ?
		WHERE id = ?`,
		string(a.Status), string(a.ExecutedAction), a.Degraded, a.Reason, a.ExecutedAt, a.ID)
	if err != nil {
		return eris.Wrap(err, "sqlite: update shield action")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListShieldActions(ctx context.Context, filter ActionFilter) ([]model.ShieldAction, error) {
	query := `SELECT id, tenant_id, comment_id, analysis_id, action, severity, offense_level, status, executed_action, degraded, reason, created_at, executed_at
		FROM shield_actions WHERE 1=1`
	var args []any

	if filter.TenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, filter.TenantID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list shield actions")
	}
	defer rows.Close()

	var out []model.ShieldAction
	for rows.Next() {
		a, err := scanShieldActionSQLite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: shield action rows")
}

// ---- offender history ----

func (s *SQLiteStore) GetOffender(ctx context.Context, key model.OffenderKey) (*model.OffenderHistory, error) {
	var h model.OffenderHistory
	var platform, actions string
	err := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, platform, platform_user_id, total_violations, actions, first_seen_at, last_seen_at, version
		FROM offenders WHERE tenant_id = ? AND platform = ? AND platform_user_id = ?`,
		key.TenantID, string(key.Platform), key.PlatformUserID,
	).Scan(&h.Key.TenantID, &platform, &h.Key.PlatformUserID,
		&h.TotalViolations, &actions, &h.FirstSeenAt, &h.LastSeenAt, &h.Version)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, eris.Wrap(err, "sqlite: get offender")
	}
	h.Key.Platform = model.Platform(platform)
	if err := json.Unmarshal([]byte(actions), &h.Actions); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal actions")
	}
	return &h, nil
}

func (s *SQLiteStore) UpsertOffender(ctx context.Context, h *model.OffenderHistory) error {
	actions, err := json.Marshal(h.Actions)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal actions")
	}
	now := time.Now().UTC()

	if h.Version == 0 {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO offenders (tenant_id, platform, platform_user_id, total_violations, actions, first_seen_at, last_seen_at, version)
			VALUES (?, ?, ?, ?, ?, ?, ?, 1)
			ON CONFLICT (tenant_id, platform, platform_user_id) DO NOTHING`,
			h.Key.TenantID, string(h.Key.Platform), h.Key.PlatformUserID,
			h.TotalViolations, string(actions), now, now)
		if err != nil {
			return eris.Wrap(err, "sqlite: insert offender")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrVersionConflict
		}
		h.Version = 1
		h.FirstSeenAt = now
		h.LastSeenAt = now
		return nil
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE offenders SET total_violations = ?, actions = ?, last_seen_at = ?, version = version + 1
		WHERE tenant_id = ? AND platform = ? AND platform_user_id = ? AND version = ?`,
		h.TotalViolations, string(actions), now,
		h.Key.TenantID, string(h.Key.Platform), h.Key.PlatformUserID, h.Version)
	if err != nil {
		return eris.Wrap(err, "sqlite: update offender")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrVersionConflict
	}
	h.Version++
	h.LastSeenAt = now
	return nil
}

// ---- replies ----

func (s *SQLiteStore) CreateReply(ctx context.Context, r *model.Reply) (*model.Reply, error) {
	stored := *r
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO replies (id, tenant_id, comment_id, text, tone, published, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (comment_id) DO NOTHING`,
		stored.ID, stored.TenantID, stored.CommentID, stored.Text, stored.Tone,
		stored.Published, stored.CreatedAt)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert reply")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		existing, err := s.GetReplyByComment(ctx, stored.CommentID)
		if err != nil {
			return nil, err
		}
		return existing, ErrDuplicate
	}
	return &stored, nil
}

func (s *SQLiteStore) GetReplyByComment(ctx context.Context, commentID string) (*model.Reply, error) {
	var r model.Reply
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, comment_id, text, tone, published, created_at, published_at
		FROM replies WHERE comment_id = ?`, commentID,
	).Scan(&r.ID, &r.TenantID, &r.CommentID, &r.Text, &r.Tone, &r.Published, &r.CreatedAt, &r.PublishedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, eris.Wrap(err, "sqlite: get reply")
	}
	return &r, nil
}

func (s *SQLiteStore) MarkReplyPublished(ctx context.Context, replyID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE replies SET published = 1, published_at = ? WHERE id = ?`, at, replyID)
	if err != nil {
		return eris.Wrap(err, "sqlite: mark reply published")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- usage records ----

func (s *SQLiteStore) RecordUsage(ctx context.Context, rec *model.UsageRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_records (id, tenant_id, resource, quantity, idempotency_key, recorded_at)
		VALUES (?, ?, ?, ?, NULLIF(?, ''), ?)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		rec.ID, rec.TenantID, string(rec.Resource), rec.Quantity, rec.IdempotencyKey, rec.RecordedAt)
	return eris.Wrap(err, "sqlite: insert usage record")
}

func (s *SQLiteStore) UsageTotal(ctx context.Context, tenantID string, resource model.ResourceType, since time.Time) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(quantity), 0) FROM usage_records
		WHERE tenant_id = ? AND resource = ? AND recorded_at >= ?`,
		tenantID, string(resource), since,
	).Scan(&total)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: usage total")
	}
	return total, nil
}
