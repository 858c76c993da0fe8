package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/google/uuid"
	"github.com/tinwald/claimpull/internal/data"
)

// PostgresRepo implements Repo backed by PostgreSQL. The one-active-session-
// per-source rule is enforced by a partial unique index on sessions, so the
// guarantee holds even across multiple processes.
type PostgresRepo struct {
	db *sql.DB
}

// NewPostgresRepo constructs a repository using the provided DSN.
func NewPostgresRepo(dsn string) (*PostgresRepo, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	r := &PostgresRepo{db: db}
	if err := r.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

// NewPostgresRepoFromEnv constructs a DSN using component env vars.
// Recognized envs (with defaults):
//
//	POSTGRES_HOST (postgres), POSTGRES_PORT (5432), POSTGRES_DB (claimpull),
//	POSTGRES_USER (claimpull), POSTGRES_PASSWORD (empty), POSTGRES_SSLMODE (disable)
//
// Credentials and db name are URL-encoded to handle special characters safely.
func NewPostgresRepoFromEnv() (*PostgresRepo, error) {
	host := getenv("POSTGRES_HOST", "postgres")
	port := getenv("POSTGRES_PORT", "5432")
	db := getenv("POSTGRES_DB", "claimpull")
	user := getenv("POSTGRES_USER", "claimpull")
	pass := getenv("POSTGRES_PASSWORD", "")
	ssl := getenv("POSTGRES_SSLMODE", "disable")

	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(user, pass),
		Host:   net.JoinHostPort(host, port),
		Path:   "/" + db,
	}
	q := url.Values{}
	q.Set("sslmode", ssl)
	u.RawQuery = q.Encode()
	return NewPostgresRepo(u.String())
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func (r *PostgresRepo) Close() error { return r.db.Close() }

func (r *PostgresRepo) Ping(ctx context.Context) error { return r.db.PingContext(ctx) }

var _ Repo = (*PostgresRepo)(nil)

func (r *PostgresRepo) ensureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS sessions (
    id UUID PRIMARY KEY,
    source_type TEXT NOT NULL,
    status TEXT NOT NULL,
    params JSONB,
    total_discovered INT NOT NULL DEFAULT 0,
    already_downloaded INT NOT NULL DEFAULT 0,
    to_download INT NOT NULL DEFAULT 0,
    retry_failed INT NOT NULL DEFAULT 0,
    processed INT NOT NULL DEFAULT 0,
    downloaded INT NOT NULL DEFAULT 0,
    skipped INT NOT NULL DEFAULT 0,
    failed INT NOT NULL DEFAULT 0,
    worker_count INT NOT NULL DEFAULT 1,
    cancellable BOOLEAN NOT NULL DEFAULT TRUE,
    resumable BOOLEAN NOT NULL DEFAULT FALSE,
    resume_count INT NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    started_at TIMESTAMPTZ,
    completed_at TIMESTAMPTZ,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS sessions_one_active_per_source
    ON sessions (source_type)
    WHERE status IN ('pending','discovering','downloading');

CREATE TABLE IF NOT EXISTS session_files (
    id BIGSERIAL PRIMARY KEY,
    session_id UUID NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    filename TEXT NOT NULL,
    locator TEXT NOT NULL DEFAULT '',
    file_type TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    skip_reason TEXT NOT NULL DEFAULT '',
    size BIGINT NOT NULL DEFAULT 0,
    local_path TEXT NOT NULL DEFAULT '',
    checksum TEXT NOT NULL DEFAULT '',
    retry_count INT NOT NULL DEFAULT 0,
    worker_id INT NOT NULL DEFAULT 0,
    error TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    UNIQUE (session_id, filename)
);
CREATE INDEX IF NOT EXISTS session_files_claim
    ON session_files (session_id, status, id);

CREATE TABLE IF NOT EXISTS session_events (
    id BIGSERIAL PRIMARY KEY,
    session_id UUID NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    event_type TEXT NOT NULL,
    payload JSONB,
    created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS session_events_by_session
    ON session_events (session_id, id);
`)
	return err
}

const sessionCols = `id,source_type,status,params,total_discovered,already_downloaded,to_download,retry_failed,processed,downloaded,skipped,failed,worker_count,cancellable,resumable,resume_count,last_error,created_at,started_at,completed_at,updated_at`

func (r *PostgresRepo) AddSession(ctx context.Context, s *data.Session) (*data.Session, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	now := time.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	paramsJSON, _ := json.Marshal(s.Params)
	_, err := r.db.ExecContext(ctx, `
INSERT INTO sessions (`+sessionCols+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`,
		s.ID, s.SourceType, string(s.Status), nullJSON(paramsJSON),
		s.TotalDiscovered, s.AlreadyDownloaded, s.ToDownload, s.RetryFailed,
		s.Processed, s.Downloaded, s.Skipped, s.Failed,
		s.WorkerCount, s.Cancellable, s.Resumable, s.ResumeCount, s.LastError,
		s.CreatedAt, s.StartedAt, s.CompletedAt, s.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, data.ErrConflict
		}
		return nil, err
	}
	return r.GetSession(ctx, s.ID)
}

func (r *PostgresRepo) GetSession(ctx context.Context, id string) (*data.Session, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM sessions WHERE id=$1`, id)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, data.ErrNotFound
		}
		return nil, err
	}
	return s, nil
}

func (r *PostgresRepo) ListSessions(ctx context.Context, f SessionFilter) (data.Sessions, error) {
	q := `SELECT ` + sessionCols + ` FROM sessions`
	var conds []string
	var args []any
	if f.SourceType != "" {
		args = append(args, f.SourceType)
		conds = append(conds, "source_type=$"+itoa(len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		conds = append(conds, "status=$"+itoa(len(args)))
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += " LIMIT $" + itoa(len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		q += " OFFSET $" + itoa(len(args))
	}
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out data.Sessions
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) ActiveForSource(ctx context.Context, sourceType string) (*data.Session, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT `+sessionCols+` FROM sessions
WHERE source_type=$1 AND status IN ('pending','discovering','downloading')
LIMIT 1`, sourceType)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, data.ErrNotFound
		}
		return nil, err
	}
	return s, nil
}

// UpdateSession serializes updates per row using SELECT ... FOR UPDATE.
func (r *PostgresRepo) UpdateSession(ctx context.Context, id string, mutate func(*data.Session) error) (*data.Session, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM sessions WHERE id=$1 FOR UPDATE`, id)
	cur, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, data.ErrNotFound
		}
		return nil, err
	}

	next := cur.Clone()
	if mutate != nil {
		if err := mutate(next); err != nil {
			return nil, err
		}
	}
	next.UpdatedAt = time.Now()
	if err := writeSession(ctx, tx, next); err != nil {
		if isUniqueViolation(err) {
			return nil, data.ErrConflict
		}
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return next, nil
}

func writeSession(ctx context.Context, tx *sql.Tx, s *data.Session) error {
	paramsJSON, _ := json.Marshal(s.Params)
	_, err := tx.ExecContext(ctx, `
UPDATE sessions SET
    status=$1, params=$2,
    total_discovered=$3, already_downloaded=$4, to_download=$5, retry_failed=$6,
    processed=$7, downloaded=$8, skipped=$9, failed=$10,
    worker_count=$11, cancellable=$12, resumable=$13, resume_count=$14,
    last_error=$15, started_at=$16, completed_at=$17, updated_at=$18
WHERE id=$19`,
		string(s.Status), nullJSON(paramsJSON),
		s.TotalDiscovered, s.AlreadyDownloaded, s.ToDownload, s.RetryFailed,
		s.Processed, s.Downloaded, s.Skipped, s.Failed,
		s.WorkerCount, s.Cancellable, s.Resumable, s.ResumeCount,
		s.LastError, s.StartedAt, s.CompletedAt, s.UpdatedAt, s.ID)
	return err
}

const fileCols = `id,session_id,filename,locator,file_type,status,skip_reason,size,local_path,checksum,retry_count,worker_id,error,created_at,updated_at`

func (r *PostgresRepo) AddFiles(ctx context.Context, files data.SessionFiles) error {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	now := time.Now()
	for _, f := range files {
		if f.CreatedAt.IsZero() {
			f.CreatedAt = now
		}
		f.UpdatedAt = now
		err := tx.QueryRowContext(ctx, `
INSERT INTO session_files (session_id,filename,locator,file_type,status,skip_reason,size,local_path,checksum,retry_count,worker_id,error,created_at,updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
ON CONFLICT (session_id, filename) DO NOTHING
RETURNING id`,
			f.SessionID, f.Filename, f.Locator, f.FileType, string(f.Status), f.SkipReason,
			f.Size, f.LocalPath, f.Checksum, f.RetryCount, f.WorkerID, f.Error,
			f.CreatedAt, f.UpdatedAt).Scan(&f.ID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
	}
	return tx.Commit()
}

func (r *PostgresRepo) ListFiles(ctx context.Context, sessionID string, f FileFilter) (data.SessionFiles, error) {
	q := `SELECT ` + fileCols + ` FROM session_files WHERE session_id=$1`
	args := []any{sessionID}
	if f.Status != "" {
		args = append(args, string(f.Status))
		q += " AND status=$" + itoa(len(args))
	}
	q += " ORDER BY id ASC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += " LIMIT $" + itoa(len(args))
	}
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out data.SessionFiles
	for rows.Next() {
		sf, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sf)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) GetFile(ctx context.Context, id int64) (*data.SessionFile, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+fileCols+` FROM session_files WHERE id=$1`, id)
	f, err := scanFile(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, data.ErrFileNotFound
		}
		return nil, err
	}
	return f, nil
}

// ClaimPending relies on SKIP LOCKED so concurrent workers never claim the
// same row.
func (r *PostgresRepo) ClaimPending(ctx context.Context, sessionID string, workerID int) (*data.SessionFile, error) {
	row := r.db.QueryRowContext(ctx, `
UPDATE session_files SET status='downloading', worker_id=$2, updated_at=now()
WHERE id = (
    SELECT id FROM session_files
    WHERE session_id=$1 AND status='pending'
    ORDER BY id
    LIMIT 1
    FOR UPDATE SKIP LOCKED
)
RETURNING `+fileCols, sessionID, workerID)
	f, err := scanFile(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, data.ErrFileNotFound
		}
		return nil, err
	}
	return f, nil
}

func (r *PostgresRepo) UpdateFile(ctx context.Context, id int64, mutate func(*data.SessionFile) error) (*data.SessionFile, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()
	row := tx.QueryRowContext(ctx, `SELECT `+fileCols+` FROM session_files WHERE id=$1 FOR UPDATE`, id)
	cur, err := scanFile(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, data.ErrFileNotFound
		}
		return nil, err
	}
	next := cur.Clone()
	if mutate != nil {
		if err := mutate(next); err != nil {
			return nil, err
		}
	}
	next.UpdatedAt = time.Now()
	if err := writeFile(ctx, tx, next); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return next, nil
}

func writeFile(ctx context.Context, tx *sql.Tx, f *data.SessionFile) error {
	_, err := tx.ExecContext(ctx, `
UPDATE session_files SET
    status=$1, skip_reason=$2, size=$3, local_path=$4, checksum=$5,
    retry_count=$6, worker_id=$7, error=$8, updated_at=$9
WHERE id=$10`,
		string(f.Status), f.SkipReason, f.Size, f.LocalPath, f.Checksum,
		f.RetryCount, f.WorkerID, f.Error, f.UpdatedAt, f.ID)
	return err
}

// RecordOutcome locks the session row, applies the file outcome and bumps
// exactly one execution counter, all in one transaction. Progress reads are
// therefore always consistent, even across a crash.
func (r *PostgresRepo) RecordOutcome(ctx context.Context, sessionID string, fileID int64, o Outcome) (*data.Session, *data.SessionFile, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM sessions WHERE id=$1 FOR UPDATE`, sessionID)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, data.ErrNotFound
		}
		return nil, nil, err
	}
	frow := tx.QueryRowContext(ctx, `SELECT `+fileCols+` FROM session_files WHERE id=$1 AND session_id=$2 FOR UPDATE`, fileID, sessionID)
	f, err := scanFile(frow)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, data.ErrFileNotFound
		}
		return nil, nil, err
	}

	switch o.Status {
	case data.FileCompleted, data.FileSkipped, data.FileFailed:
	default:
		return nil, nil, data.ErrBadStatus
	}
	// Outcomes only land on a row the reporting worker still holds. A row the
	// watchdog reset (or another worker re-claimed) has moved on; the late
	// outcome is superseded and must not touch the counters.
	if f.Status != data.FileDownloading {
		return nil, nil, data.ErrSuperseded
	}
	if o.WorkerID != 0 && f.WorkerID != o.WorkerID {
		return nil, nil, data.ErrSuperseded
	}

	switch o.Status {
	case data.FileCompleted:
		s.Downloaded++
	case data.FileSkipped:
		s.Skipped++
	case data.FileFailed:
		s.Failed++
	}
	s.Processed = s.Downloaded + s.Skipped + s.Failed
	now := time.Now()
	s.UpdatedAt = now

	f.Status = o.Status
	f.SkipReason = o.SkipReason
	if o.Size > 0 {
		f.Size = o.Size
	}
	f.LocalPath = o.LocalPath
	f.Checksum = o.Checksum
	f.Error = o.Error
	f.RetryCount = o.RetryCount
	if o.WorkerID != 0 {
		f.WorkerID = o.WorkerID
	}
	f.UpdatedAt = now

	if err := writeSession(ctx, tx, s); err != nil {
		return nil, nil, err
	}
	if err := writeFile(ctx, tx, f); err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	return s, f, nil
}

func (r *PostgresRepo) ResetStuck(ctx context.Context, sessionID string, olderThan time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE session_files SET status='pending', worker_id=0, updated_at=now()
WHERE session_id=$1 AND status='downloading' AND updated_at <= $2`,
		sessionID, olderThan)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *PostgresRepo) RequeueRetryable(ctx context.Context, sessionID string, maxRetries int) (int, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE session_files SET status='pending', error='', updated_at=now()
WHERE session_id=$1 AND status='failed' AND retry_count < $2`,
		sessionID, maxRetries)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *PostgresRepo) AppendEvent(ctx context.Context, e *data.Event) (*data.Event, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	payload, _ := json.Marshal(e.Payload)
	err := r.db.QueryRowContext(ctx, `
INSERT INTO session_events (session_id,event_type,payload,created_at)
VALUES ($1,$2,$3,$4) RETURNING id`,
		e.SessionID, string(e.Type), nullJSON(payload), e.CreatedAt).Scan(&e.ID)
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (r *PostgresRepo) ListEvents(ctx context.Context, sessionID string, afterID int64, limit int) (data.Events, error) {
	q := `SELECT id,session_id,event_type,payload,created_at FROM session_events
WHERE session_id=$1 AND id > $2 ORDER BY id ASC`
	args := []any{sessionID, afterID}
	if limit > 0 {
		args = append(args, limit)
		q += " LIMIT $3"
	}
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out data.Events
	for rows.Next() {
		var (
			e          data.Event
			typ        string
			payloadRaw sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &typ, &payloadRaw, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = data.EventType(typ)
		if payloadRaw.Valid && payloadRaw.String != "" {
			_ = json.Unmarshal([]byte(payloadRaw.String), &e.Payload)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// History answers the discovery-time lookup from prior sessions' file rows.
// Skips count as success evidence since a skip implies an earlier success.
func (r *PostgresRepo) History(ctx context.Context, sourceType, filename string) (HistoryRecord, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT sf.status FROM session_files sf
JOIN sessions s ON s.id = sf.session_id
WHERE s.source_type=$1 AND sf.filename=$2 AND sf.status IN ('completed','skipped','failed')
ORDER BY sf.updated_at DESC
LIMIT 1`, sourceType, filename)
	var status string
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return HistoryRecord{}, nil
		}
		return HistoryRecord{}, err
	}
	last := data.FileStatus(status)
	if last == data.FileSkipped {
		last = data.FileCompleted
	}
	return HistoryRecord{Exists: true, LastStatus: last}, nil
}

// Helpers

type rowScanner interface{ Scan(dest ...any) error }

func scanSession(rs rowScanner) (*data.Session, error) {
	var (
		s          data.Session
		status     string
		paramsRaw  sql.NullString
		started    sql.NullTime
		completed  sql.NullTime
	)
	if err := rs.Scan(&s.ID, &s.SourceType, &status, &paramsRaw,
		&s.TotalDiscovered, &s.AlreadyDownloaded, &s.ToDownload, &s.RetryFailed,
		&s.Processed, &s.Downloaded, &s.Skipped, &s.Failed,
		&s.WorkerCount, &s.Cancellable, &s.Resumable, &s.ResumeCount, &s.LastError,
		&s.CreatedAt, &started, &completed, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.Status = data.SessionStatus(status)
	if paramsRaw.Valid && paramsRaw.String != "" {
		_ = json.Unmarshal([]byte(paramsRaw.String), &s.Params)
	}
	if started.Valid {
		t := started.Time
		s.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		s.CompletedAt = &t
	}
	return &s, nil
}

func scanFile(rs rowScanner) (*data.SessionFile, error) {
	var (
		f      data.SessionFile
		status string
	)
	if err := rs.Scan(&f.ID, &f.SessionID, &f.Filename, &f.Locator, &f.FileType,
		&status, &f.SkipReason, &f.Size, &f.LocalPath, &f.Checksum,
		&f.RetryCount, &f.WorkerID, &f.Error, &f.CreatedAt, &f.UpdatedAt); err != nil {
		return nil, err
	}
	f.Status = data.FileStatus(status)
	return &f, nil
}

func isUniqueViolation(err error) bool {
	// pgx stdlib returns error strings containing "duplicate key value violates unique constraint"
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key value") || strings.Contains(msg, "unique constraint")
}

func nullJSON(b []byte) any {
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	return string(b)
}

func itoa(n int) string { return strconv.Itoa(n) }
