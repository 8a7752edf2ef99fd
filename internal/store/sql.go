package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/msageha/fleetguard/internal/model"
)

// Dialect is the placeholder style of a driver.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// SQL is a Backend over database/sql. Queries are written with "?" and
// rebound to "$n" for postgres. Times are stored as Unix milliseconds.
type SQL struct {
	db      *sql.DB
	dialect Dialect
}

// OpenSQL opens driver ("postgres" or "sqlite") at dsn and migrates it.
func OpenSQL(ctx context.Context, driver, dsn string) (*SQL, error) {
	var d Dialect
	switch driver {
	case "postgres":
		d = DialectPostgres
	case "sqlite":
		d = DialectSQLite
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if d == DialectSQLite {
		// one writer; modernc serializes anyway and this avoids SQLITE_BUSY
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	s := NewSQL(db, d)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQL wraps an open database. Callers run Migrate themselves.
func NewSQL(db *sql.DB, d Dialect) *SQL {
	return &SQL{db: db, dialect: d}
}

func (s *SQL) Close() error { return s.db.Close() }

func (s *SQL) rebind(q string) string {
	if s.dialect != DialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, c := range q {
		if c == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS remediation_runs (
		id TEXT PRIMARY KEY,
		host_id TEXT NOT NULL,
		action_id TEXT NOT NULL,
		mode TEXT NOT NULL,
		state TEXT NOT NULL,
		requested_at BIGINT NOT NULL,
		requested_by TEXT NOT NULL DEFAULT '',
		started_at BIGINT,
		finished_at BIGINT,
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 0,
		next_attempt_at BIGINT,
		last_attempt_at BIGINT,
		last_error TEXT NOT NULL DEFAULT '',
		dlq INTEGER NOT NULL DEFAULT 0,
		dlq_reason TEXT NOT NULL DEFAULT '',
		replay_of_run_id TEXT NOT NULL DEFAULT '',
		output TEXT NOT NULL DEFAULT '',
		approval_status TEXT NOT NULL DEFAULT 'none',
		payload TEXT NOT NULL DEFAULT '',
		rev INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS remediation_runs_queue ON remediation_runs (state, mode, requested_at)`,
	`CREATE INDEX IF NOT EXISTS remediation_runs_host ON remediation_runs (host_id, action_id, requested_at)`,
	`CREATE INDEX IF NOT EXISTS remediation_runs_replay ON remediation_runs (replay_of_run_id)`,
	`CREATE TABLE IF NOT EXISTS incidents (
		id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		severity TEXT NOT NULL,
		host_id TEXT NOT NULL DEFAULT '',
		due_at BIGINT,
		created_at BIGINT NOT NULL,
		rev INTEGER NOT NULL,
		doc TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS incidents_due ON incidents (state, due_at)`,
	`CREATE TABLE IF NOT EXISTS incident_events (
		id TEXT PRIMARY KEY,
		incident_id TEXT NOT NULL,
		seq BIGINT NOT NULL,
		type TEXT NOT NULL,
		step_id TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL DEFAULT '',
		event_ts BIGINT NOT NULL,
		actor_user_id TEXT NOT NULL DEFAULT '',
		meta TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS incident_events_incident ON incident_events (incident_id, seq)`,
	`CREATE TABLE IF NOT EXISTS hosts (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		address TEXT NOT NULL,
		enabled INTEGER NOT NULL,
		fleet TEXT NOT NULL,
		metadata TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		ts BIGINT NOT NULL,
		kind TEXT NOT NULL,
		run_id TEXT NOT NULL DEFAULT '',
		incident_id TEXT NOT NULL DEFAULT '',
		host_id TEXT NOT NULL DEFAULT '',
		actor_user_id TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT ''
	)`,
}

// Migrate applies the schema. Every statement is idempotent.
func (s *SQL) Migrate(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}

func toMs(t time.Time) int64 { return t.UnixMilli() }

func fromMs(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMs(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func ptrMs(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMs(n.Int64)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueViolation reports a primary key clash on either driver.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

const runColumns = `id, host_id, action_id, mode, state, requested_at, requested_by,
	started_at, finished_at, attempts, max_attempts, next_attempt_at, last_attempt_at,
	last_error, dlq, dlq_reason, replay_of_run_id, output, approval_status, payload, rev`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*model.RemediationRun, error) {
	var (
		r                                      model.RemediationRun
		requestedAt                            int64
		started, finished, nextAt, lastAttempt sql.NullInt64
		dlq                                    int
		approval, payload                      string
	)
	err := sc.Scan(&r.ID, &r.HostID, &r.ActionID, &r.Mode, &r.State, &requestedAt, &r.RequestedBy,
		&started, &finished, &r.Attempts, &r.MaxAttempts, &nextAt, &lastAttempt,
		&r.LastError, &dlq, &r.DLQReason, &r.ReplayOfRunID, &r.Output, &approval, &payload, &r.Rev)
	if err != nil {
		return nil, err
	}
	r.RequestedAt = fromMs(requestedAt)
	r.StartedAt = ptrMs(started)
	r.FinishedAt = ptrMs(finished)
	r.NextAttemptAt = ptrMs(nextAt)
	r.LastAttemptAt = ptrMs(lastAttempt)
	r.DLQ = dlq != 0
	if err := model.DecodeRunPayload([]byte(payload), &r); err != nil {
		return nil, fmt.Errorf("run %s: %w", r.ID, err)
	}
	return &r, nil
}

func runArgs(r *model.RemediationRun) ([]any, error) {
	payload, err := model.EncodeRunPayload(r)
	if err != nil {
		return nil, err
	}
	return []any{
		r.ID, r.HostID, r.ActionID, string(r.Mode), string(r.State), toMs(r.RequestedAt), r.RequestedBy,
		nullMs(r.StartedAt), nullMs(r.FinishedAt), r.Attempts, r.MaxAttempts, nullMs(r.NextAttemptAt), nullMs(r.LastAttemptAt),
		r.LastError, boolInt(r.DLQ), r.DLQReason, r.ReplayOfRunID, r.Output, string(r.Approval.Status), string(payload),
	}, nil
}

func (s *SQL) CreateRun(ctx context.Context, run *model.RemediationRun) error {
	args, err := runArgs(run)
	if err != nil {
		return err
	}
	args = append(args, 1)
	q := `INSERT INTO remediation_runs (` + runColumns + `) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`
	if _, err := s.db.ExecContext(ctx, s.rebind(q), args...); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("run %s: %w", run.ID, ErrConflict)
		}
		return fmt.Errorf("insert run: %w", err)
	}
	run.Rev = 1
	return nil
}

func (s *SQL) GetRun(ctx context.Context, id string) (*model.RemediationRun, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+runColumns+` FROM remediation_runs WHERE id = ?`), id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

func runWhere(f RunFilter) (string, []any) {
	var conds []string
	var args []any
	if f.HostID != "" {
		conds = append(conds, "host_id = ?")
		args = append(args, f.HostID)
	}
	if f.ActionID != "" {
		conds = append(conds, "action_id = ?")
		args = append(args, f.ActionID)
	}
	if f.Mode != "" {
		conds = append(conds, "mode = ?")
		args = append(args, string(f.Mode))
	}
	if len(f.States) > 0 {
		ph := make([]string, len(f.States))
		for i, st := range f.States {
			ph[i] = "?"
			args = append(args, string(st))
		}
		conds = append(conds, "state IN ("+strings.Join(ph, ",")+")")
	}
	if f.Since != nil {
		conds = append(conds, "requested_at >= ?")
		args = append(args, toMs(*f.Since))
	}
	if f.DLQ != nil {
		conds = append(conds, "dlq = ?")
		args = append(args, boolInt(*f.DLQ))
	}
	if f.NotReplayed {
		conds = append(conds, "NOT EXISTS (SELECT 1 FROM remediation_runs c WHERE c.replay_of_run_id = remediation_runs.id)")
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *SQL) queryRuns(ctx context.Context, q string, args ...any) ([]*model.RemediationRun, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.RemediationRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQL) ListRuns(ctx context.Context, f RunFilter) ([]*model.RemediationRun, error) {
	where, args := runWhere(f)
	order := " ORDER BY requested_at DESC, id DESC"
	if f.OldestFirst {
		order = " ORDER BY requested_at ASC, id ASC"
	}
	q := `SELECT ` + runColumns + ` FROM remediation_runs` + where + order
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return s.queryRuns(ctx, q, args...)
}

func (s *SQL) CountRuns(ctx context.Context, f RunFilter) (int, error) {
	where, args := runWhere(f)
	var n int
	if err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM remediation_runs`+where), args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count runs: %w", err)
	}
	return n, nil
}

func (s *SQL) ListEligible(ctx context.Context, now time.Time, limit int) ([]*model.RemediationRun, error) {
	q := `SELECT ` + runColumns + ` FROM remediation_runs
		WHERE state = ? AND mode = ? AND dlq = 0
		AND approval_status NOT IN (?, ?)
		AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		ORDER BY requested_at ASC, id ASC`
	args := []any{string(model.RunStateQueued), string(model.RunModeExecute),
		string(model.ApprovalPending), string(model.ApprovalRejected), toMs(now)}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	return s.queryRuns(ctx, q, args...)
}

const updateRunSQL = `UPDATE remediation_runs SET host_id = ?, action_id = ?, mode = ?, state = ?, requested_at = ?,
		requested_by = ?, started_at = ?, finished_at = ?, attempts = ?, max_attempts = ?, next_attempt_at = ?,
		last_attempt_at = ?, last_error = ?, dlq = ?, dlq_reason = ?, replay_of_run_id = ?, output = ?,
		approval_status = ?, payload = ?, rev = ?
		WHERE id = ? AND state = ? AND rev = ?`

// updateArgs moves id, the first column, to the WHERE clause.
func updateArgs(run *model.RemediationRun, expectState model.RunState, expectRev int) ([]any, error) {
	args, err := runArgs(run)
	if err != nil {
		return nil, err
	}
	return append(args[1:], expectRev+1, run.ID, string(expectState), expectRev), nil
}

func (s *SQL) UpdateRun(ctx context.Context, run *model.RemediationRun, expectState model.RunState, expectRev int) error {
	args, err := updateArgs(run, expectState, expectRev)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.rebind(updateRunSQL), args...)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update run rows affected: %w", err)
	}
	if n == 0 {
		if _, err := s.GetRun(ctx, run.ID); errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("run %s not %s@%d: %w", run.ID, expectState, expectRev, ErrConflict)
	}
	run.Rev = expectRev + 1
	return nil
}

// ClaimRun serializes claims per host and action with a transaction-scoped
// advisory lock on postgres; sqlite writers are already serialized.
func (s *SQL) ClaimRun(ctx context.Context, run *model.RemediationRun, expectRev int) error {
	args, err := updateArgs(run, model.RunStateQueued, expectRev)
	if err != nil {
		return err
	}
	q := updateRunSQL + ` AND NOT EXISTS (SELECT 1 FROM remediation_runs o
		WHERE o.host_id = ? AND o.action_id = ? AND o.mode = ? AND o.state = ? AND o.id <> ?)`
	args = append(args, run.HostID, run.ActionID, string(model.RunModeExecute), string(model.RunStateRunning), run.ID)
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if s.dialect == DialectPostgres {
			if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, run.HostID+"/"+run.ActionID); err != nil {
				return fmt.Errorf("claim lock: %w", err)
			}
		}
		res, err := tx.ExecContext(ctx, s.rebind(q), args...)
		if err != nil {
			return fmt.Errorf("claim run: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim run rows affected: %w", err)
		}
		if n > 0 {
			return nil
		}
		var (
			state string
			rev   int
		)
		err = tx.QueryRowContext(ctx, s.rebind(`SELECT state, rev FROM remediation_runs WHERE id = ?`), run.ID).Scan(&state, &rev)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("run %s: %w", run.ID, ErrNotFound)
		case err != nil:
			return fmt.Errorf("claim run: %w", err)
		case state == string(model.RunStateQueued) && rev == expectRev:
			return fmt.Errorf("run %s: %s already running on %s: %w", run.ID, run.ActionID, run.HostID, ErrBusy)
		}
		return fmt.Errorf("run %s is %s@%d, expected queued@%d: %w", run.ID, state, rev, expectRev, ErrConflict)
	})
	if err != nil {
		return err
	}
	run.Rev = expectRev + 1
	return nil
}

func incidentArgs(inc *model.IncidentRun) ([]any, error) {
	doc, err := json.Marshal(inc)
	if err != nil {
		return nil, fmt.Errorf("marshal incident: %w", err)
	}
	return []any{string(inc.State), string(inc.Severity), inc.HostID, nullMs(dueAt(inc)), string(doc)}, nil
}

func (s *SQL) insertEvent(ctx context.Context, tx *sql.Tx, ev *model.IncidentTimelineEvent) error {
	if ev == nil {
		return nil
	}
	meta := ""
	if len(ev.Meta) > 0 {
		b, err := json.Marshal(ev.Meta)
		if err != nil {
			return fmt.Errorf("marshal event meta: %w", err)
		}
		meta = string(b)
	}
	var seq int64
	if err := tx.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM incident_events WHERE incident_id = ?`), ev.IncidentID).Scan(&seq); err != nil {
		return fmt.Errorf("event seq: %w", err)
	}
	_, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO incident_events
		(id, incident_id, seq, type, step_id, message, event_ts, actor_user_id, meta)
		VALUES (?,?,?,?,?,?,?,?,?)`),
		ev.ID, ev.IncidentID, seq+1, ev.Type, ev.StepID, ev.Message, toMs(ev.EventTs), ev.ActorUserID, meta)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (s *SQL) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQL) CreateIncident(ctx context.Context, inc *model.IncidentRun, ev *model.IncidentTimelineEvent) error {
	inc.Rev = 1
	args, err := incidentArgs(inc)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO incidents (id, state, severity, host_id, due_at, doc, created_at, rev)
			VALUES (?,?,?,?,?,?,?,?)`),
			append([]any{inc.ID}, append(args, toMs(inc.CreatedAt), 1)...)...)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("incident %s: %w", inc.ID, ErrConflict)
			}
			return fmt.Errorf("insert incident: %w", err)
		}
		return s.insertEvent(ctx, tx, ev)
	})
}

func scanIncident(sc scanner) (*model.IncidentRun, error) {
	var doc string
	var rev int
	if err := sc.Scan(&doc, &rev); err != nil {
		return nil, err
	}
	var inc model.IncidentRun
	if err := json.Unmarshal([]byte(doc), &inc); err != nil {
		return nil, fmt.Errorf("decode incident: %w", err)
	}
	inc.Rev = rev
	return &inc, nil
}

func (s *SQL) GetIncident(ctx context.Context, id string) (*model.IncidentRun, error) {
	inc, err := scanIncident(s.db.QueryRowContext(ctx, s.rebind(`SELECT doc, rev FROM incidents WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("incident %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get incident: %w", err)
	}
	return inc, nil
}

func (s *SQL) queryIncidents(ctx context.Context, q string, args ...any) ([]*model.IncidentRun, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("query incidents: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*model.IncidentRun
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

func (s *SQL) ListIncidents(ctx context.Context, f IncidentFilter) ([]*model.IncidentRun, error) {
	var conds []string
	var args []any
	if len(f.States) > 0 {
		ph := make([]string, len(f.States))
		for i, st := range f.States {
			ph[i] = "?"
			args = append(args, string(st))
		}
		conds = append(conds, "state IN ("+strings.Join(ph, ",")+")")
	}
	if f.Severity != "" {
		conds = append(conds, "severity = ?")
		args = append(args, string(f.Severity))
	}
	if f.HostID != "" {
		conds = append(conds, "host_id = ?")
		args = append(args, f.HostID)
	}
	q := `SELECT doc, rev FROM incidents`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return s.queryIncidents(ctx, q, args...)
}

func (s *SQL) TransitionIncident(ctx context.Context, next *model.IncidentRun, expectRev int, ev *model.IncidentTimelineEvent) error {
	staged := *next
	staged.Rev = expectRev + 1
	args, err := incidentArgs(&staged)
	if err != nil {
		return err
	}
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.rebind(`UPDATE incidents SET state = ?, severity = ?, host_id = ?, due_at = ?, doc = ?, rev = ?
			WHERE id = ? AND rev = ?`),
			append(args, expectRev+1, next.ID, expectRev)...)
		if err != nil {
			return fmt.Errorf("update incident: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update incident rows affected: %w", err)
		}
		if n == 0 {
			var one int
			err := tx.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM incidents WHERE id = ?`), next.ID).Scan(&one)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("incident %s: %w", next.ID, ErrNotFound)
			}
			return fmt.Errorf("incident %s not at rev %d: %w", next.ID, expectRev, ErrConflict)
		}
		return s.insertEvent(ctx, tx, ev)
	})
	if err != nil {
		return err
	}
	next.Rev = expectRev + 1
	return nil
}

func (s *SQL) ListTimeline(ctx context.Context, incidentID string) ([]model.IncidentTimelineEvent, error) {
	if _, err := s.GetIncident(ctx, incidentID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT id, incident_id, type, step_id, message, event_ts, actor_user_id, meta
		FROM incident_events WHERE incident_id = ? ORDER BY seq ASC`), incidentID)
	if err != nil {
		return nil, fmt.Errorf("query timeline: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.IncidentTimelineEvent
	for rows.Next() {
		var ev model.IncidentTimelineEvent
		var ts int64
		var meta string
		if err := rows.Scan(&ev.ID, &ev.IncidentID, &ev.Type, &ev.StepID, &ev.Message, &ts, &ev.ActorUserID, &meta); err != nil {
			return nil, err
		}
		ev.EventTs = fromMs(ts)
		if meta != "" {
			if err := json.Unmarshal([]byte(meta), &ev.Meta); err != nil {
				return nil, fmt.Errorf("decode event %s meta: %w", ev.ID, err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQL) ListDueIncidents(ctx context.Context, now time.Time, limit int) ([]*model.IncidentRun, error) {
	q := `SELECT doc, rev FROM incidents WHERE state = ? AND due_at IS NOT NULL AND due_at <= ? ORDER BY due_at ASC, id ASC`
	args := []any{string(model.IncidentOpen), toMs(now)}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	return s.queryIncidents(ctx, q, args...)
}

func (s *SQL) NextDue(ctx context.Context) (*time.Time, error) {
	var n sql.NullInt64
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT MIN(due_at) FROM incidents WHERE state = ? AND due_at IS NOT NULL`),
		string(model.IncidentOpen)).Scan(&n)
	if err != nil {
		return nil, fmt.Errorf("next due: %w", err)
	}
	return ptrMs(n), nil
}

func scanHost(sc scanner) (*model.Host, error) {
	var h model.Host
	var enabled int
	var fleet, meta string
	if err := sc.Scan(&h.ID, &h.Name, &h.Address, &enabled, &fleet, &meta); err != nil {
		return nil, err
	}
	h.Enabled = enabled != 0
	if err := json.Unmarshal([]byte(fleet), &h.Fleet); err != nil {
		return nil, fmt.Errorf("decode host %s fleet: %w", h.ID, err)
	}
	if meta != "" {
		h.Metadata = json.RawMessage(meta)
	}
	return &h, nil
}

func (s *SQL) GetHost(ctx context.Context, id string) (*model.Host, error) {
	h, err := scanHost(s.db.QueryRowContext(ctx, s.rebind(`SELECT id, name, address, enabled, fleet, metadata FROM hosts WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("host %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get host: %w", err)
	}
	return h, nil
}

func (s *SQL) ListHosts(ctx context.Context) ([]*model.Host, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, address, enabled, fleet, metadata FROM hosts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list hosts: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*model.Host
	for rows.Next() {
		h, err := scanHost(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *SQL) UpsertHost(ctx context.Context, h *model.Host) error {
	fleet, err := json.Marshal(h.Fleet)
	if err != nil {
		return fmt.Errorf("marshal fleet policy: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`INSERT INTO hosts (id, name, address, enabled, fleet, metadata) VALUES (?,?,?,?,?,?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, address = excluded.address,
		enabled = excluded.enabled, fleet = excluded.fleet, metadata = excluded.metadata`),
		h.ID, h.Name, h.Address, boolInt(h.Enabled), string(fleet), string(h.Metadata))
	if err != nil {
		return fmt.Errorf("upsert host: %w", err)
	}
	return nil
}

func (s *SQL) UpdateFleetPolicy(ctx context.Context, id string, fn func(model.HostFleetPolicy) (model.HostFleetPolicy, error)) (*model.Host, error) {
	var out *model.Host
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		q := `SELECT id, name, address, enabled, fleet, metadata FROM hosts WHERE id = ?`
		if s.dialect == DialectPostgres {
			q += " FOR UPDATE"
		}
		h, err := scanHost(tx.QueryRowContext(ctx, s.rebind(q), id))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("host %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("get host: %w", err)
		}
		fp, err := fn(h.Fleet)
		if err != nil {
			return err
		}
		b, err := json.Marshal(fp)
		if err != nil {
			return fmt.Errorf("marshal fleet policy: %w", err)
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE hosts SET fleet = ? WHERE id = ?`), string(b), id); err != nil {
			return fmt.Errorf("update fleet policy: %w", err)
		}
		h.Fleet = fp
		out = h
		return nil
	})
	return out, err
}

func (s *SQL) AppendAudit(ctx context.Context, e model.AuditEntry) error {
	detail := ""
	if len(e.Detail) > 0 {
		b, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshal audit detail: %w", err)
		}
		detail = string(b)
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO audit_log (id, ts, kind, run_id, incident_id, host_id, actor_user_id, detail)
		VALUES (?,?,?,?,?,?,?,?)`),
		e.ID, toMs(e.Ts), e.Kind, e.RunID, e.IncidentID, e.HostID, e.ActorUserID, detail)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}
