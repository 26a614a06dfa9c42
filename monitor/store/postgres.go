package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	_ "embed"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed schema.sql
var schemaSQL string

const uniqueViolation = "23505"

// openFingerprintIndex is the partial unique index allowing one open
// occurrence per fingerprint.
const openFingerprintIndex = "alarms_open_fingerprint"

// PostgresStore implements Store on PostgreSQL through the pgx database/sql driver.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a pooled connection and verifies it.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, Unavailable("ping database", err)
	}

	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an existing handle.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Migrate creates the tables and indexes the store needs.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return classify("migrate", err)
		}
	}
	return nil
}

// classify maps driver errors onto the store sentinels.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		if pgErr.ConstraintName == openFingerprintIndex {
			return fmt.Errorf("%s: %w", op, ErrDuplicateFingerprint)
		}
		return fmt.Errorf("%s: unique constraint %s: %w", op, pgErr.ConstraintName, err)
	}
	if isConnectionError(err) {
		return Unavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isConnectionError(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// --- Inventory ---

const deviceColumns = `id, name, ip_address, status, last_polled,
	snmp_enabled, snmp_community, snmp_version,
	netconf_enabled, netconf_username, netconf_password,
	restconf_enabled, restconf_username, restconf_password`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*Device, error) {
	var d Device
	var lastPolled sql.NullTime
	err := row.Scan(&d.ID, &d.Name, &d.Address, &d.Status, &lastPolled,
		&d.SNMP.Enabled, &d.SNMP.Community, &d.SNMP.Version,
		&d.NETCONF.Enabled, &d.NETCONF.Username, &d.NETCONF.Password,
		&d.RESTCONF.Enabled, &d.RESTCONF.Username, &d.RESTCONF.Password)
	if err != nil {
		return nil, err
	}
	d.LastPolled = timePtr(lastPolled)
	return &d, nil
}

func (s *PostgresStore) UpsertDevice(ctx context.Context, d *Device) error {
	status := d.Status
	if status == "" {
		status = DeviceUnknown
	}
	query := `
		INSERT INTO devices (` + deviceColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			ip_address = EXCLUDED.ip_address,
			snmp_enabled = EXCLUDED.snmp_enabled,
			snmp_community = EXCLUDED.snmp_community,
			snmp_version = EXCLUDED.snmp_version,
			netconf_enabled = EXCLUDED.netconf_enabled,
			netconf_username = EXCLUDED.netconf_username,
			netconf_password = EXCLUDED.netconf_password,
			restconf_enabled = EXCLUDED.restconf_enabled,
			restconf_username = EXCLUDED.restconf_username,
			restconf_password = EXCLUDED.restconf_password
	`
	_, err := s.db.ExecContext(ctx, query,
		d.ID, d.Name, d.Address, string(status), nullTime(d.LastPolled),
		d.SNMP.Enabled, d.SNMP.Community, d.SNMP.Version,
		d.NETCONF.Enabled, d.NETCONF.Username, d.NETCONF.Password,
		d.RESTCONF.Enabled, d.RESTCONF.Username, d.RESTCONF.Password)
	return classify("upsert device", err)
}

func (s *PostgresStore) GetDevice(ctx context.Context, id int64) (*Device, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = $1`, id)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("get device", err)
	}
	return d, nil
}

func (s *PostgresStore) FindDeviceByAddress(ctx context.Context, address string) (*Device, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE ip_address = $1`, address)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("find device", err)
	}
	return d, nil
}

func (s *PostgresStore) ListDevices(ctx context.Context) ([]*Device, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+deviceColumns+` FROM devices ORDER BY id`)
	if err != nil {
		return nil, classify("list devices", err)
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, classify("scan device", err)
		}
		devices = append(devices, d)
	}
	return devices, classify("list devices", rows.Err())
}

func (s *PostgresStore) UpdateDeviceStatus(ctx context.Context, id int64, status *DeviceStatus, lastPolled time.Time) error {
	var st sql.NullString
	if status != nil {
		st = sql.NullString{String: string(*status), Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE devices SET status = COALESCE($2, status), last_polled = $3 WHERE id = $1`,
		id, st, lastPolled.UTC())
	if err != nil {
		return classify("update device status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update device status %d: %w", id, ErrNotFound)
	}
	return nil
}

const jobColumns = `id, device_id, protocol, oid_or_path, interval_seconds, enabled, last_executed, next_execution`

func (s *PostgresStore) UpsertJob(ctx context.Context, j *PollingJob) error {
	query := `
		INSERT INTO polling_jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			device_id = EXCLUDED.device_id,
			protocol = EXCLUDED.protocol,
			oid_or_path = EXCLUDED.oid_or_path,
			interval_seconds = EXCLUDED.interval_seconds,
			enabled = EXCLUDED.enabled
	`
	_, err := s.db.ExecContext(ctx, query,
		j.ID, j.DeviceID, string(j.Protocol), j.Request, int64(j.Interval/time.Second), j.Enabled,
		nullTime(j.LastExecuted), nullTime(j.NextExecution))
	return classify("upsert job", err)
}

func (s *PostgresStore) ListJobs(ctx context.Context) ([]*PollingJob, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM polling_jobs ORDER BY id`)
	if err != nil {
		return nil, classify("list jobs", err)
	}
	defer rows.Close()

	var jobs []*PollingJob
	for rows.Next() {
		var j PollingJob
		var seconds int64
		var last, next sql.NullTime
		if err := rows.Scan(&j.ID, &j.DeviceID, &j.Protocol, &j.Request, &seconds, &j.Enabled, &last, &next); err != nil {
			return nil, classify("scan job", err)
		}
		j.Interval = time.Duration(seconds) * time.Second
		j.LastExecuted = timePtr(last)
		j.NextExecution = timePtr(next)
		jobs = append(jobs, &j)
	}
	return jobs, classify("list jobs", rows.Err())
}

func (s *PostgresStore) SaveJobSchedule(ctx context.Context, jobID int64, lastExecuted, nextExecution time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE polling_jobs SET last_executed = $2, next_execution = $3 WHERE id = $1`,
		jobID, lastExecuted.UTC(), nextExecution.UTC())
	return classify("save job schedule", err)
}

const ruleColumns = `id, name, description, metric_name, threshold_value, comparison_operator, severity, enabled`

func (s *PostgresStore) UpsertRule(ctx context.Context, r *AlarmRule) error {
	query := `
		INSERT INTO alarm_rules (` + ruleColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			metric_name = EXCLUDED.metric_name,
			threshold_value = EXCLUDED.threshold_value,
			comparison_operator = EXCLUDED.comparison_operator,
			severity = EXCLUDED.severity,
			enabled = EXCLUDED.enabled
	`
	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.Name, r.Description, r.MetricName, r.Threshold, r.Comparator, string(r.Severity), r.Enabled)
	return classify("upsert rule", err)
}

func (s *PostgresStore) ListRules(ctx context.Context) ([]*AlarmRule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+ruleColumns+` FROM alarm_rules ORDER BY id`)
	if err != nil {
		return nil, classify("list rules", err)
	}
	defer rows.Close()

	var rules []*AlarmRule
	for rows.Next() {
		var r AlarmRule
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, &r.MetricName, &r.Threshold, &r.Comparator, &r.Severity, &r.Enabled); err != nil {
			return nil, classify("scan rule", err)
		}
		rules = append(rules, &r)
	}
	return rules, classify("list rules", rows.Err())
}

// --- Metrics ---

// AppendMetrics writes all samples in one transaction.
func (s *PostgresStore) AppendMetrics(ctx context.Context, metrics ...Metric) error {
	if len(metrics) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin append metrics", err)
	}
	defer tx.Rollback()

	for _, m := range metrics {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO metrics (device_id, metric_name, value, unit, timestamp) VALUES ($1, $2, $3, $4, $5)`,
			m.DeviceID, m.Name, m.Value, m.Unit, m.Timestamp.UTC())
		if err != nil {
			return classify("append metric", err)
		}
	}
	return classify("commit metrics", tx.Commit())
}

func (s *PostgresStore) LatestMetric(ctx context.Context, deviceID int64, name string) (*Metric, error) {
	var m Metric
	err := s.db.QueryRowContext(ctx, `
		SELECT device_id, metric_name, value, unit, timestamp FROM metrics
		WHERE device_id = $1 AND metric_name = $2
		ORDER BY timestamp DESC LIMIT 1`, deviceID, name).
		Scan(&m.DeviceID, &m.Name, &m.Value, &m.Unit, &m.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("latest metric", err)
	}
	return &m, nil
}

func (s *PostgresStore) QueryMetrics(ctx context.Context, q MetricQuery) ([]Metric, error) {
	var where []string
	var args []any
	if q.DeviceID != nil {
		args = append(args, *q.DeviceID)
		where = append(where, fmt.Sprintf("device_id = $%d", len(args)))
	}
	if q.Name != "" {
		args = append(args, q.Name)
		where = append(where, fmt.Sprintf("metric_name = $%d", len(args)))
	}
	if !q.Since.IsZero() {
		args = append(args, q.Since.UTC())
		where = append(where, fmt.Sprintf("timestamp >= $%d", len(args)))
	}
	query := `SELECT device_id, metric_name, value, unit, timestamp FROM metrics`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC"
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("query metrics", err)
	}
	defer rows.Close()

	var out []Metric
	for rows.Next() {
		var m Metric
		if err := rows.Scan(&m.DeviceID, &m.Name, &m.Value, &m.Unit, &m.Timestamp); err != nil {
			return nil, classify("scan metric", err)
		}
		out = append(out, m)
	}
	return out, classify("query metrics", rows.Err())
}

// --- Alarms ---

const alarmColumns = `id, alarm_id, device_id, rule_id, trap_type, title, description, severity, status, source,
	raised_at, acknowledged_at, acknowledged_by, cleared_at, closed_at`

func scanAlarm(row rowScanner) (*Alarm, error) {
	var a Alarm
	var ruleID sql.NullInt64
	var ackBy sql.NullString
	var ackAt, clearedAt, closedAt sql.NullTime
	err := row.Scan(&a.ID, &a.AlarmID, &a.DeviceID, &ruleID, &a.TrapType, &a.Title, &a.Description,
		&a.Severity, &a.Status, &a.Source, &a.RaisedAt, &ackAt, &ackBy, &clearedAt, &closedAt)
	if err != nil {
		return nil, err
	}
	if ruleID.Valid {
		id := ruleID.Int64
		a.RuleID = &id
	}
	a.RaisedAt = a.RaisedAt.UTC()
	a.AcknowledgedAt = timePtr(ackAt)
	a.AcknowledgedBy = ackBy.String
	a.ClearedAt = timePtr(clearedAt)
	a.ClosedAt = timePtr(closedAt)
	return &a, nil
}

func (s *PostgresStore) FindOpenByFingerprint(ctx context.Context, fingerprint string) (*Alarm, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+alarmColumns+` FROM alarms WHERE alarm_id = $1 AND status IN ('raised', 'acknowledged')`,
		fingerprint)
	a, err := scanAlarm(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("find open alarm", err)
	}
	return a, nil
}

// CreateAlarm relies on the partial unique index over open fingerprints and
// closes cleared occurrences of the same fingerprint in the same transaction.
func (s *PostgresStore) CreateAlarm(ctx context.Context, alarm *Alarm) (*Alarm, error) {
	a := *alarm
	a.Status = AlarmRaised
	a.RaisedAt = a.RaisedAt.UTC()

	var ruleID sql.NullInt64
	if a.RuleID != nil {
		ruleID = sql.NullInt64{Int64: *a.RuleID, Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify("begin create alarm", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO alarms (alarm_id, device_id, rule_id, trap_type, title, description, severity, status, source, raised_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		a.AlarmID, a.DeviceID, ruleID, a.TrapType, a.Title, a.Description,
		string(a.Severity), string(a.Status), a.Source, a.RaisedAt).Scan(&a.ID)
	if err != nil {
		return nil, classify("create alarm", err)
	}
	// The recurrence supersedes cleared occurrences; closing them leaves them
	// to the retention sweep.
	_, err = tx.ExecContext(ctx,
		`UPDATE alarms SET status = 'closed', closed_at = $2 WHERE alarm_id = $1 AND status = 'cleared'`,
		a.AlarmID, a.RaisedAt)
	if err != nil {
		return nil, classify("close superseded alarms", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, classify("commit create alarm", err)
	}
	return &a, nil
}

// TransitionAlarm locks the latest occurrence, checks the precondition and
// writes the new state in one transaction.
func (s *PostgresStore) TransitionAlarm(ctx context.Context, alarmID string, t Transition) (*Alarm, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify("begin transition", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+alarmColumns+` FROM alarms WHERE alarm_id = $1 ORDER BY id DESC LIMIT 1 FOR UPDATE`,
		alarmID)
	a, err := scanAlarm(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("alarm %s: %w", alarmID, ErrNotFound)
	}
	if err != nil {
		return nil, classify("load alarm", err)
	}

	if err := ApplyTransition(a, t); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE alarms SET status = $2, acknowledged_at = $3, acknowledged_by = $4, cleared_at = $5, closed_at = $6
		WHERE id = $1`,
		a.ID, string(a.Status), nullTime(a.AcknowledgedAt), nullString(a.AcknowledgedBy),
		nullTime(a.ClearedAt), nullTime(a.ClosedAt))
	if err != nil {
		return nil, classify("update alarm", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, classify("commit transition", err)
	}
	return a, nil
}

func (s *PostgresStore) GetAlarm(ctx context.Context, alarmID string) (*Alarm, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+alarmColumns+` FROM alarms WHERE alarm_id = $1 ORDER BY id DESC LIMIT 1`, alarmID)
	a, err := scanAlarm(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("alarm %s: %w", alarmID, ErrNotFound)
	}
	if err != nil {
		return nil, classify("get alarm", err)
	}
	return a, nil
}

func (s *PostgresStore) ListAlarms(ctx context.Context, f AlarmFilter) ([]*Alarm, error) {
	var where []string
	var args []any
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.Severity != "" {
		args = append(args, string(f.Severity))
		where = append(where, fmt.Sprintf("severity = $%d", len(args)))
	}
	if f.DeviceID != nil {
		args = append(args, *f.DeviceID)
		where = append(where, fmt.Sprintf("device_id = $%d", len(args)))
	}
	query := `SELECT ` + alarmColumns + ` FROM alarms`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("list alarms", err)
	}
	defer rows.Close()

	var out []*Alarm
	for rows.Next() {
		a, err := scanAlarm(rows)
		if err != nil {
			return nil, classify("scan alarm", err)
		}
		out = append(out, a)
	}
	return out, classify("list alarms", rows.Err())
}

func (s *PostgresStore) CountAlarms(ctx context.Context) (*AlarmCounts, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, severity, COUNT(*) FROM alarms GROUP BY status, severity`)
	if err != nil {
		return nil, classify("count alarms", err)
	}
	defer rows.Close()

	counts := &AlarmCounts{
		ByStatus:       make(map[AlarmStatus]int),
		OpenBySeverity: make(map[Severity]int),
	}
	for rows.Next() {
		var status AlarmStatus
		var severity Severity
		var n int
		if err := rows.Scan(&status, &severity, &n); err != nil {
			return nil, classify("scan alarm count", err)
		}
		counts.Total += n
		counts.ByStatus[status] += n
		if status.Open() {
			counts.OpenBySeverity[severity] += n
		}
	}
	return counts, classify("count alarms", rows.Err())
}

func (s *PostgresStore) DeleteClosedOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM alarms WHERE status = 'closed' AND closed_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, classify("delete closed alarms", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, classify("delete closed alarms", err)
	}
	return n, nil
}
