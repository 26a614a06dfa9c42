package store

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStoreFromDB(db), mock
}

var alarmRowColumns = []string{
	"id", "alarm_id", "device_id", "rule_id", "trap_type", "title", "description", "severity", "status", "source",
	"raised_at", "acknowledged_at", "acknowledged_by", "cleared_at", "closed_at",
}

func alarmRow(id int64, fp string, status AlarmStatus) *sqlmock.Rows {
	return sqlmock.NewRows(alarmRowColumns).
		AddRow(id, fp, int64(1), int64(5), "", "cpu - snmp_cpu", "desc", "major", string(status), "polling",
			t0, nil, nil, nil, nil)
}

func TestPostgresCreateAlarm(t *testing.T) {
	s, mock := newMockStore(t)
	ruleID := int64(5)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO alarms`).
		WithArgs("fp", int64(1), sqlmock.AnyArg(), "", "cpu - snmp_cpu", "desc", "major", "raised", "polling", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))
	mock.ExpectExec(`UPDATE alarms SET status = 'closed', closed_at = \$2 WHERE alarm_id = \$1 AND status = 'cleared'`).
		WithArgs("fp", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	a, err := s.CreateAlarm(context.Background(), &Alarm{
		AlarmID: "fp", DeviceID: 1, RuleID: &ruleID, Title: "cpu - snmp_cpu", Description: "desc",
		Severity: SeverityMajor, Source: SourcePolling, RaisedAt: t0,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), a.ID)
	assert.Equal(t, AlarmRaised, a.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreateAlarmDuplicate(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO alarms`).
		WillReturnError(&pgconn.PgError{
			Code:           "23505",
			Message:        "duplicate key value violates unique constraint",
			ConstraintName: "alarms_open_fingerprint",
		})
	mock.ExpectRollback()

	_, err := s.CreateAlarm(context.Background(), &Alarm{AlarmID: "fp", DeviceID: 1, Severity: SeverityMajor, RaisedAt: t0})
	assert.ErrorIs(t, err, ErrDuplicateFingerprint)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresOtherUniqueViolationIsNotDuplicateFingerprint(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO devices`).
		WillReturnError(&pgconn.PgError{
			Code:           "23505",
			Message:        "duplicate key value violates unique constraint",
			ConstraintName: "devices_ip_address",
		})

	err := s.UpsertDevice(context.Background(), &Device{ID: 2, Name: "edge-2", Address: "10.0.0.1"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrDuplicateFingerprint)
	assert.NotErrorIs(t, err, ErrStoreUnavailable)
	assert.Contains(t, err.Error(), "devices_ip_address")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresConnectionFailureIsUnavailable(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT .* FROM alarms WHERE alarm_id = \$1 AND status IN`).
		WithArgs("fp").
		WillReturnError(&net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")})

	_, err := s.FindOpenByFingerprint(context.Background(), "fp")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTransitionAlarm(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM alarms WHERE alarm_id = \$1 ORDER BY id DESC LIMIT 1 FOR UPDATE`).
		WithArgs("fp").
		WillReturnRows(alarmRow(9, "fp", AlarmRaised))
	mock.ExpectExec(`UPDATE alarms SET status = \$2`).
		WithArgs(int64(9), "acknowledged", sqlmock.AnyArg(), "ops", nil, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	at := t0.Add(time.Minute)
	a, err := s.TransitionAlarm(context.Background(), "fp", Transition{To: AlarmAcknowledged, At: at, By: "ops"})
	require.NoError(t, err)
	assert.Equal(t, AlarmAcknowledged, a.Status)
	require.NotNil(t, a.AcknowledgedAt)
	assert.True(t, a.AcknowledgedAt.Equal(at))
	assert.Equal(t, "ops", a.AcknowledgedBy)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTransitionRejected(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs("fp").
		WillReturnRows(alarmRow(9, "fp", AlarmRaised))
	mock.ExpectRollback()

	_, err := s.TransitionAlarm(context.Background(), "fp", Transition{To: AlarmClosed, At: t0})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTransitionNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows(alarmRowColumns))
	mock.ExpectRollback()

	_, err := s.TransitionAlarm(context.Background(), "nope", Transition{To: AlarmCleared, At: t0})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDeleteClosedOlderThan(t *testing.T) {
	s, mock := newMockStore(t)
	cutoff := t0.Add(-30 * 24 * time.Hour)

	mock.ExpectExec(`DELETE FROM alarms WHERE status = 'closed' AND closed_at < \$1`).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := s.DeleteClosedOlderThan(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCountAlarms(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT status, severity, COUNT\(\*\) FROM alarms GROUP BY status, severity`).
		WillReturnRows(sqlmock.NewRows([]string{"status", "severity", "count"}).
			AddRow("raised", "critical", 2).
			AddRow("acknowledged", "critical", 1).
			AddRow("closed", "major", 4))

	c, err := s.CountAlarms(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, c.Total)
	assert.Equal(t, 3, c.OpenBySeverity[SeverityCritical])
	assert.Equal(t, 4, c.ByStatus[AlarmClosed])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresListJobs(t *testing.T) {
	s, mock := newMockStore(t)
	next := t0.Add(time.Minute)

	mock.ExpectQuery(`SELECT .* FROM polling_jobs ORDER BY id`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "device_id", "protocol", "oid_or_path", "interval_seconds", "enabled", "last_executed", "next_execution"}).
			AddRow(int64(1), int64(7), "snmp", "1.3.6.1.2.1.1.3.0", int64(60), true, t0, next).
			AddRow(int64(2), int64(7), "restconf", "ietf-interfaces:interfaces", int64(300), false, nil, nil))

	jobs, err := s.ListJobs(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, time.Minute, jobs[0].Interval)
	assert.Equal(t, ProtocolSNMP, jobs[0].Protocol)
	require.NotNil(t, jobs[0].NextExecution)
	assert.True(t, jobs[0].NextExecution.Equal(next))
	assert.Nil(t, jobs[1].NextExecution)
	assert.False(t, jobs[1].Enabled)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpdateDeviceStatusMissing(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE devices SET status = COALESCE`).
		WithArgs(int64(3), nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.UpdateDeviceStatus(context.Background(), 3, nil, t0)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAppendMetricsTransactional(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO metrics`).
		WithArgs(int64(1), "snmp_ifInOctets", 1500.0, "bytes", t0).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO metrics`).
		WillReturnError(&net.OpError{Op: "write", Net: "tcp", Err: errors.New("broken pipe")})
	mock.ExpectRollback()

	err := s.AppendMetrics(context.Background(),
		Metric{DeviceID: 1, Name: "snmp_ifInOctets", Value: 1500, Unit: "bytes", Timestamp: t0},
		Metric{DeviceID: 1, Name: "snmp_sysUpTime", Value: 10, Unit: "seconds", Timestamp: t0},
	)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}
