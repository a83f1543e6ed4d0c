package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/petrijr/fluxgraph/pkg/api"
)

// dialect captures the differences between the SQL backends.
type dialect struct {
	name   string
	schema []string
	// claimQuery leases runnable executions. Arguments: owner,
	// lease expiry, now, now, limit.
	claimQuery string
	// numbered placeholders ($1) instead of ?.
	numbered bool
}

func (d dialect) rebind(q string) string {
	if !d.numbered {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLStore implements every store interface on database/sql. It is shared
// by the SQLite and Postgres backends, which differ only in schema types
// and in how runnable executions are claimed.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

var _ Store = (*SQLStore)(nil)

func newSQLStore(ctx context.Context, db *sql.DB, d dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: d}
	for _, stmt := range d.schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("%s schema: %w", d.name, err)
		}
	}
	return s, nil
}

// DB returns the underlying database handle.
func (s *SQLStore) DB() *sql.DB { return s.db }

func (s *SQLStore) q(query string) string { return s.dialect.rebind(query) }

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- workflows ---

func (s *SQLStore) SaveWorkflow(ctx context.Context, def api.WorkflowDefinition) error {
	data, err := EncodeValue(def)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO workflows (id, version, definition, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id, version) DO UPDATE SET definition = excluded.definition`),
		def.ID, def.Version, data, time.Now().UnixNano(),
	)
	return err
}

func (s *SQLStore) GetWorkflow(ctx context.Context, id string, version int) (api.WorkflowDefinition, error) {
	var row *sql.Row
	if version > 0 {
		row = s.db.QueryRowContext(ctx, s.q(`SELECT definition FROM workflows WHERE id = ? AND version = ?`), id, version)
	} else {
		row = s.db.QueryRowContext(ctx, s.q(`SELECT definition FROM workflows WHERE id = ? ORDER BY version DESC LIMIT 1`), id)
	}

	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return api.WorkflowDefinition{}, fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
		}
		return api.WorkflowDefinition{}, err
	}
	var def api.WorkflowDefinition
	if err := DecodeInto(data, &def); err != nil {
		return api.WorkflowDefinition{}, err
	}
	return def, nil
}

func (s *SQLStore) ListWorkflowVersions(ctx context.Context, id string) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT version FROM workflows WHERE id = ? ORDER BY version`), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// --- executions ---

const executionColumns = `id, workflow_id, workflow_version, status, state, trigger_data, mock_results,
	retry_count, next_retry_at, wake_at, parent_execution_id, parent_node_id, nesting_depth,
	priority, idempotency_key, debug, error, deadline, replay_of, version, lease_owner,
	lease_expires_at, created_at, updated_at, started_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(r rowScanner) (*api.WorkflowExecution, error) {
	var (
		e                                    api.WorkflowExecution
		status                               string
		state, trigger, mocks                []byte
		nextRetry, wake, deadline, leaseExp  int64
		created, updated, started, completed int64
		debug                                int
		errStr                               sql.NullString
	)
	err := r.Scan(
		&e.ID, &e.WorkflowID, &e.WorkflowVersion, &status, &state, &trigger, &mocks,
		&e.RetryCount, &nextRetry, &wake, &e.ParentExecutionID, &e.ParentNodeID, &e.NestingDepth,
		&e.Priority, &e.IdempotencyKey, &debug, &errStr, &deadline, &e.ReplayOf, &e.Version, &e.LeaseOwner,
		&leaseExp, &created, &updated, &started, &completed,
	)
	if err != nil {
		return nil, err
	}

	e.Status = api.Status(status)
	if e.State, err = DecodeState(state); err != nil {
		return nil, err
	}
	if e.TriggerData, err = DecodeMap(trigger); err != nil {
		return nil, err
	}
	if e.MockResults, err = DecodeMap(mocks); err != nil {
		return nil, err
	}
	e.NextRetryAt = fromNanos(nextRetry)
	e.WakeAt = fromNanos(wake)
	e.Deadline = fromNanos(deadline)
	e.LeaseExpiresAt = fromNanos(leaseExp)
	e.CreatedAt = fromNanos(created)
	e.UpdatedAt = fromNanos(updated)
	e.StartedAt = fromNanos(started)
	e.CompletedAt = fromNanos(completed)
	e.Debug = debug != 0
	if errStr.Valid {
		e.Error = errStr.String
	}
	return &e, nil
}

type encodedExecution struct {
	state, trigger, mocks []byte
}

func encodeExecution(e *api.WorkflowExecution) (encodedExecution, error) {
	var (
		enc encodedExecution
		err error
	)
	if enc.state, err = EncodeState(e.State); err != nil {
		return enc, err
	}
	if len(e.TriggerData) > 0 {
		if enc.trigger, err = EncodeValue(e.TriggerData); err != nil {
			return enc, err
		}
	}
	if len(e.MockResults) > 0 {
		if enc.mocks, err = EncodeValue(e.MockResults); err != nil {
			return enc, err
		}
	}
	return enc, nil
}

func (s *SQLStore) CreateExecution(ctx context.Context, e *api.WorkflowExecution) error {
	enc, err := encodeExecution(e)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO executions (`+executionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`),
		e.ID, e.WorkflowID, e.WorkflowVersion, string(e.Status), enc.state, enc.trigger, enc.mocks,
		e.RetryCount, toNanos(e.NextRetryAt), toNanos(e.WakeAt), e.ParentExecutionID, e.ParentNodeID, e.NestingDepth,
		e.Priority, e.IdempotencyKey, boolInt(e.Debug), e.Error, toNanos(e.Deadline), e.ReplayOf, int64(1), "",
		int64(0), toNanos(e.CreatedAt), toNanos(e.UpdatedAt), toNanos(e.StartedAt), toNanos(e.CompletedAt),
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrExecutionExists, e.ID)
	}
	e.Version = 1
	return nil
}

func (s *SQLStore) GetExecution(ctx context.Context, id string) (*api.WorkflowExecution, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+executionColumns+` FROM executions WHERE id = ?`), id)
	e, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
		}
		return nil, err
	}
	return e, nil
}

func (s *SQLStore) UpdateExecution(ctx context.Context, e *api.WorkflowExecution) error {
	enc, err := encodeExecution(e)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE executions SET
			status = ?, state = ?, trigger_data = ?, mock_results = ?, retry_count = ?,
			next_retry_at = ?, wake_at = ?, priority = ?, debug = ?, error = ?, deadline = ?,
			version = ?, updated_at = ?, started_at = ?, completed_at = ?
		WHERE id = ? AND version = ?`),
		string(e.Status), enc.state, enc.trigger, enc.mocks, e.RetryCount,
		toNanos(e.NextRetryAt), toNanos(e.WakeAt), e.Priority, boolInt(e.Debug), e.Error, toNanos(e.Deadline),
		e.Version+1, toNanos(e.UpdatedAt), toNanos(e.StartedAt), toNanos(e.CompletedAt),
		e.ID, e.Version,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		if _, err := s.GetExecution(ctx, e.ID); err != nil {
			return err
		}
		return fmt.Errorf("%w: execution %s at version %d", ErrConcurrentUpdate, e.ID, e.Version)
	}
	e.Version++
	return nil
}

func (s *SQLStore) ListExecutions(ctx context.Context, filter api.ExecutionFilter) ([]*api.WorkflowExecution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions`
	var (
		conds []string
		args  []any
	)
	if filter.WorkflowID != "" {
		conds = append(conds, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.ParentExecutionID != "" {
		conds = append(conds, "parent_execution_id = ?")
		args = append(args, filter.ParentExecutionID)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.WorkflowExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLStore) CountExecutions(ctx context.Context, status api.Status) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM executions WHERE status = ?`), string(status)).Scan(&n)
	return n, err
}

func (s *SQLStore) ClaimRunnable(ctx context.Context, owner string, ttl time.Duration, now time.Time, limit int) ([]*api.WorkflowExecution, error) {
	if limit <= 0 {
		limit = 1
	}
	rows, err := s.db.QueryContext(ctx, s.q(s.dialect.claimQuery),
		owner, now.Add(ttl).UnixNano(), now.UnixNano(), now.UnixNano(), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.WorkflowExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLStore) RenewLease(ctx context.Context, id, owner string, ttl time.Duration, now time.Time) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE executions SET lease_expires_at = ? WHERE id = ? AND lease_owner = ?`),
		now.Add(ttl).UnixNano(), id, owner,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", api.ErrLeaseHeld, id)
	}
	return nil
}

func (s *SQLStore) ReleaseLease(ctx context.Context, id, owner string) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		UPDATE executions SET lease_owner = '', lease_expires_at = 0 WHERE id = ? AND lease_owner = ?`),
		id, owner,
	)
	return err
}

// --- signals ---

const signalColumns = `id, execution_id, signal_name, payload, received_at, consumed_at`

func scanSignal(r rowScanner) (*api.WorkflowSignal, error) {
	var (
		sig                api.WorkflowSignal
		payload            []byte
		received, consumed int64
	)
	if err := r.Scan(&sig.ID, &sig.ExecutionID, &sig.SignalName, &payload, &received, &consumed); err != nil {
		return nil, err
	}
	var err error
	if sig.Payload, err = DecodeMap(payload); err != nil {
		return nil, err
	}
	sig.ReceivedAt = fromNanos(received)
	sig.ConsumedAt = fromNanos(consumed)
	return &sig, nil
}

func (s *SQLStore) SaveSignal(ctx context.Context, sig *api.WorkflowSignal) error {
	payload, err := EncodeValue(sig.Payload)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO signals (`+signalColumns+`) VALUES (?, ?, ?, ?, ?, ?)`),
		sig.ID, sig.ExecutionID, sig.SignalName, payload, toNanos(sig.ReceivedAt), toNanos(sig.ConsumedAt),
	)
	return err
}

func (s *SQLStore) ConsumeSignal(ctx context.Context, executionID, name string, now time.Time) (*api.WorkflowSignal, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		UPDATE signals SET consumed_at = ?
		WHERE id = (
			SELECT id FROM signals
			WHERE execution_id = ? AND signal_name = ? AND consumed_at = 0
			ORDER BY received_at, id
			LIMIT 1
		) AND consumed_at = 0
		RETURNING `+signalColumns),
		now.UnixNano(), executionID, name,
	)
	sig, err := scanSignal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return sig, err
}

func (s *SQLStore) RestoreSignal(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE signals SET consumed_at = 0 WHERE id = ?`), id)
	return err
}

func (s *SQLStore) ListSignals(ctx context.Context, executionID string) ([]*api.WorkflowSignal, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+signalColumns+` FROM signals WHERE execution_id = ? ORDER BY received_at, id`), executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.WorkflowSignal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}

// --- sub-workflow calls ---

const callColumns = `id, parent_execution_id, parent_node_id, child_execution_id, input_mapping,
	output_mapping, status, created_at, updated_at`

func scanCall(r rowScanner) (*api.SubWorkflowCall, error) {
	var (
		c                api.SubWorkflowCall
		in, out          []byte
		status           string
		created, updated int64
	)
	if err := r.Scan(&c.ID, &c.ParentExecutionID, &c.ParentNodeID, &c.ChildExecutionID, &in, &out, &status, &created, &updated); err != nil {
		return nil, err
	}
	var err error
	if c.InputMapping, err = DecodeMap(in); err != nil {
		return nil, err
	}
	if err := DecodeInto(out, &c.OutputMapping); err != nil {
		return nil, err
	}
	c.Status = api.Status(status)
	c.CreatedAt = fromNanos(created)
	c.UpdatedAt = fromNanos(updated)
	return &c, nil
}

func (s *SQLStore) CreateSubWorkflowCall(ctx context.Context, call *api.SubWorkflowCall) (*api.SubWorkflowCall, bool, error) {
	in, err := EncodeValue(call.InputMapping)
	if err != nil {
		return nil, false, err
	}
	out, err := EncodeValue(call.OutputMapping)
	if err != nil {
		return nil, false, err
	}

	res, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO sub_workflow_calls (`+callColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (parent_execution_id, parent_node_id) DO NOTHING`),
		call.ID, call.ParentExecutionID, call.ParentNodeID, call.ChildExecutionID, in, out,
		string(call.Status), toNanos(call.CreatedAt), toNanos(call.UpdatedAt),
	)
	if err != nil {
		return nil, false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}

	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT `+callColumns+` FROM sub_workflow_calls WHERE parent_execution_id = ? AND parent_node_id = ?`),
		call.ParentExecutionID, call.ParentNodeID,
	)
	stored, err := scanCall(row)
	if err != nil {
		return nil, false, err
	}
	return stored, affected == 1, nil
}

func (s *SQLStore) GetSubWorkflowCallByChild(ctx context.Context, childID string) (*api.SubWorkflowCall, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+callColumns+` FROM sub_workflow_calls WHERE child_execution_id = ?`), childID)
	c, err := scanCall(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

func (s *SQLStore) UpdateSubWorkflowCallStatus(ctx context.Context, id string, status api.Status, now time.Time) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE sub_workflow_calls SET status = ?, updated_at = ? WHERE id = ?`),
		string(status), now.UnixNano(), id)
	return err
}

func (s *SQLStore) ListSubWorkflowCalls(ctx context.Context, parentID string) ([]*api.SubWorkflowCall, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+callColumns+` FROM sub_workflow_calls WHERE parent_execution_id = ? ORDER BY created_at, id`), parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.SubWorkflowCall
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// --- schedules ---

const scheduleColumns = `id, workflow_id, cron_expression, next_run_at, last_run_at, is_active, trigger_data, created_at`

func scanSchedule(r rowScanner) (*api.WorkflowSchedule, error) {
	var (
		sc                  api.WorkflowSchedule
		next, last, created int64
		active              int
		trigger             []byte
	)
	if err := r.Scan(&sc.ID, &sc.WorkflowID, &sc.CronExpression, &next, &last, &active, &trigger, &created); err != nil {
		return nil, err
	}
	var err error
	if sc.TriggerData, err = DecodeMap(trigger); err != nil {
		return nil, err
	}
	sc.NextRunAt = fromNanos(next)
	sc.LastRunAt = fromNanos(last)
	sc.CreatedAt = fromNanos(created)
	sc.IsActive = active != 0
	return &sc, nil
}

func (s *SQLStore) SaveSchedule(ctx context.Context, sc *api.WorkflowSchedule) error {
	trigger, err := EncodeValue(sc.TriggerData)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO schedules (`+scheduleColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			workflow_id = excluded.workflow_id,
			cron_expression = excluded.cron_expression,
			next_run_at = excluded.next_run_at,
			last_run_at = excluded.last_run_at,
			is_active = excluded.is_active,
			trigger_data = excluded.trigger_data`),
		sc.ID, sc.WorkflowID, sc.CronExpression, toNanos(sc.NextRunAt), toNanos(sc.LastRunAt),
		boolInt(sc.IsActive), trigger, toNanos(sc.CreatedAt),
	)
	return err
}

func (s *SQLStore) GetSchedule(ctx context.Context, id string) (*api.WorkflowSchedule, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`), id)
	sc, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	return sc, err
}

func (s *SQLStore) ListSchedules(ctx context.Context) ([]*api.WorkflowSchedule, error) {
	return s.querySchedules(ctx, `SELECT `+scheduleColumns+` FROM schedules ORDER BY next_run_at, id`)
}

func (s *SQLStore) DueSchedules(ctx context.Context, now time.Time) ([]*api.WorkflowSchedule, error) {
	return s.querySchedules(ctx, `
		SELECT `+scheduleColumns+` FROM schedules
		WHERE is_active = 1 AND next_run_at <= ?
		ORDER BY next_run_at, id`, now.UnixNano())
}

func (s *SQLStore) querySchedules(ctx context.Context, query string, args ...any) ([]*api.WorkflowSchedule, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.WorkflowSchedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *SQLStore) AdvanceSchedule(ctx context.Context, id string, expected, next, firedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE schedules SET next_run_at = ?, last_run_at = ?
		WHERE id = ? AND next_run_at = ? AND is_active = 1`),
		next.UnixNano(), firedAt.UnixNano(), id, expected.UnixNano(),
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (s *SQLStore) SetScheduleActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE schedules SET is_active = ? WHERE id = ?`), boolInt(active), id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	return nil
}

// --- idempotency keys ---

func (s *SQLStore) ReserveKey(ctx context.Context, key, executionID string, now time.Time, window time.Duration) (string, bool, error) {
	// An expired reservation is taken over in place; a live one makes the
	// upsert a no-op.
	for range 3 {
		res, err := s.db.ExecContext(ctx, s.q(`
			INSERT INTO idempotency_keys (idem_key, execution_id, expires_at) VALUES (?, ?, ?)
			ON CONFLICT (idem_key) DO UPDATE SET
				execution_id = excluded.execution_id,
				expires_at = excluded.expires_at
			WHERE idempotency_keys.expires_at <= ?`),
			key, executionID, now.Add(window).UnixNano(), now.UnixNano(),
		)
		if err != nil {
			return "", false, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return "", false, err
		}
		if affected == 1 {
			return executionID, true, nil
		}

		var owner string
		err = s.db.QueryRowContext(ctx, s.q(`SELECT execution_id FROM idempotency_keys WHERE idem_key = ?`), key).Scan(&owner)
		if errors.Is(err, sql.ErrNoRows) {
			// Released between the upsert and the lookup.
			continue
		}
		if err != nil {
			return "", false, err
		}
		return owner, false, nil
	}
	return "", false, fmt.Errorf("reserve idempotency key %q: too much contention", key)
}

func (s *SQLStore) ReleaseKey(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM idempotency_keys WHERE idem_key = ?`), key)
	return err
}

// --- logs ---

func (s *SQLStore) AppendLog(ctx context.Context, entry api.LogEntry) error {
	at := entry.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO execution_logs (execution_id, at, type, node_id, attempt, detail)
		VALUES (?, ?, ?, ?, ?, ?)`),
		entry.ExecutionID, at.UnixNano(), string(entry.Type), entry.NodeID, entry.Attempt, entry.Detail,
	)
	return err
}

func (s *SQLStore) ListLogs(ctx context.Context, executionID string) ([]api.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, execution_id, at, type, node_id, attempt, detail
		FROM execution_logs WHERE execution_id = ? ORDER BY id`), executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.LogEntry
	for rows.Next() {
		var (
			e   api.LogEntry
			at  int64
			typ string
		)
		if err := rows.Scan(&e.ID, &e.ExecutionID, &at, &typ, &e.NodeID, &e.Attempt, &e.Detail); err != nil {
			return nil, err
		}
		e.At = fromNanos(at)
		e.Type = api.EventType(typ)
		out = append(out, e)
	}
	return out, rows.Err()
}
