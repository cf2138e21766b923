package transfer

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rowbridge-io/rowbridge/internal/sqlgw"
	"github.com/rowbridge-io/rowbridge/internal/taskstore"
	"github.com/rowbridge-io/rowbridge/internal/tracker"
	"github.com/rowbridge-io/rowbridge/internal/validation"
)

// preparedRow is one sanitized, validated, capacity-fitted row ready for
// insertion, with its merge key precomputed.
type preparedRow struct {
	row     map[string]any
	columns []string
	key     string
}

// process walks the fetched rows in outer batches for pacing and inner
// batches for transactional insertion. It returns the post-update keys
// collected along the way.
func (o *Orchestrator) process(
	exec *tracker.Execution,
	task *taskstore.Task,
	target *session,
	rows []map[string]any,
	mergeKeys []string,
	existing map[string]struct{},
	report *DuplicateReport,
	counters *runCounters,
) ([]string, error) {
	ctx := exec.Context()
	total := len(rows)

	var (
		postKeys    []string
		postKeySeen = make(map[string]struct{})
		lastEmitted int
	)

	for outerStart := 0; outerStart < total; outerStart += o.cfg.OuterBatch {
		outerEnd := min(outerStart+o.cfg.OuterBatch, total)

		for innerStart := outerStart; innerStart < outerEnd; innerStart += o.cfg.InnerBatch {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			innerEnd := min(innerStart+o.cfg.InnerBatch, outerEnd)

			err := o.insertBatch(ctx, task, target, rows[innerStart:innerEnd], batchState{
				exec:        exec,
				mergeKeys:   mergeKeys,
				existing:    existing,
				report:      report,
				counters:    counters,
				postKeys:    &postKeys,
				postKeySeen: postKeySeen,
			})
			if err != nil {
				return nil, err
			}

			lastEmitted = o.emitProgress(ctx, task.ID, innerEnd, total, lastEmitted)
		}
	}

	return postKeys, nil
}

// batchState bundles the run-scoped accumulators one inner batch mutates.
type batchState struct {
	exec        *tracker.Execution
	mergeKeys   []string
	existing    map[string]struct{}
	report      *DuplicateReport
	counters    *runCounters
	postKeys    *[]string
	postKeySeen map[string]struct{}
}

// insertBatch inserts one inner batch inside a single destination
// transaction. A lost connection mid-batch discards the open transaction,
// leases a fresh session, replays the batch's uncommitted rows, and retries
// the failing row once; a second loss fails the attempt so the run-level
// retry can restart from the connection phase.
func (o *Orchestrator) insertBatch(
	ctx context.Context,
	task *taskstore.Task,
	target *session,
	batch []map[string]any,
	state batchState,
) error {
	tx, err := target.conn().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: beginning batch transaction: %w", sqlgw.ErrConnectionLost, err)
	}

	// Rows inserted in the open transaction, kept for replay after a
	// reconnect.
	var pending []*preparedRow

	for _, raw := range batch {
		if err := ctx.Err(); err != nil {
			_ = tx.Rollback()

			return err
		}

		prepared, err := o.prepareRow(ctx, tx, task, raw, state.mergeKeys)
		if err != nil {
			_ = tx.Rollback()

			return err
		}

		o.collectPostKey(task, prepared, state)

		if _, dup := state.existing[prepared.key]; dup {
			state.counters.duplicates++
			state.exec.AddDuplicates(1)
			state.report.Add(prepared.row, "")

			continue
		}

		err = o.insertRow(ctx, tx, task.DestTable, prepared)

		if sqlgw.IsConnection(err) {
			tx, err = o.recoverBatch(ctx, task, target, tx, pending, prepared)
			if err != nil {
				return err
			}

			// recoverBatch already inserted the failing row.
			err = nil
			pending = append(pending, prepared)
			state.existing[prepared.key] = struct{}{}

			continue
		}

		switch {
		case err == nil:
			pending = append(pending, prepared)
			state.existing[prepared.key] = struct{}{}

		case sqlgw.IsDuplicate(err):
			state.counters.duplicates++
			state.exec.AddDuplicates(1)
			state.report.Add(prepared.row, sqlgw.KindDuplicate.String())

		default:
			_ = tx.Rollback()

			// The destination schema may have moved under the cached
			// capacities; drop them so the next attempt re-reads.
			for _, col := range prepared.columns {
				o.gateway.ForgetColumn(task.DestTable, col)
			}

			return fmt.Errorf("inserting into %s: %w", task.DestTable, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: committing batch: %w", sqlgw.ErrConnectionLost, err)
	}

	// Rows count as inserted only once the transaction holding them has
	// committed; a rolled-back batch must not inflate the tally.
	state.bookInserted(int64(len(pending)))

	return nil
}

// bookInserted books one committed batch's landed rows into the counters.
func (s batchState) bookInserted(n int64) {
	if n == 0 {
		return
	}

	s.counters.inserted += n
	s.exec.AddInserted(n)
}

// recoverBatch handles a lost connection mid-batch: discard the dead
// transaction, lease a fresh session, open a new transaction, replay the
// batch's uncommitted rows, and retry the failing row once. Errors out of
// here are connection-class and abort the attempt.
func (o *Orchestrator) recoverBatch(
	ctx context.Context,
	task *taskstore.Task,
	target *session,
	dead *sql.Tx,
	pending []*preparedRow,
	failing *preparedRow,
) (*sql.Tx, error) {
	_ = dead.Rollback()

	o.logger.Warn("destination connection lost mid-batch, reconnecting",
		"task_id", task.ID,
		"replay_rows", len(pending),
	)

	if err := target.reconnect(ctx); err != nil {
		return nil, err
	}

	tx, err := target.conn().BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: reopening batch transaction: %w", sqlgw.ErrConnectionLost, err)
	}

	// Replay the rows the discarded transaction held. A duplicate here
	// means the row is already present on the destination; that is the
	// outcome replay wants, so it passes.
	for _, p := range pending {
		if err := o.insertRow(ctx, tx, task.DestTable, p); err != nil && !sqlgw.IsDuplicate(err) {
			_ = tx.Rollback()

			return nil, fmt.Errorf("replaying batch after reconnect: %w", err)
		}
	}

	// One retry for the row that exposed the dead session.
	if err := o.insertRow(ctx, tx, task.DestTable, failing); err != nil && !sqlgw.IsDuplicate(err) {
		_ = tx.Rollback()

		return nil, fmt.Errorf("retrying row after reconnect: %w", err)
	}

	return tx, nil
}

// prepareRow sanitizes, validates, and capacity-fits one fetched row.
// Validation failures are fatal to the attempt. Metadata lookups go through
// meta, the batch's open transaction, so they share its session.
func (o *Orchestrator) prepareRow(
	ctx context.Context,
	meta sqlgw.Executor,
	task *taskstore.Task,
	raw map[string]any,
	mergeKeys []string,
) (*preparedRow, error) {
	row, err := validation.Validate(validation.SanitizeRow(raw), task.Ruleset, task.Validation)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRowValidation, err)
	}

	columns := make([]string, 0, len(row))

	for col, v := range row {
		columns = append(columns, col)

		if s, ok := v.(string); ok {
			row[col] = o.gateway.FitString(ctx, meta, task.DestTable, col, s)
		}
	}

	sort.Strings(columns)

	return &preparedRow{
		row:     row,
		columns: columns,
		key:     mergeKeyString(row, mergeKeys),
	}, nil
}

// insertRow writes one prepared row under the per-statement insert timeout.
func (o *Orchestrator) insertRow(ctx context.Context, tx *sql.Tx, table string, p *preparedRow) error {
	insertCtx, cancel := context.WithTimeout(ctx, o.cfg.InsertTimeout)
	defer cancel()

	_, err := o.gateway.Insert(insertCtx, tx, table, p.columns, p.row)

	return err
}

// collectPostKey records the row's post-update key, once per distinct value.
// Keys are collected for every processed row, duplicates included: a row the
// destination already holds was still transferred as far as the source is
// concerned.
func (o *Orchestrator) collectPostKey(task *taskstore.Task, p *preparedRow, state batchState) {
	mapping := task.PostUpdateMapping
	if mapping == nil || task.PostUpdateQuery == "" {
		return
	}

	v, ok := p.row[mapping.DestKeyField]
	if !ok || v == nil {
		return
	}

	key := canonicalScalar(v)
	if _, seen := state.postKeySeen[key]; seen {
		return
	}

	state.postKeySeen[key] = struct{}{}
	*state.postKeys = append(*state.postKeys, key)
}

// emitProgress publishes the task's progress when it advanced enough to
// matter. Running progress never reaches 100; the terminal emission owns it.
func (o *Orchestrator) emitProgress(ctx context.Context, taskID string, processed, total, lastEmitted int) int {
	if total <= 0 {
		return lastEmitted
	}

	pct := processed * 100 / total
	if pct > progressCeiling {
		pct = progressCeiling
	}

	if pct-lastEmitted < progressStep && !(pct == progressCeiling && pct != lastEmitted) {
		return lastEmitted
	}

	o.setProgress(ctx, taskID, taskstore.StatusRunning, pct)

	return pct
}

// mergeKeyString builds the canonical merge-key string for one row: the
// configured key fields in order, each canonically formatted, joined with a
// unit separator so composite keys cannot collide across field boundaries.
func mergeKeyString(row map[string]any, mergeKeys []string) string {
	parts := make([]string, len(mergeKeys))
	for i, field := range mergeKeys {
		parts[i] = canonicalScalar(row[field])
	}

	return strings.Join(parts, "\x1f")
}

// canonicalScalar formats a normalized scalar deterministically, so the same
// logical value always yields the same key regardless of which side it was
// read from.
func canonicalScalar(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case bool:
		return strconv.FormatBool(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case string:
		return t
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprintf("%v", t)
	}
}
