package transfer

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/rowbridge-io/rowbridge/internal/dbconn"
	"github.com/rowbridge-io/rowbridge/internal/promotion"
	"github.com/rowbridge-io/rowbridge/internal/sqlgw"
	"github.com/rowbridge-io/rowbridge/internal/taskstore"
	"github.com/rowbridge-io/rowbridge/internal/tracker"
)

// session wraps a lease so the processing loop can replace a dead session
// in place and keep going.
type session struct {
	conns  Leaser
	server string
	lease  *dbconn.Lease
}

func (o *Orchestrator) connectTo(ctx context.Context, server string) (*session, error) {
	lease, err := o.conns.Lease(ctx, server)
	if err != nil {
		return nil, err
	}

	return &session{conns: o.conns, server: server, lease: lease}, nil
}

// reconnect drops the dead session and leases a fresh one from the pool.
func (s *session) reconnect(ctx context.Context) error {
	s.lease.MarkDead()
	s.lease.Release()

	lease, err := s.conns.Lease(ctx, s.server)
	if err != nil {
		return fmt.Errorf("reconnecting to %q: %w", s.server, err)
	}

	s.lease = lease

	return nil
}

func (s *session) release() {
	if s.lease != nil {
		s.lease.Release()
	}
}

func (s *session) conn() *sql.Conn { return s.lease.Conn() }

// attempt runs the CONNECT through FINALIZE phases once. The caller owns
// PREPARE and re-invokes attempt on connection-class failures.
func (o *Orchestrator) attempt(
	exec *tracker.Execution,
	task *taskstore.Task,
	mergeKeys []string,
) (*taskstore.Outcome, error) {
	ctx := exec.Context()

	// CONNECT: source first, target second; deferred releases cover the
	// release-source-on-target-failure contract.
	exec.SetPhase(tracker.PhaseConnecting)

	source, err := o.connectTo(ctx, task.SourceServer())
	if err != nil {
		return nil, fmt.Errorf("connecting to source: %w", err)
	}
	defer source.release()

	target, err := o.connectTo(ctx, task.TargetServer())
	if err != nil {
		return nil, fmt.Errorf("connecting to target: %w", err)
	}
	defer target.release()

	// FETCH
	exec.SetPhase(tracker.PhaseFetching)

	rs, err := o.fetch(ctx, source, task)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// An empty result short-circuits to FINALIZE: success, no target
	// transaction ever opened.
	if len(rs.Rows) == 0 {
		count := o.countDest(ctx, target, task.DestTable)

		return &taskstore.Outcome{
			Success:      true,
			InitialCount: count,
			FinalCount:   count,
			Message:      "no rows matched the task query",
		}, nil
	}

	// PREPARE_DEST
	exec.SetPhase(tracker.PhaseProcessing)

	initialCount, err := o.prepareDest(ctx, target, task)
	if err != nil {
		return nil, err
	}

	o.checkDestColumns(ctx, target, task, mergeKeys)

	// PROCESS
	rows := o.linkPromotions(task, rs.Rows)
	existing := o.preloadKeys(ctx, target, task, mergeKeys)
	report := NewDuplicateReport(mergeKeys)
	counters := &runCounters{rows: int64(len(rows))}

	postKeys, err := o.process(exec, task, target, rows, mergeKeys, existing, report, counters)
	if err != nil {
		return nil, err
	}

	// POST: failures are logged, never fatal; the transfer itself already
	// landed.
	if task.PostUpdateQuery != "" && len(postKeys) > 0 {
		exec.SetPhase(tracker.PhasePosting)

		if err := o.postUpdate(ctx, source, task, postKeys); err != nil {
			o.logger.Error("post-update failed, run still counted successful",
				"task_id", task.ID,
				"keys", len(postKeys),
				"error", err,
			)
		}
	}

	// FINALIZE
	finalCount := o.countDest(ctx, target, task.DestTable)
	if finalCount < 0 {
		finalCount = initialCount + counters.inserted
	}

	return &taskstore.Outcome{
		Success:           true,
		Rows:              counters.rows,
		Inserted:          counters.inserted,
		Duplicates:        counters.duplicates,
		DuplicatedRecords: report.Records(),
		HasMoreDuplicates: report.HasMore(),
		TotalDuplicates:   report.Total(),
		InitialCount:      initialCount,
		FinalCount:        finalCount,
		Message: fmt.Sprintf("transfer completed: %d inserted, %d duplicates of %d rows",
			counters.inserted, counters.duplicates, counters.rows),
	}, nil
}

// fetch assembles the projection query from the task's operator-aware
// parameters and executes it on the source.
func (o *Orchestrator) fetch(ctx context.Context, source *session, task *taskstore.Task) (*sqlgw.ResultSet, error) {
	filters := make([]sqlgw.Filter, 0, len(task.Params))

	for _, p := range task.Params {
		values := p.Values
		if len(values) == 0 && p.Value != nil {
			values = []any{p.Value}
		}

		filters = append(filters, sqlgw.Filter{Field: p.Field, Op: p.Operator, Values: values})
	}

	query, params, err := sqlgw.AppendWhere(task.Query, filters)
	if err != nil {
		return nil, err
	}

	queryCtx, cancel := context.WithTimeout(ctx, o.cfg.QueryTimeout)
	defer cancel()

	rs, err := o.gateway.Query(queryCtx, source.conn(), query, params)
	if err != nil {
		return nil, fmt.Errorf("fetching source rows: %w", err)
	}

	o.logger.Info("source rows fetched",
		"task_id", task.ID,
		"rows", len(rs.Rows),
		"columns", len(rs.Columns),
	)

	return rs, nil
}

// prepareDest clears the destination when the task asks for it and takes
// the initial row count. A missing destination table counts as empty; a
// failed count is assumed 0.
func (o *Orchestrator) prepareDest(ctx context.Context, target *session, task *taskstore.Task) (int64, error) {
	if task.ClearBeforeInsert {
		deleted, err := o.gateway.ClearTable(ctx, target.conn(), task.DestTable)

		switch {
		case err == nil:
			o.logger.Info("destination cleared before insert",
				"task_id", task.ID,
				"table", task.DestTable,
				"deleted", deleted,
			)
		case sqlgw.IsNotFound(err):
			o.logger.Warn("destination table not found during clear, treating as empty",
				"task_id", task.ID,
				"table", task.DestTable,
			)
		default:
			return 0, fmt.Errorf("clearing destination: %w", err)
		}
	}

	count := o.countDest(ctx, target, task.DestTable)
	if count < 0 {
		count = 0
	}

	return count, nil
}

// checkDestColumns introspects the destination's columns and warns when a
// merge key has no matching destination column; such a key degenerates to a
// constant and collapses every row into one duplicate group. Introspection
// failures are warn-only, inserts surface real schema problems themselves.
func (o *Orchestrator) checkDestColumns(
	ctx context.Context,
	target *session,
	task *taskstore.Task,
	mergeKeys []string,
) {
	info, err := o.gateway.ColumnTypes(ctx, target.conn(), task.DestTable)
	if err != nil {
		o.logger.Warn("destination column introspection failed",
			"task_id", task.ID,
			"table", task.DestTable,
			"error", err,
		)

		return
	}

	for _, key := range mergeKeys {
		if _, ok := info[key]; !ok {
			o.logger.Warn("merge key has no destination column",
				"task_id", task.ID,
				"table", task.DestTable,
				"column", key,
			)
		}
	}
}

// countDest counts the destination rows under NOLOCK, returning -1 when the
// count could not be taken.
func (o *Orchestrator) countDest(ctx context.Context, target *session, table string) int64 {
	count, err := o.gateway.CountRows(ctx, target.conn(), table, true)
	if err != nil {
		o.logger.Warn("destination count failed", "table", table, "error", err)

		return -1
	}

	return count
}

// linkPromotions runs the promotion linker when the task configures it. A
// malformed configuration disables linking for the run with a warning; the
// rows pass through untouched.
func (o *Orchestrator) linkPromotions(task *taskstore.Task, rows []sqlgw.Row) []map[string]any {
	plain := make([]map[string]any, len(rows))
	for i, r := range rows {
		plain[i] = r
	}

	if task.Promotion == nil {
		return plain
	}

	linked, err := promotion.Link(plain, task.Promotion)
	if err != nil {
		o.logger.Warn("promotion linking disabled for this run",
			"task_id", task.ID,
			"error", err,
		)

		return plain
	}

	stats := promotion.Summarize(linked)
	o.logger.Info("promotion linking applied",
		"task_id", task.ID,
		"bonus", stats.Bonus,
		"trigger", stats.Trigger,
		"normal", stats.Normal,
		"orphans", stats.Orphans,
	)

	return promotion.Rows(linked)
}

// preloadKeys builds the existing merge-key set from the destination. On
// failure the run continues with an empty set; duplicates then surface only
// through insert-time constraint errors.
func (o *Orchestrator) preloadKeys(
	ctx context.Context,
	target *session,
	task *taskstore.Task,
	mergeKeys []string,
) map[string]struct{} {
	existing := make(map[string]struct{})

	rs, err := o.gateway.DistinctValues(ctx, target.conn(), task.DestTable, mergeKeys)
	if err != nil {
		o.logger.Warn("existing-key preload failed, relying on constraint errors",
			"task_id", task.ID,
			"table", task.DestTable,
			"error", err,
		)

		return existing
	}

	for _, row := range rs.Rows {
		existing[mergeKeyString(row, mergeKeys)] = struct{}{}
	}

	o.logger.Info("existing destination keys preloaded",
		"task_id", task.ID,
		"keys", len(existing),
	)

	return existing
}

// postUpdate marks the transferred rows on the source, in chunks. Each
// chunk survives one connection loss via reconnect-and-retry.
func (o *Orchestrator) postUpdate(ctx context.Context, source *session, task *taskstore.Task, keys []string) error {
	keys = stripKeyPrefix(keys, task.PostUpdateMapping)

	for start := 0; start < len(keys); start += o.cfg.PostUpdateChunk {
		if err := ctx.Err(); err != nil {
			return err
		}

		end := min(start+o.cfg.PostUpdateChunk, len(keys))

		chunk := make([]any, 0, end-start)
		for _, k := range keys[start:end] {
			chunk = append(chunk, k)
		}

		query, params := sqlgw.ExpandKeyList(task.PostUpdateQuery, "@keys", chunk)

		err := o.execOnSource(ctx, source, query, params)
		if err != nil && sqlgw.IsConnection(err) {
			if rerr := source.reconnect(ctx); rerr != nil {
				return rerr
			}

			err = o.execOnSource(ctx, source, query, params)
		}

		if err != nil {
			return fmt.Errorf("post-update chunk %d-%d: %w", start, end, err)
		}
	}

	o.logger.Info("post-update applied on source",
		"task_id", task.ID,
		"keys", len(keys),
	)

	return nil
}

func (o *Orchestrator) execOnSource(ctx context.Context, source *session, query string, params []sqlgw.Param) error {
	execCtx, cancel := context.WithTimeout(ctx, o.cfg.QueryTimeout)
	defer cancel()

	_, err := o.gateway.Exec(execCtx, source.conn(), query, params)

	return err
}

// stripKeyPrefix removes the configured prefix from each collected key.
func stripKeyPrefix(keys []string, mapping *taskstore.PostUpdateMapping) []string {
	if mapping == nil || mapping.StripPrefix == "" {
		return keys
	}

	stripped := make([]string, len(keys))
	for i, k := range keys {
		stripped[i] = strings.TrimPrefix(k, mapping.StripPrefix)
	}

	return stripped
}
