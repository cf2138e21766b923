// Package taskstore persists task definitions, execution history, metrics,
// and database server configurations in MongoDB. All mutations are
// single-document and field-scoped: only the fields being changed are
// written, so concurrent writers never clobber unrelated fields.
package taskstore

import (
	"errors"
	"fmt"
	"time"

	"github.com/rowbridge-io/rowbridge/internal/dbconn"
	"github.com/rowbridge-io/rowbridge/internal/promotion"
	"github.com/rowbridge-io/rowbridge/internal/validation"
)

// Task statuses. Running tasks report progress in [0,99]; terminal statuses
// carry 100 (completed) or -1 (failed, cancelled).
const (
	StatusIdle      = "idle"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Execution kinds select which trigger may start a task.
const (
	KindAuto   = "auto"
	KindManual = "manual"
	KindBoth   = "both"
)

// Transfer directions. Up moves rows source to target; down swaps the two;
// default behaves as up.
const (
	DirectionUp      = "up"
	DirectionDown    = "down"
	DirectionDefault = "default"
)

// Terminal progress values.
const (
	ProgressDone  = 100
	ProgressError = -1
)

var (
	// ErrTaskNotFound indicates no task exists under the given id or name.
	ErrTaskNotFound = errors.New("task not found")

	// ErrStoreUnavailable indicates the store stayed unreachable after its
	// single reconnect attempt.
	ErrStoreUnavailable = errors.New("task store unavailable")

	// ErrInvalidTask indicates a task definition missing required fields.
	ErrInvalidTask = errors.New("invalid task definition")

	// ErrServerConfigNotFound indicates no dbConfigs document exists for
	// the requested server name.
	ErrServerConfigNotFound = errors.New("server config not found")
)

type (
	// QueryParam is one operator-aware filter appended to the projection
	// query. Value carries the single operand; Values carries the IN list
	// or the BETWEEN pair.
	QueryParam struct {
		Field    string `bson:"field"            json:"field"            yaml:"field"`
		Operator string `bson:"operator"         json:"operator"         yaml:"operator"`
		Value    any    `bson:"value,omitempty"  json:"value,omitempty"  yaml:"value,omitempty"`
		Values   []any  `bson:"values,omitempty" json:"values,omitempty" yaml:"values,omitempty"`
	}

	// PostUpdateMapping connects the destination identity field whose
	// values are collected during processing to the source field the
	// post-update query filters on. StripPrefix, when set, is removed from
	// each collected key before binding.
	PostUpdateMapping struct {
		DestKeyField   string `bson:"destKeyField"          json:"destKeyField"          yaml:"destKeyField"`
		SourceKeyField string `bson:"sourceKeyField"        json:"sourceKeyField"        yaml:"sourceKeyField"`
		StripPrefix    string `bson:"stripPrefix,omitempty" json:"stripPrefix,omitempty" yaml:"stripPrefix,omitempty"`
	}

	// Task is one persisted transfer definition.
	Task struct {
		ID                string              `bson:"_id,omitempty"               json:"id"                          yaml:"id,omitempty"`
		Name              string              `bson:"name"                        json:"name"                        yaml:"name"`
		Active            bool                `bson:"active"                      json:"active"                      yaml:"active"`
		Kind              string              `bson:"kind"                        json:"kind"                        yaml:"kind"`
		Direction         string              `bson:"direction,omitempty"         json:"direction,omitempty"         yaml:"direction,omitempty"`
		Query             string              `bson:"query"                       json:"query"                       yaml:"query"`
		Params            []QueryParam        `bson:"params,omitempty"            json:"params,omitempty"            yaml:"params,omitempty"`
		DestTable         string              `bson:"destTable"                   json:"destTable"                   yaml:"destTable"`
		Ruleset           *validation.Ruleset `bson:"ruleset,omitempty"           json:"ruleset,omitempty"           yaml:"ruleset,omitempty"`
		Validation        validation.Options  `bson:"validationOptions,omitempty" json:"validationOptions,omitempty" yaml:"validationOptions,omitempty"`
		PostUpdateQuery   string              `bson:"postUpdateQuery,omitempty"   json:"postUpdateQuery,omitempty"   yaml:"postUpdateQuery,omitempty"`
		PostUpdateMapping *PostUpdateMapping  `bson:"postUpdateMapping,omitempty" json:"postUpdateMapping,omitempty" yaml:"postUpdateMapping,omitempty"`
		ClearBeforeInsert bool                `bson:"clearBeforeInsert,omitempty" json:"clearBeforeInsert,omitempty" yaml:"clearBeforeInsert,omitempty"`
		Promotion         *promotion.Config   `bson:"promotion,omitempty"         json:"promotion,omitempty"         yaml:"promotion,omitempty"`

		ExecutionCount int64      `bson:"executionCount"        json:"executionCount"        yaml:"-"`
		LastRunAt      *time.Time `bson:"lastRunAt,omitempty"   json:"lastRunAt,omitempty"   yaml:"-"`
		LastOutcome    *Outcome   `bson:"lastOutcome,omitempty" json:"lastOutcome,omitempty" yaml:"-"`
		Status         string     `bson:"status"                json:"status"                yaml:"-"`
		Progress       int        `bson:"progress"              json:"progress"              yaml:"-"`
		CreatedAt      time.Time  `bson:"createdAt"             json:"createdAt"             yaml:"-"`
		UpdatedAt      time.Time  `bson:"updatedAt"             json:"updatedAt"             yaml:"-"`
	}

	// Outcome is the user-visible result of one run. It is persisted on
	// the task (last outcome) and on the execution record.
	Outcome struct {
		Success           bool             `bson:"success"                     json:"success"`
		Rows              int64            `bson:"rows"                        json:"rows"`
		Inserted          int64            `bson:"inserted"                    json:"inserted"`
		Duplicates        int64            `bson:"duplicates"                  json:"duplicates"`
		DuplicatedRecords []map[string]any `bson:"duplicatedRecords,omitempty" json:"duplicatedRecords,omitempty"`
		HasMoreDuplicates bool             `bson:"hasMoreDuplicates"           json:"hasMoreDuplicates"`
		TotalDuplicates   int64            `bson:"totalDuplicates"             json:"totalDuplicates"`
		InitialCount      int64            `bson:"initialCount"                json:"initialCount"`
		FinalCount        int64            `bson:"finalCount"                  json:"finalCount"`
		Message           string           `bson:"message"                     json:"message"`
		ErrorDetail       string           `bson:"errorDetail,omitempty"       json:"errorDetail,omitempty"`
	}

	// Execution is one historical run of a task.
	Execution struct {
		ID         string     `bson:"_id"                  json:"id"`
		TaskID     string     `bson:"taskId"               json:"taskId"`
		TaskName   string     `bson:"taskName"             json:"taskName"`
		StartedAt  time.Time  `bson:"startedAt"            json:"startedAt"`
		FinishedAt *time.Time `bson:"finishedAt,omitempty" json:"finishedAt,omitempty"`
		Status     string     `bson:"status"               json:"status"`
		Outcome    *Outcome   `bson:"outcome,omitempty"    json:"outcome,omitempty"`
	}

	// MetricSample is one timing/volume datapoint appended per run.
	MetricSample struct {
		TaskID     string    `bson:"taskId"     json:"taskId"`
		RecordedAt time.Time `bson:"recordedAt" json:"recordedAt"`
		DurationMS int64     `bson:"durationMs" json:"durationMs"`
		Rows       int64     `bson:"rows"       json:"rows"`
		Inserted   int64     `bson:"inserted"   json:"inserted"`
		Duplicates int64     `bson:"duplicates" json:"duplicates"`
	}
)

// Validate checks the fields a task cannot run without. Runtime
// preconditions (active flag, ruleset content) are the orchestrator's
// concern; this guards persistence.
func (t *Task) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("%w: name is empty", ErrInvalidTask)
	}

	if t.Query == "" {
		return fmt.Errorf("%w: query is empty", ErrInvalidTask)
	}

	if t.DestTable == "" {
		return fmt.Errorf("%w: destTable is empty", ErrInvalidTask)
	}

	switch t.Kind {
	case KindAuto, KindManual, KindBoth:
	default:
		return fmt.Errorf("%w: kind %q is not one of auto, manual, both", ErrInvalidTask, t.Kind)
	}

	switch t.Direction {
	case "", DirectionUp, DirectionDown, DirectionDefault:
	default:
		return fmt.Errorf("%w: direction %q is not one of up, down, default", ErrInvalidTask, t.Direction)
	}

	return nil
}

// SourceServer returns the logical server the task reads from, honoring
// the transfer direction.
func (t *Task) SourceServer() string {
	if t.Direction == DirectionDown {
		return dbconn.ServerTarget
	}

	return dbconn.ServerSource
}

// TargetServer returns the logical server the task writes to.
func (t *Task) TargetServer() string {
	if t.Direction == DirectionDown {
		return dbconn.ServerSource
	}

	return dbconn.ServerTarget
}
