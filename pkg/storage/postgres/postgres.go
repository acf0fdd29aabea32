// Package postgres provides a Postgres-backed storage.Storage.
//
// Aggregates are stored as jsonb documents. Columns exist only where the
// engine filters or joins (state, due_date, revision) plus lookup tables
// mapping step keys and envelope ids back to their owning activity.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flowdesk/flowdesk/pkg/flow/runtime"
	"github.com/flowdesk/flowdesk/pkg/storage"
)

//go:embed schema.sql
var schema string

type Storage struct {
	pool *pgxpool.Pool
	keys *snowflake.Node
}

var _ storage.Storage = &Storage{}

func NewStorage(pool *pgxpool.Pool) *Storage {
	return &Storage{
		pool: pool,
		keys: storage.NewKeyGenerator(),
	}
}

// EnsureSchema creates the tables if they do not exist yet.
func (s *Storage) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply storage schema: %w", err)
	}
	return nil
}

func (s *Storage) GenerateId() int64 {
	return s.keys.Generate().Int64()
}

func (s *Storage) NextSequence(ctx context.Context, name string) (int64, error) {
	const stmt = `INSERT INTO sequences (name, value) VALUES ($1, 1)
        ON CONFLICT (name) DO UPDATE SET value = sequences.value + 1
        RETURNING value`
	var value int64
	if err := s.pool.QueryRow(ctx, stmt, name).Scan(&value); err != nil {
		return 0, fmt.Errorf("failed to advance sequence %s: %w", name, err)
	}
	return value, nil
}

func (s *Storage) FindActivityByKey(ctx context.Context, activityKey int64) (runtime.Activity, error) {
	return s.activityByQuery(ctx, `SELECT doc FROM activities WHERE key = $1`, activityKey)
}

func (s *Storage) FindActivityByStepKey(ctx context.Context, stepKey int64) (runtime.Activity, error) {
	const query = `SELECT a.doc FROM activities a
        JOIN activity_steps st ON st.activity_key = a.key
        WHERE st.step_key = $1`
	return s.activityByQuery(ctx, query, stepKey)
}

func (s *Storage) FindActivityByEnvelopeID(ctx context.Context, envelopeID string) (runtime.Activity, error) {
	const query = `SELECT a.doc FROM activities a
        JOIN activity_envelopes env ON env.activity_key = a.key
        WHERE env.envelope_id = $1`
	return s.activityByQuery(ctx, query, envelopeID)
}

func (s *Storage) activityByQuery(ctx context.Context, query string, arg any) (runtime.Activity, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, query, arg).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return runtime.Activity{}, storage.ErrNotFound
	}
	if err != nil {
		return runtime.Activity{}, err
	}
	var activity runtime.Activity
	if err := json.Unmarshal(doc, &activity); err != nil {
		return runtime.Activity{}, fmt.Errorf("failed to decode activity document: %w", err)
	}
	return activity, nil
}

func (s *Storage) FindActivitiesByParent(ctx context.Context, parentKey int64) ([]runtime.Activity, error) {
	return s.activitiesByQuery(ctx, `SELECT doc FROM activities WHERE (doc->>'parent')::bigint = $1`, parentKey)
}

func (s *Storage) FindOverdueActivities(ctx context.Context, now time.Time) ([]runtime.Activity, error) {
	const query = `SELECT doc FROM activities
        WHERE due_date IS NOT NULL AND due_date <= $1 AND state <> $2`
	return s.activitiesByQuery(ctx, query, now, runtime.ActivityStateFinished)
}

func (s *Storage) FindActivitiesWithOpenInteractions(ctx context.Context) ([]runtime.Activity, error) {
	const query = `SELECT doc FROM activities
        WHERE state <> $1 AND doc->'interactions' @> '[{"finished": false}]'`
	return s.activitiesByQuery(ctx, query, runtime.ActivityStateFinished)
}

func (s *Storage) activitiesByQuery(ctx context.Context, query string, args ...any) ([]runtime.Activity, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	res := make([]runtime.Activity, 0)
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var activity runtime.Activity
		if err := json.Unmarshal(doc, &activity); err != nil {
			return nil, fmt.Errorf("failed to decode activity document: %w", err)
		}
		res = append(res, activity)
	}
	return res, rows.Err()
}

func (s *Storage) SaveActivity(ctx context.Context, activity *runtime.Activity) error {
	expected := activity.Revision
	activity.Revision++
	doc, err := json.Marshal(activity)
	if err != nil {
		activity.Revision = expected
		return fmt.Errorf("failed to encode activity document: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		activity.Revision = expected
		return err
	}
	defer tx.Rollback(ctx)

	const upsert = `INSERT INTO activities (key, state, due_date, revision, doc)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (key) DO UPDATE
        SET state = excluded.state, due_date = excluded.due_date, revision = excluded.revision, doc = excluded.doc
        WHERE activities.revision = $6`
	tag, err := tx.Exec(ctx, upsert,
		activity.Key,
		activity.State,
		activity.DueDate,
		activity.Revision,
		doc,
		expected,
	)
	if err != nil {
		activity.Revision = expected
		return err
	}
	if tag.RowsAffected() == 0 {
		activity.Revision = expected
		return storage.ErrConflict
	}

	if _, err := tx.Exec(ctx, `DELETE FROM activity_steps WHERE activity_key = $1`, activity.Key); err != nil {
		activity.Revision = expected
		return err
	}
	for i := range activity.Workflows {
		run := &activity.Workflows[i]
		for j := range run.Steps {
			if _, err := tx.Exec(ctx,
				`INSERT INTO activity_steps (step_key, activity_key) VALUES ($1, $2)`,
				run.Steps[j].Key, activity.Key,
			); err != nil {
				activity.Revision = expected
				return err
			}
		}
	}

	if _, err := tx.Exec(ctx, `DELETE FROM activity_envelopes WHERE activity_key = $1`, activity.Key); err != nil {
		activity.Revision = expected
		return err
	}
	for i := range activity.Documents {
		if _, err := tx.Exec(ctx,
			`INSERT INTO activity_envelopes (envelope_id, activity_key) VALUES ($1, $2)`,
			activity.Documents[i].EnvelopeID, activity.Key,
		); err != nil {
			activity.Revision = expected
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		activity.Revision = expected
		return err
	}
	return nil
}

func (s *Storage) FindWorkflowByKey(ctx context.Context, workflowKey int64) (runtime.Workflow, error) {
	return docByKey[runtime.Workflow](ctx, s, `SELECT doc FROM workflows WHERE key = $1`, workflowKey)
}

func (s *Storage) FindFormByKey(ctx context.Context, formKey int64) (runtime.Form, error) {
	return docByKey[runtime.Form](ctx, s, `SELECT doc FROM forms WHERE key = $1`, formKey)
}

func (s *Storage) FindFormBySlug(ctx context.Context, slug string) (runtime.Form, error) {
	return docByKey[runtime.Form](ctx, s, `SELECT doc FROM forms WHERE slug = $1`, slug)
}

func (s *Storage) FindStatusByKey(ctx context.Context, statusKey int64) (runtime.StatusRef, error) {
	return docByKey[runtime.StatusRef](ctx, s, `SELECT doc FROM statuses WHERE key = $1`, statusKey)
}

func (s *Storage) FindEmailTemplateByKey(ctx context.Context, templateKey int64) (runtime.EmailTemplate, error) {
	return docByKey[runtime.EmailTemplate](ctx, s, `SELECT doc FROM email_templates WHERE key = $1`, templateKey)
}

func (s *Storage) FindProjectByKey(ctx context.Context, projectKey int64) (runtime.Project, error) {
	return docByKey[runtime.Project](ctx, s, `SELECT doc FROM projects WHERE key = $1`, projectKey)
}

func (s *Storage) FindUserByKey(ctx context.Context, userKey int64) (runtime.User, error) {
	return docByKey[runtime.User](ctx, s, `SELECT doc FROM users WHERE key = $1`, userKey)
}

func (s *Storage) FindActiveUsers(ctx context.Context, keys []int64) ([]runtime.User, error) {
	const query = `SELECT doc FROM users
        WHERE active AND (key = ANY($1) OR doc->'institutes' @> ANY(
            SELECT jsonb_build_array(jsonb_build_object('key', k)) FROM unnest($1::bigint[]) AS k
        ))`
	rows, err := s.pool.Query(ctx, query, keys)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	res := make([]runtime.User, 0)
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var user runtime.User
		if err := json.Unmarshal(doc, &user); err != nil {
			return nil, fmt.Errorf("failed to decode user document: %w", err)
		}
		res = append(res, user)
	}
	return res, rows.Err()
}

func (s *Storage) FindScheduleByKey(ctx context.Context, scheduleKey int64) (runtime.Schedule, error) {
	return docByKey[runtime.Schedule](ctx, s, `SELECT doc FROM schedules WHERE key = $1`, scheduleKey)
}

func (s *Storage) FindDueSchedules(ctx context.Context, now time.Time) ([]runtime.Schedule, error) {
	rows, err := s.pool.Query(ctx, `SELECT doc FROM schedules WHERE active`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	res := make([]runtime.Schedule, 0)
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var sched runtime.Schedule
		if err := json.Unmarshal(doc, &sched); err != nil {
			return nil, fmt.Errorf("failed to decode schedule document: %w", err)
		}
		if sched.NextDue(now) != nil {
			res = append(res, sched)
		}
	}
	return res, rows.Err()
}

func (s *Storage) SaveSchedule(ctx context.Context, schedule runtime.Schedule) error {
	doc, err := json.Marshal(schedule)
	if err != nil {
		return fmt.Errorf("failed to encode schedule document: %w", err)
	}
	const stmt = `INSERT INTO schedules (key, active, doc) VALUES ($1, $2, $3)
        ON CONFLICT (key) DO UPDATE SET active = excluded.active, doc = excluded.doc`
	_, err = s.pool.Exec(ctx, stmt, schedule.Key, schedule.Active, doc)
	return err
}

func (s *Storage) SeedWorkflow(ctx context.Context, w runtime.Workflow) error {
	return s.upsertDoc(ctx, `INSERT INTO workflows (key, doc) VALUES ($1, $2)
        ON CONFLICT (key) DO UPDATE SET doc = excluded.doc`, w, w.Key)
}

func (s *Storage) SeedForm(ctx context.Context, f runtime.Form) error {
	return s.upsertDoc(ctx, `INSERT INTO forms (key, slug, doc) VALUES ($1, $3, $2)
        ON CONFLICT (key) DO UPDATE SET slug = excluded.slug, doc = excluded.doc`, f, f.Key, f.Slug)
}

func (s *Storage) SeedStatus(ctx context.Context, st runtime.StatusRef) error {
	return s.upsertDoc(ctx, `INSERT INTO statuses (key, doc) VALUES ($1, $2)
        ON CONFLICT (key) DO UPDATE SET doc = excluded.doc`, st, st.Key)
}

func (s *Storage) SeedEmailTemplate(ctx context.Context, tmpl runtime.EmailTemplate) error {
	return s.upsertDoc(ctx, `INSERT INTO email_templates (key, doc) VALUES ($1, $2)
        ON CONFLICT (key) DO UPDATE SET doc = excluded.doc`, tmpl, tmpl.Key)
}

func (s *Storage) SeedUser(ctx context.Context, u runtime.User) error {
	return s.upsertDoc(ctx, `INSERT INTO users (key, active, doc) VALUES ($1, $3, $2)
        ON CONFLICT (key) DO UPDATE SET active = excluded.active, doc = excluded.doc`, u, u.Key, u.Active)
}

func (s *Storage) SeedProject(ctx context.Context, p runtime.Project) error {
	return s.upsertDoc(ctx, `INSERT INTO projects (key, doc) VALUES ($1, $2)
        ON CONFLICT (key) DO UPDATE SET doc = excluded.doc`, p, p.Key)
}

// upsertDoc marshals v as the $2 jsonb argument, extra args start at $3.
func (s *Storage) upsertDoc(ctx context.Context, stmt string, v any, key int64, extra ...any) error {
	doc, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}
	args := append([]any{key, doc}, extra...)
	_, err = s.pool.Exec(ctx, stmt, args...)
	return err
}

func docByKey[T any](ctx context.Context, s *Storage, query string, arg any) (T, error) {
	var out T
	var doc []byte
	err := s.pool.QueryRow(ctx, query, arg).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return out, storage.ErrNotFound
	}
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(doc, &out); err != nil {
		return out, fmt.Errorf("failed to decode document: %w", err)
	}
	return out, nil
}
