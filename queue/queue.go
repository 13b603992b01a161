/*
Copyright 2026 Dima Krasner

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package queue schedules and runs delivery jobs, at least once each.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dimkr/fanout/cfg"
)

// Handler runs one job. A nil return deletes the job; an error leaves it
// scheduled for another run until the job's attempts are exhausted.
type Handler func(ctx context.Context, payload []byte) error

// Queue is a database-backed job queue polled by workers.
type Queue struct {
	Config *cfg.Config
	DB     *sql.DB
	Log    *slog.Logger

	handlers map[string]Handler
}

// HandleFunc registers the handler for a job kind. Registration must happen
// before [Queue.Process] is started.
func (q *Queue) HandleFunc(kind string, h Handler) {
	if q.handlers == nil {
		q.handlers = map[string]Handler{}
	}

	q.handlers[kind] = h
}

// Schedule enqueues a job to run after an optional delay.
func (q *Queue) Schedule(ctx context.Context, kind string, payload any, delay time.Duration) error {
	j, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s job: %w", kind, err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("failed to generate %s job ID: %w", kind, err)
	}

	if _, err := q.DB.ExecContext(
		ctx,
		`insert into jobs(id, kind, payload, due) values(?,?,?,unixepoch()+?)`,
		id.String(),
		kind,
		string(j),
		int64(delay/time.Second),
	); err != nil {
		return fmt.Errorf("failed to schedule %s job: %w", kind, err)
	}

	return nil
}

// ProcessBatch runs one batch of due jobs and returns the number of jobs that
// were run. Claiming is optimistic: a job is pushed into the future before it
// runs, so a crashed worker leaves it to be picked up again.
func (q *Queue) ProcessBatch(ctx context.Context) (int, error) {
	rows, err := q.DB.QueryContext(ctx, `select id, kind, payload, attempts from jobs where due <= unixepoch() order by due limit ?`, q.Config.QueueBatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch due jobs: %w", err)
	}

	type job struct {
		ID       string
		Kind     string
		Payload  string
		Attempts int
	}

	var batch []job
	for rows.Next() {
		var j job
		if err := rows.Scan(&j.ID, &j.Kind, &j.Payload, &j.Attempts); err != nil {
			q.Log.Error("Failed to fetch job", "error", err)
			continue
		}
		batch = append(batch, j)
	}
	rows.Close()

	ran := 0
	for _, j := range batch {
		res, err := q.DB.ExecContext(
			ctx,
			`update jobs set attempts = attempts + 1, due = unixepoch()+? where id = ? and attempts = ?`,
			int64(q.Config.QueueRetryInterval/time.Second),
			j.ID,
			j.Attempts,
		)
		if err != nil {
			q.Log.Error("Failed to claim job", "id", j.ID, "error", err)
			continue
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			// claimed by another worker
			continue
		}

		h, ok := q.handlers[j.Kind]
		if !ok {
			q.Log.Warn("Dropping job of unknown kind", "id", j.ID, "kind", j.Kind)
			q.delete(ctx, j.ID)
			continue
		}

		ran++
		if err := h(ctx, []byte(j.Payload)); err != nil {
			if j.Attempts+1 >= q.Config.MaxJobAttempts {
				q.Log.Error("Giving up on job", "id", j.ID, "kind", j.Kind, "attempts", j.Attempts+1, "error", err)
				q.delete(ctx, j.ID)
			} else {
				q.Log.Warn("Job failed", "id", j.ID, "kind", j.Kind, "attempts", j.Attempts+1, "error", err)
			}
			continue
		}

		q.delete(ctx, j.ID)
	}

	return ran, nil
}

func (q *Queue) delete(ctx context.Context, id string) {
	if _, err := q.DB.ExecContext(ctx, `delete from jobs where id = ?`, id); err != nil {
		q.Log.Error("Failed to delete job", "id", id, "error", err)
	}
}

// Process polls for due jobs until ctx is cancelled.
func (q *Queue) Process(ctx context.Context) error {
	t := time.NewTicker(q.Config.QueuePollingInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-t.C:
			if _, err := q.ProcessBatch(ctx); err != nil {
				q.Log.Error("Failed to process jobs", "error", err)
			}
		}
	}
}
