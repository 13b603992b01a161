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

package fed

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dimkr/fanout/ap"
	"github.com/dimkr/fanout/cfg"
)

type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "PENDING"
	StatusDelivered DeliveryStatus = "DELIVERED"
	StatusFailed    DeliveryStatus = "FAILED"
)

// Delivery is the durable record of one (activity, inbox) pair.
type Delivery struct {
	ActivityID string
	Inbox      string
	Status     DeliveryStatus
	Attempts   int
	LastError  string
}

// Ledger tracks delivery state. All writes are single-row upserts or updates
// guarded by status, so concurrent dispatchers for the same pair cannot undo
// a completed delivery.
type Ledger struct {
	Config *cfg.Config
	DB     *sql.DB
}

func (l *Ledger) get(ctx context.Context, activityID, inbox string) (*Delivery, error) {
	d := Delivery{ActivityID: activityID, Inbox: inbox}
	var lastError sql.NullString
	if err := l.DB.QueryRowContext(
		ctx,
		`select status, attempts, last_error from deliveries where activity = ? and inbox = ?`,
		activityID,
		inbox,
	).Scan(&d.Status, &d.Attempts, &lastError); err != nil {
		return nil, err
	}
	d.LastError = lastError.String
	return &d, nil
}

// UpsertPending returns the delivery record for a pair, creating a PENDING
// one if none exists. Safe to call again for an existing pair: the existing
// record wins, whatever its state.
func (l *Ledger) UpsertPending(ctx context.Context, activityID, inbox string) (*Delivery, error) {
	if _, err := l.DB.ExecContext(
		ctx,
		`insert into deliveries(activity, inbox) values(?,?) on conflict(activity, inbox) do nothing`,
		activityID,
		inbox,
	); err != nil {
		return nil, fmt.Errorf("failed to upsert delivery %s to %s: %w", activityID, inbox, err)
	}

	d, err := l.get(ctx, activityID, inbox)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch delivery %s to %s: %w", activityID, inbox, err)
	}

	return d, nil
}

// BeginAttempt increments the delivery's attempt counter, unless the delivery
// already succeeded.
func (l *Ledger) BeginAttempt(ctx context.Context, d *Delivery) error {
	res, err := l.DB.ExecContext(
		ctx,
		`update deliveries set attempts = attempts + 1, updated = unixepoch() where activity = ? and inbox = ? and status != 'DELIVERED'`,
		d.ActivityID,
		d.Inbox,
	)
	if err != nil {
		return fmt.Errorf("failed to start attempt for %s to %s: %w", d.ActivityID, d.Inbox, err)
	}

	if n, err := res.RowsAffected(); err == nil && n > 0 {
		d.Attempts++
	}

	return nil
}

// MarkDelivered marks a delivery as completed. DELIVERED is terminal: a
// record that reached it is never modified again.
func (l *Ledger) MarkDelivered(ctx context.Context, d *Delivery) error {
	if _, err := l.DB.ExecContext(
		ctx,
		`update deliveries set status = 'DELIVERED', last_error = null, updated = unixepoch() where activity = ? and inbox = ? and status != 'DELIVERED'`,
		d.ActivityID,
		d.Inbox,
	); err != nil {
		return fmt.Errorf("failed to mark %s to %s as delivered: %w", d.ActivityID, d.Inbox, err)
	}

	d.Status = StatusDelivered
	d.LastError = ""
	return nil
}

// MarkFailed records a failed attempt. A DELIVERED record is left untouched.
func (l *Ledger) MarkFailed(ctx context.Context, d *Delivery, cause string) error {
	res, err := l.DB.ExecContext(
		ctx,
		`update deliveries set status = 'FAILED', last_error = ?, updated = unixepoch() where activity = ? and inbox = ? and status != 'DELIVERED'`,
		cause,
		d.ActivityID,
		d.Inbox,
	)
	if err != nil {
		return fmt.Errorf("failed to mark %s to %s as failed: %w", d.ActivityID, d.Inbox, err)
	}

	if n, err := res.RowsAffected(); err == nil && n > 0 {
		d.Status = StatusFailed
		d.LastError = cause
	}

	return nil
}

// CanRetry determines if another delivery attempt is allowed.
func (l *Ledger) CanRetry(d *Delivery) bool {
	return d.Status != StatusDelivered && d.Attempts < l.Config.MaxDeliveryAttempts
}

// LogAttempt appends a per-attempt record used for statistics only; retry
// decisions are driven by the deliveries table.
func (l *Ledger) LogAttempt(ctx context.Context, sender int64, inbox string, kind ap.ActivityType, success bool, cause string, httpStatus int) error {
	if _, err := l.DB.ExecContext(
		ctx,
		`insert into delivery_log(sender, inbox, type, success, error, status) values(?,?,?,?,?,?)`,
		sender,
		inbox,
		kind,
		success,
		cause,
		httpStatus,
	); err != nil {
		return fmt.Errorf("failed to log attempt for %s: %w", inbox, err)
	}

	return nil
}

// Stats is the admin-facing aggregate for one activity.
type Stats struct {
	Delivered int
	Pending   int
	Failed    int
	Attempts  int
}

// DeliveryStats aggregates the ledger for one activity.
func (l *Ledger) DeliveryStats(ctx context.Context, activityID string) (Stats, error) {
	var s Stats
	if err := l.DB.QueryRowContext(
		ctx,
		`select count(case when status = 'DELIVERED' then 1 end), count(case when status = 'PENDING' then 1 end), count(case when status = 'FAILED' then 1 end), coalesce(sum(attempts), 0) from deliveries where activity = ?`,
		activityID,
	).Scan(&s.Delivered, &s.Pending, &s.Failed, &s.Attempts); err != nil {
		return s, fmt.Errorf("failed to aggregate deliveries of %s: %w", activityID, err)
	}

	return s, nil
}
