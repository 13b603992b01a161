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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/dimkr/fanout/actor"
	"github.com/dimkr/fanout/ap"
	"github.com/dimkr/fanout/cfg"
	"github.com/dimkr/fanout/queue"
)

// JobDeliver is the queue kind of single-inbox delivery jobs.
const JobDeliver = "deliver"

// ErrBlockedInstance is returned for targets on the instance blocklist.
var ErrBlockedInstance = errors.New("instance is blocked")

// DispatchMode tells the dispatcher which key signs a delivery: a specific
// local actor, or the instance actor for jobs created before the multi-actor
// model.
type DispatchMode struct {
	Kind  string `json:"kind"`
	Actor int64  `json:"actor,omitempty"`
}

const (
	modeActor  = "actor"
	modeLegacy = "legacy"
)

// MultiActor signs with the given actors table row.
func MultiActor(actorID int64) DispatchMode {
	return DispatchMode{Kind: modeActor, Actor: actorID}
}

// Legacy signs with the instance actor.
func Legacy() DispatchMode {
	return DispatchMode{Kind: modeLegacy}
}

type deliverJob struct {
	ActivityID string       `json:"activity"`
	Inbox      string       `json:"inbox"`
	Mode       DispatchMode `json:"mode"`
}

// Dispatcher delivers one activity to one inbox per job and owns the retry
// policy for failed sends.
type Dispatcher struct {
	Domain    string
	Config    *cfg.Config
	DB        *sql.DB
	Log       *slog.Logger
	Resolver  *actor.Resolver
	Addrs     AddrResolver
	Ledger    *Ledger
	Sender    *Sender
	BlockList *BlockList
	Queue     *queue.Queue
}

// Register attaches the dispatcher to its queue kind.
func (d *Dispatcher) Register() {
	d.Queue.HandleFunc(JobDeliver, d.Handle)
}

func (d *Dispatcher) signer(ctx context.Context, mode DispatchMode) (Key, error) {
	actorID := mode.Actor
	if mode.Kind == modeLegacy {
		instance, err := d.Resolver.Resolve(ctx, actor.Instance, 0)
		if err != nil {
			return Key{}, err
		}
		actorID = instance.ID
	}

	return signingKey(ctx, d.DB, actorID)
}

// Handle runs one delivery attempt. Delivery failures never fail the job:
// they end up as ledger state and, while attempts remain, a delayed copy of
// this job. An error return is reserved for infrastructure faults, which the
// queue retries on its own schedule.
func (d *Dispatcher) Handle(ctx context.Context, payload []byte) error {
	var job deliverJob
	if err := json.Unmarshal(payload, &job); err != nil {
		d.Log.Warn("Dropping malformed delivery job", "error", err)
		return nil
	}

	log := d.Log.With("activity", job.ActivityID, "inbox", job.Inbox)

	var senderID int64
	var kind ap.ActivityType
	var raw []byte
	if err := d.DB.QueryRowContext(ctx, `select sender, type, activity from activities where id = ?`, job.ActivityID).Scan(&senderID, &kind, &raw); errors.Is(err, sql.ErrNoRows) {
		log.Warn("Activity to deliver does not exist")
		return nil
	} else if err != nil {
		return fmt.Errorf("failed to fetch activity %s: %w", job.ActivityID, err)
	}

	// a missing record means the job outlived its ledger row; recreate it
	delivery, err := d.Ledger.UpsertPending(ctx, job.ActivityID, job.Inbox)
	if err != nil {
		return err
	}

	if delivery.Status == StatusDelivered {
		log.Debug("Skipping delivered activity")
		return nil
	}

	key, err := d.signer(ctx, job.Mode)
	if err != nil {
		// the signing actor is gone; the delivery keeps its current state
		log.Warn("Failed to fetch signing key", "error", err)
		return nil
	}

	if err := d.Ledger.BeginAttempt(ctx, delivery); err != nil {
		return err
	}

	target, err := d.checkTarget(ctx, job.Inbox)
	if err != nil {
		if PermanentlyInvalid(err) || errors.Is(err, ErrBlockedInstance) {
			log.Warn("Delivery target is permanently invalid", "error", err)
			if err := d.Ledger.MarkFailed(ctx, delivery, err.Error()); err != nil {
				return err
			}
			return d.Ledger.LogAttempt(ctx, senderID, job.Inbox, kind, false, err.Error(), 0)
		}

		// resolution failed; as transient as any transport error
		return d.finishFailed(ctx, log, delivery, job, senderID, kind, 0, err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.Config.DeliveryTimeout)
	status, err := d.Sender.Send(sendCtx, log, key, target, raw)
	cancel()
	if err != nil {
		return d.finishFailed(ctx, log, delivery, job, senderID, kind, status, err)
	}

	if err := d.Ledger.MarkDelivered(ctx, delivery); err != nil {
		return err
	}

	log.Info("Successfully delivered activity", "attempts", delivery.Attempts, "status", status)
	return d.Ledger.LogAttempt(ctx, senderID, job.Inbox, kind, true, "", status)
}

func (d *Dispatcher) checkTarget(ctx context.Context, inbox string) (string, error) {
	target, err := ValidateResolved(ctx, d.Addrs, inbox)
	if err != nil {
		return "", err
	}

	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidFormat, target)
	}

	if d.BlockList != nil && d.BlockList.Contains(u.Hostname()) {
		return "", fmt.Errorf("%w: %s", ErrBlockedInstance, u.Hostname())
	}

	return target, nil
}

func (d *Dispatcher) finishFailed(ctx context.Context, log *slog.Logger, delivery *Delivery, job deliverJob, senderID int64, kind ap.ActivityType, status int, cause error) error {
	if err := d.Ledger.MarkFailed(ctx, delivery, cause.Error()); err != nil {
		return err
	}

	if err := d.Ledger.LogAttempt(ctx, senderID, job.Inbox, kind, false, cause.Error(), status); err != nil {
		return err
	}

	if !d.Ledger.CanRetry(delivery) {
		log.Warn("Giving up on delivery", "attempts", delivery.Attempts, "error", cause)
		return nil
	}

	delay := d.Config.RetryDelay(delivery.Attempts)
	log.Warn("Delivery failed", "attempts", delivery.Attempts, "retry_in", delay, "error", cause)
	return d.Queue.Schedule(ctx, JobDeliver, job, delay)
}
