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

	"github.com/dimkr/fanout/data"
)

// FollowerTarget is anything a delivery can be addressed to. Both follower
// variants implement it, so fan-out can mix them in one target list.
type FollowerTarget interface {
	// DeliveryInbox returns the inbox to deliver to, preferring the
	// follower's shared inbox so one send reaches everyone on its server.
	DeliveryInbox() string
}

// Follower is a remote actor following one of the local actors.
type Follower struct {
	ID          int64
	ActorID     int64
	Inbox       string
	SharedInbox string
	Domain      string
}

func (f *Follower) DeliveryInbox() string {
	if f.SharedInbox != "" {
		return f.SharedInbox
	}
	return f.Inbox
}

// LegacyFollower is a follower recorded before the multi-actor model; it
// follows the instance as a whole rather than any local actor.
type LegacyFollower struct {
	ID          int64
	Inbox       string
	SharedInbox string
	Domain      string
}

func (f *LegacyFollower) DeliveryInbox() string {
	if f.SharedInbox != "" {
		return f.SharedInbox
	}
	return f.Inbox
}

// CollectInboxes returns the deduplicated inboxes of a target list, in
// insertion order.
func CollectInboxes(targets []FollowerTarget) []string {
	inboxes := data.OrderedMap[string, struct{}]{}
	for _, t := range targets {
		if inbox := t.DeliveryInbox(); inbox != "" {
			inboxes.Store(inbox, struct{}{})
		}
	}
	return inboxes.Keys()
}

func followersOf(ctx context.Context, db *sql.DB, actorID int64) ([]FollowerTarget, error) {
	rows, err := db.QueryContext(ctx, `select id, inbox, coalesce(shared_inbox, ''), domain from followers where actor = ? order by id`, actorID)
	if err != nil {
		return nil, fmt.Errorf("failed to list followers of %d: %w", actorID, err)
	}
	defer rows.Close()

	var targets []FollowerTarget
	for rows.Next() {
		f := Follower{ActorID: actorID}
		if err := rows.Scan(&f.ID, &f.Inbox, &f.SharedInbox, &f.Domain); err != nil {
			return nil, fmt.Errorf("failed to list followers of %d: %w", actorID, err)
		}
		targets = append(targets, &f)
	}

	return targets, rows.Err()
}

func legacyFollowers(ctx context.Context, db *sql.DB) ([]FollowerTarget, error) {
	rows, err := db.QueryContext(ctx, `select id, inbox, coalesce(shared_inbox, ''), domain from legacy_followers order by id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list legacy followers: %w", err)
	}
	defer rows.Close()

	var targets []FollowerTarget
	for rows.Next() {
		var f LegacyFollower
		if err := rows.Scan(&f.ID, &f.Inbox, &f.SharedInbox, &f.Domain); err != nil {
			return nil, fmt.Errorf("failed to list legacy followers: %w", err)
		}
		targets = append(targets, &f)
	}

	return targets, rows.Err()
}
