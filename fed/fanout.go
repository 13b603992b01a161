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
	"time"

	"github.com/dimkr/fanout/actor"
	"github.com/dimkr/fanout/ap"
	"github.com/dimkr/fanout/cfg"
	"github.com/dimkr/fanout/data"
	"github.com/dimkr/fanout/queue"
)

// Queue kinds of the fan-out orchestrator jobs, one per domain event.
const (
	JobPostCreated = "fanout.created"
	JobPostUpdated = "fanout.updated"
	JobPostDeleted = "fanout.deleted"
	JobAnnounce    = "fanout.announce"
)

type postJob struct {
	Post int64 `json:"post"`
}

// deleteJob carries the author and group explicitly: by the time the job
// runs, the post row may be gone.
type deleteJob struct {
	Post   int64 `json:"post"`
	Author int64 `json:"author"`
	Group  int64 `json:"group,omitempty"`
}

type announceJob struct {
	Post  int64 `json:"post"`
	Group int64 `json:"group"`
}

// Fanout turns one domain event into per-inbox delivery jobs, walking the
// actor scopes in priority order: the author, then the post's group, then the
// instance. The first scope to claim an inbox keeps it for the whole pass, so
// no server hears about the same event twice.
type Fanout struct {
	Domain   string
	Config   *cfg.Config
	DB       *sql.DB
	Log      *slog.Logger
	Resolver *actor.Resolver
	Ledger   *Ledger
	Queue    *queue.Queue
}

// Register attaches the orchestrators to their queue kinds.
func (f *Fanout) Register() {
	f.Queue.HandleFunc(JobPostCreated, f.handleCreated)
	f.Queue.HandleFunc(JobPostUpdated, f.handleUpdated)
	f.Queue.HandleFunc(JobPostDeleted, f.handleDeleted)
	f.Queue.HandleFunc(JobAnnounce, f.handleAnnounce)
}

// FederatePostCreated schedules fan-out of a newly published post.
func (f *Fanout) FederatePostCreated(ctx context.Context, postID int64) error {
	return f.Queue.Schedule(ctx, JobPostCreated, postJob{Post: postID}, 0)
}

// FederatePostUpdated schedules fan-out of an edit.
func (f *Fanout) FederatePostUpdated(ctx context.Context, postID int64) error {
	return f.Queue.Schedule(ctx, JobPostUpdated, postJob{Post: postID}, 0)
}

// FederatePostDeleted schedules fan-out of a deletion.
func (f *Fanout) FederatePostDeleted(ctx context.Context, postID, authorID, groupID int64) error {
	return f.Queue.Schedule(ctx, JobPostDeleted, deleteJob{Post: postID, Author: authorID, Group: groupID}, 0)
}

// FederateGroupAnnounce schedules a manually triggered group boost.
func (f *Fanout) FederateGroupAnnounce(ctx context.Context, postID, groupID int64) error {
	return f.Queue.Schedule(ctx, JobAnnounce, announceJob{Post: postID, Group: groupID}, 0)
}

type post struct {
	ID        int64
	Author    int64
	Group     sql.NullInt64
	Title     sql.NullString
	Content   string
	Published int64
	Updated   sql.NullInt64
	Deleted   bool
	Federated bool
}

type group struct {
	ID       int64
	Federate bool
	Announce bool
}

func (f *Fanout) loadPost(ctx context.Context, id int64) (*post, error) {
	p := post{ID: id}
	if err := f.DB.QueryRowContext(
		ctx,
		`select author, grp, title, content, published, updated, deleted, federated from posts where id = ?`,
		id,
	).Scan(&p.Author, &p.Group, &p.Title, &p.Content, &p.Published, &p.Updated, &p.Deleted, &p.Federated); err != nil {
		return nil, err
	}
	return &p, nil
}

func (f *Fanout) loadGroup(ctx context.Context, id int64) (*group, error) {
	g := group{ID: id}
	if err := f.DB.QueryRowContext(ctx, `select federate, announce from groups where id = ?`, id).Scan(&g.Federate, &g.Announce); err != nil {
		return nil, err
	}
	return &g, nil
}

func (f *Fanout) authorOptedIn(ctx context.Context, id int64) (bool, error) {
	var federate bool
	if err := f.DB.QueryRowContext(ctx, `select federate from users where id = ?`, id).Scan(&federate); err != nil {
		return false, err
	}
	return federate, nil
}

func (f *Fanout) postURI(id int64) string {
	return fmt.Sprintf("https://%s/posts/%d", f.Domain, id)
}

func (f *Fanout) postObject(p *post, author string) *ap.Object {
	o := &ap.Object{
		ID:           f.postURI(p.ID),
		Type:         ap.Note,
		AttributedTo: author,
		Content:      p.Content,
		Published:    ap.Time{Time: time.Unix(p.Published, 0).UTC()},
	}
	if p.Title.Valid {
		o.Type = ap.Page
		o.Name = p.Title.String
	}
	if p.Updated.Valid {
		o.Updated = ap.Time{Time: time.Unix(p.Updated.Int64, 0).UTC()}
	}
	o.To.Add(ap.Public)
	return o
}

// deliverScope persists one scope's activity and schedules a delivery job for
// each of its followers' inboxes that no higher-priority scope has claimed in
// this pass. Inboxes whose delivery already succeeded are claimed but not
// rescheduled, making duplicate orchestrator runs harmless.
func (f *Fanout) deliverScope(ctx context.Context, log *slog.Logger, scope *actor.LocalActor, activity *ap.Activity, targets []FollowerTarget, claimed data.OrderedMap[string, struct{}]) error {
	if len(targets) == 0 {
		log.Debug("Scope has no followers", "scope", scope.Actor.ID)
		return nil
	}

	raw, err := activity.Canonical()
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", activity.ID, err)
	}

	if _, err := f.DB.ExecContext(
		ctx,
		`insert into activities(id, sender, type, activity) values(?,?,?,?) on conflict(id) do nothing`,
		activity.ID,
		scope.ID,
		activity.Type,
		string(raw),
	); err != nil {
		return fmt.Errorf("failed to insert %s: %w", activity.ID, err)
	}

	for _, inbox := range CollectInboxes(targets) {
		if claimed.Contains(inbox) {
			log.Debug("Skipping inbox claimed by an earlier scope", "scope", scope.Actor.ID, "inbox", inbox)
			continue
		}
		claimed.Store(inbox, struct{}{})

		delivery, err := f.Ledger.UpsertPending(ctx, activity.ID, inbox)
		if err != nil {
			log.Warn("Failed to record delivery", "scope", scope.Actor.ID, "inbox", inbox, "error", err)
			continue
		}

		if delivery.Status == StatusDelivered {
			log.Debug("Skipping delivered inbox", "scope", scope.Actor.ID, "inbox", inbox)
			continue
		}

		if err := f.Queue.Schedule(ctx, JobDeliver, deliverJob{ActivityID: activity.ID, Inbox: inbox, Mode: MultiActor(scope.ID)}, 0); err != nil {
			log.Warn("Failed to schedule delivery", "scope", scope.Actor.ID, "inbox", inbox, "error", err)
		}
	}

	return nil
}

func (f *Fanout) markFederated(ctx context.Context, postID int64, remoteIDs map[string]string) error {
	j, err := json.Marshal(remoteIDs)
	if err != nil {
		return err
	}

	if _, err := f.DB.ExecContext(ctx, `update posts set federated = 1, remote_ids = ? where id = ?`, string(j), postID); err != nil {
		return fmt.Errorf("failed to mark post %d as federated: %w", postID, err)
	}

	return nil
}

func (f *Fanout) handleCreated(ctx context.Context, payload []byte) error {
	var job postJob
	if err := json.Unmarshal(payload, &job); err != nil {
		f.Log.Warn("Dropping malformed fan-out job", "error", err)
		return nil
	}

	log := f.Log.With("post", job.Post)

	if !f.Config.FederationEnabled {
		log.Debug("Federation is disabled")
		return nil
	}

	p, err := f.loadPost(ctx, job.Post)
	if errors.Is(err, sql.ErrNoRows) {
		log.Warn("Post to federate does not exist")
		return nil
	} else if err != nil {
		return fmt.Errorf("failed to fetch post %d: %w", job.Post, err)
	}

	if p.Deleted {
		log.Debug("Post is deleted")
		return nil
	}

	if optedIn, err := f.authorOptedIn(ctx, p.Author); errors.Is(err, sql.ErrNoRows) {
		log.Warn("Post author does not exist")
		return nil
	} else if err != nil {
		return fmt.Errorf("failed to fetch author of post %d: %w", job.Post, err)
	} else if !optedIn {
		log.Debug("Author has opted out of federation")
		return nil
	}

	author, err := f.Resolver.Resolve(ctx, actor.User, p.Author)
	if err != nil {
		return fmt.Errorf("failed to resolve author of post %d: %w", job.Post, err)
	}

	claimed := data.OrderedMap[string, struct{}]{}
	remoteIDs := map[string]string{}

	targets, err := followersOf(ctx, f.DB, author.ID)
	if err != nil {
		log.Warn("Failed to walk author scope", "error", err)
	} else if len(targets) > 0 {
		a := ap.BuildCreate(f.Domain, author.Actor, author.Actor.ID, f.postObject(p, author.Actor.ID))
		if err := f.deliverScope(ctx, log, author, a, targets, claimed); err != nil {
			log.Warn("Failed to walk author scope", "error", err)
		} else {
			remoteIDs["user"] = a.ID
		}
	}

	if p.Group.Valid {
		if err := f.announceScope(ctx, log, p, claimed, remoteIDs, true); err != nil {
			log.Warn("Failed to walk group scope", "error", err)
		}
	}

	if err := f.instanceScope(ctx, log, claimed, remoteIDs, func(instance *actor.LocalActor) *ap.Activity {
		return ap.BuildCreate(f.Domain, instance.Actor, author.Actor.ID, f.postObject(p, author.Actor.ID))
	}); err != nil {
		log.Warn("Failed to walk instance scope", "error", err)
	}

	return f.markFederated(ctx, p.ID, remoteIDs)
}

func (f *Fanout) handleUpdated(ctx context.Context, payload []byte) error {
	var job postJob
	if err := json.Unmarshal(payload, &job); err != nil {
		f.Log.Warn("Dropping malformed fan-out job", "error", err)
		return nil
	}

	log := f.Log.With("post", job.Post)

	if !f.Config.FederationEnabled {
		log.Debug("Federation is disabled")
		return nil
	}

	p, err := f.loadPost(ctx, job.Post)
	if errors.Is(err, sql.ErrNoRows) {
		log.Warn("Post to federate does not exist")
		return nil
	} else if err != nil {
		return fmt.Errorf("failed to fetch post %d: %w", job.Post, err)
	}

	if p.Deleted {
		log.Debug("Post is deleted")
		return nil
	}

	if optedIn, err := f.authorOptedIn(ctx, p.Author); errors.Is(err, sql.ErrNoRows) {
		log.Warn("Post author does not exist")
		return nil
	} else if err != nil {
		return fmt.Errorf("failed to fetch author of post %d: %w", job.Post, err)
	} else if !optedIn {
		log.Debug("Author has opted out of federation")
		return nil
	}

	author, err := f.Resolver.Resolve(ctx, actor.User, p.Author)
	if err != nil {
		return fmt.Errorf("failed to resolve author of post %d: %w", job.Post, err)
	}

	claimed := data.OrderedMap[string, struct{}]{}
	remoteIDs := map[string]string{}

	targets, err := followersOf(ctx, f.DB, author.ID)
	if err != nil {
		log.Warn("Failed to walk author scope", "error", err)
	} else if len(targets) > 0 {
		a := ap.BuildUpdate(f.Domain, author.Actor, author.Actor.ID, f.postObject(p, author.Actor.ID))
		if err := f.deliverScope(ctx, log, author, a, targets, claimed); err != nil {
			log.Warn("Failed to walk author scope", "error", err)
		} else {
			remoteIDs["user"] = a.ID
		}
	}

	// edits don't require auto-announce: the group already boosted the post
	if p.Group.Valid {
		if err := f.groupScope(ctx, log, p.Group.Int64, claimed, remoteIDs, func(grp *actor.LocalActor) *ap.Activity {
			return ap.BuildUpdate(f.Domain, grp.Actor, author.Actor.ID, f.postObject(p, author.Actor.ID))
		}); err != nil {
			log.Warn("Failed to walk group scope", "error", err)
		}
	}

	if err := f.instanceScope(ctx, log, claimed, remoteIDs, func(instance *actor.LocalActor) *ap.Activity {
		return ap.BuildUpdate(f.Domain, instance.Actor, author.Actor.ID, f.postObject(p, author.Actor.ID))
	}); err != nil {
		log.Warn("Failed to walk instance scope", "error", err)
	}

	return f.markFederated(ctx, p.ID, remoteIDs)
}

func (f *Fanout) handleDeleted(ctx context.Context, payload []byte) error {
	var job deleteJob
	if err := json.Unmarshal(payload, &job); err != nil {
		f.Log.Warn("Dropping malformed fan-out job", "error", err)
		return nil
	}

	log := f.Log.With("post", job.Post)

	if !f.Config.FederationEnabled {
		log.Debug("Federation is disabled")
		return nil
	}

	postURI := f.postURI(job.Post)

	author, err := f.Resolver.Resolve(ctx, actor.User, job.Author)
	if err != nil {
		return fmt.Errorf("failed to resolve author of post %d: %w", job.Post, err)
	}

	claimed := data.OrderedMap[string, struct{}]{}

	targets, err := followersOf(ctx, f.DB, author.ID)
	if err != nil {
		log.Warn("Failed to walk author scope", "error", err)
	} else if len(targets) > 0 {
		a := ap.BuildDelete(f.Domain, author.Actor, author.Actor.ID, postURI)
		if err := f.deliverScope(ctx, log, author, a, targets, claimed); err != nil {
			log.Warn("Failed to walk author scope", "error", err)
		}
	}

	if job.Group != 0 {
		if err := f.groupScope(ctx, log, job.Group, claimed, nil, func(grp *actor.LocalActor) *ap.Activity {
			return ap.BuildDelete(f.Domain, grp.Actor, author.Actor.ID, postURI)
		}); err != nil {
			log.Warn("Failed to walk group scope", "error", err)
		}
	}

	if err := f.instanceScope(ctx, log, claimed, nil, func(instance *actor.LocalActor) *ap.Activity {
		return ap.BuildDelete(f.Domain, instance.Actor, author.Actor.ID, postURI)
	}); err != nil {
		log.Warn("Failed to walk instance scope", "error", err)
	}

	// the post row can already be gone; clearing is best-effort
	if _, err := f.DB.ExecContext(ctx, `update posts set federated = 0, remote_ids = null where id = ?`, job.Post); err != nil {
		return fmt.Errorf("failed to clear federation state of post %d: %w", job.Post, err)
	}

	return nil
}

func (f *Fanout) handleAnnounce(ctx context.Context, payload []byte) error {
	var job announceJob
	if err := json.Unmarshal(payload, &job); err != nil {
		f.Log.Warn("Dropping malformed fan-out job", "error", err)
		return nil
	}

	log := f.Log.With("post", job.Post, "group", job.Group)

	if !f.Config.FederationEnabled {
		log.Debug("Federation is disabled")
		return nil
	}

	p, err := f.loadPost(ctx, job.Post)
	if errors.Is(err, sql.ErrNoRows) {
		log.Warn("Post to announce does not exist")
		return nil
	} else if err != nil {
		return fmt.Errorf("failed to fetch post %d: %w", job.Post, err)
	}

	if p.Deleted {
		log.Debug("Post is deleted")
		return nil
	}

	if p.Federated {
		log.Debug("Post is already federated")
		return nil
	}

	g, err := f.loadGroup(ctx, job.Group)
	if errors.Is(err, sql.ErrNoRows) {
		log.Warn("Group to announce from does not exist")
		return nil
	} else if err != nil {
		return fmt.Errorf("failed to fetch group %d: %w", job.Group, err)
	}

	// a manual announce needs federation but not auto-announce
	if !g.Federate {
		log.Debug("Group federation is disabled")
		return nil
	}

	grp, err := f.Resolver.Resolve(ctx, actor.Group, job.Group)
	if err != nil {
		return fmt.Errorf("failed to resolve group %d: %w", job.Group, err)
	}

	claimed := data.OrderedMap[string, struct{}]{}
	remoteIDs := map[string]string{}

	targets, err := followersOf(ctx, f.DB, grp.ID)
	if err != nil {
		return fmt.Errorf("failed to walk group scope: %w", err)
	}

	a := ap.BuildAnnounce(f.Domain, grp.Actor, f.postURI(p.ID), ap.Time{Time: time.Unix(p.Published, 0).UTC()})
	if err := f.deliverScope(ctx, log, grp, a, targets, claimed); err != nil {
		return err
	}
	remoteIDs["group"] = a.ID

	return f.markFederated(ctx, p.ID, remoteIDs)
}

// announceScope is the group branch of post creation: boost the post to the
// group's followers if the group federates and auto-announces.
func (f *Fanout) announceScope(ctx context.Context, log *slog.Logger, p *post, claimed data.OrderedMap[string, struct{}], remoteIDs map[string]string, needAnnounce bool) error {
	g, err := f.loadGroup(ctx, p.Group.Int64)
	if errors.Is(err, sql.ErrNoRows) {
		log.Debug("Post group does not exist", "group", p.Group.Int64)
		return nil
	} else if err != nil {
		return err
	}

	if !g.Federate || (needAnnounce && !g.Announce) {
		log.Debug("Group federation or announce is disabled", "group", p.Group.Int64)
		return nil
	}

	grp, err := f.Resolver.Resolve(ctx, actor.Group, p.Group.Int64)
	if err != nil {
		return err
	}

	targets, err := followersOf(ctx, f.DB, grp.ID)
	if err != nil {
		return err
	}

	a := ap.BuildAnnounce(f.Domain, grp.Actor, f.postURI(p.ID), ap.Time{Time: time.Unix(p.Published, 0).UTC()})
	if err := f.deliverScope(ctx, log, grp, a, targets, claimed); err != nil {
		return err
	}

	if remoteIDs != nil {
		remoteIDs["group"] = a.ID
	}
	return nil
}

// groupScope delivers a non-boost activity (update, delete) from the group
// actor, gated on the group's federation flag only.
func (f *Fanout) groupScope(ctx context.Context, log *slog.Logger, groupID int64, claimed data.OrderedMap[string, struct{}], remoteIDs map[string]string, build func(*actor.LocalActor) *ap.Activity) error {
	g, err := f.loadGroup(ctx, groupID)
	if errors.Is(err, sql.ErrNoRows) {
		log.Debug("Post group does not exist", "group", groupID)
		return nil
	} else if err != nil {
		return err
	}

	if !g.Federate {
		log.Debug("Group federation is disabled", "group", groupID)
		return nil
	}

	grp, err := f.Resolver.Resolve(ctx, actor.Group, groupID)
	if err != nil {
		return err
	}

	targets, err := followersOf(ctx, f.DB, grp.ID)
	if err != nil {
		return err
	}

	a := build(grp)
	if err := f.deliverScope(ctx, log, grp, a, targets, claimed); err != nil {
		return err
	}

	if remoteIDs != nil {
		remoteIDs["group"] = a.ID
	}
	return nil
}

// instanceScope delivers from the instance actor to its followers and to
// legacy followers recorded before the multi-actor model.
func (f *Fanout) instanceScope(ctx context.Context, log *slog.Logger, claimed data.OrderedMap[string, struct{}], remoteIDs map[string]string, build func(*actor.LocalActor) *ap.Activity) error {
	instance, err := f.Resolver.Resolve(ctx, actor.Instance, 0)
	if err != nil {
		return err
	}

	targets, err := followersOf(ctx, f.DB, instance.ID)
	if err != nil {
		return err
	}

	legacy, err := legacyFollowers(ctx, f.DB)
	if err != nil {
		return err
	}
	targets = append(targets, legacy...)

	a := build(instance)
	if err := f.deliverScope(ctx, log, instance, a, targets, claimed); err != nil {
		return err
	}

	if remoteIDs != nil {
		remoteIDs["instance"] = a.ID
	}
	return nil
}
