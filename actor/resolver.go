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

// Package actor creates and fetches the local identities that sign deliveries.
package actor

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"database/sql"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"

	"golang.org/x/sync/semaphore"

	"github.com/dimkr/fanout/ap"
	"github.com/dimkr/fanout/cfg"
)

// Kind tells which domain entity backs a local actor.
type Kind string

const (
	Instance Kind = "instance"
	User     Kind = "user"
	Group    Kind = "group"
)

// the instance actor is the only actor with no backing entity row
const instanceEntity = 0

var ErrEntityNotFound = errors.New("backing entity does not exist")

// limit concurrent key generation
var sem = semaphore.NewWeighted(2)

// LocalActor is an actors table row.
type LocalActor struct {
	ID     int64
	Kind   Kind
	Entity int64
	Actor  *ap.Actor
}

// Resolver hands out local actors, lazily creating them with a fresh key pair
// on first use.
type Resolver struct {
	Domain string
	Config *cfg.Config
	DB     *sql.DB
}

func (r *Resolver) genKey(ctx context.Context) (string, string, error) {
	if err := sem.Acquire(ctx, 1); err != nil {
		return "", "", fmt.Errorf("failed to acquire semaphore: %w", err)
	}
	defer sem.Release(1)

	key, err := rsa.GenerateKey(rand.Reader, r.Config.ActorKeyBits)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate private key: %w", err)
	}

	priv, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal private key: %w", err)
	}

	pub, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal public key: %w", err)
	}

	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: priv})),
		string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pub})),
		nil
}

func (r *Resolver) entityName(ctx context.Context, kind Kind, entity int64) (string, error) {
	var table string
	switch kind {
	case Instance:
		return r.Domain, nil
	case User:
		table = `users`
	case Group:
		table = `groups`
	default:
		return "", fmt.Errorf("unknown actor kind: %s", kind)
	}

	var name string
	if err := r.DB.QueryRowContext(ctx, `select name from `+table+` where id = ?`, entity).Scan(&name); errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s %d", ErrEntityNotFound, kind, entity)
	} else if err != nil {
		return "", err
	}

	return name, nil
}

func (r *Resolver) uri(kind Kind, name string) string {
	switch kind {
	case User:
		return fmt.Sprintf("https://%s/users/%s", r.Domain, name)
	case Group:
		return fmt.Sprintf("https://%s/groups/%s", r.Domain, name)
	default:
		return fmt.Sprintf("https://%s/actor", r.Domain)
	}
}

func (r *Resolver) fetch(ctx context.Context, kind Kind, entity int64) (*LocalActor, error) {
	var id int64
	var raw string
	if err := r.DB.QueryRowContext(ctx, `select id, actor from actors where kind = ? and entity = ?`, kind, entity).Scan(&id, &raw); err != nil {
		return nil, err
	}

	var a ap.Actor
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return nil, fmt.Errorf("failed to unmarshal actor %d: %w", id, err)
	}

	return &LocalActor{ID: id, Kind: kind, Entity: entity, Actor: &a}, nil
}

// Resolve returns the local actor for a given entity, creating it if it
// doesn't exist yet. Racing callers converge on the same row: creation is
// insert-or-ignore under a unique (kind, entity) index, followed by a fetch.
func (r *Resolver) Resolve(ctx context.Context, kind Kind, entity int64) (*LocalActor, error) {
	if kind == Instance {
		entity = instanceEntity
	}

	local, err := r.fetch(ctx, kind, entity)
	if err == nil {
		return local, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to fetch %s actor %d: %w", kind, entity, err)
	}

	name, err := r.entityName(ctx, kind, entity)
	if err != nil {
		return nil, err
	}

	priv, pub, err := r.genKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair for %s %d: %w", kind, entity, err)
	}

	uri := r.uri(kind, name)

	actorType := ap.Person
	switch kind {
	case Group:
		actorType = ap.Group
	case Instance:
		actorType = ap.Application
	}

	body, err := json.Marshal(ap.Actor{
		Context:           []string{ap.Context, "https://w3id.org/security/v1"},
		ID:                uri,
		Type:              actorType,
		PreferredUsername: name,
		Inbox:             fmt.Sprintf("https://%s/inbox/%s", r.Domain, name),
		Outbox:            fmt.Sprintf("https://%s/outbox/%s", r.Domain, name),
		Followers:         uri + "/followers",
		Endpoints: map[string]string{
			"sharedInbox": fmt.Sprintf("https://%s/inbox", r.Domain),
		},
		PublicKey: ap.PublicKey{
			ID:           uri + "#main-key",
			Owner:        uri,
			PublicKeyPem: pub,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", uri, err)
	}

	if _, err := r.DB.ExecContext(
		ctx,
		`insert into actors(kind, entity, uri, actor, privkey) values(?,?,?,?,?) on conflict(kind, entity) do nothing`,
		kind,
		entity,
		uri,
		string(body),
		priv,
	); err != nil {
		return nil, fmt.Errorf("failed to insert %s: %w", uri, err)
	}

	local, err = r.fetch(ctx, kind, entity)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s actor %d: %w", kind, entity, err)
	}

	return local, nil
}
