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

package actor

import (
	"context"
	"crypto/x509"
	"database/sql"
	"encoding/pem"
	"io"
	"log/slog"
	"os"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"

	"github.com/dimkr/fanout/ap"
	"github.com/dimkr/fanout/cfg"
	"github.com/dimkr/fanout/migrations"
)

const testDomain = "localhost.localdomain"

func newTestResolver(t *testing.T) (*Resolver, func()) {
	f, err := os.CreateTemp("", "fanout-*.sqlite3")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	f.Close()

	path := f.Name()

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL")
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}

	var conf cfg.Config
	// small keys keep tests fast
	conf.ActorKeyBits = 1024
	conf.FillDefaults()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	if err := migrations.Run(context.Background(), log, db); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	return &Resolver{Domain: testDomain, Config: &conf, DB: db}, func() {
		db.Close()
		os.Remove(path)
	}
}

func TestResolve_User(t *testing.T) {
	r, shutdown := newTestResolver(t)
	defer shutdown()

	assert := assert.New(t)

	_, err := r.DB.Exec(`insert into users(id, name) values(1, 'alice')`)
	assert.NoError(err)

	alice, err := r.Resolve(context.Background(), User, 1)
	assert.NoError(err)
	assert.Equal(User, alice.Kind)
	assert.Equal(int64(1), alice.Entity)
	assert.Equal("https://localhost.localdomain/users/alice", alice.Actor.ID)
	assert.Equal(ap.Person, alice.Actor.Type)
	assert.Equal("alice", alice.Actor.PreferredUsername)
	assert.Equal("https://localhost.localdomain/users/alice#main-key", alice.Actor.PublicKey.ID)
	assert.Equal("https://localhost.localdomain/users/alice/followers", alice.Actor.Followers)
	assert.Equal("https://localhost.localdomain/inbox", alice.Actor.Endpoints["sharedInbox"])

	var privPem string
	assert.NoError(r.DB.QueryRow(`select privkey from actors where id = ?`, alice.ID).Scan(&privPem))
	block, _ := pem.Decode([]byte(privPem))
	assert.NotNil(block)
	_, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	assert.NoError(err)

	block, _ = pem.Decode([]byte(alice.Actor.PublicKey.PublicKeyPem))
	assert.NotNil(block)
	_, err = x509.ParsePKIXPublicKey(block.Bytes)
	assert.NoError(err)
}

func TestResolve_Idempotent(t *testing.T) {
	r, shutdown := newTestResolver(t)
	defer shutdown()

	assert := assert.New(t)

	_, err := r.DB.Exec(`insert into users(id, name) values(1, 'alice')`)
	assert.NoError(err)

	first, err := r.Resolve(context.Background(), User, 1)
	assert.NoError(err)

	second, err := r.Resolve(context.Background(), User, 1)
	assert.NoError(err)
	assert.Equal(first.ID, second.ID)
	assert.Equal(first.Actor.PublicKey.PublicKeyPem, second.Actor.PublicKey.PublicKeyPem)

	var n int
	assert.NoError(r.DB.QueryRow(`select count(*) from actors`).Scan(&n))
	assert.Equal(1, n)
}

func TestResolve_Group(t *testing.T) {
	r, shutdown := newTestResolver(t)
	defer shutdown()

	assert := assert.New(t)

	_, err := r.DB.Exec(`insert into groups(id, name) values(1, 'golang')`)
	assert.NoError(err)

	golang, err := r.Resolve(context.Background(), Group, 1)
	assert.NoError(err)
	assert.Equal(ap.Group, golang.Actor.Type)
	assert.Equal("https://localhost.localdomain/groups/golang", golang.Actor.ID)
}

func TestResolve_Instance(t *testing.T) {
	r, shutdown := newTestResolver(t)
	defer shutdown()

	assert := assert.New(t)

	// any entity maps to the singleton
	first, err := r.Resolve(context.Background(), Instance, 7)
	assert.NoError(err)
	assert.Equal(int64(0), first.Entity)
	assert.Equal(ap.Application, first.Actor.Type)
	assert.Equal("https://localhost.localdomain/actor", first.Actor.ID)

	second, err := r.Resolve(context.Background(), Instance, 0)
	assert.NoError(err)
	assert.Equal(first.ID, second.ID)
}

func TestResolve_MissingEntity(t *testing.T) {
	r, shutdown := newTestResolver(t)
	defer shutdown()

	assert := assert.New(t)

	_, err := r.Resolve(context.Background(), User, 42)
	assert.ErrorIs(err, ErrEntityNotFound)

	_, err = r.Resolve(context.Background(), Group, 42)
	assert.ErrorIs(err, ErrEntityNotFound)
}
