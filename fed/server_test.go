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
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"sync"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/dimkr/fanout/actor"
	"github.com/dimkr/fanout/cfg"
	"github.com/dimkr/fanout/migrations"
	"github.com/dimkr/fanout/queue"
)

const testDomain = "localhost.localdomain"

type testResponse struct {
	Response *http.Response
	Error    error
}

type testClient struct {
	sync.Mutex
	Data map[string]testResponse
}

func newTestClient(data map[string]testResponse) testClient {
	return testClient{Data: data}
}

func (c *testClient) Do(r *http.Request) (*http.Response, error) {
	url := r.URL.String()
	c.Lock()
	resp, ok := c.Data[url]
	if !ok {
		panic("No response for " + url)
	}
	delete(c.Data, url)
	c.Unlock()
	return resp.Response, resp.Error
}

func withStatus(code int) testResponse {
	return testResponse{
		Response: &http.Response{
			StatusCode: code,
			Body:       io.NopCloser(bytes.NewReader([]byte(`{}`))),
		},
	}
}

type testAddrs map[string][]net.IPAddr

func (a testAddrs) LookupIPAddr(_ context.Context, host string) ([]net.IPAddr, error) {
	if addrs, ok := a[host]; ok {
		return addrs, nil
	}
	return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
}

func addr(s string) []net.IPAddr {
	return []net.IPAddr{{IP: net.ParseIP(s)}}
}

type testEnv struct {
	dbPath     string
	db         *sql.DB
	cfg        cfg.Config
	client     testClient
	addrs      testAddrs
	resolver   *actor.Resolver
	queue      *queue.Queue
	ledger     *Ledger
	dispatcher *Dispatcher
	fanout     *Fanout
}

func newTestEnv(t *testing.T) *testEnv {
	f, err := os.CreateTemp("", "fanout-*.sqlite3")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	f.Close()

	env := testEnv{
		dbPath: f.Name(),
		client: newTestClient(map[string]testResponse{}),
		addrs:  testAddrs{},
	}

	env.db, err = sql.Open("sqlite3", env.dbPath+"?_journal_mode=WAL")
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}

	env.cfg.FederationEnabled = true
	// small keys keep tests fast
	env.cfg.ActorKeyBits = 1024
	env.cfg.FillDefaults()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	if err := migrations.Run(context.Background(), log, env.db); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	env.resolver = &actor.Resolver{Domain: testDomain, Config: &env.cfg, DB: env.db}
	env.queue = &queue.Queue{Config: &env.cfg, DB: env.db, Log: log}
	env.ledger = &Ledger{Config: &env.cfg, DB: env.db}

	env.dispatcher = &Dispatcher{
		Domain:   testDomain,
		Config:   &env.cfg,
		DB:       env.db,
		Log:      log,
		Resolver: env.resolver,
		Addrs:    env.addrs,
		Ledger:   env.ledger,
		Sender:   &Sender{Domain: testDomain, Config: &env.cfg, Client: &env.client},
		Queue:    env.queue,
	}
	env.dispatcher.Register()

	env.fanout = &Fanout{
		Domain:   testDomain,
		Config:   &env.cfg,
		DB:       env.db,
		Log:      log,
		Resolver: env.resolver,
		Ledger:   env.ledger,
		Queue:    env.queue,
	}
	env.fanout.Register()

	return &env
}

func (e *testEnv) Shutdown() {
	e.db.Close()
	os.Remove(e.dbPath)
}

func (e *testEnv) createUser(t *testing.T, id int64, name string) *actor.LocalActor {
	if _, err := e.db.Exec(`insert into users(id, name) values(?,?)`, id, name); err != nil {
		t.Fatalf("Failed to create user %s: %v", name, err)
	}

	local, err := e.resolver.Resolve(context.Background(), actor.User, id)
	if err != nil {
		t.Fatalf("Failed to resolve user %s: %v", name, err)
	}

	return local
}

func (e *testEnv) createGroup(t *testing.T, id int64, name string, federate, announce bool) *actor.LocalActor {
	if _, err := e.db.Exec(`insert into groups(id, name, federate, announce) values(?,?,?,?)`, id, name, federate, announce); err != nil {
		t.Fatalf("Failed to create group %s: %v", name, err)
	}

	local, err := e.resolver.Resolve(context.Background(), actor.Group, id)
	if err != nil {
		t.Fatalf("Failed to resolve group %s: %v", name, err)
	}

	return local
}

func (e *testEnv) follow(t *testing.T, actorID int64, inbox, sharedInbox string) {
	u, err := url.Parse(inbox)
	if err != nil {
		t.Fatalf("Failed to parse %s: %v", inbox, err)
	}

	var shared any
	if sharedInbox != "" {
		shared = sharedInbox
	}

	if _, err := e.db.Exec(`insert into followers(actor, inbox, shared_inbox, domain) values(?,?,?,?)`, actorID, inbox, shared, u.Host); err != nil {
		t.Fatalf("Failed to add follower %s: %v", inbox, err)
	}
}

func (e *testEnv) followLegacy(t *testing.T, inbox, sharedInbox string) {
	u, err := url.Parse(inbox)
	if err != nil {
		t.Fatalf("Failed to parse %s: %v", inbox, err)
	}

	var shared any
	if sharedInbox != "" {
		shared = sharedInbox
	}

	if _, err := e.db.Exec(`insert into legacy_followers(inbox, shared_inbox, domain) values(?,?,?)`, inbox, shared, u.Host); err != nil {
		t.Fatalf("Failed to add legacy follower %s: %v", inbox, err)
	}
}

func (e *testEnv) createPost(t *testing.T, id, author int64, grp any, title any, content string) {
	if _, err := e.db.Exec(`insert into posts(id, author, grp, title, content, published) values(?,?,?,?,?,unixepoch())`, id, author, grp, title, content); err != nil {
		t.Fatalf("Failed to create post %d: %v", id, err)
	}
}

func (e *testEnv) deliveryJobs(t *testing.T) []deliverJob {
	rows, err := e.db.Query(`select payload from jobs where kind = ? order by id`, JobDeliver)
	if err != nil {
		t.Fatalf("Failed to list delivery jobs: %v", err)
	}
	defer rows.Close()

	var jobs []deliverJob
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			t.Fatalf("Failed to list delivery jobs: %v", err)
		}

		var j deliverJob
		if err := json.Unmarshal(payload, &j); err != nil {
			t.Fatalf("Failed to parse delivery job: %v", err)
		}
		jobs = append(jobs, j)
	}

	return jobs
}
