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

package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	_ "github.com/mattn/go-sqlite3"

	"github.com/dimkr/fanout/actor"
	"github.com/dimkr/fanout/cfg"
	"github.com/dimkr/fanout/fed"
	"github.com/dimkr/fanout/migrations"
	"github.com/dimkr/fanout/queue"
)

var (
	domain        = flag.String("domain", "localhost.localdomain", "instance domain")
	dbPath        = flag.String("db", "fanout.sqlite3", "database path")
	cfgPath       = flag.String("cfg", "", "configuration file path")
	blockListPath = flag.String("blocklist", "", "blocked instances file path")
	logLevel      = flag.Int("loglevel", int(slog.LevelInfo), "logging verbosity")
)

func main() {
	flag.Parse()

	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.Level(*logLevel)}))

	conf := cfg.Config{FederationEnabled: true}
	if *cfgPath != "" {
		buf, err := os.ReadFile(*cfgPath)
		if err != nil {
			log.Error("Failed to read configuration", "path", *cfgPath, "error", err)
			os.Exit(1)
		}
		if err := json.Unmarshal(buf, &conf); err != nil {
			log.Error("Failed to parse configuration", "path", *cfgPath, "error", err)
			os.Exit(1)
		}
	}
	conf.FillDefaults()

	db, err := sql.Open("sqlite3", fmt.Sprintf("%s?%s", *dbPath, conf.DatabaseOptions))
	if err != nil {
		log.Error("Failed to open database", "path", *dbPath, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := migrations.Run(ctx, log, db); err != nil {
		log.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	var blockList *fed.BlockList
	if *blockListPath != "" {
		blockList, err = fed.NewBlockList(log, *blockListPath)
		if err != nil {
			log.Error("Failed to load blocklist", "path", *blockListPath, "error", err)
			os.Exit(1)
		}
		defer blockList.Close()
	}

	resolver := &actor.Resolver{Domain: *domain, Config: &conf, DB: db}
	q := &queue.Queue{Config: &conf, DB: db, Log: log}
	ledger := &fed.Ledger{Config: &conf, DB: db}
	sender := &fed.Sender{Domain: *domain, Config: &conf, Client: &http.Client{}}

	dispatcher := fed.Dispatcher{
		Domain:    *domain,
		Config:    &conf,
		DB:        db,
		Log:       log,
		Resolver:  resolver,
		Addrs:     net.DefaultResolver,
		Ledger:    ledger,
		Sender:    sender,
		BlockList: blockList,
		Queue:     q,
	}
	dispatcher.Register()

	fanout := fed.Fanout{
		Domain:   *domain,
		Config:   &conf,
		DB:       db,
		Log:      log,
		Resolver: resolver,
		Ledger:   ledger,
		Queue:    q,
	}
	fanout.Register()

	var wg sync.WaitGroup
	for i := 0; i < conf.QueueWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := q.Process(ctx); err != nil {
				log.Error("Worker has failed", "error", err)
			}
		}()
	}

	log.Info("Started", "domain", *domain, "workers", conf.QueueWorkers)
	<-ctx.Done()
	log.Info("Shutting down")
	wg.Wait()
}
