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
	"crypto"
	"crypto/x509"
	"database/sql"
	"encoding/pem"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-fed/httpsig"
	"golang.org/x/time/rate"

	"github.com/dimkr/fanout/buildinfo"
	"github.com/dimkr/fanout/cfg"
)

var userAgent = "fanout/" + buildinfo.Version

// Client sends a single HTTP request; satisfied by [http.Client].
type Client interface {
	Do(r *http.Request) (*http.Response, error)
}

// Key is a signing key reference: the public key ID advertised to remote
// servers and the private half that signs with it.
type Key struct {
	ID         string
	PrivateKey crypto.PrivateKey
}

// Sender POSTs signed activities to remote inboxes, throttled per host.
type Sender struct {
	Domain string
	Config *cfg.Config
	Client Client

	lock     sync.Mutex
	limiters map[string]*rate.Limiter
}

func (s *Sender) limiter(host string) *rate.Limiter {
	s.lock.Lock()
	defer s.lock.Unlock()

	if l, ok := s.limiters[host]; ok {
		return l
	}

	if s.limiters == nil {
		s.limiters = map[string]*rate.Limiter{}
	}

	l := rate.NewLimiter(rate.Limit(s.Config.DeliveryRatePerHost), s.Config.DeliveryBurstPerHost)
	s.limiters[host] = l
	return l
}

// Send signs body with key and POSTs it to inbox. It returns the response
// status code, or 0 if the request never completed.
func (s *Sender) Send(ctx context.Context, log *slog.Logger, key Key, inbox string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inbox, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to send request to %s: %w", inbox, err)
	}

	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", `application/ld+json; profile="https://www.w3.org/ns/activitystreams"`)
	req.Header.Set("Accept", `application/ld+json; profile="https://www.w3.org/ns/activitystreams"`)
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)

	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		[]string{httpsig.RequestTarget, "host", "date", "digest"},
		httpsig.Signature,
		int64(time.Hour*12/time.Second),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to sign request for %s: %w", inbox, err)
	}

	if err := signer.SignRequest(key.PrivateKey, key.ID, req, body); err != nil {
		return 0, fmt.Errorf("failed to sign request for %s: %w", inbox, err)
	}

	if err := s.limiter(req.URL.Hostname()).Wait(ctx); err != nil {
		return 0, fmt.Errorf("failed to send request to %s: %w", inbox, err)
	}

	log.Debug("Sending request", "inbox", inbox, "key", key.ID)

	resp, err := s.Client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to send request to %s: %w", inbox, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		excerpt, err := io.ReadAll(io.LimitReader(resp.Body, s.Config.MaxResponseBodySize))
		if err != nil {
			return resp.StatusCode, fmt.Errorf("failed to send request to %s: %d, %w", inbox, resp.StatusCode, err)
		}
		return resp.StatusCode, fmt.Errorf("failed to send request to %s: %d, %s", inbox, resp.StatusCode, string(excerpt))
	}

	return resp.StatusCode, nil
}

// signingKey fetches an actor's key reference by actors table row ID.
func signingKey(ctx context.Context, db *sql.DB, actorID int64) (Key, error) {
	var keyID, privPem string
	if err := db.QueryRowContext(ctx, `select actor->>'$.publicKey.id', privkey from actors where id = ?`, actorID).Scan(&keyID, &privPem); err != nil {
		return Key{}, fmt.Errorf("failed to fetch key for actor %d: %w", actorID, err)
	}

	block, _ := pem.Decode([]byte(privPem))
	if block == nil {
		return Key{}, fmt.Errorf("failed to decode key for actor %d", actorID)
	}

	priv, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		// fallback for keys generated by openssl<3.0.0
		priv, err = x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return Key{}, fmt.Errorf("failed to parse key for actor %d: %w", actorID, err)
		}
	}

	return Key{ID: keyID, PrivateKey: priv}, nil
}
