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

package ap

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// NewActivityID derives a stable ID from the activity kind, the object and the
// sending actor: rebuilding the same logical event yields the same ID, so
// delivery records stay keyed to the exact payload originally sent.
func NewActivityID(domain string, kind ActivityType, objectID, scopeID string) string {
	return fmt.Sprintf("https://%s/activities/%x", domain, sha256.Sum256(fmt.Appendf(nil, "%s|%s|%s", kind, objectID, scopeID)))
}

// BuildCreate builds the Create activity sent on behalf of one actor scope.
// scope signs the delivery and scopes the activity ID; author is the post's
// author, which differs from scope for group and instance deliveries.
func BuildCreate(domain string, scope *Actor, author string, post *Object) *Activity {
	a := &Activity{
		Context:   Context,
		ID:        NewActivityID(domain, Create, post.ID, scope.ID),
		Type:      Create,
		Actor:     author,
		Object:    post,
		Published: post.Published,
	}
	a.To.Add(Public)
	if scope.Followers != "" {
		a.CC.Add(scope.Followers)
	}
	return a
}

// BuildUpdate builds the Update activity for an edited post.
func BuildUpdate(domain string, scope *Actor, author string, post *Object) *Activity {
	a := &Activity{
		Context:   Context,
		ID:        NewActivityID(domain, Update, post.ID, scope.ID),
		Type:      Update,
		Actor:     author,
		Object:    post,
		Published: post.Updated,
	}
	a.To.Add(Public)
	if scope.Followers != "" {
		a.CC.Add(scope.Followers)
	}
	return a
}

// BuildDelete builds the Delete activity for a removed post. The object is a
// Tombstone because the post's content may already be gone.
func BuildDelete(domain string, scope *Actor, author, postID string) *Activity {
	a := &Activity{
		Context: Context,
		ID:      NewActivityID(domain, Delete, postID, scope.ID),
		Type:    Delete,
		Actor:   author,
		Object: &Object{
			ID:   postID,
			Type: Tombstone,
		},
	}
	a.To.Add(Public)
	if scope.Followers != "" {
		a.CC.Add(scope.Followers)
	}
	return a
}

// BuildAnnounce builds the Announce activity a group sends to boost a post.
func BuildAnnounce(domain string, scope *Actor, postID string, published Time) *Activity {
	a := &Activity{
		Context:   Context,
		ID:        NewActivityID(domain, Announce, postID, scope.ID),
		Type:      Announce,
		Actor:     scope.ID,
		Object:    postID,
		Published: published,
	}
	a.To.Add(Public)
	if scope.Followers != "" {
		a.CC.Add(scope.Followers)
	}
	return a
}

// Canonical returns the RFC 8785 canonical JSON encoding of the activity:
// byte-identical across rebuilds, safe to hash and to re-sign on retry.
func (a *Activity) Canonical() ([]byte, error) {
	j, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}

	return jcs.Transform(j)
}
