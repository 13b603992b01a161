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
	"bytes"
	"strings"
	"testing"
	"time"
)

func testActor() *Actor {
	return &Actor{
		ID:        "https://localhost.localdomain/users/alice",
		Type:      Person,
		Followers: "https://localhost.localdomain/users/alice/followers",
	}
}

func testObject() *Object {
	return &Object{
		ID:           "https://localhost.localdomain/posts/1",
		Type:         Note,
		AttributedTo: "https://localhost.localdomain/users/alice",
		Content:      "hello",
		Published:    Time{Time: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)},
	}
}

func TestNewActivityID_Deterministic(t *testing.T) {
	first := NewActivityID("localhost.localdomain", Create, "https://localhost.localdomain/posts/1", "https://localhost.localdomain/users/alice")
	second := NewActivityID("localhost.localdomain", Create, "https://localhost.localdomain/posts/1", "https://localhost.localdomain/users/alice")

	if first != second {
		t.Fatalf("IDs differ: %s, %s", first, second)
	}

	if !strings.HasPrefix(first, "https://localhost.localdomain/activities/") {
		t.Fatalf("Unexpected ID: %s", first)
	}
}

func TestNewActivityID_DistinctInputs(t *testing.T) {
	base := NewActivityID("localhost.localdomain", Create, "https://localhost.localdomain/posts/1", "https://localhost.localdomain/users/alice")

	if base == NewActivityID("localhost.localdomain", Update, "https://localhost.localdomain/posts/1", "https://localhost.localdomain/users/alice") {
		t.Fatal("IDs collide across kinds")
	}

	if base == NewActivityID("localhost.localdomain", Create, "https://localhost.localdomain/posts/2", "https://localhost.localdomain/users/alice") {
		t.Fatal("IDs collide across objects")
	}

	if base == NewActivityID("localhost.localdomain", Create, "https://localhost.localdomain/posts/1", "https://localhost.localdomain/groups/golang") {
		t.Fatal("IDs collide across scopes")
	}
}

func TestBuildCreate_StableAcrossRebuilds(t *testing.T) {
	first, err := BuildCreate("localhost.localdomain", testActor(), "https://localhost.localdomain/users/alice", testObject()).Canonical()
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}

	second, err := BuildCreate("localhost.localdomain", testActor(), "https://localhost.localdomain/users/alice", testObject()).Canonical()
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}

	if !bytes.Equal(first, second) {
		t.Fatalf("Encodings differ: %s, %s", string(first), string(second))
	}
}

func TestBuildCreate_Audience(t *testing.T) {
	a := BuildCreate("localhost.localdomain", testActor(), "https://localhost.localdomain/users/alice", testObject())

	if a.Type != Create {
		t.Fatalf("Unexpected type: %s", a.Type)
	}

	if !a.To.Contains(Public) {
		t.Fatal("Activity is not public")
	}

	if !a.CC.Contains("https://localhost.localdomain/users/alice/followers") {
		t.Fatal("Followers are not cc'd")
	}
}

func TestBuildDelete_Tombstone(t *testing.T) {
	a := BuildDelete("localhost.localdomain", testActor(), "https://localhost.localdomain/users/alice", "https://localhost.localdomain/posts/1")

	j, err := a.Canonical()
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}

	if !strings.Contains(string(j), `"type":"Tombstone"`) {
		t.Fatalf("Object is not a tombstone: %s", string(j))
	}

	if strings.Contains(string(j), "hello") {
		t.Fatalf("Tombstone carries content: %s", string(j))
	}
}

func TestBuildAnnounce_ObjectLink(t *testing.T) {
	a := BuildAnnounce("localhost.localdomain", testActor(), "https://localhost.localdomain/posts/1", Time{Time: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)})

	j, err := a.Canonical()
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}

	if !strings.Contains(string(j), `"object":"https://localhost.localdomain/posts/1"`) {
		t.Fatalf("Object is not a link: %s", string(j))
	}

	if a.Actor != "https://localhost.localdomain/users/alice" {
		t.Fatalf("Unexpected actor: %s", a.Actor)
	}
}
