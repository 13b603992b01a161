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

package data

import (
	"slices"
	"testing"
)

func TestOrderedMap_InsertionOrder(t *testing.T) {
	m := OrderedMap[string, int]{}
	m.Store("c", 1)
	m.Store("a", 2)
	m.Store("b", 3)

	if keys := m.Keys(); !slices.Equal(keys, []string{"c", "a", "b"}) {
		t.Fatalf("Unexpected keys: %v", keys)
	}
}

func TestOrderedMap_StoreDuplicate(t *testing.T) {
	m := OrderedMap[string, int]{}
	m.Store("a", 1)
	m.Store("b", 2)
	m.Store("a", 3)

	if keys := m.Keys(); !slices.Equal(keys, []string{"a", "b"}) {
		t.Fatalf("Unexpected keys: %v", keys)
	}

	ok := false
	m.Range(func(key string, value int) bool {
		if key == "a" {
			ok = value == 1
		}
		return true
	})
	if !ok {
		t.Fatal("First value was overwritten")
	}
}

func TestOrderedMap_Contains(t *testing.T) {
	m := OrderedMap[string, struct{}]{}
	m.Store("a", struct{}{})

	if !m.Contains("a") {
		t.Fatal("Key is missing")
	}

	if m.Contains("b") {
		t.Fatal("Unexpected key")
	}
}

func TestOrderedMap_RangeStops(t *testing.T) {
	m := OrderedMap[string, int]{}
	m.Store("a", 1)
	m.Store("b", 2)
	m.Store("c", 3)

	var seen []string
	m.Range(func(key string, value int) bool {
		seen = append(seen, key)
		return len(seen) < 2
	})

	if !slices.Equal(seen, []string{"a", "b"}) {
		t.Fatalf("Unexpected keys: %v", seen)
	}
}
