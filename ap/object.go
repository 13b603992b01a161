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

type ObjectType string

const (
	Note      ObjectType = "Note"
	Page      ObjectType = "Page"
	Tombstone ObjectType = "Tombstone"
)

// Object represents the objects carried by outgoing activities.
// Actors are represented by [Actor].
type Object struct {
	Context      any        `json:"@context,omitempty"`
	ID           string     `json:"id"`
	Type         ObjectType `json:"type"`
	AttributedTo string     `json:"attributedTo,omitempty"`
	Content      string     `json:"content,omitempty"`
	Name         string     `json:"name,omitempty"`
	Published    Time       `json:"published,omitzero"`
	Updated      Time       `json:"updated,omitzero"`
	To           Audience   `json:"to,omitzero"`
	CC           Audience   `json:"cc,omitzero"`
	URL          string     `json:"url,omitempty"`
}

func (o *Object) IsPublic() bool {
	return o.To.Contains(Public) || o.CC.Contains(Public)
}
