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

// Package ap provides the ActivityStreams shapes the delivery engine sends.
package ap

import (
	"encoding/json"
	"fmt"
)

// Public is the special collection that makes an activity public.
const Public = "https://www.w3.org/ns/activitystreams#Public"

// Context is the JSON-LD context attached to outgoing activities.
const Context = "https://www.w3.org/ns/activitystreams"

type ActivityType string

const (
	Create   ActivityType = "Create"
	Update   ActivityType = "Update"
	Delete   ActivityType = "Delete"
	Announce ActivityType = "Announce"
)

type anyActivity struct {
	Context   json.RawMessage `json:"@context,omitempty"`
	ID        string          `json:"id"`
	Type      ActivityType    `json:"type"`
	Actor     string          `json:"actor"`
	Object    json.RawMessage `json:"object"`
	To        Audience        `json:"to,omitzero"`
	CC        Audience        `json:"cc,omitzero"`
	Published Time            `json:"published,omitzero"`
}

// Activity represents an activity addressed to remote recipients.
type Activity struct {
	Context   any          `json:"@context,omitempty"`
	ID        string       `json:"id"`
	Type      ActivityType `json:"type"`
	Actor     string       `json:"actor"`
	Object    any          `json:"object"`
	Published Time         `json:"published,omitzero"`
	To        Audience     `json:"to,omitzero"`
	CC        Audience     `json:"cc,omitzero"`
}

func (a *Activity) UnmarshalJSON(b []byte) error {
	var common anyActivity
	if err := json.Unmarshal(b, &common); err != nil {
		return err
	}

	a.Context = Context
	a.ID = common.ID
	a.Type = common.Type
	a.Actor = common.Actor
	a.Published = common.Published
	a.To = common.To
	a.CC = common.CC

	var object Object
	var link string
	if err := json.Unmarshal(common.Object, &object); err == nil {
		a.Object = &object
	} else if err := json.Unmarshal(common.Object, &link); err == nil {
		a.Object = link
	} else {
		return fmt.Errorf("invalid activity: %s", string(b))
	}

	return nil
}
