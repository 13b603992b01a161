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

package cfg

import (
	"testing"
	"time"
)

func TestRetryDelay_Schedule(t *testing.T) {
	var c Config
	c.FillDefaults()

	for attempt, delay := range map[int]time.Duration{
		0: time.Second * 60,
		1: time.Second * 60,
		2: time.Second * 300,
		3: time.Second * 900,
		4: time.Second * 3600,
		5: time.Second * 7200,
		9: time.Second * 7200,
	} {
		if got := c.RetryDelay(attempt); got != delay {
			t.Fatalf("Unexpected delay for attempt %d: %s", attempt, got)
		}
	}
}

func TestFillDefaults_KeepsOverrides(t *testing.T) {
	c := Config{
		MaxDeliveryAttempts: 7,
		RetrySchedule:       []time.Duration{time.Second},
		QueueWorkers:        1,
	}
	c.FillDefaults()

	if c.MaxDeliveryAttempts != 7 {
		t.Fatalf("Unexpected attempt limit: %d", c.MaxDeliveryAttempts)
	}

	if len(c.RetrySchedule) != 1 {
		t.Fatalf("Unexpected schedule: %v", c.RetrySchedule)
	}

	if c.RetryDelay(5) != time.Second {
		t.Fatalf("Unexpected delay: %s", c.RetryDelay(5))
	}

	if c.QueueWorkers != 1 {
		t.Fatalf("Unexpected worker count: %d", c.QueueWorkers)
	}

	if c.DeliveryTimeout != time.Minute {
		t.Fatalf("Unexpected timeout: %s", c.DeliveryTimeout)
	}
}
