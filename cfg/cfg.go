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

// Package cfg defines the fanout configuration file format and defaults.
package cfg

import (
	"time"
)

// Config represents a fanout configuration file.
type Config struct {
	DatabaseOptions string

	// FederationEnabled is the global kill switch: when false, orchestrators
	// skip every fan-out without error.
	FederationEnabled bool

	MaxDeliveryAttempts int
	DeliveryTimeout     time.Duration

	// RetrySchedule holds per-attempt redelivery delays; the last entry is
	// reused for attempts past the end of the schedule.
	RetrySchedule []time.Duration

	MaxResponseBodySize int64

	DeliveryRatePerHost  float64
	DeliveryBurstPerHost int

	QueueBatchSize       int
	QueuePollingInterval time.Duration
	QueueRetryInterval   time.Duration
	MaxJobAttempts       int
	QueueWorkers         int

	ActorKeyBits int
}

// FillDefaults replaces missing or invalid settings with defaults.
func (c *Config) FillDefaults() {
	if c.DatabaseOptions == "" {
		c.DatabaseOptions = "_journal_mode=WAL&_synchronous=1&_busy_timeout=5000"
	}

	if c.MaxDeliveryAttempts <= 0 {
		c.MaxDeliveryAttempts = 5
	}

	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = time.Minute
	}

	if len(c.RetrySchedule) == 0 {
		c.RetrySchedule = []time.Duration{
			time.Second * 60,
			time.Second * 300,
			time.Second * 900,
			time.Second * 3600,
			time.Second * 7200,
		}
	}

	if c.MaxResponseBodySize <= 0 {
		c.MaxResponseBodySize = 1024 * 1024
	}

	if c.DeliveryRatePerHost <= 0 {
		c.DeliveryRatePerHost = 5
	}

	if c.DeliveryBurstPerHost <= 0 {
		c.DeliveryBurstPerHost = 10
	}

	if c.QueueBatchSize <= 0 {
		c.QueueBatchSize = 16
	}

	if c.QueuePollingInterval <= 0 {
		c.QueuePollingInterval = time.Second * 5
	}

	if c.QueueRetryInterval <= 0 {
		c.QueueRetryInterval = time.Minute * 5
	}

	if c.MaxJobAttempts <= 0 {
		c.MaxJobAttempts = 3
	}

	if c.QueueWorkers <= 0 {
		c.QueueWorkers = 4
	}

	if c.ActorKeyBits <= 0 {
		c.ActorKeyBits = 2048
	}
}

// RetryDelay returns the redelivery delay after a given attempt, starting at 1.
func (c *Config) RetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	if attempt > len(c.RetrySchedule) {
		attempt = len(c.RetrySchedule)
	}

	return c.RetrySchedule[attempt-1]
}
