/*
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

// Package events delivers domain events to subscribers after a unit of work
// commits them.
package events

import (
	"context"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/awslabs/open-resource-broker-sub001/pkg/apis/v1"
	"github.com/awslabs/open-resource-broker-sub001/pkg/utils/log"
)

// Publisher hands committed domain events to a sink. Publishing is fire and
// forget: a sink must not fail the caller.
type Publisher interface {
	Publish(ctx context.Context, events ...v1.Event)
}

// NewLogPublisher writes each event as one structured log line.
func NewLogPublisher() Publisher {
	return &logPublisher{}
}

type logPublisher struct{}

func (p *logPublisher) Publish(ctx context.Context, events ...v1.Event) {
	logger := log.FromContext(ctx)
	for _, event := range events {
		logger.Infow("domain event",
			"event-type", event.Type,
			"request-id", event.RequestID,
			"machine-name", event.MachineName,
			"message", event.Message,
			"annotations", event.Annotations,
		)
	}
}

// NewDedupePublisher suppresses repeats of the same event within a short
// window, so a request polled every few seconds does not flood the sink with
// identical status lines.
func NewDedupePublisher(p Publisher) Publisher {
	return &dedupe{
		publisher: p,
		cache:     cache.New(120*time.Second, 10*time.Second),
	}
}

type dedupe struct {
	publisher Publisher
	cache     *cache.Cache
}

func (d *dedupe) Publish(ctx context.Context, events ...v1.Event) {
	var fresh []v1.Event
	for _, event := range events {
		if d.shouldPublish(strings.Join(event.DedupeValues(), "/")) {
			fresh = append(fresh, event)
		}
	}
	if len(fresh) > 0 {
		d.publisher.Publish(ctx, fresh...)
	}
}

func (d *dedupe) shouldPublish(key string) bool {
	if _, exists := d.cache.Get(key); exists {
		return false
	}
	d.cache.SetDefault(key, nil)
	return true
}
