package pipeline

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/kwv/routemesh/route"
)

// Publisher mirrors pipeline progress and route groups to MQTT topics under
// a common prefix.
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	last          *Progress
	mu            sync.RWMutex
}

// GroupSummary is the per-group record published on {prefix}/routes.
type GroupSummary struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	ActivityCount  int       `json:"activityCount"`
	ActivityType   string    `json:"activityType,omitempty"`
	DistanceMeters float64   `json:"distanceMeters"`
	LastDate       time.Time `json:"lastDate"`
}

// NewPublisher creates a publisher. If client is nil, publishing is disabled.
func NewPublisher(client mqtt.Client, prefix string) *Publisher {
	if prefix == "" {
		prefix = "routemesh"
	}
	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		qos:           0,
		retain:        true,
	}
}

// Topic returns the full topic for suffix.
func (p *Publisher) Topic(suffix string) string {
	return fmt.Sprintf("%s/%s", p.publishPrefix, suffix)
}

// PublishProgress publishes pr to {prefix}/progress.
func (p *Publisher) PublishProgress(pr Progress) error {
	p.mu.Lock()
	p.last = &pr
	p.mu.Unlock()
	return p.publishJSON(p.Topic("progress"), pr)
}

// SummarizeGroups returns one GroupSummary per group of c, in cache order.
func SummarizeGroups(c *route.ProcessingCache) []GroupSummary {
	groups := make([]GroupSummary, 0, len(c.Groups))
	for _, g := range c.Groups {
		groups = append(groups, GroupSummary{
			ID:             g.ID,
			Name:           g.Name,
			ActivityCount:  g.ActivityCount,
			ActivityType:   g.ActivityType,
			DistanceMeters: g.DistanceMeters,
			LastDate:       g.LastDate,
		})
	}
	return groups
}

// PublishGroups publishes a summary of the cache's groups to {prefix}/routes.
func (p *Publisher) PublishGroups(c *route.ProcessingCache) error {
	message := map[string]interface{}{
		"routes":    SummarizeGroups(c),
		"matches":   c.MatchCount(),
		"timestamp": time.Now().Unix(),
	}
	return p.publishJSON(p.Topic("routes"), message)
}

func (p *Publisher) publishJSON(topic string, v interface{}) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", topic, err)
	}
	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// Attach subscribes the publisher to pl and returns a function detaching it.
// Publish failures are logged and otherwise ignored.
func (p *Publisher) Attach(pl *Pipeline) func() {
	offProgress := pl.OnProgress(func(pr Progress) {
		if err := p.PublishProgress(pr); err != nil {
			Logf("[MQTT] progress not published: %v", err)
		}
	})
	offCache := pl.OnCacheUpdate(func(c *route.ProcessingCache) {
		if err := p.PublishGroups(c); err != nil {
			Logf("[MQTT] routes not published: %v", err)
		}
	})
	return func() {
		offProgress()
		offCache()
	}
}

// LastProgress returns the most recently published progress.
func (p *Publisher) LastProgress() (Progress, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.last == nil {
		return Progress{}, false
	}
	return *p.last, true
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether published messages should be retained by the broker
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}
