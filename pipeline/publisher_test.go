package pipeline

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kwv/routemesh/route"
)

func TestNewPublisher(t *testing.T) {
	publisher := NewPublisher(nil, "")
	if publisher.publishPrefix != "routemesh" {
		t.Errorf("Default prefix = %s, want routemesh", publisher.publishPrefix)
	}
	if publisher.qos != 0 {
		t.Errorf("Default QoS = %d, want 0", publisher.qos)
	}
	if !publisher.retain {
		t.Error("Default retain should be true")
	}
	if got := publisher.Topic("progress"); got != "routemesh/progress" {
		t.Errorf("Topic() = %s, want routemesh/progress", got)
	}
}

func TestPublisher_NotConnected(t *testing.T) {
	publisher := NewPublisher(nil, "test")
	err := publisher.PublishProgress(Progress{State: StateIdle})
	if err == nil || !strings.Contains(err.Error(), "not connected") {
		t.Errorf("PublishProgress() error = %v, want not connected", err)
	}
	last, ok := publisher.LastProgress()
	if !ok || last.State != StateIdle {
		t.Error("LastProgress should be recorded even when publishing fails")
	}

	mock := NewMockClient()
	publisher = NewPublisher(mock, "test")
	if err := publisher.PublishGroups(route.NewProcessingCache()); err == nil {
		t.Error("PublishGroups() on a disconnected client should fail")
	}
}

func TestPublisher_PublishProgress(t *testing.T) {
	mock := NewMockClient()
	mock.SetConnected(true)
	publisher := NewPublisher(mock, "test")
	publisher.SetQoS(1)
	publisher.SetQoS(7) // ignored

	pr := Progress{RunID: "r1", State: StateProcessing, Phase: PhaseFetching, Completed: 3, Total: 10}
	if err := publisher.PublishProgress(pr); err != nil {
		t.Fatalf("PublishProgress() error: %v", err)
	}

	msg, ok := mock.lastOn("test/progress")
	if !ok {
		t.Fatal("nothing published on test/progress")
	}
	if msg.QoS != 1 || !msg.Retain {
		t.Errorf("QoS/retain = %d/%v, want 1/true", msg.QoS, msg.Retain)
	}
	var got Progress
	if err := json.Unmarshal(msg.Payload, &got); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if got.RunID != "r1" || got.Phase != PhaseFetching || got.Completed != 3 || got.Total != 10 {
		t.Errorf("payload = %+v", got)
	}
}

func TestPublisher_PublishGroups(t *testing.T) {
	mock := NewMockClient()
	mock.SetConnected(true)
	publisher := NewPublisher(mock, "test")
	publisher.SetRetain(false)

	c := route.NewProcessingCache()
	last := time.Date(2024, 5, 3, 7, 0, 0, 0, time.UTC)
	c.Groups = []*route.RouteGroup{{
		ID: "group-a1", Name: "Riverside", ActivityIDs: []string{"a1", "a2"},
		ActivityCount: 2, ActivityType: "Run", DistanceMeters: 4000, LastDate: last,
	}}
	c.Matches = matchIndex([]route.MatchResult{{ActivityID1: "a1", ActivityID2: "a2"}})

	if err := publisher.PublishGroups(c); err != nil {
		t.Fatalf("PublishGroups() error: %v", err)
	}
	msg, ok := mock.lastOn("test/routes")
	if !ok {
		t.Fatal("nothing published on test/routes")
	}
	if msg.Retain {
		t.Error("retain should be off after SetRetain(false)")
	}

	var payload struct {
		Routes    []GroupSummary `json:"routes"`
		Matches   int            `json:"matches"`
		Timestamp int64          `json:"timestamp"`
	}
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if payload.Matches != 1 {
		t.Errorf("matches = %d, want 1", payload.Matches)
	}
	if len(payload.Routes) != 1 {
		t.Fatalf("routes = %d, want 1", len(payload.Routes))
	}
	r := payload.Routes[0]
	if r.ID != "group-a1" || r.Name != "Riverside" || r.ActivityCount != 2 || !r.LastDate.Equal(last) {
		t.Errorf("route summary = %+v", r)
	}
	if payload.Timestamp == 0 {
		t.Error("timestamp should be set")
	}
}

func TestPublisher_PublishError(t *testing.T) {
	mock := NewMockClient()
	mock.SetConnected(true)
	mock.SetPublishError(errors.New("quota exceeded"))
	publisher := NewPublisher(mock, "test")

	err := publisher.PublishProgress(Progress{State: StateIdle})
	if err == nil || !strings.Contains(err.Error(), "test/progress") {
		t.Errorf("PublishProgress() error = %v, want topic in message", err)
	}
}

func TestPublisher_Attach(t *testing.T) {
	f := newFixture()
	h := newHarness(t, "", f, nil)

	mock := NewMockClient()
	mock.SetConnected(true)
	publisher := NewPublisher(mock, "test")
	detach := publisher.Attach(h.p)

	h.queue(t, f)
	h.wait(t)

	last, ok := publisher.LastProgress()
	if !ok || last.State != StateComplete {
		t.Errorf("LastProgress() = %+v, want complete", last)
	}
	msg, ok := mock.lastOn("test/routes")
	if !ok {
		t.Fatal("no routes published")
	}
	var payload struct {
		Routes []GroupSummary `json:"routes"`
	}
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if len(payload.Routes) != 2 {
		t.Errorf("published %d routes, want 2", len(payload.Routes))
	}

	detach()
	n := len(mock.GetPublishedMessages())
	if err := h.p.ClearCache(t.Context()); err != nil {
		t.Fatalf("ClearCache() error: %v", err)
	}
	if got := len(mock.GetPublishedMessages()); got != n {
		t.Errorf("published %d messages after detach", got-n)
	}
}
