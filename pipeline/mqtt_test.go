package pipeline

import (
	"errors"
	"sync"
	"testing"

	"github.com/kwv/routemesh/route"
)

func TestInitMQTT_Disabled(t *testing.T) {
	mute(t)
	c, err := InitMQTT(route.MQTTConfig{}, func(string) {})
	if err != nil {
		t.Fatalf("InitMQTT() error: %v", err)
	}
	if c != nil {
		t.Error("InitMQTT() without broker should return nil client")
	}
}

func TestInitMQTT_RequiresHandler(t *testing.T) {
	mute(t)
	_, err := InitMQTT(route.MQTTConfig{Broker: "tcp://localhost:1883"}, nil)
	if err == nil {
		t.Fatal("expected error without a command handler")
	}
}

func TestCommandTopic(t *testing.T) {
	if got := commandTopic(""); got != "routemesh/command" {
		t.Errorf("commandTopic(\"\") = %s, want routemesh/command", got)
	}
	if got := commandTopic("home/routes"); got != "home/routes/command" {
		t.Errorf("commandTopic(prefix) = %s, want home/routes/command", got)
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    string
	}{
		{"json object", `{"command":"Cancel"}`, "cancel"},
		{"json string", `"reanalyze"`, "reanalyze"},
		{"raw text", "  CANCEL\n", "cancel"},
		{"empty object", `{}`, "{}"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseCommand([]byte(tt.payload)); got != tt.want {
				t.Errorf("parseCommand(%q) = %q, want %q", tt.payload, got, tt.want)
			}
		})
	}
}

func TestMQTTClient_OnConnectSubscribes(t *testing.T) {
	mute(t)
	mock := NewMockClient()
	mock.SetConnected(true)

	var mu sync.Mutex
	var got []string
	c := newMQTTClientWithMock(mock, "test", func(cmd string) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, cmd)
	})

	if c.IsConnected() {
		t.Error("client should start disconnected")
	}
	c.onConnect(mock)
	if !c.IsConnected() {
		t.Error("onConnect should mark the client connected")
	}

	if !mock.SimulateMessage("test/command", []byte(`{"command":"cancel"}`)) {
		t.Fatal("no handler subscribed on test/command")
	}
	mock.SimulateMessage("test/command", []byte("   "))
	mock.SimulateMessage("test/command", []byte("reanalyze"))

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != "cancel" || got[1] != "reanalyze" {
		t.Errorf("handler received %v, want [cancel reanalyze]", got)
	}
}

func TestMQTTClient_SubscribeFailure(t *testing.T) {
	mute(t)
	mock := NewMockClient()
	mock.SetConnected(true)
	mock.SetSubscribeError(errors.New("not authorized"))

	c := newMQTTClientWithMock(mock, "test", func(string) {})
	c.onConnect(mock)
	if mock.SimulateMessage("test/command", []byte("cancel")) {
		t.Error("failed subscription should not register a handler")
	}
}

func TestMQTTClient_ConnectionLostAndDisconnect(t *testing.T) {
	mute(t)
	mock := NewMockClient()
	mock.SetConnected(true)
	c := newMQTTClientWithMock(mock, "test", func(string) {})
	c.onConnect(mock)

	c.onConnectionLost(mock, errors.New("broken pipe"))
	if c.IsConnected() {
		t.Error("connection loss should mark the client disconnected")
	}

	c.setConnected(true)
	c.Disconnect()
	if c.IsConnected() || mock.IsConnected() {
		t.Error("Disconnect should close the connection")
	}
	if c.GetClient() != mock {
		t.Error("GetClient should return the wrapped client")
	}
}
