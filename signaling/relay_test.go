// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/pqchat/lib/testutil"
)

func startRelay(t *testing.T) string {
	t.Helper()
	server := httptest.NewServer(NewRelayServer(RelayConfig{Logger: testLogger()}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func dialBus(t *testing.T, url string) *WebSocketBus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	bus, err := DialWebSocket(ctx, WebSocketBusConfig{URL: url, Logger: testLogger()})
	if err != nil {
		t.Fatalf("DialWebSocket: %v", err)
	}
	t.Cleanup(func() { bus.Close() })
	return bus
}

func TestRelay_RoutesBetweenSessions(t *testing.T) {
	url := startRelay(t)
	hostBus := dialBus(t, url)
	joinerBus := dialBus(t, url)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	host := NewChannel(hostBus, "S1", testLogger())
	joiner := NewChannel(joinerBus, "J1", testLogger())

	hostReceived := make(chan Envelope, 4)
	if _, err := host.Subscribe(ctx, func(e Envelope) { hostReceived <- e }); err != nil {
		t.Fatalf("host Subscribe: %v", err)
	}
	joinerReceived := make(chan Envelope, 4)
	if _, err := joiner.Subscribe(ctx, func(e Envelope) { joinerReceived <- e }); err != nil {
		t.Fatalf("joiner Subscribe: %v", err)
	}

	if err := joiner.Send(ctx, "S1", MessageICE, nil); err != nil {
		t.Fatalf("joiner Send: %v", err)
	}
	envelope := testutil.RequireReceive(t, hostReceived, 5*time.Second, "host receives ice")
	if envelope.Data.From != "J1" || envelope.Name != MessageICE {
		t.Errorf("host received %+v", envelope)
	}

	if err := host.Send(ctx, "J1", MessageDeny, DenyPayload{}); err != nil {
		t.Fatalf("host Send: %v", err)
	}
	envelope = testutil.RequireReceive(t, joinerReceived, 5*time.Second, "joiner receives deny")
	if envelope.Data.From != "S1" || envelope.Name != MessageDeny {
		t.Errorf("joiner received %+v", envelope)
	}
}

func TestRelay_RejectsSpoofedSender(t *testing.T) {
	url := startRelay(t)
	hostBus := dialBus(t, url)
	attackerBus := dialBus(t, url)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hostReceived := make(chan Envelope, 4)
	NewChannel(hostBus, "S1", testLogger()).Subscribe(ctx, func(e Envelope) { hostReceived <- e })

	attacker := NewChannel(attackerBus, "A1", testLogger())
	attacker.Subscribe(ctx, func(Envelope) {})

	// Claims to be J1 without owning signaling:J1.
	spoofed := denyFrom(t, "J1")
	if err := attackerBus.Publish(ctx, ChannelName("S1"), spoofed); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	// A legitimate message afterwards proves the spoofed one was dropped
	// rather than still in flight.
	if err := attacker.Send(ctx, "S1", MessageDeny, DenyPayload{}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	envelope := testutil.RequireReceive(t, hostReceived, 5*time.Second, "legitimate envelope")
	if envelope.Data.From != "A1" {
		t.Fatalf("host received envelope from %q, want A1 (spoofed J1 must be dropped)", envelope.Data.From)
	}
}

func TestRelay_RejectsUnknownNamesAndChannels(t *testing.T) {
	url := startRelay(t)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	frames := make(chan Frame, 8)
	go func() {
		for {
			var frame Frame
			if err := conn.ReadJSON(&frame); err != nil {
				close(frames)
				return
			}
			frames <- frame
		}
	}()

	conn.WriteJSON(Frame{Op: OpSubscribe, Channel: "lobby"})
	frame := testutil.RequireReceive(t, frames, 5*time.Second, "subscribe rejection")
	if frame.Op != OpError {
		t.Fatalf("subscribe to lobby: got %+v, want error", frame)
	}

	conn.WriteJSON(Frame{Op: OpSubscribe, Channel: "signaling:me"})
	frame = testutil.RequireReceive(t, frames, 5*time.Second, "subscribe ack")
	if frame.Op != OpSubscribed || frame.Channel != "signaling:me" {
		t.Fatalf("subscribe: got %+v, want subscribed", frame)
	}

	raw := json.RawMessage(`{"name":"chat:message","data":{"from":"me","payload":{}}}`)
	conn.WriteMessage(websocket.TextMessage, []byte(`{"op":"publish","channel":"signaling:me","envelope":`+string(raw)+`}`))
	frame = testutil.RequireReceive(t, frames, 5*time.Second, "publish rejection")
	if frame.Op != OpError || !strings.Contains(frame.Error, "unknown name") {
		t.Fatalf("publish of unknown name: got %+v", frame)
	}
}

func TestWebSocketBus_SubscribeRefused(t *testing.T) {
	url := startRelay(t)
	bus := dialBus(t, url)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := bus.Subscribe(ctx, "lobby", func(Envelope) {}); err == nil {
		t.Fatal("Subscribe to a non-session channel succeeded")
	}
}

func TestWebSocketBus_Close(t *testing.T) {
	url := startRelay(t)
	bus := dialBus(t, url)
	bus.Close()
	testutil.RequireClosed(t, bus.Done(), 5*time.Second, "read loop exits")

	if err := bus.Publish(context.Background(), "signaling:x", denyFrom(t, "x")); err != ErrClosed {
		t.Errorf("Publish after Close: err = %v, want ErrClosed", err)
	}
}
