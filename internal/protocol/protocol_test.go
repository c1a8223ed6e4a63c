package protocol

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// testChannel wires a hub and a connected link together over a real
// websocket, the way the worker and a page talk in production.
func testChannel(t *testing.T, hubHandler, linkHandler HandlerFunc, replyTimeout time.Duration) (*Hub, *Link, func()) {
	t.Helper()

	if hubHandler == nil {
		hubHandler = func(ctx context.Context, env Envelope) *Envelope { return nil }
	}
	if linkHandler == nil {
		linkHandler = func(ctx context.Context, env Envelope) *Envelope { return nil }
	}

	hub := NewHub(hubHandler, zap.NewNop())
	srv := httptest.NewServer(hub)

	wsURL := strings.Replace(srv.URL, "http://", "ws://", 1)
	link := NewLink(LinkConfig{URL: wsURL, ReplyTimeout: replyTimeout}, linkHandler, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go link.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for !link.Connected() {
		if time.Now().After(deadline) {
			cancel()
			srv.Close()
			t.Fatal("link never connected")
		}
		time.Sleep(5 * time.Millisecond)
	}

	return hub, link, func() {
		cancel()
		link.Close()
		hub.Close()
		srv.Close()
	}
}

func TestCorrelatedRequestRoundTrip(t *testing.T) {
	hubHandler := func(ctx context.Context, env Envelope) *Envelope {
		if env.Type != TypeNotificationAction {
			return nil
		}
		reply, _ := NewEnvelope(TypeNotificationActionResult, ActionResultPayload{
			Action:   "complete",
			TargetID: "r1",
			Success:  true,
		})
		return &reply
	}

	_, link, cleanup := testChannel(t, hubHandler, nil, 0)
	defer cleanup()

	req, _ := NewEnvelope(TypeNotificationAction, NotificationActionPayload{
		Action:   "complete",
		TargetID: "r1",
	})

	reply, err := link.Request(context.Background(), req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if reply.Type != TypeNotificationActionResult {
		t.Fatalf("unexpected reply type: %s", reply.Type)
	}

	var result ActionResultPayload
	if err := json.Unmarshal(reply.Payload, &result); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if !result.Success || result.TargetID != "r1" {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestCorrelatedRequestTimesOutWithoutResponder(t *testing.T) {
	// Hub handler ignores everything, so no reply ever comes.
	_, link, cleanup := testChannel(t, nil, nil, 150*time.Millisecond)
	defer cleanup()

	req, _ := NewEnvelope(TypeNotificationAction, NotificationActionPayload{Action: "view", TargetID: "r2"})

	start := time.Now()
	_, err := link.Request(context.Background(), req)
	elapsed := time.Since(start)

	if err != ErrReplyTimeout {
		t.Fatalf("expected ErrReplyTimeout, got %v", err)
	}
	if elapsed < 150*time.Millisecond {
		t.Errorf("resolved before the timeout: %v", elapsed)
	}
	if elapsed > time.Second {
		t.Errorf("took far longer than the timeout: %v", elapsed)
	}
}

func TestUnknownTypeSilentlyIgnored(t *testing.T) {
	hubHandler := func(ctx context.Context, env Envelope) *Envelope {
		if env.Type == "PING_TEST" {
			reply, _ := NewEnvelope("PONG_TEST", nil)
			return &reply
		}
		return nil // everything else dropped
	}

	_, link, cleanup := testChannel(t, hubHandler, nil, 0)
	defer cleanup()

	// An envelope of a future, unrecognized type must not break the channel.
	if err := link.Send(Envelope{Type: "SOME_FUTURE_TYPE"}); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	// The channel still works afterwards.
	reply, err := link.Request(context.Background(), Envelope{Type: "PING_TEST"})
	if err != nil {
		t.Fatalf("channel broken after unknown envelope: %v", err)
	}
	if reply.Type != "PONG_TEST" {
		t.Errorf("unexpected reply: %s", reply.Type)
	}
}

func TestBroadcastReachesPages(t *testing.T) {
	var mu sync.Mutex
	var received []string

	linkHandler := func(ctx context.Context, env Envelope) *Envelope {
		mu.Lock()
		received = append(received, env.Type)
		mu.Unlock()
		return nil
	}

	hub, _, cleanup := testChannel(t, nil, linkHandler, 0)
	defer cleanup()

	notice, _ := NewEnvelope(TypeOfflineQueueProcessed, QueueProcessedPayload{Timestamp: time.Now().UnixMilli()})
	hub.Broadcast(notice)

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		got := make([]string, len(received))
		copy(got, received)
		mu.Unlock()

		for _, typ := range got {
			if typ == TypeOfflineQueueProcessed {
				return
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("broadcast never arrived; received=%v", got)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestReadySentOnConnect(t *testing.T) {
	var mu sync.Mutex
	gotReady := false

	linkHandler := func(ctx context.Context, env Envelope) *Envelope {
		if env.Type == TypeReady {
			mu.Lock()
			gotReady = true
			mu.Unlock()
		}
		return nil
	}

	_, _, cleanup := testChannel(t, nil, linkHandler, 0)
	defer cleanup()

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		ok := gotReady
		mu.Unlock()
		if ok {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("READY notice never arrived")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBroadcastSurvivesDisconnectChurn(t *testing.T) {
	hub := NewHub(func(ctx context.Context, env Envelope) *Envelope { return nil }, zap.NewNop())
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	wsURL := strings.Replace(srv.URL, "http://", "ws://", 1)
	stop := time.Now().Add(300 * time.Millisecond)

	// Broadcast in a tight loop while pages connect and disconnect. A
	// send on a closed peer channel would panic this goroutine and fail
	// the test.
	done := make(chan struct{})
	go func() {
		defer close(done)
		notice, _ := NewEnvelope(TypeOfflineQueueProcessed, QueueProcessedPayload{Timestamp: time.Now().UnixMilli()})
		for time.Now().Before(stop) {
			hub.Broadcast(notice)
		}
	}()

	for time.Now().Before(stop) {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			t.Fatalf("dial failed: %v", err)
		}
		conn.Close()
	}
	<-done
}

func TestPendingReplies_DuplicateReplyDropped(t *testing.T) {
	p := newPendingReplies()
	ch := p.register("abc")

	first := p.resolve(Envelope{Type: "R", CorrelationID: "abc"})
	second := p.resolve(Envelope{Type: "R", CorrelationID: "abc"})

	if !first {
		t.Error("first reply should resolve")
	}
	if second {
		t.Error("second reply must be dropped")
	}

	select {
	case <-ch:
	default:
		t.Error("reply channel should hold the first reply")
	}
}
