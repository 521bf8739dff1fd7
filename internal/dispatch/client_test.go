package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/helionlab/shotline/internal/compiler"
	"github.com/helionlab/shotline/internal/infrastructure/mqtt"
)

// ─── Mock Broker ────────────────────────────────────────────────────────────

type publishedMessage struct {
	topic   string
	payload []byte
}

// mockBroker implements MQTTClient in-process. A test installs an
// onPublish hook to play the device side of the protocol; handlers are
// invoked inline, which is safe because the client's pending channels are
// buffered.
type mockBroker struct {
	mu            sync.Mutex
	connected     bool
	handlers      map[string]mqtt.MessageHandler
	published     []publishedMessage
	unsubscribed  []string
	subscribeHits int
	onPublish     func(topic string, payload []byte)
}

func newMockBroker() *mockBroker {
	return &mockBroker{
		connected: true,
		handlers:  make(map[string]mqtt.MessageHandler),
	}
}

func (m *mockBroker) Publish(topic string, payload []byte, _ byte, _ bool) error {
	m.mu.Lock()
	m.published = append(m.published, publishedMessage{topic: topic, payload: payload})
	hook := m.onPublish
	m.mu.Unlock()

	if hook != nil {
		hook(topic, payload)
	}
	return nil
}

func (m *mockBroker) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[topic] = handler
	m.subscribeHits++
	return nil
}

func (m *mockBroker) Unsubscribe(topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, topic)
	m.unsubscribed = append(m.unsubscribed, topic)
	return nil
}

func (m *mockBroker) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// deliver plays an inbound message from a device.
func (m *mockBroker) deliver(t *testing.T, topic string, msg any) {
	t.Helper()
	payload, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshalling test message: %v", err)
	}

	m.mu.Lock()
	handler := m.handlers[topic]
	m.mu.Unlock()
	if handler == nil {
		t.Fatalf("no subscription for topic %s", topic)
	}
	if err := handler(topic, payload); err != nil {
		t.Fatalf("handler for %s failed: %v", topic, err)
	}
}

func (m *mockBroker) publishedTopics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	topics := make([]string, len(m.published))
	for i, p := range m.published {
		topics[i] = p.topic
	}
	return topics
}

// ─── Test Fixtures ──────────────────────────────────────────────────────────

func testProgram() *compiler.Program {
	return &compiler.Program{
		SequenceID: "seq-1",
		ShotIndex:  0,
		DurationNs: 500_000_000,
		Devices: []compiler.DeviceProgram{
			{
				DeviceID: "daq",
				Instructions: []compiler.Instruction{
					{Channel: "pmt.counts", Action: "acquire", StartNs: 0, DurationNs: 500_000_000},
				},
			},
			{
				DeviceID: "laser-ctl",
				Instructions: []compiler.Instruction{
					{Channel: "aom.cooling", Action: "set", StartNs: 0, DurationNs: 200_000_000, Values: []float64{-5}},
				},
			},
		},
	}
}

// respondingDevices installs a hook that plays well-behaved devices:
// every program is acknowledged ready, and the start broadcast triggers
// ok results with per-device data.
func respondingDevices(broker *mockBroker, data map[string]map[string]any) {
	topics := mqtt.Topics{}
	var mu sync.Mutex
	shotDevices := make(map[string][]string)

	broker.onPublish = func(topic string, payload []byte) {
		switch {
		case strings.HasPrefix(topic, "shotline/program/"):
			deviceID := strings.TrimPrefix(topic, "shotline/program/")
			var msg programMessage
			if err := json.Unmarshal(payload, &msg); err != nil {
				return
			}
			mu.Lock()
			shotDevices[msg.ShotID] = append(shotDevices[msg.ShotID], deviceID)
			mu.Unlock()

			ack, _ := json.Marshal(readyMessage{
				ShotID: msg.ShotID, DeviceID: deviceID, Status: statusReady,
			})
			broker.mu.Lock()
			handler := broker.handlers[topics.DeviceReady(deviceID)]
			broker.mu.Unlock()
			if handler != nil {
				_ = handler(topics.DeviceReady(deviceID), ack)
			}

		case topic == topics.ShotStart():
			var msg startMessage
			if err := json.Unmarshal(payload, &msg); err != nil {
				return
			}
			mu.Lock()
			devices := shotDevices[msg.ShotID]
			mu.Unlock()
			for _, deviceID := range devices {
				result, _ := json.Marshal(resultMessage{
					ShotID: msg.ShotID, DeviceID: deviceID, Status: statusOK,
					Data: data[deviceID],
				})
				broker.mu.Lock()
				handler := broker.handlers[topics.DeviceResult(deviceID)]
				broker.mu.Unlock()
				if handler != nil {
					_ = handler(topics.DeviceResult(deviceID), result)
				}
			}
		}
	}
}

// ─── Dispatch ───────────────────────────────────────────────────────────────

func TestDispatchAggregatesResults(t *testing.T) {
	broker := newMockBroker()
	respondingDevices(broker, map[string]map[string]any{
		"daq":       {"pmt.counts": float64(1234)},
		"laser-ctl": {"aom.cooling": float64(-5)},
	})
	client := New(broker, 1, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result, err := client.Dispatch(ctx, testProgram())
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	if result.ShotID == "" {
		t.Error("expected a shot ID")
	}
	if result.Data["pmt.counts"] != float64(1234) || result.Data["aom.cooling"] != float64(-5) {
		t.Errorf("data not merged across devices: %+v", result.Data)
	}
	if result.FinishedAt.Before(result.StartedAt) {
		t.Error("finished before started")
	}
}

func TestDispatchBarrierOrdering(t *testing.T) {
	// The start broadcast must come after every program transmission, and
	// exactly once.
	broker := newMockBroker()
	respondingDevices(broker, nil)
	client := New(broker, 1, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := client.Dispatch(ctx, testProgram()); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	topics := broker.publishedTopics()
	startIndex := -1
	starts := 0
	lastProgram := -1
	for i, topic := range topics {
		if topic == "shotline/start" {
			startIndex = i
			starts++
		}
		if strings.HasPrefix(topic, "shotline/program/") {
			lastProgram = i
		}
	}
	if starts != 1 {
		t.Fatalf("expected exactly one start broadcast, got %d", starts)
	}
	if startIndex < lastProgram {
		t.Errorf("start broadcast at %d before last program at %d", startIndex, lastProgram)
	}
}

func TestDispatchRejectionIsFatal(t *testing.T) {
	broker := newMockBroker()
	topics := mqtt.Topics{}
	broker.onPublish = func(topic string, payload []byte) {
		if !strings.HasPrefix(topic, "shotline/program/") {
			return
		}
		deviceID := strings.TrimPrefix(topic, "shotline/program/")
		var msg programMessage
		_ = json.Unmarshal(payload, &msg)

		status := statusReady
		detail := ""
		if deviceID == "laser-ctl" {
			status = statusRejected
			detail = "unknown channel aom.cooling"
		}
		ack, _ := json.Marshal(readyMessage{
			ShotID: msg.ShotID, DeviceID: deviceID, Status: status, Error: detail,
		})
		broker.mu.Lock()
		handler := broker.handlers[topics.DeviceReady(deviceID)]
		broker.mu.Unlock()
		if handler != nil {
			_ = handler(topics.DeviceReady(deviceID), ack)
		}
	}
	client := New(broker, 1, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := client.Dispatch(ctx, testProgram())
	if !IsFatal(err) {
		t.Fatalf("expected a fatal failure, got %v", err)
	}
	if !errors.Is(err, ErrProgramRejected) {
		t.Errorf("expected ErrProgramRejected, got %v", err)
	}

	var dispatchErr *Error
	if !errors.As(err, &dispatchErr) || dispatchErr.DeviceID != "laser-ctl" {
		t.Errorf("expected the rejecting device to be named, got %v", err)
	}

	// The barrier must never be released after a rejection.
	for _, topic := range broker.publishedTopics() {
		if topic == "shotline/start" {
			t.Error("start broadcast published despite rejection")
		}
	}
}

func TestDispatchFaultIsFatal(t *testing.T) {
	broker := newMockBroker()
	topics := mqtt.Topics{}
	broker.onPublish = func(topic string, payload []byte) {
		switch {
		case strings.HasPrefix(topic, "shotline/program/"):
			deviceID := strings.TrimPrefix(topic, "shotline/program/")
			var msg programMessage
			_ = json.Unmarshal(payload, &msg)
			ack, _ := json.Marshal(readyMessage{
				ShotID: msg.ShotID, DeviceID: deviceID, Status: statusReady,
			})
			broker.mu.Lock()
			handler := broker.handlers[topics.DeviceReady(deviceID)]
			broker.mu.Unlock()
			if handler != nil {
				_ = handler(topics.DeviceReady(deviceID), ack)
			}

		case topic == topics.ShotStart():
			var msg startMessage
			_ = json.Unmarshal(payload, &msg)
			for _, deviceID := range []string{"daq", "laser-ctl"} {
				status := statusOK
				detail := ""
				if deviceID == "daq" {
					status = statusFault
					detail = "PMT overcurrent"
				}
				result, _ := json.Marshal(resultMessage{
					ShotID: msg.ShotID, DeviceID: deviceID, Status: status, Error: detail,
				})
				broker.mu.Lock()
				handler := broker.handlers[topics.DeviceResult(deviceID)]
				broker.mu.Unlock()
				if handler != nil {
					_ = handler(topics.DeviceResult(deviceID), result)
				}
			}
		}
	}
	client := New(broker, 1, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := client.Dispatch(ctx, testProgram())
	if !IsFatal(err) {
		t.Fatalf("expected a fatal failure, got %v", err)
	}
	if !errors.Is(err, ErrDeviceFault) {
		t.Errorf("expected ErrDeviceFault, got %v", err)
	}
}

func TestDispatchTimeoutIsRetryableAndResetsSessions(t *testing.T) {
	// Devices never acknowledge: the barrier wait must expire, classify
	// retryable, and drop every session.
	broker := newMockBroker()
	client := New(broker, 1, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Dispatch(ctx, testProgram())
	if !IsRetryable(err) {
		t.Fatalf("expected a retryable failure, got %v", err)
	}
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}

	broker.mu.Lock()
	remaining := len(broker.handlers)
	dropped := len(broker.unsubscribed)
	broker.mu.Unlock()
	if remaining != 0 {
		t.Errorf("expected all subscriptions dropped after timeout, %d remain", remaining)
	}
	if dropped != 4 {
		t.Errorf("expected 4 unsubscribes (ready+result per device), got %d", dropped)
	}
}

func TestDispatchStaleShotIDDropped(t *testing.T) {
	broker := newMockBroker()
	topics := mqtt.Topics{}
	broker.onPublish = func(topic string, payload []byte) {
		if !strings.HasPrefix(topic, "shotline/program/") {
			return
		}
		deviceID := strings.TrimPrefix(topic, "shotline/program/")
		var msg programMessage
		_ = json.Unmarshal(payload, &msg)

		broker.mu.Lock()
		handler := broker.handlers[topics.DeviceReady(deviceID)]
		broker.mu.Unlock()
		if handler == nil {
			return
		}
		// A stale acknowledgment from an earlier attempt arrives first;
		// it must be ignored, and the genuine one accepted.
		stale, _ := json.Marshal(readyMessage{
			ShotID: "stale-shot", DeviceID: deviceID, Status: statusRejected,
		})
		_ = handler(topics.DeviceReady(deviceID), stale)
		genuine, _ := json.Marshal(readyMessage{
			ShotID: msg.ShotID, DeviceID: deviceID, Status: statusReady,
		})
		_ = handler(topics.DeviceReady(deviceID), genuine)
	}

	client := New(broker, 1, nil)
	program := testProgram()
	program.Devices = program.Devices[:1]

	// Ready phase succeeds despite the stale rejection; the shot then
	// times out awaiting results, which proves the rejection was dropped.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := client.Dispatch(ctx, program)
	if errors.Is(err, ErrProgramRejected) {
		t.Fatal("stale rejection was not dropped")
	}
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("expected ErrTimeout awaiting results, got %v", err)
	}
}

func TestDispatchDuplicateDeliveriesDoNotStallBarrier(t *testing.T) {
	// QoS 1 may redeliver: every ready and result arrives twice here. One
	// device's duplicates must not crowd out another device's only
	// delivery, or the barrier stalls and a retry is burnt on a healthy
	// shot.
	broker := newMockBroker()
	topics := mqtt.Topics{}
	var mu sync.Mutex
	shotDevices := make(map[string][]string)

	broker.onPublish = func(topic string, payload []byte) {
		switch {
		case strings.HasPrefix(topic, "shotline/program/"):
			deviceID := strings.TrimPrefix(topic, "shotline/program/")
			var msg programMessage
			if err := json.Unmarshal(payload, &msg); err != nil {
				return
			}
			mu.Lock()
			shotDevices[msg.ShotID] = append(shotDevices[msg.ShotID], deviceID)
			mu.Unlock()

			ack, _ := json.Marshal(readyMessage{
				ShotID: msg.ShotID, DeviceID: deviceID, Status: statusReady,
			})
			broker.mu.Lock()
			handler := broker.handlers[topics.DeviceReady(deviceID)]
			broker.mu.Unlock()
			if handler != nil {
				_ = handler(topics.DeviceReady(deviceID), ack)
				_ = handler(topics.DeviceReady(deviceID), ack)
			}

		case topic == topics.ShotStart():
			var msg startMessage
			if err := json.Unmarshal(payload, &msg); err != nil {
				return
			}
			mu.Lock()
			devices := shotDevices[msg.ShotID]
			mu.Unlock()
			for _, deviceID := range devices {
				result, _ := json.Marshal(resultMessage{
					ShotID: msg.ShotID, DeviceID: deviceID, Status: statusOK,
				})
				broker.mu.Lock()
				handler := broker.handlers[topics.DeviceResult(deviceID)]
				broker.mu.Unlock()
				if handler != nil {
					_ = handler(topics.DeviceResult(deviceID), result)
					_ = handler(topics.DeviceResult(deviceID), result)
				}
			}
		}
	}

	client := New(broker, 1, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := client.Dispatch(ctx, testProgram()); err != nil {
		t.Fatalf("Dispatch failed under duplicate delivery: %v", err)
	}
}

// ─── Deadline Resolution ────────────────────────────────────────────────────

func TestBoundDeadlineAppliesSyntheticDeadline(t *testing.T) {
	now := time.Now().UTC()

	ctx, cancel, deadline := boundDeadline(context.Background(), now)
	defer cancel()

	if want := now.Add(defaultShotDeadline); !deadline.Equal(want) {
		t.Errorf("expected synthetic deadline %v, got %v", want, deadline)
	}
	// The advertised deadline must bound the waits too.
	got, ok := ctx.Deadline()
	if !ok {
		t.Fatal("context carries no deadline after bounding")
	}
	if !got.Equal(deadline) {
		t.Errorf("context deadline %v disagrees with advertised %v", got, deadline)
	}
}

func TestBoundDeadlineKeepsCallerDeadline(t *testing.T) {
	parent, parentCancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer parentCancel()
	want, _ := parent.Deadline()

	ctx, cancel, deadline := boundDeadline(parent, time.Now())
	defer cancel()

	if !deadline.Equal(want) {
		t.Errorf("expected the caller's deadline %v, got %v", want, deadline)
	}
	if ctx != parent {
		t.Error("caller context with a deadline must be used unchanged")
	}
}

func TestDispatchNotConnected(t *testing.T) {
	broker := newMockBroker()
	broker.connected = false
	client := New(broker, 1, nil)

	_, err := client.Dispatch(context.Background(), testProgram())
	if !IsRetryable(err) {
		t.Fatalf("expected a retryable failure, got %v", err)
	}
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestDispatchEmptyProgram(t *testing.T) {
	client := New(newMockBroker(), 1, nil)

	_, err := client.Dispatch(context.Background(), &compiler.Program{SequenceID: "seq-1"})
	if !IsFatal(err) {
		t.Fatalf("expected a fatal failure, got %v", err)
	}
	if !errors.Is(err, ErrNoDevices) {
		t.Errorf("expected ErrNoDevices, got %v", err)
	}
}

func TestDispatchReusesSessions(t *testing.T) {
	broker := newMockBroker()
	respondingDevices(broker, nil)
	client := New(broker, 1, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for i := 0; i < 3; i++ {
		if _, err := client.Dispatch(ctx, testProgram()); err != nil {
			t.Fatalf("Dispatch %d failed: %v", i, err)
		}
	}

	broker.mu.Lock()
	hits := broker.subscribeHits
	broker.mu.Unlock()
	// Two devices, ready + result topics each, subscribed once.
	if hits != 4 {
		t.Errorf("expected 4 subscriptions across repeated dispatches, got %d", hits)
	}
}

func TestClientClose(t *testing.T) {
	broker := newMockBroker()
	respondingDevices(broker, nil)
	client := New(broker, 1, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := client.Dispatch(ctx, testProgram()); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	if err := client.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	broker.mu.Lock()
	remaining := len(broker.handlers)
	broker.mu.Unlock()
	if remaining != 0 {
		t.Errorf("expected all subscriptions released on Close, %d remain", remaining)
	}
}
