package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/helionlab/shotline/internal/compiler"
	"github.com/helionlab/shotline/internal/infrastructure/mqtt"
)

// MQTTClient is the interface the dispatch client needs from the MQTT
// infrastructure. Declared consumer-side so tests can substitute a mock
// broker.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	IsConnected() bool
}

// Logger is the logging interface used by the dispatch client.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger discards all log output. Used when no logger is provided.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Result is the aggregated outcome of one successful shot.
type Result struct {
	ShotID string

	// Data holds the acquired data from every device, keyed by channel.
	Data map[string]any

	StartedAt  time.Time
	FinishedAt time.Time
}

// defaultShotDeadline bounds a dispatch whose caller supplied no deadline
// of its own.
const defaultShotDeadline = time.Minute

// boundDeadline resolves the deadline advertised to devices. When the
// caller's context carries none, a synthetic one is applied to the context
// too, so the advertised deadline and the waits in awaitReady and
// awaitResults always agree.
func boundDeadline(ctx context.Context, now time.Time) (context.Context, context.CancelFunc, time.Time) {
	if deadline, ok := ctx.Deadline(); ok {
		return ctx, func() {}, deadline
	}
	deadline := now.Add(defaultShotDeadline)
	bounded, cancel := context.WithDeadline(ctx, deadline)
	return bounded, cancel, deadline
}

// session tracks the subscriptions held for one device-control process.
type session struct {
	deviceID    string
	readyTopic  string
	resultTopic string
}

// inflight is the pending table for the shot currently being dispatched.
// Handlers route matching payloads into the channels and drop everything
// else (stale shot IDs from earlier attempts included).
type inflight struct {
	shotID  string
	ready   chan readyMessage
	results chan resultMessage

	mu         sync.Mutex
	readySeen  map[string]struct{}
	resultSeen map[string]struct{}
}

// admitOnce records deviceID in seen and reports whether this was its
// first delivery for the shot. QoS 1 may redeliver a device's message;
// admitting only the first keeps the one-slot-per-device channel sizing
// sound, so one device's duplicates can never crowd out another's only
// delivery.
func (p *inflight) admitOnce(seen map[string]struct{}, deviceID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, dup := seen[deviceID]; dup {
		return false
	}
	seen[deviceID] = struct{}{}
	return true
}

// Client dispatches compiled shot programs to device-control processes
// and awaits their results.
type Client struct {
	mqtt   MQTTClient
	topics mqtt.Topics
	qos    byte
	logger Logger

	mu       sync.Mutex
	sessions map[string]*session
	current  *inflight
}

// New creates a dispatch client.
//
// Parameters:
//   - client: Connected MQTT client
//   - qos: QoS level for protocol messages
//   - logger: Logger (nil for no logging)
func New(client MQTTClient, qos byte, logger Logger) *Client {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Client{
		mqtt:     client,
		qos:      qos,
		logger:   logger,
		sessions: make(map[string]*session),
	}
}

// Dispatch executes one shot: transmits each device's instruction list,
// waits for every device to acknowledge readiness, releases the trigger
// barrier with a single start broadcast, and collects per-device results.
//
// The context deadline bounds the whole exchange (shot duration plus
// grace, set by the caller). On timeout the affected device sessions are
// reset so the next attempt re-establishes them from scratch; Dispatch
// never leaves a session half-initialized.
//
// Parameters:
//   - ctx: Deadline for the whole shot
//   - program: Compiled shot program
//
// Returns:
//   - *Result: Aggregated acquired data keyed by channel
//   - error: *Error classified Retryable or Fatal
func (c *Client) Dispatch(ctx context.Context, program *compiler.Program) (*Result, error) {
	if len(program.Devices) == 0 {
		return nil, fatalError("", ErrNoDevices)
	}
	if !c.mqtt.IsConnected() {
		return nil, retryableError("", ErrNotConnected)
	}

	shotID := uuid.New().String()
	pending := &inflight{
		shotID:     shotID,
		ready:      make(chan readyMessage, len(program.Devices)),
		results:    make(chan resultMessage, len(program.Devices)),
		readySeen:  make(map[string]struct{}, len(program.Devices)),
		resultSeen: make(map[string]struct{}, len(program.Devices)),
	}

	c.mu.Lock()
	c.current = pending
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.current = nil
		c.mu.Unlock()
	}()

	for i := range program.Devices {
		if err := c.ensureSession(program.Devices[i].DeviceID); err != nil {
			return nil, retryableError(program.Devices[i].DeviceID, err)
		}
	}

	startedAt := time.Now().UTC()
	ctx, cancel, deadline := boundDeadline(ctx, startedAt)
	defer cancel()

	if err := c.transmitPrograms(program, shotID, deadline); err != nil {
		return nil, err
	}

	if err := c.awaitReady(ctx, program, pending); err != nil {
		return nil, err
	}

	if err := c.broadcastStart(shotID); err != nil {
		return nil, err
	}

	data, err := c.awaitResults(ctx, program, pending)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("shot dispatched",
		"shot_id", shotID,
		"sequence_id", program.SequenceID,
		"shot_index", program.ShotIndex,
		"devices", len(program.Devices),
	)

	return &Result{
		ShotID:     shotID,
		Data:       data,
		StartedAt:  startedAt,
		FinishedAt: time.Now().UTC(),
	}, nil
}

// Close releases every device session.
func (c *Client) Close() error {
	c.mu.Lock()
	sessions := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.sessions = make(map[string]*session)
	c.mu.Unlock()

	for _, s := range sessions {
		c.dropSubscriptions(s)
	}
	return nil
}

// ensureSession establishes the ready/result subscriptions for a device
// if they are not already held.
func (c *Client) ensureSession(deviceID string) error {
	c.mu.Lock()
	if _, ok := c.sessions[deviceID]; ok {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	s := &session{
		deviceID:    deviceID,
		readyTopic:  c.topics.DeviceReady(deviceID),
		resultTopic: c.topics.DeviceResult(deviceID),
	}

	if err := c.mqtt.Subscribe(s.readyTopic, c.qos, c.handleReady); err != nil {
		return fmt.Errorf("subscribing to %s: %w", s.readyTopic, err)
	}
	if err := c.mqtt.Subscribe(s.resultTopic, c.qos, c.handleResult); err != nil {
		// Keep the session atomic: drop the half-established state.
		_ = c.mqtt.Unsubscribe(s.readyTopic)
		return fmt.Errorf("subscribing to %s: %w", s.resultTopic, err)
	}

	c.mu.Lock()
	c.sessions[deviceID] = s
	c.mu.Unlock()

	c.logger.Debug("device session established", "device_id", deviceID)
	return nil
}

// resetSession drops a device's subscriptions so the next attempt rebuilds
// the session from scratch.
func (c *Client) resetSession(deviceID string) {
	c.mu.Lock()
	s, ok := c.sessions[deviceID]
	if ok {
		delete(c.sessions, deviceID)
	}
	c.mu.Unlock()

	if ok {
		c.dropSubscriptions(s)
		c.logger.Warn("device session reset", "device_id", deviceID)
	}
}

// resetAllSessions resets every session after a shot-wide timeout; which
// device stalled is unknown, so all of them start over.
func (c *Client) resetAllSessions(program *compiler.Program) {
	for i := range program.Devices {
		c.resetSession(program.Devices[i].DeviceID)
	}
}

func (c *Client) dropSubscriptions(s *session) {
	if err := c.mqtt.Unsubscribe(s.readyTopic); err != nil {
		c.logger.Debug("unsubscribe failed", "topic", s.readyTopic, "error", err)
	}
	if err := c.mqtt.Unsubscribe(s.resultTopic); err != nil {
		c.logger.Debug("unsubscribe failed", "topic", s.resultTopic, "error", err)
	}
}

// transmitPrograms publishes each device's instruction list.
func (c *Client) transmitPrograms(program *compiler.Program, shotID string, deadline time.Time) error {
	for i := range program.Devices {
		device := &program.Devices[i]
		payload, err := json.Marshal(programMessage{
			ShotID:         shotID,
			SequenceID:     program.SequenceID,
			ShotIndex:      program.ShotIndex,
			Instructions:   device.Instructions,
			DeadlineUnixMs: deadline.UnixMilli(),
		})
		if err != nil {
			return fatalError(device.DeviceID, fmt.Errorf("encoding program: %w", err))
		}

		topic := c.topics.DeviceProgram(device.DeviceID)
		if err := c.mqtt.Publish(topic, payload, c.qos, false); err != nil {
			return retryableError(device.DeviceID, fmt.Errorf("transmitting program: %w", err))
		}
	}
	return nil
}

// awaitReady blocks until every device has acknowledged the program.
//
// Rejections are fatal: no device may start, and the defect traces back to
// compilation. Timeouts are retryable after a session reset.
func (c *Client) awaitReady(ctx context.Context, program *compiler.Program, pending *inflight) error {
	acknowledged := make(map[string]struct{}, len(program.Devices))
	for len(acknowledged) < len(program.Devices) {
		select {
		case msg := <-pending.ready:
			if msg.Status == statusRejected {
				return fatalError(msg.DeviceID,
					fmt.Errorf("%w: %s", ErrProgramRejected, msg.Error))
			}
			acknowledged[msg.DeviceID] = struct{}{}

		case <-ctx.Done():
			c.resetAllSessions(program)
			return retryableError("", fmt.Errorf("%w: awaiting ready (%d/%d acknowledged): %w",
				ErrTimeout, len(acknowledged), len(program.Devices), ctx.Err()))
		}
	}
	return nil
}

// broadcastStart releases the trigger barrier.
func (c *Client) broadcastStart(shotID string) error {
	payload, err := json.Marshal(startMessage{ShotID: shotID})
	if err != nil {
		return fatalError("", fmt.Errorf("encoding start message: %w", err))
	}
	if err := c.mqtt.Publish(c.topics.ShotStart(), payload, c.qos, false); err != nil {
		return retryableError("", fmt.Errorf("broadcasting start: %w", err))
	}
	return nil
}

// awaitResults blocks until every device has reported, merging acquired
// data across devices.
func (c *Client) awaitResults(ctx context.Context, program *compiler.Program, pending *inflight) (map[string]any, error) {
	data := make(map[string]any)
	reported := make(map[string]struct{}, len(program.Devices))
	for len(reported) < len(program.Devices) {
		select {
		case msg := <-pending.results:
			if msg.Status == statusFault {
				return nil, fatalError(msg.DeviceID,
					fmt.Errorf("%w: %s", ErrDeviceFault, msg.Error))
			}
			for channel, value := range msg.Data {
				data[channel] = value
			}
			reported[msg.DeviceID] = struct{}{}

		case <-ctx.Done():
			c.resetAllSessions(program)
			return nil, retryableError("", fmt.Errorf("%w: awaiting results (%d/%d reported): %w",
				ErrTimeout, len(reported), len(program.Devices), ctx.Err()))
		}
	}
	return data, nil
}

// handleReady routes a ready acknowledgment to the in-flight shot.
// Payloads for unknown or stale shot IDs are dropped.
func (c *Client) handleReady(topic string, payload []byte) error {
	msg, err := decodeReady(payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	pending := c.current
	c.mu.Unlock()

	if pending == nil || pending.shotID != msg.ShotID {
		c.logger.Debug("dropping stale ready message", "topic", topic, "shot_id", msg.ShotID)
		return nil
	}
	if !pending.admitOnce(pending.readySeen, msg.DeviceID) {
		c.logger.Debug("dropping duplicate ready message",
			"device_id", msg.DeviceID, "shot_id", msg.ShotID)
		return nil
	}

	select {
	case pending.ready <- msg:
	default:
		// After dedup each device occupies at most one slot, so the
		// channel cannot fill; the non-blocking send is a backstop
		// against payloads carrying device IDs outside the program.
	}
	return nil
}

// handleResult routes a result report to the in-flight shot.
func (c *Client) handleResult(topic string, payload []byte) error {
	msg, err := decodeResult(payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	pending := c.current
	c.mu.Unlock()

	if pending == nil || pending.shotID != msg.ShotID {
		c.logger.Debug("dropping stale result message", "topic", topic, "shot_id", msg.ShotID)
		return nil
	}
	if !pending.admitOnce(pending.resultSeen, msg.DeviceID) {
		c.logger.Debug("dropping duplicate result message",
			"device_id", msg.DeviceID, "shot_id", msg.ShotID)
		return nil
	}

	select {
	case pending.results <- msg:
	default:
	}
	return nil
}
