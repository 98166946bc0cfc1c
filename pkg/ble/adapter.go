package ble

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"tinygo.org/x/bluetooth"

	"github.com/fieldcam/agent/pkg/dispatch"
	"github.com/fieldcam/agent/pkg/state"
)

// Service and characteristic identifiers. The OTA service shares the radio
// server but gives update tooling a dedicated discovery target.
const (
	primaryServiceUUID = "5f47a3c0-9b12-4e8d-8f6a-2d91c4b7e150"
	statusCharUUID     = "5f47a3c1-9b12-4e8d-8f6a-2d91c4b7e150"
	logsCharUUID       = "5f47a3c2-9b12-4e8d-8f6a-2d91c4b7e150"
	commandCharUUID    = "5f47a3c3-9b12-4e8d-8f6a-2d91c4b7e150"

	otaServiceUUID     = "5f47a3d0-9b12-4e8d-8f6a-2d91c4b7e150"
	otaCommandCharUUID = "5f47a3d1-9b12-4e8d-8f6a-2d91c4b7e150"
)

// disconnectSettle is how long Handle waits after a disconnect before
// restarting advertising.
const disconnectSettle = 500 * time.Millisecond

func mustUUID(s string) bluetooth.UUID {
	uuid, err := bluetooth.ParseUUID(s)
	if err != nil {
		panic(fmt.Sprintf("bad UUID constant %q: %v", s, err))
	}
	return uuid
}

// connEvent defers a connect or disconnect notification to the main loop.
type connEvent struct {
	connected bool
}

// Adapter exposes the command service over the short-range radio. The radio
// stack's callbacks run on their own task with a few kilobytes of stack, so
// they only copy bytes into the pending buffer or the event queue; all real
// processing happens when the main loop polls Handle.
type Adapter struct {
	radio      *bluetooth.Adapter
	adv        *bluetooth.Advertisement
	localName  string
	dispatcher *dispatch.Dispatcher
	state      *state.SystemState
	logger     *logrus.Logger

	statusChar  bluetooth.Characteristic
	logsChar    bluetooth.Characteristic
	commandChar bluetooth.Characteristic
	otaChar     bluetooth.Characteristic

	pending PendingBuffer

	eventsMu sync.Mutex
	events   []connEvent

	advertising bool
	started     bool
}

// NewAdapter creates the short-range adapter. Start must be called before
// Handle is polled.
func NewAdapter(localName string, dispatcher *dispatch.Dispatcher, st *state.SystemState, logger *logrus.Logger) *Adapter {
	return &Adapter{
		radio:      bluetooth.DefaultAdapter,
		localName:  localName,
		dispatcher: dispatcher,
		state:      st,
		logger:     logger,
	}
}

// Start enables the radio, registers both GATT services and begins
// advertising.
func (a *Adapter) Start() error {
	if err := a.radio.Enable(); err != nil {
		return fmt.Errorf("failed to enable radio: %w", err)
	}

	a.radio.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		// Radio callback context: queue only.
		a.eventsMu.Lock()
		a.events = append(a.events, connEvent{connected: connected})
		a.eventsMu.Unlock()
	})

	writeEvent := func(client bluetooth.Connection, offset int, value []byte) {
		// Radio callback context: bounded copy only, no parsing or logging.
		a.pending.Push(value)
	}

	err := a.radio.AddService(&bluetooth.Service{
		UUID: mustUUID(primaryServiceUUID),
		Characteristics: []bluetooth.CharacteristicConfig{
			{
				Handle: &a.statusChar,
				UUID:   mustUUID(statusCharUUID),
				Flags:  bluetooth.CharacteristicReadPermission | bluetooth.CharacteristicNotifyPermission,
			},
			{
				Handle: &a.logsChar,
				UUID:   mustUUID(logsCharUUID),
				Flags:  bluetooth.CharacteristicReadPermission | bluetooth.CharacteristicNotifyPermission,
			},
			{
				Handle:     &a.commandChar,
				UUID:       mustUUID(commandCharUUID),
				Flags:      bluetooth.CharacteristicWritePermission | bluetooth.CharacteristicWriteWithoutResponsePermission | bluetooth.CharacteristicNotifyPermission,
				WriteEvent: writeEvent,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to register primary service: %w", err)
	}

	err = a.radio.AddService(&bluetooth.Service{
		UUID: mustUUID(otaServiceUUID),
		Characteristics: []bluetooth.CharacteristicConfig{
			{
				Handle:     &a.otaChar,
				UUID:       mustUUID(otaCommandCharUUID),
				Flags:      bluetooth.CharacteristicWritePermission | bluetooth.CharacteristicWriteWithoutResponsePermission | bluetooth.CharacteristicNotifyPermission,
				WriteEvent: writeEvent,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to register OTA service: %w", err)
	}

	a.adv = a.radio.DefaultAdvertisement()
	err = a.adv.Configure(bluetooth.AdvertisementOptions{
		LocalName:    a.localName,
		ServiceUUIDs: []bluetooth.UUID{mustUUID(primaryServiceUUID)},
	})
	if err != nil {
		return fmt.Errorf("failed to configure advertisement: %w", err)
	}

	a.started = true
	if err := a.StartAdvertising(); err != nil {
		return err
	}

	a.logger.WithField("name", a.localName).Info("short-range adapter started")
	return nil
}

// StartAdvertising begins advertising the primary service.
func (a *Adapter) StartAdvertising() error {
	if !a.started || a.advertising {
		return nil
	}
	if err := a.adv.Start(); err != nil {
		return fmt.Errorf("failed to start advertising: %w", err)
	}
	a.advertising = true
	return nil
}

// StopAdvertising halts advertising, freeing radio memory ahead of a
// firmware download.
func (a *Adapter) StopAdvertising() {
	if !a.started || !a.advertising {
		return
	}
	if err := a.adv.Stop(); err != nil {
		a.logger.WithError(err).Warn("failed to stop advertising")
		return
	}
	a.advertising = false
}

// Handle drains deferred work from the radio callbacks. It is polled from
// the main loop tick and is where all parsing, logging and dispatch happen.
func (a *Adapter) Handle() {
	a.handleConnEvents()

	for _, raw := range a.pending.Drain() {
		a.dispatcher.ProcessCommand(raw, a.Sink())
	}
}

func (a *Adapter) handleConnEvents() {
	a.eventsMu.Lock()
	events := a.events
	a.events = nil
	a.eventsMu.Unlock()

	for _, ev := range events {
		if ev.connected {
			a.logger.Info("short-range client connected")
			a.state.BLEConnected = true
			continue
		}

		a.logger.Info("short-range client disconnected")
		a.state.BLEConnected = false

		// Give the stack a moment to tear the link down before the radio is
		// asked to advertise again.
		time.Sleep(disconnectSettle)
		if err := a.StartAdvertising(); err != nil {
			a.logger.WithError(err).Warn("failed to restart advertising")
		}
	}
}

// NotifyStatus pushes a status payload (such as download progress) through
// the status characteristic.
func (a *Adapter) NotifyStatus(payload []byte) {
	if !a.started {
		return
	}
	if _, err := a.statusChar.Write(payload); err != nil {
		a.logger.WithError(err).Debug("status notify failed")
	}
}

// Sink returns the response sink for commands received on this transport.
func (a *Adapter) Sink() dispatch.ResponseSink {
	return &sink{adapter: a}
}

// sink delivers responses through the command characteristic, splitting
// payloads that exceed one attribute into an envelope sequence.
type sink struct {
	adapter *Adapter
}

func (s *sink) Send(payload string) error {
	if !s.adapter.started {
		return fmt.Errorf("short-range adapter not started")
	}

	send := func(data []byte) error {
		_, err := s.adapter.commandChar.Write(data)
		return err
	}

	if len(payload) <= attributePayload {
		return send([]byte(payload))
	}
	return sendChunked(send, payload)
}

func (s *sink) SupportsChunking() bool { return true }

func (s *sink) Name() string { return "ble" }
