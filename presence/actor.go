// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package presence

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/tether-foundation/tether/lib/clock"
)

// Default tuning. BatchWindow matches the heartbeat cadence of the
// clients: several keep-alives coalesce into one durable write.
const (
	defaultBatchWindow = 5 * time.Second
	defaultMailboxSize = 64
)

// ActorConfig configures one user's presence actor.
type ActorConfig struct {
	// UserID scopes the actor. Required.
	UserID string

	// Store is the durable backend. Required.
	Store Store

	// Clock supplies time and the wake timer. Required.
	Clock clock.Clock

	// Logger receives actor events. Nil discards.
	Logger *slog.Logger

	// BatchWindow is how long a keep-alive may stay memory-only
	// before the batched flush. Zero means defaultBatchWindow.
	BatchWindow time.Duration

	// MailboxSize bounds the actor's message queue. Zero means
	// defaultMailboxSize.
	MailboxSize int
}

// Subscription is a live presence feed. The first event is always a
// snapshot; every accepted heartbeat or expiry transition follows as
// an update. The channel closes if the subscriber falls behind its
// buffer or the actor shuts down.
type Subscription struct {
	ID     int
	Events <-chan Event
}

type heartbeatMsg struct {
	hb    Heartbeat
	reply chan error
}

type snapshotMsg struct {
	reply chan []Record
}

type subscribeMsg struct {
	buffer int
	reply  chan *Subscription
}

type unsubscribeMsg struct {
	id    int
	reply chan struct{}
}

type wakeMsg struct{}

type shutdownMsg struct {
	reply chan error
}

// Actor is the single authority for one user's presence. See the
// package documentation for the batching and expiry model.
type Actor struct {
	cfg     ActorConfig
	mailbox chan any
	done    chan struct{}
}

// actorState is owned exclusively by the run goroutine.
type actorState struct {
	records     map[uuid.UUID]Record
	dirty       map[uuid.UUID]struct{}
	flushAt     time.Time
	timer       *clock.Timer
	subscribers map[int]chan Event
	nextSubID   int
}

// NewActor rehydrates the user's records from the store and starts the
// actor goroutine. Only durably written state survives a restart: a
// keep-alive batched but unflushed at crash time is simply absent, and
// the next heartbeat with a newer sequence is accepted normally.
func NewActor(ctx context.Context, cfg ActorConfig) (*Actor, error) {
	if cfg.UserID == "" {
		return nil, fmt.Errorf("presence: ActorConfig.UserID is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("presence: ActorConfig.Store is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("presence: ActorConfig.Clock is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.BatchWindow <= 0 {
		cfg.BatchWindow = defaultBatchWindow
	}
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = defaultMailboxSize
	}

	loaded, err := cfg.Store.Load(ctx, cfg.UserID)
	if err != nil {
		return nil, fmt.Errorf("presence: rehydrating %s: %w", cfg.UserID, err)
	}
	state := &actorState{
		records:     make(map[uuid.UUID]Record, len(loaded)),
		dirty:       make(map[uuid.UUID]struct{}),
		subscribers: make(map[int]chan Event),
	}
	for _, record := range loaded {
		state.records[record.DeviceID] = record
	}

	actor := &Actor{
		cfg:     cfg,
		mailbox: make(chan any, cfg.MailboxSize),
		done:    make(chan struct{}),
	}
	go actor.run(state)
	return actor, nil
}

// UserID returns the user this actor is scoped to.
func (a *Actor) UserID() string { return a.cfg.UserID }

// Heartbeat ingests one device liveness report. Returns
// ErrInvalidHeartbeat for malformed input, ErrStaleSequence when the
// sequence does not advance, or a persistence error for a semantic
// change that could not be made durable. A nil return means the
// heartbeat is applied, and for semantic changes, durable.
func (a *Actor) Heartbeat(ctx context.Context, hb Heartbeat) error {
	msg := heartbeatMsg{hb: hb, reply: make(chan error, 1)}
	if err := a.send(ctx, msg); err != nil {
		return err
	}
	select {
	case err := <-msg.reply:
		return err
	case <-a.done:
		return a.drainError(msg.reply)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the current in-memory state, including keep-alives
// not yet flushed, sorted by device ID.
func (a *Actor) Snapshot(ctx context.Context) ([]Record, error) {
	msg := snapshotMsg{reply: make(chan []Record, 1)}
	if err := a.send(ctx, msg); err != nil {
		return nil, err
	}
	select {
	case records := <-msg.reply:
		return records, nil
	case <-a.done:
		select {
		case records := <-msg.reply:
			return records, nil
		default:
			return nil, ErrActorClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Subscribe opens a live feed. buffer bounds the subscriber's channel;
// values below 1 are raised to 1 so the initial snapshot always fits.
func (a *Actor) Subscribe(ctx context.Context, buffer int) (*Subscription, error) {
	msg := subscribeMsg{buffer: buffer, reply: make(chan *Subscription, 1)}
	if err := a.send(ctx, msg); err != nil {
		return nil, err
	}
	select {
	case subscription := <-msg.reply:
		return subscription, nil
	case <-a.done:
		select {
		case subscription := <-msg.reply:
			return subscription, nil
		default:
			return nil, ErrActorClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Unsubscribe closes a subscription's channel and stops its feed.
func (a *Actor) Unsubscribe(ctx context.Context, id int) error {
	msg := unsubscribeMsg{id: id, reply: make(chan struct{}, 1)}
	if err := a.send(ctx, msg); err != nil {
		return err
	}
	select {
	case <-msg.reply:
		return nil
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown flushes any pending batch, closes all subscriptions, and
// stops the actor. Idempotent.
func (a *Actor) Shutdown(ctx context.Context) error {
	msg := shutdownMsg{reply: make(chan error, 1)}
	if err := a.send(ctx, msg); err != nil {
		if err == ErrActorClosed {
			return nil
		}
		return err
	}
	select {
	case err := <-msg.reply:
		return err
	case <-a.done:
		if err := a.drainError(msg.reply); err != ErrActorClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drainError picks up a reply that raced actor shutdown. A message
// processed just before the actor exited still delivered its buffered
// reply; one left unprocessed reports ErrActorClosed (nil for
// Shutdown callers, which treat a closed actor as done).
func (a *Actor) drainError(reply chan error) error {
	select {
	case err := <-reply:
		return err
	default:
		return ErrActorClosed
	}
}

func (a *Actor) send(ctx context.Context, msg any) error {
	select {
	case a.mailbox <- msg:
		return nil
	case <-a.done:
		return ErrActorClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Actor) run(state *actorState) {
	a.scheduleWake(state)
	for {
		msg := <-a.mailbox
		switch msg := msg.(type) {
		case heartbeatMsg:
			msg.reply <- a.handleHeartbeat(state, msg.hb)
		case snapshotMsg:
			msg.reply <- snapshotOf(state)
		case subscribeMsg:
			msg.reply <- a.handleSubscribe(state, msg.buffer)
		case unsubscribeMsg:
			if events, ok := state.subscribers[msg.id]; ok {
				close(events)
				delete(state.subscribers, msg.id)
			}
			msg.reply <- struct{}{}
		case wakeMsg:
			a.handleWake(state)
		case shutdownMsg:
			err := a.flush(state)
			if state.timer != nil {
				state.timer.Stop()
				state.timer = nil
			}
			for id, events := range state.subscribers {
				close(events)
				delete(state.subscribers, id)
			}
			close(a.done)
			msg.reply <- err
			return
		}
	}
}

func (a *Actor) handleHeartbeat(state *actorState, hb Heartbeat) error {
	if err := hb.Validate(); err != nil {
		return err
	}
	current, exists := state.records[hb.DeviceID]
	if exists && hb.Seq <= current.Seq {
		return fmt.Errorf("%w: got %d, have %d", ErrStaleSequence, hb.Seq, current.Seq)
	}

	// A heartbeat is a keep-alive only when nothing but Seq and
	// SentAt advance. Anything else is a semantic change, including
	// the first heartbeat from a device.
	semantic := !exists ||
		current.Status != hb.Status ||
		current.Source != hb.Source ||
		current.TTLMS != hb.TTLMS

	record := Record{
		DeviceID:      hb.DeviceID,
		Status:        hb.Status,
		Seq:           hb.Seq,
		SentAtMS:      hb.SentAtMS,
		TTLMS:         hb.TTLMS,
		Source:        hb.Source,
		LastOfflineMS: current.LastOfflineMS,
	}
	if hb.Status == StatusOffline && (!exists || current.Status != StatusOffline) {
		record.LastOfflineMS = hb.SentAtMS
	}
	state.records[hb.DeviceID] = record

	if semantic {
		// Write through before acknowledging. The durable write
		// covers any batched keep-alive for this device too.
		if err := a.cfg.Store.Save(context.Background(), a.cfg.UserID, []Record{record}); err != nil {
			if exists {
				state.records[hb.DeviceID] = current
			} else {
				delete(state.records, hb.DeviceID)
			}
			return fmt.Errorf("presence: persisting semantic change: %w", err)
		}
		delete(state.dirty, hb.DeviceID)
		if len(state.dirty) == 0 {
			state.flushAt = time.Time{}
		}
	} else {
		state.dirty[hb.DeviceID] = struct{}{}
		// The deadline is fixed when the batch first becomes dirty.
		// A steady keep-alive stream must not push it out forever.
		if state.flushAt.IsZero() {
			state.flushAt = a.cfg.Clock.Now().Add(a.cfg.BatchWindow)
		}
	}

	a.broadcast(state, Event{Kind: EventUpdate, Record: &record})
	a.scheduleWake(state)
	return nil
}

func (a *Actor) handleSubscribe(state *actorState, buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	events := make(chan Event, buffer)
	events <- Event{Kind: EventSnapshot, Records: snapshotOf(state)}
	id := state.nextSubID
	state.nextSubID++
	state.subscribers[id] = events
	return &Subscription{ID: id, Events: events}
}

func (a *Actor) handleWake(state *actorState) {
	now := a.cfg.Clock.Now()

	if !state.flushAt.IsZero() && !now.Before(state.flushAt) {
		if err := a.flush(state); err != nil {
			// Keep the batch dirty and try again a window later.
			a.cfg.Logger.Warn("presence batch flush failed",
				"user_id", a.cfg.UserID,
				"error", err,
			)
			state.flushAt = now.Add(a.cfg.BatchWindow)
		}
	}

	nowMS := now.UnixMilli()
	var expired []Record
	for deviceID, record := range state.records {
		if record.Status == StatusOffline || nowMS < record.expiresAtMS() {
			continue
		}
		record.Status = StatusOffline
		record.LastOfflineMS = record.expiresAtMS()
		state.records[deviceID] = record
		delete(state.dirty, deviceID)
		expired = append(expired, record)
	}
	if len(expired) > 0 {
		sort.Slice(expired, func(i, j int) bool {
			return expired[i].DeviceID.String() < expired[j].DeviceID.String()
		})
		if err := a.cfg.Store.Save(context.Background(), a.cfg.UserID, expired); err != nil {
			a.cfg.Logger.Warn("presence expiry persist failed",
				"user_id", a.cfg.UserID,
				"error", err,
			)
		}
		for index := range expired {
			a.broadcast(state, Event{Kind: EventUpdate, Record: &expired[index]})
		}
		if len(state.dirty) == 0 {
			state.flushAt = time.Time{}
		}
	}

	a.scheduleWake(state)
}

func (a *Actor) flush(state *actorState) error {
	if len(state.dirty) == 0 {
		state.flushAt = time.Time{}
		return nil
	}
	batch := make([]Record, 0, len(state.dirty))
	for deviceID := range state.dirty {
		batch = append(batch, state.records[deviceID])
	}
	sort.Slice(batch, func(i, j int) bool {
		return batch[i].DeviceID.String() < batch[j].DeviceID.String()
	})
	if err := a.cfg.Store.Save(context.Background(), a.cfg.UserID, batch); err != nil {
		return fmt.Errorf("presence: flushing batch: %w", err)
	}
	state.dirty = make(map[uuid.UUID]struct{})
	state.flushAt = time.Time{}
	return nil
}

// scheduleWake arms the single wake timer at the earlier of the batch
// flush deadline and the soonest device expiry. Any previous timer is
// stopped first; wakes supersede, they never stack.
func (a *Actor) scheduleWake(state *actorState) {
	next := state.flushAt
	for _, record := range state.records {
		if record.Status == StatusOffline {
			continue
		}
		expiry := time.UnixMilli(record.expiresAtMS())
		if next.IsZero() || expiry.Before(next) {
			next = expiry
		}
	}

	if state.timer != nil {
		state.timer.Stop()
		state.timer = nil
	}
	if next.IsZero() {
		return
	}
	delay := next.Sub(a.cfg.Clock.Now())
	if delay <= 0 {
		delay = time.Millisecond
	}
	state.timer = a.cfg.Clock.AfterFunc(delay, func() {
		select {
		case a.mailbox <- wakeMsg{}:
		case <-a.done:
		}
	})
}

func (a *Actor) broadcast(state *actorState, event Event) {
	for id, events := range state.subscribers {
		select {
		case events <- event:
		default:
			// The subscriber fell behind its buffer. Dropping a
			// single event would silently desynchronize it, so the
			// feed closes instead and the client resubscribes for a
			// fresh snapshot.
			close(events)
			delete(state.subscribers, id)
			a.cfg.Logger.Warn("presence subscriber dropped",
				"user_id", a.cfg.UserID,
				"subscriber_id", id,
			)
		}
	}
}

func snapshotOf(state *actorState) []Record {
	records := make([]Record, 0, len(state.records))
	for _, record := range state.records {
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].DeviceID.String() < records[j].DeviceID.String()
	})
	return records
}
