// ABOUTME: Client owns the connection state machine for the single messaging account
// ABOUTME: Driver events are queued and applied by one run loop; commands check state first

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/2389/concierge-gateway/internal/dedupe"
	"github.com/2389/concierge-gateway/internal/events"
	"github.com/2389/concierge-gateway/internal/metrics"
	"github.com/2389/concierge-gateway/internal/network"
	"github.com/2389/concierge-gateway/internal/session"
)

// Emitter receives every event the client produces.
type Emitter interface {
	Publish(evt events.Event) events.Event
}

// SendPolicy decides which chats may receive outbound messages.
type SendPolicy string

const (
	// SendPolicyOpen allows sends to any known chat.
	SendPolicyOpen SendPolicy = "open"
	// SendPolicyInboundOnly allows sends only to chats that messaged the account first.
	SendPolicyInboundOnly SendPolicy = "inbound_only"
)

// Config tunes a Client. Zero values select defaults.
type Config struct {
	// InstanceID names this process in the session lease. A stable value
	// lets a restarted process take its own lease back at once instead of
	// waiting out LeaseTTL; it must still differ between live instances.
	InstanceID string
	LeaseTTL   time.Duration

	ReconnectInitial time.Duration
	ReconnectMax     time.Duration

	SendPolicy SendPolicy

	// CallLimit bounds a driver call that outlives its caller's deadline.
	CallLimit time.Duration
}

func (c *Config) applyDefaults() {
	if c.InstanceID == "" {
		c.InstanceID = uuid.New().String()
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 30 * time.Second
	}
	if c.ReconnectInitial <= 0 {
		c.ReconnectInitial = 2 * time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 2 * time.Minute
	}
	if c.SendPolicy == "" {
		c.SendPolicy = SendPolicyOpen
	}
	if c.CallLimit <= 0 {
		c.CallLimit = 2 * time.Minute
	}
}

// inboxItem is a unit of work for the run loop. Items carry the connection
// epoch they belong to; items from an abandoned connection are dropped.
type inboxItem struct {
	epoch uint64
	evt   network.Event
	retry bool
}

// exclusive is the semaphore weight taken by state transitions and
// Disconnect. Commands take a weight of one, so any number run together
// but never alongside a transition.
const exclusive = 1 << 30

// Client is the gateway's connection state machine. Status reads are lock
// free. Transitions hold the whole semaphore; sends and queries hold one
// unit for as long as the driver call runs. Every wait on the semaphore is
// bounded by the waiter's context.
type Client struct {
	cfg     Config
	driver  network.Driver
	store   session.Store
	emitter Emitter
	seen    *dedupe.Cache
	metrics *metrics.Metrics
	logger  *slog.Logger

	status atomic.Pointer[Status]
	epoch  atomic.Uint64

	// The fields below are guarded by sem held exclusively.
	sem        *semaphore.Weighted
	manual     bool // set by Disconnect and lease loss, cleared by Reconnect
	retryTimer *time.Timer
	backoff    *backoff.ExponentialBackOff

	leaseHeld atomic.Bool
	inbox     *events.Queue[inboxItem]
	started   atomic.Bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// Deps are the collaborators of a Client. Seen and Metrics may be nil.
type Deps struct {
	Driver  network.Driver
	Store   session.Store
	Emitter Emitter
	Seen    *dedupe.Cache
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// New creates a Client in the uninitialized state.
func New(cfg Config, deps Deps) *Client {
	cfg.applyDefaults()
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.ReconnectInitial
	b.MaxInterval = cfg.ReconnectMax
	b.MaxElapsedTime = 0
	b.Reset()

	c := &Client{
		cfg:     cfg,
		driver:  deps.Driver,
		store:   deps.Store,
		emitter: deps.Emitter,
		seen:    deps.Seen,
		metrics: deps.Metrics,
		logger:  deps.Logger.With("component", "gateway"),
		sem:     semaphore.NewWeighted(exclusive),
		backoff: b,
		inbox:   events.NewQueue[inboxItem](),
		done:    make(chan struct{}),
	}
	initial := uninitializedStatus()
	c.status.Store(&initial)
	return c
}

func (c *Client) lock(ctx context.Context) error {
	return c.sem.Acquire(ctx, exclusive)
}

func (c *Client) unlock() {
	c.sem.Release(exclusive)
}

// Start takes the session lease, loads the stored session and connects. It
// returns ErrAlreadyRunning when the lease is held elsewhere. Connection
// problems after the lease is taken are reported through state, not errors.
func (c *Client) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	if err := c.store.Acquire(ctx, c.cfg.InstanceID, c.cfg.LeaseTTL); err != nil {
		c.started.Store(false)
		if errors.Is(err, session.ErrLocked) {
			return ErrAlreadyRunning
		}
		return fmt.Errorf("acquiring session lease: %w", err)
	}
	c.leaseHeld.Store(true)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel

	// Nothing else can hold the semaphore before the run loop starts.
	_ = c.lock(context.WithoutCancel(ctx))
	c.connectLocked(ctx)
	c.unlock()

	go c.run(runCtx)
	go c.renewLease(runCtx)

	c.logger.Info("gateway started", "instance_id", c.cfg.InstanceID)
	return nil
}

// Stop closes the connection, stops the run loop and releases the lease.
// The stored session is kept so the next Start resumes it. Commands still
// running when ctx ends are cut off by closing the driver under them.
func (c *Client) Stop(ctx context.Context) {
	if !c.started.Load() {
		return
	}
	c.cancel()
	select {
	case <-c.done:
	case <-ctx.Done():
		c.logger.Warn("run loop did not stop before the shutdown deadline")
	}

	c.epoch.Add(1)
	if err := c.lock(ctx); err != nil {
		c.logger.Warn("closing driver with commands still in flight", "error", err)
		c.driver.Close()
	} else {
		c.stopRetryLocked()
		c.driver.Close()
		c.unlock()
	}

	if c.leaseHeld.Swap(false) {
		if err := c.store.Release(context.WithoutCancel(ctx), c.cfg.InstanceID); err != nil {
			c.logger.Warn("failed to release session lease", "error", err)
		}
	}
	c.logger.Info("gateway stopped")
}

// Status returns the current snapshot. It never blocks.
func (c *Client) Status() Status {
	return *c.status.Load()
}

// Snapshot renders the current status as a status event.
func (c *Client) Snapshot() events.Event {
	return events.New(events.TypeStatus, c.Status().Data())
}

// PairingCode returns the current pairing code. ok is false outside
// awaiting-pairing or before the network issued the first code.
func (c *Client) PairingCode() (code string, ok bool) {
	s := c.Status()
	if s.State != StateAwaitingPairing || s.PairingCode == "" {
		return "", false
	}
	return s.PairingCode, true
}
// ListChats returns the account's chats, most recently active first.
func (c *Client) ListChats(ctx context.Context) ([]network.Chat, error) {
	var chats []network.Chat
	err := c.whileReady(ctx, func(ctx context.Context) error {
		var err error
		chats, err = c.driver.Chats(ctx)
		return err
	})
	if err != nil {
		return nil, classify(err, KindInternal)
	}
	network.SortChatsByActivity(chats)
	return chats, nil
}

// ListMessages returns at most limit of the newest messages of a chat,
// oldest first.
func (c *Client) ListMessages(ctx context.Context, chatID string, limit int) ([]network.Message, error) {
	if strings.TrimSpace(chatID) == "" {
		return nil, newError(KindInvalidRequest, "chatId is required", nil)
	}
	if limit <= 0 {
		return nil, newError(KindInvalidRequest, "limit must be positive", nil)
	}

	var msgs []network.Message
	err := c.whileReady(ctx, func(ctx context.Context) error {
		var err error
		msgs, err = c.driver.Messages(ctx, chatID, limit)
		return err
	})
	if err != nil {
		return nil, classify(err, KindInternal)
	}
	return network.OldestFirst(msgs, limit), nil
}

// SendMessage delivers a text message. Failed sends are not retried. When
// ctx ends first the caller gets a Timeout, but the send keeps going and
// still emits message-sent if the network accepts it.
func (c *Client) SendMessage(ctx context.Context, chatID, body string) (network.SendResult, error) {
	if strings.TrimSpace(chatID) == "" {
		return network.SendResult{}, newError(KindInvalidRequest, "chatId is required", nil)
	}
	if body == "" {
		return network.SendResult{}, newError(KindInvalidRequest, "body is required", nil)
	}

	var res network.SendResult
	err := c.whileReady(ctx, func(ctx context.Context) error {
		if err := c.checkSendPolicy(ctx, chatID); err != nil {
			return err
		}
		var err error
		res, err = c.driver.Send(ctx, chatID, body)
		if err != nil {
			return err
		}
		c.metrics.MessageSent()
		c.emit(events.TypeMessageSent, events.MessageData{Message: network.Message{
			ID:        res.MessageID,
			ChatID:    chatID,
			Direction: network.DirectionOutbound,
			Body:      body,
			Timestamp: res.Timestamp,
			Ack:       network.AckServer,
		}})
		return nil
	})
	if err != nil {
		if KindOf(err) != KindTimeout {
			c.logger.Warn("send failed", "chat_id", chatID, "error", err)
		}
		return network.SendResult{}, classify(err, KindDeliveryFailed)
	}
	return res, nil
}

func (c *Client) checkSendPolicy(ctx context.Context, chatID string) error {
	if c.cfg.SendPolicy != SendPolicyInboundOnly {
		return nil
	}
	if n, ok := c.driver.(network.ChatIDNormalizer); ok {
		id, err := n.NormalizeChatID(chatID)
		if err != nil {
			return err
		}
		chatID = id
	}
	chats, err := c.driver.Chats(ctx)
	if err != nil {
		return err
	}
	for _, ch := range chats {
		if ch.ID != chatID {
			continue
		}
		if !ch.InitiatedContact {
			return ErrSendNotAllowed
		}
		return nil
	}
	return ErrChatNotFound
}

// whileReady runs fn if the state is ready, excluding transitions while it
// runs. fn gets a context detached from ctx and bounded by CallLimit, and
// keeps its slot until it returns even when ctx ends first. Waiting for a
// slot behind a pending transition is bounded by ctx.
func (c *Client) whileReady(ctx context.Context, fn func(context.Context) error) error {
	if c.Status().State != StateReady {
		return ErrNotReady
	}
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return newError(KindTimeout, ErrTimeout.Message, err)
	}
	if c.Status().State != StateReady {
		c.sem.Release(1)
		return ErrNotReady
	}

	result := make(chan error, 1)
	go func() {
		defer c.sem.Release(1)
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.CallLimit)
		defer cancel()
		result <- fn(callCtx)
	}()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return newError(KindTimeout, ErrTimeout.Message, ctx.Err())
	}
}

// Disconnect logs the device out, deletes the stored session and moves to
// disconnected. The state stays there until Reconnect. Calling it again is
// a no-op. When ctx ends while in-flight commands still hold the state, the
// caller gets a Timeout and the disconnect completes once they finish.
func (c *Client) Disconnect(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.CallLimit)
		defer cancel()
		if err := c.lock(opCtx); err != nil {
			c.logger.Error("disconnect gave up waiting for in-flight commands", "error", err)
			return
		}
		defer c.unlock()
		c.disconnectLocked(opCtx)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return newError(KindTimeout, "disconnect is waiting for in-flight commands", ctx.Err())
	}
}

func (c *Client) disconnectLocked(ctx context.Context) {
	cur := c.Status()
	if c.manual && cur.State == StateDisconnected {
		return
	}
	c.manual = true
	c.epoch.Add(1)
	c.stopRetryLocked()

	if cur.State != StateUninitialized {
		if err := c.driver.Logout(ctx); err != nil {
			c.logger.Warn("logout failed, dropping connection", "error", err)
		}
		c.driver.Close()
	}
	c.dropSession(ctx)
	c.transitionLocked(disconnectedStatus(network.ReasonLogout))
}

// Reconnect clears a manual disconnect and connects again. It does nothing
// while a connection is already up or being set up. After the lease was lost
// it first takes the lease back, failing while the other instance holds it.
func (c *Client) Reconnect(ctx context.Context) error {
	if !c.started.Load() {
		return newError(KindNotReady, "gateway is not running", nil)
	}

	if err := c.lock(ctx); err != nil {
		return newError(KindTimeout, ErrTimeout.Message, err)
	}
	defer c.unlock()

	if c.Status().State != StateDisconnected {
		return nil
	}
	if !c.leaseHeld.Load() {
		if err := c.store.Acquire(ctx, c.cfg.InstanceID, c.cfg.LeaseTTL); err != nil {
			if errors.Is(err, session.ErrLocked) {
				return newError(KindNotReady, "another gateway instance owns the session", ErrAlreadyRunning)
			}
			return fmt.Errorf("acquiring session lease: %w", err)
		}
		c.leaseHeld.Store(true)
	}
	c.manual = false
	c.stopRetryLocked()
	c.backoff.Reset()
	c.connectLocked(ctx)
	return nil
}

// connectLocked starts a new connection epoch: resume with the stored
// session when there is one, pair otherwise. A resume only changes state
// once the network answers: ReadyEvent on acceptance, a session-invalid
// disconnect on rejection.
func (c *Client) connectLocked(ctx context.Context) {
	epoch := c.epoch.Add(1)

	sess, err := c.store.Load(ctx)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrNotFound):
		sess = nil
	default:
		c.logger.Error("failed to load session", "error", err)
		c.connectFailedLocked()
		return
	}

	if sess != nil {
		err = c.driver.Connect(ctx, sess.Credential, c.handlerFor(epoch))
		switch {
		case err == nil:
			c.logger.Info("resuming stored session", "account_id", sess.AccountID)
			return
		case errors.Is(err, network.ErrSessionInvalid):
			c.logger.Warn("stored session rejected, pairing again", "account_id", sess.AccountID)
			c.dropSession(ctx)
			epoch = c.epoch.Add(1)
		default:
			c.logger.Warn("connect failed", "error", err)
			c.connectFailedLocked()
			return
		}
	}

	c.transitionLocked(awaitingPairingStatus("", 0))
	if err := c.driver.Connect(ctx, nil, c.handlerFor(epoch)); err != nil {
		c.logger.Warn("pairing connect failed", "error", err)
		c.connectFailedLocked()
	}
}

// connectFailedLocked abandons the attempt's epoch so its late events are
// dropped, then schedules a retry.
func (c *Client) connectFailedLocked() {
	c.epoch.Add(1)
	if cur := c.Status(); cur.State != StateDisconnected || cur.Reason != network.ReasonNetwork {
		c.transitionLocked(disconnectedStatus(network.ReasonNetwork))
	}
	c.scheduleRetryLocked()
}

func (c *Client) handlerFor(epoch uint64) network.Handler {
	return func(evt network.Event) {
		c.inbox.Push(inboxItem{epoch: epoch, evt: evt})
	}
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.inbox.Ready():
			for _, item := range c.inbox.Drain() {
				c.apply(ctx, item)
			}
		}
	}
}

func (c *Client) apply(ctx context.Context, item inboxItem) {
	if item.epoch != c.epoch.Load() {
		return
	}

	// Traffic only emits events, so it never waits behind in-flight commands.
	switch evt := item.evt.(type) {
	case network.MessageEvent:
		c.handleMessage(evt.Message)
		return
	case network.AckEvent:
		c.emit(events.TypeMessageAck, events.AckData{ChatID: evt.ChatID, MessageIDs: evt.MessageIDs, Ack: evt.Ack})
		return
	}

	if err := c.lock(ctx); err != nil {
		return
	}
	defer c.unlock()

	if item.epoch != c.epoch.Load() {
		return
	}
	if item.retry {
		if c.Status().State == StateDisconnected && !c.manual {
			c.connectLocked(ctx)
		}
		return
	}

	cur := c.Status()
	switch evt := item.evt.(type) {
	case network.PairingCodeEvent:
		if cur.State != StateAwaitingPairing {
			c.logger.Debug("ignoring pairing code outside pairing", "state", cur.State)
			return
		}
		c.transitionLocked(awaitingPairingStatus(evt.Code, evt.ExpiresIn))
		c.emit(events.TypePairingCode, events.PairingCodeData{Code: evt.Code, ExpiresIn: evt.ExpiresIn.Seconds()})

	case network.PairedEvent:
		if cur.State != StateAwaitingPairing {
			return
		}
		sess := &session.Session{AccountID: evt.AccountID, Credential: evt.Credential, PairedAt: time.Now()}
		if err := c.store.Save(ctx, sess); err != nil {
			c.logger.Error("failed to persist session", "account_id", evt.AccountID, "error", err)
		}
		c.transitionLocked(authenticatedStatus(evt.AccountID))

	case network.ReadyEvent:
		switch cur.State {
		case StateReady:
			return
		case StateAuthenticated:
		default:
			c.transitionLocked(authenticatedStatus(evt.AccountID))
		}
		c.backoff.Reset()
		c.transitionLocked(readyStatus(evt.AccountID))

	case network.DisconnectedEvent:
		c.epoch.Add(1)
		c.driver.Close()
		if evt.Reason.ClearsSession() {
			c.dropSession(ctx)
		}

		// A resume refused by the network was never visible as connected,
		// so it goes straight back to pairing.
		if evt.Reason == network.ReasonSessionInvalid && !cur.Connected() && cur.State != StateAuthenticated {
			c.logger.Warn("stored session rejected on resume, pairing again")
			c.connectLocked(ctx)
			return
		}
		if cur.State != StateDisconnected || cur.Reason != evt.Reason {
			c.transitionLocked(disconnectedStatus(evt.Reason))
		}

		switch evt.Reason {
		case network.ReasonReplaced:
			c.logger.Warn("session taken over by another client, not reconnecting")
		case network.ReasonSessionInvalid:
			c.connectLocked(ctx)
		default:
			c.scheduleRetryLocked()
		}
	}
}

func (c *Client) handleMessage(msg network.Message) {
	if c.seen.CheckAndMark(dedupe.MessageKey(msg.ChatID, msg.ID)) {
		c.logger.Debug("dropping redelivered message", "chat_id", msg.ChatID, "message_id", msg.ID)
		return
	}
	if msg.Direction == network.DirectionOutbound {
		c.emit(events.TypeMessageSent, events.MessageData{Message: msg})
		return
	}
	c.metrics.MessageReceived()
	c.emit(events.TypeMessageReceived, events.MessageData{Message: msg})
}

// transitionLocked stores next and emits the event that announces it.
func (c *Client) transitionLocked(next Status) {
	prev := c.status.Swap(&next)
	if prev.State != next.State {
		c.metrics.Transition(string(prev.State), string(next.State))
		c.logger.Info("state changed", "from", prev.State, "to", next.State, "reason", next.Reason)
	}

	switch next.State {
	case StateAuthenticated:
		c.emit(events.TypeAuthenticated, events.AuthenticatedData{})
	case StateReady:
		c.emit(events.TypeReady, events.ReadyData{AccountID: next.AccountID})
	case StateDisconnected:
		c.emit(events.TypeDisconnected, events.DisconnectedData{Reason: next.Reason})
	}
}

func (c *Client) emit(t events.Type, data any) {
	if c.emitter == nil {
		return
	}
	c.emitter.Publish(events.New(t, data))
}

func (c *Client) dropSession(ctx context.Context) {
	if err := c.store.Delete(ctx); err != nil {
		c.logger.Error("failed to delete session", "error", err)
	}
}

func (c *Client) scheduleRetryLocked() {
	if c.manual {
		return
	}
	c.stopRetryLocked()
	delay := c.backoff.NextBackOff()
	epoch := c.epoch.Load()
	c.retryTimer = time.AfterFunc(delay, func() {
		c.inbox.Push(inboxItem{epoch: epoch, retry: true})
	})
	c.logger.Info("reconnect scheduled", "delay", delay)
}

func (c *Client) stopRetryLocked() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
}

func (c *Client) renewLease(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.LeaseTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.leaseHeld.Load() {
				continue
			}
			err := c.store.Acquire(ctx, c.cfg.InstanceID, c.cfg.LeaseTTL)
			switch {
			case err == nil:
			case errors.Is(err, session.ErrLocked):
				c.loseLease(ctx)
			default:
				c.logger.Error("failed to renew session lease", "error", err)
			}
		}
	}
}

// loseLease stops using the network after another instance took the lease.
// The stored session now belongs to that instance, so it is neither logged
// out nor deleted. Reconnect takes the lease back once it is free.
func (c *Client) loseLease(ctx context.Context) {
	if err := c.lock(ctx); err != nil {
		return
	}
	defer c.unlock()
	if !c.leaseHeld.Swap(false) {
		return
	}

	c.logger.Error("session lease taken by another instance, disconnecting")
	c.manual = true
	c.epoch.Add(1)
	c.stopRetryLocked()
	c.driver.Close()
	c.transitionLocked(disconnectedStatus(network.ReasonLeaseLost))
}
