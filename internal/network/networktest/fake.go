// ABOUTME: Scriptable in-memory network driver for tests
// ABOUTME: Tests push lifecycle events and seed chats; calls are recorded for assertions

package networktest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/2389/concierge-gateway/internal/network"
)

// Fake implements network.Driver entirely in memory.
type Fake struct {
	mu       sync.Mutex
	handler  network.Handler
	chats    map[string]network.Chat
	messages map[string][]network.Message
	nextID   int

	// AcceptCredential decides whether Connect accepts a stored credential.
	// When nil every credential is accepted.
	AcceptCredential func(cred []byte) bool

	// AutoPair makes Connect(nil) emit a pairing code immediately.
	AutoPair bool

	// AutoResume makes Connect(cred) emit ReadyEvent for AccountID once accepted.
	AutoResume bool
	AccountID  string

	// SendErr, when set, is returned by Send.
	SendErr error

	// SendDelay delays Send, honoring the context.
	SendDelay time.Duration

	// SendBlock, when non-nil, makes Send wait until it is closed, ignoring the context.
	SendBlock chan struct{}

	ConnectCalls []ConnectCall
	SendCalls    int
	LogoutCalls  int
	CloseCalls   int
}

// ConnectCall records one Connect invocation.
type ConnectCall struct {
	Credential []byte
}

// New returns a Fake with AutoPair and AutoResume enabled for account "acct-1".
func New() *Fake {
	return &Fake{
		chats:      make(map[string]network.Chat),
		messages:   make(map[string][]network.Message),
		AutoPair:   true,
		AutoResume: true,
		AccountID:  "acct-1",
	}
}

var _ network.Driver = (*Fake)(nil)

// Connect implements network.Driver.
func (f *Fake) Connect(_ context.Context, credential []byte, h network.Handler) error {
	f.mu.Lock()
	f.handler = h
	f.ConnectCalls = append(f.ConnectCalls, ConnectCall{Credential: credential})
	accept := f.AcceptCredential
	autoPair, autoResume, acct := f.AutoPair, f.AutoResume, f.AccountID
	pairN := len(f.ConnectCalls)
	f.mu.Unlock()

	if credential != nil {
		if accept != nil && !accept(credential) {
			return network.ErrSessionInvalid
		}
		if autoResume {
			h(network.ReadyEvent{AccountID: acct})
		}
		return nil
	}
	if autoPair {
		h(network.PairingCodeEvent{Code: fmt.Sprintf("pair-%d", pairN), ExpiresIn: 20 * time.Second})
	}
	return nil
}

// SetAcceptCredential replaces AcceptCredential while the fake is in use.
func (f *Fake) SetAcceptCredential(fn func(cred []byte) bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.AcceptCredential = fn
}

// SetSendErr replaces SendErr while the fake is in use.
func (f *Fake) SetSendErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SendErr = err
}

// Emit delivers an event through the handler registered by the last Connect.
func (f *Fake) Emit(evt network.Event) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h(evt)
	}
}

// CompletePairing emits the paired and ready events for account.
func (f *Fake) CompletePairing(account string) {
	f.Emit(network.PairedEvent{AccountID: account, Credential: []byte("cred:" + account)})
	f.Emit(network.ReadyEvent{AccountID: account})
}

// AddChat seeds a chat.
func (f *Fake) AddChat(c network.Chat) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chats[c.ID] = c
}

// AddMessage seeds a message and creates its chat when missing.
func (f *Fake) AddMessage(m network.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.chats[m.ChatID]
	if !ok {
		c = network.Chat{ID: m.ChatID, Name: m.ChatID}
	}
	if m.Timestamp.After(c.LastActivity) {
		c.LastActivity = m.Timestamp
		c.LastMessage = m.Summary()
	}
	if m.Direction == network.DirectionInbound {
		c.InitiatedContact = true
	}
	f.chats[m.ChatID] = c
	f.messages[m.ChatID] = append(f.messages[m.ChatID], m)
}

// Chats implements network.Driver. The result is deliberately unsorted.
func (f *Fake) Chats(_ context.Context) ([]network.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]network.Chat, 0, len(f.chats))
	for _, c := range f.chats {
		out = append(out, c)
	}
	return out, nil
}

// Messages implements network.Driver. Messages are returned in insertion order.
func (f *Fake) Messages(_ context.Context, chatID string, limit int) ([]network.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.chats[chatID]; !ok {
		return nil, network.ErrChatNotFound
	}
	msgs := append([]network.Message(nil), f.messages[chatID]...)
	return msgs, nil
}

// Send implements network.Driver.
func (f *Fake) Send(ctx context.Context, chatID, body string) (network.SendResult, error) {
	f.mu.Lock()
	f.SendCalls++
	_, known := f.chats[chatID]
	sendErr, delay, block := f.SendErr, f.SendDelay, f.SendBlock
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return network.SendResult{}, ctx.Err()
		}
	}
	if !known {
		return network.SendResult{}, network.ErrChatNotFound
	}
	if sendErr != nil {
		return network.SendResult{}, sendErr
	}

	f.mu.Lock()
	f.nextID++
	res := network.SendResult{MessageID: fmt.Sprintf("out-%d", f.nextID), Timestamp: time.Now()}
	f.mu.Unlock()

	f.AddMessage(network.Message{
		ID:        res.MessageID,
		ChatID:    chatID,
		Direction: network.DirectionOutbound,
		Body:      body,
		Timestamp: res.Timestamp,
		Ack:       network.AckServer,
	})
	return res, nil
}

// Logout implements network.Driver.
func (f *Fake) Logout(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.LogoutCalls++
	return nil
}

// Close implements network.Driver.
func (f *Fake) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CloseCalls++
}

// Sends returns the number of Send calls observed.
func (f *Fake) Sends() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.SendCalls
}

// Connects returns a copy of the recorded Connect calls.
func (f *Fake) Connects() []ConnectCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ConnectCall(nil), f.ConnectCalls...)
}

// Logouts returns the number of Logout calls observed.
func (f *Fake) Logouts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.LogoutCalls
}
