// ABOUTME: ConnectionState and the immutable Status snapshot the gateway publishes
// ABOUTME: Constructors keep pairing codes and account ids tied to the states that own them

package gateway

import (
	"time"

	"github.com/2389/concierge-gateway/internal/events"
	"github.com/2389/concierge-gateway/internal/network"
)

// State is the connection state of the gateway.
type State string

const (
	StateUninitialized   State = "uninitialized"
	StateAwaitingPairing State = "awaiting-pairing"
	StateAuthenticated   State = "authenticated"
	StateReady           State = "ready"
	StateDisconnected    State = "disconnected"
)

// Status is a point-in-time view of the connection. Values are only built by
// the constructors below, so a pairing code never coexists with an account
// id and a disconnect reason only exists while disconnected.
type Status struct {
	State       State                    `json:"state"`
	AccountID   string                   `json:"accountId,omitempty"`
	PairingCode string                   `json:"pairingCode,omitempty"`
	CodeExpires time.Time                `json:"codeExpires,omitzero"`
	Reason      network.DisconnectReason `json:"reason,omitempty"`
	Since       time.Time                `json:"since"`
}

func uninitializedStatus() Status {
	return Status{State: StateUninitialized, Since: time.Now()}
}

func awaitingPairingStatus(code string, expiresIn time.Duration) Status {
	s := Status{State: StateAwaitingPairing, PairingCode: code, Since: time.Now()}
	if code != "" && expiresIn > 0 {
		s.CodeExpires = s.Since.Add(expiresIn)
	}
	return s
}

func authenticatedStatus(accountID string) Status {
	return Status{State: StateAuthenticated, AccountID: accountID, Since: time.Now()}
}

func readyStatus(accountID string) Status {
	return Status{State: StateReady, AccountID: accountID, Since: time.Now()}
}

func disconnectedStatus(reason network.DisconnectReason) Status {
	return Status{State: StateDisconnected, Reason: reason, Since: time.Now()}
}

// Connected reports whether commands are accepted.
func (s Status) Connected() bool {
	return s.State == StateReady
}

// NeedsPairing reports whether a device has to be linked before the gateway
// can become ready: either a handshake is running, or the session was
// discarded and nothing will resume it.
func (s Status) NeedsPairing() bool {
	switch s.State {
	case StateAwaitingPairing:
		return true
	case StateDisconnected:
		return s.Reason.ClearsSession()
	default:
		return false
	}
}

// Data renders the status as an event payload.
func (s Status) Data() events.StatusData {
	return events.StatusData{
		State:        string(s.State),
		Connected:    s.Connected(),
		AccountID:    s.AccountID,
		NeedsPairing: s.NeedsPairing(),
		PairingCode:  s.PairingCode,
	}
}
