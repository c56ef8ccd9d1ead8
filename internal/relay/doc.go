// Package relay forwards gateway events to external systems.
//
// Each relay is an ordinary broadcaster subscriber: Run consumes one
// Subscription and hands every event to a Relay. A relay that fails to
// deliver logs and counts the failure; it never slows the gateway down,
// since a relay that falls too far behind is evicted like any other
// subscriber and Run returns.
package relay
