// Package dedupe suppresses duplicate inbound messages within a time window.
package dedupe
