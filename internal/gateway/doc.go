// Package gateway implements the connection state machine for the single
// messaging account the process serves.
//
// # States
//
//	uninitialized -> awaiting-pairing -> authenticated -> ready
//	      |                                   ^
//	      +------- stored session accepted ---+
//	ready -> disconnected -> (backoff) -> authenticated | awaiting-pairing
//
// A Client is the only writer of the state. Driver callbacks are queued and
// applied in order by one goroutine; commands read a lock-free Status and
// only reach the network while the state is ready.
//
// Sends and queries share a weighted semaphore; transitions and Disconnect
// take all of it. Inbound messages and acks never touch the semaphore. A
// waiting transition holds back new commands, and every wait is bounded by
// the caller's context.
//
// Resuming a stored session leaves the state alone until the network
// answers. A rejected resume goes straight to awaiting-pairing.
//
// An explicit Disconnect logs the device out, deletes the stored session and
// stays disconnected until Reconnect. Any other disconnect is retried with
// exponential backoff, resuming the stored session when one is left. When
// another instance takes the session lease the client closes the connection
// and stays disconnected with reason lease-lost until Reconnect wins the lease
// back.
//
// # Errors
//
// Commands return *Error values whose Kind is the machine-readable category
// the API reports. Classify maps driver and context errors onto Kinds.
package gateway
