// Package connection owns the client side of a chat session: the transport
// socket, the connection state machine and reconnection with backoff.
//
// Ownership model:
//   - One Manager per conversation, bound to one session.ID for its lifetime.
//   - All state lives on the goroutine running Manager.Run. Public methods and
//     transport goroutines talk to it through a single inbox channel, so inbound
//     frames and lifecycle notifications are handled in arrival order.
//   - Consumers read an ordered stream of Event values from Manager.Events.
//
// State machine:
//
//	Idle -> Connecting -> Open -> Closing -> Closed
//	                 \        \__________________/ (unexpected)
//	                  \-> Closed -> Reconnecting -> Connecting
//
// A Closed reached through Close is terminal. A Closed reached through a
// transport failure schedules a reconnect until the attempt ceiling is hit.
package connection
