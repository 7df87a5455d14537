// Package gateway serves direct messages over HTTP and WebSocket.
//
// # Overview
//
// The Gateway owns the message store, the room registry and the delivery
// channel, and exposes them on a single HTTP server:
//
//	GET  /ws                          WebSocket; one socket is one room endpoint
//	POST /api/send                    persist and broadcast a message
//	GET  /api/rooms/{key}/messages    history (since_id, limit)
//	GET  /api/rooms/{key}/stream      SSE receive-only room member
//	GET  /api/rooms/{key}/members     live members (scope=cluster for Redis view)
//	GET  /health, /health/ready       liveness and store readiness
//	GET  /metrics                     Prometheus
//
// # Authentication
//
// With auth.jwt_secret set, every /ws and /api route requires a token whose
// subject is the caller's participant id. A caller may only send as itself
// and only read rooms it belongs to. Without a secret the gateway trusts the
// "from" field and logs a warning at startup.
//
// # WebSocket Frames
//
// Clients send join_room, send_message and leave_room frames (see package
// protocol). Joining a room moves the socket out of its previous room. Live
// messages arrive as message_received frames; a full outbound buffer drops
// the frame and the client recovers through history.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	err = gw.Run(ctx) // blocks until ctx is canceled
//
// Shutdown closes sockets and SSE streams, drains the HTTP server, flushes
// the Redis presence mirror and closes the store.
package gateway
