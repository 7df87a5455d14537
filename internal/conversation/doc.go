// Package conversation implements the delivery channel for direct messages.
//
// # Overview
//
// Service sits between the transport handlers (WebSocket, HTTP, SSE) and the
// message store. A send is two steps, always in this order:
//
//  1. Append the message to the store. On failure the error is returned and
//     nothing is broadcast.
//  2. Broadcast the stored record to every endpoint joined to the room,
//     including the sender's own endpoint.
//
// Membership, not identity, gates delivery: a participant connected on two
// devices receives live messages only on the devices that joined the room.
//
// # Ordering
//
// Sends to the same room are serialized by a per-room lock held across both
// steps, so every endpoint sees messages in persistence order. Sends to
// different rooms do not contend. Broadcast uses non-blocking delivery; an
// endpoint with a full buffer misses the message and catches up through
// history.
//
// # Retries
//
// With SetDedupe, a send carrying a ClientID already seen for the same room
// and sender returns the original message with Duplicate set and is not
// broadcast again.
package conversation
