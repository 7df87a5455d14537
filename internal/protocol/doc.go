// Package protocol defines the JSON frames of the direct-message socket.
//
// Every frame carries a "type". Client frames are join_room, send_message
// and leave_room; server frames are joined, left, sent, message_received and
// error. Requests may carry a request_id that is echoed in the reply.
//
//	{"type":"send_message","request_id":"r1","from":7,"to":12,"body":"hello","client_id":"c1"}
//	{"type":"message_received","message":{"id":1,"room":"7_12","from":"7","to":"12","body":"hello","sent_at":"...","client_id":"c1"}}
//
// Participant ids may be sent as JSON numbers or strings.
package protocol
