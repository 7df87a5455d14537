// Package session is the client side of a direct-message conversation.
//
// A Session belongs to one participant talking to one peer. Open joins the
// shared room and, at the same time, pages through the room's history and
// consumes live broadcasts. Both feed a single buffer keyed by message id,
// so a message that arrives live and again in a history page is kept once.
//
//	conn, _ := session.DialWS(ctx, wsURL, token, logger)
//	s, _ := session.New(session.Config{Self: "7", Peer: "12", Conn: conn,
//		History: &session.HTTPHistory{BaseURL: baseURL, Token: token}})
//	_ = s.Open(ctx)
//	_, _ = s.Send(ctx, "hello")
//
// Send shows an optimistic placeholder (negative id) in Pending until the
// canonical message arrives, either as the send acknowledgement or as the
// broadcast echo. Close leaves the room; the Conn stays open for reuse.
package session
