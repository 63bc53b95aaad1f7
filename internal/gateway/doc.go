// Package gateway serves the campusfind messaging API over HTTP.
//
// # Overview
//
// The Gateway owns the store backend, the conversation service and the HTTP
// server. Every /api route requires a bearer JWT whose "sub" claim is the
// caller's uid; handlers act as that uid.
//
// # HTTP API
//
//   - GET  /api/conversations - the caller's conversations, most recent first
//   - POST /api/conversations - get or create the conversation with other_uid
//   - GET  /api/conversations/{id} - one conversation
//   - GET  /api/conversations/{id}/messages - the ordered message log
//   - POST /api/conversations/{id}/messages - send a message
//   - POST /api/conversations/{id}/read - mark incoming messages read
//   - GET  /api/stream - Server-Sent Events feed (see below)
//   - GET  /api/profile, PUT /api/profile - the caller's profile record
//   - GET  /health - liveness check
//
// # Errors
//
// Errors are JSON objects of the form {"error": "..."}. Validation failures
// are 400, a missing or bad token 401, access to someone else's conversation
// 403, unknown conversations 404, other invalid operations and in-flight
// duplicate sends 409, and store or notification outages 503.
//
// # Streaming
//
// GET /api/stream opens a messenger session for the caller and forwards its
// state as SSE events:
//
//	event: conversations
//	data: {"conversations":[...]}
//
//	event: messages
//	data: {"conversation_id":"u1_u2","messages":[...]}
//
//	event: error
//	data: {"error":"service unavailable"}
//
// ?conversation=ID opens an existing conversation, ?with=UID opens (and if
// needed creates) the conversation with UID. Comment lines keep idle
// connections open at the configured sse_keepalive interval.
package gateway
