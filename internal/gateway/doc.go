// Package gateway is the client for the query gateway: an MCP server
// that exposes a SQL execution tool over JSON-RPC 2.0.
//
// The gateway's transport framing (plain JSON or an SSE stream, session
// header or subprocess pipes) is private to this package. Callers hold
// a [Session] per conversation and receive every tool call as an
// [Outcome]: either [Success] with normalized rows or [Failure] with a
// message the agent can feed back to the decision engine. Invoke never
// returns an error and never retries; retry policy belongs to the
// caller.
package gateway
