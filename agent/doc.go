// Package agent is the session and streaming orchestration core: it keeps
// one persistent backend connection alive across many user turns,
// multiplexes the connection's single output stream to the caller awaiting
// the current turn, reconciles session identity across interruptions and
// restarts, and mediates every tool invocation through the permission
// engine.
//
// Hosts construct one Service per conversation session and submit turns
// with Query, which returns a chunk stream always terminated by a done or
// error chunk.
package agent
