// Package mcp is hark's extension server client. It speaks MCP
// (JSON-RPC 2.0) to any number of servers over stdio, streamable HTTP,
// or WebSocket, and merges their tools into one catalog.
//
// A [Conn] owns one server connection: handshake, cached tool
// discovery, and id-correlated tool calls that may be in flight
// concurrently. A [Registry] owns every Conn, starts them in parallel,
// publishes the merged [Catalog] snapshot, routes invocations by tool
// name, and replaces connections that are lost.
package mcp
