// Package mcp contains the Model Context Protocol wire types the gateway
// speaks: the initialize handshake, tool listing and tool calls. It mirrors
// the protocol's JSON shapes with exported structs and json tags and carries
// no transport logic.
//
// # Method Names
//
// JSON-RPC method and notification names are enumerated as Method constants
// (e.g. ToolsListMethod).
//
// # Tool Metadata
//
// Tool keeps inputSchema, outputSchema and annotations as raw JSON so that
// backend-provided documents pass through the gateway byte-for-byte apart
// from the name.
//
// # Protocol Versions
//
// NegotiateProtocolVersion echoes a client's requested version when it is
// supported and otherwise answers with LatestProtocolVersion.
package mcp
