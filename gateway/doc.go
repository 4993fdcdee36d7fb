// Package gateway fronts a static set of backend tool services with a single
// MCP JSON-RPC endpoint.
//
// A request to {prefix} sees every backend at once: tools/list fans out to
// all of them concurrently and prefixes each tool as "{backend}__{tool}",
// and tools/call splits that name back apart. A request to {prefix}/x/{name}
// sees only backend name, with tool names untouched. {prefix}/readonly and
// the X-MCP-Readonly header disable tool calls; X-MCP-Toolsets narrows the
// visible backends.
//
// Backends speak a minimal HTTP contract:
//
//	GET  /        -> JSON array of tool descriptors
//	POST /{tool}  -> tool result for the JSON arguments in the body
//
// A backend that fails while listing contributes no tools. A backend that
// answers a call with a non-2xx status produces an isError tool result
// carrying the status and body. Calls to backends are detached from the
// inbound request's cancellation and bounded by Config.BackendTimeout.
package gateway
