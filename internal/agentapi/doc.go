// Package agentapi is the bridge's client for the agent gateway HTTP API.
// Messages are POSTed to /api/send and the agent's reply streams back as
// Server-Sent Events. The bridge treats the gateway as an opaque
// collaborator: routing, model selection, and tool use all happen on the
// other side of this API.
package agentapi
