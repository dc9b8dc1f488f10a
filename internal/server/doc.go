// Package server implements the RPC dispatch layer: the HTTP surface that
// routes the cloud-file wire protocol to the item store, the chunk store, and
// the account registry.
//
// Wire contract: each call is one request to an endpoint path (for example
// /list_folder), with the JSON-encoded parameters in the "arguments" query
// item and any raw binary payload as the request body. Calls are scoped to an
// account through the x-domain header and authenticated with x-authorization.
// Responses are JSON bodies; when a call also returns a binary payload, the
// JSON travels base64-encoded in the API-Response header and the payload is
// the body. Errors come back as a non-200 status with the JSON-encoded
// domain error in the X-API-Error header.
//
// Mutating calls for the same account are serialized through a per-account
// mutex; calls for different accounts proceed in parallel. The dispatch layer
// also hosts the test-harness hooks: artificial response latency, random
// simulated failures, per-item injected errors, and bandwidth throttling of
// payload downloads.
package server
