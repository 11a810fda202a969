/*
Package gateway is the HTTP/WebSocket front of the process gateway.

Three paths forward traffic to the session's worker process:

1. POST /{path} submits one request line and answers with the worker's one
response line. The session id travels in the X-Session-ID header; the gateway
generates one when it is missing and echoes the resolved id back.

2. POST /stream/{path} submits one request line and relays every response
line as its own chunk (application/jsonl) until the worker signals
end-of-response or exits.

3. GET /ws/{path} upgrades to a WebSocket and bridges the connection to a
dedicated worker for the connection's lifetime. Each binary frame is one line
in either direction.

The path segment is opaque to the gateway; only the payload line reaches the
worker. Requests for the same session are strictly serialized by the worker's
lock, requests for different sessions run fully concurrently. A failed
exchange retires the worker and answers 502; the session id stays valid and
the next request for it is served by a fresh process. Nothing is retried on
the caller's behalf.
*/
package gateway
