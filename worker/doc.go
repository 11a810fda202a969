/*
Package worker manages the pool of backend stdio processes behind the gateway.

A Worker owns one OS process that reads one request per line on stdin and
writes one response per line on stdout. The worker's mutex is the only thing
serializing access to those pipes: every unary exchange is one
write-then-read under the mutex, a stream exchange holds the mutex from the
write until the response is fully drained, and the duplex bridge takes the
mutex per write while a single goroutine owns all reads.

The Registry maps session ids to workers, creating them on demand. Losing a
worker (crash, idle reaping, shutdown) never invalidates the session id; the
next Resolve for that id spawns a fresh process.

Workers are terminated with SIGTERM, a bounded grace period, then SIGKILL,
identically from every code path that retires them: the idle Reaper, the
gateway's exchange-failure handling, and shutdown.
*/
package worker
