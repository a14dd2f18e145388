// Package dispatch runs the kernel's request loop.
//
// The engine takes parsed wire requests from the frontend sockets, maps each
// one to a handler (some of which round-trip to the Lua interpreter), and
// brackets every request with busy/idle status broadcasts correlated to it.
//
// Lifecycle:
//   - starting: broadcast, then the echo handshake with the interpreter
//   - idle/busy: one request handled at a time by a single worker
//   - shutting down: entered once the Gate fires, by request or by fault
//   - stopped: held shutdown reply broadcast, interpreter killed
//
// Error handling:
//   - Unknown message types are logged and dropped with no reply
//   - A failed Lua evaluation is a normal "error" execute reply
//   - Signature, decode and interpreter link failures are faults; they fire
//     the Gate and the engine tears down without handling further requests
//
// interrupt_request on the control channel is handled out of band so it can
// reach the interpreter while an execute is still running.
package dispatch
