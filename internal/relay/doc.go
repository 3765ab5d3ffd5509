// Package relay couples browser WebSocket connections to external media
// processes. Each accepted connection gets one session and one process;
// binary chunks read from the socket are written to the process stdin in
// arrival order, and the two lifetimes are tied together in both
// directions: a process exit force-closes the socket and a socket close
// stops the process.
package relay
