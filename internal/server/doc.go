// Package server puts the chat engine on the network.
//
// A TCP Acceptor frames raw sockets as newline-terminated lines, and an HTTP
// side serves the same protocol over WebSocket at /ws next to a health check,
// Prometheus metrics, and a browser test page. Server wires both transports
// to one chat.Hub and credential store and owns graceful shutdown.
package server
