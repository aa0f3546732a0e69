// Package api implements the HTTP REST API and WebSocket event stream of
// a labhub instance.
//
// This package provides:
//   - REST endpoints to read and actuate the hub, check the interlock,
//     run sequences and optimizations, and save or load snapshots
//   - A WebSocket stream relaying hub events to remote viewers
//   - JWT authentication with ticket-based WebSocket auth
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//
// # Security
//
// Reads need any valid token. Mutating routes also need the permission
// the token's role grants (see package auth). WebSocket connections use
// single-use tickets so that tokens never appear in URLs.
//
// # Event stream
//
// The Stream is created before the hub and handed to it as a
// broadcaster, so that every hub event reaches subscribed viewers. A
// viewer subscribes to event names ("actuate", "sampler point") or to
// "*" for everything, and may narrow actuation events to some things.
// Viewers that stop reading are disconnected.
package api
