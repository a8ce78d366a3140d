// Package session implements the per-connection viewer protocol engine.
//
// A Session owns one viewer connection: the handshake and challenge/response
// authentication, caps negotiation, epoch-based stream reconfiguration, the
// outbound video, audio and control queues, and the heartbeat watchdog. Each
// session runs four workers borrowed from a shared pool:
//
//   - listener: reads lines (and inline audio payloads) and dispatches commands
//   - video sender: drains the control queue (state notices, batches), then video
//   - audio sender: writes downlink audio
//   - heartbeat: sends keepalives and closes the session after prolonged silence
//
// All bytes reach the socket through a single write mutex held only by the two
// sender workers. Sessions report to their controller by emitting typed Events;
// the controller talks back through EnableStreaming, the Send* methods and the
// Enqueue* methods.
//
// Manager keeps the registry of live sessions for the controller and HTTP API.
package session
