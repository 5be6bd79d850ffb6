// Package server implements the real-time connection hub for the Nimbus
// chat service.
//
// The Hub tracks which live WebSocket connections belong to which room,
// fans messages out to room members, derives presence, and prunes
// connections whose transport died. The surrounding files provide the
// HTTP/WebSocket edge, per-connection pumps, configuration, and the
// collaborator interfaces (token verification, user/room lookup, message
// persistence) that concrete implementations plug into at startup.
package server
