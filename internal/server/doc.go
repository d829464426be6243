// Package server implements the HTTP side of the room chat relay.
//
// It loads configuration, builds the zap logger, checks websocket origins and
// routes requests to the room registry in package chat. The files are split
// by concern: config, logging, origin policy, handlers, routing and the
// http.Server lifecycle.
package server
