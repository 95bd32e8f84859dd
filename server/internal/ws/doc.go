// Package ws pushes live fleet updates to WebSocket clients.
//
// New(initial) creates a Hub. Hub.ServeHTTP upgrades a connection, sends the
// message rendered by initial (the full fleet snapshot in production), then
// streams every event handed to Hub.Publish. There is no polling loop: events
// are published by the API after writes. Hub.Run(ctx) closes all connections
// once ctx is cancelled.
//
// Message format sent to clients:
//
//	{
//	  "event": "fleet.snapshot" | "bus.updated" | "bus.deleted",
//	  "data":  { /* same schema as the matching REST payload */ }
//	}
//
// The upgrader accepts all origins. Apply CORS restrictions at the reverse
// proxy level. The endpoint is mounted at /ws/fleet by the server.
package ws
