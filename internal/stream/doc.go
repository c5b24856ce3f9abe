// Package stream carries bus events to consumers outside the orchestrator.
//
// A Bridge subscribes to the synchronous event bus and republishes every
// event as a JSON envelope on an in-process watermill channel. Websocket
// clients read from Bridge.Subscribe; optional sinks attached with
// Bridge.Attach forward local events to redis (for other instances) and to a
// NATS JetStream stream.
package stream
