// Package channels connects messaging adapters to the agent loop. Adapters
// publish inbound messages on the bus; the Dispatcher turns each one into a
// queued agent turn and publishes the reply as an outbound message.
package channels
