// Package event defines the two kinds of notification this module moves around
// and the in-process machinery that delivers them to handlers.
//
// Domain events describe something that happened inside one bounded context and
// are handled in the same process, inside the same unit of work. Integration
// events announce a committed state change to other services and travel over
// the message bus. The kind is fixed when the event is built and is carried in
// its serialized metadata, so a decoded event is self-describing.
//
// Dispatcher runs every handler registered for an event type, then every
// catch-all handler, then every post handler (such as the background commit
// handler), in registration order. The first failure stops the chain.
package event
