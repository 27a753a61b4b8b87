// Package router turns domain frames from the realtime channel into typed
// events and fans them out to subscribers.
//
// Each subscriber is bound to a named delivery context. The context's
// predicate runs on every event, including events that arrived through a
// tenant room, because some event kinds are broadcast without tenant scoping
// at the source. Subscribers own a bounded buffer; a consumer that falls
// behind loses its oldest events rather than stalling the router.
package router
