// Package weft is the client core of the weft service mesh.
//
// Every weft service or subscriber embeds this library to talk to the rest
// of the mesh. A `Client` speaks the registry's command protocol: every
// interaction is a single HTTP exchange carrying a command header
// (`service-setup`, `service-register`, `pubsub-publish`, ...) which the
// registry multiplexes over one endpoint.
//
// ## How it works
//
// Creating a service is a three-step dance with the registry:
//
//  1. *setup*: the registry allocates a reachable location (host:port),
//  2. *bind*: we bind a local listener on the allocated port, asking for a
//     fresh allocation if the port turned out to be taken,
//  3. *register*: the registry records the location and answers with its
//     full topology snapshot, which seeds our local `Cache`.
//
// From then on the registry pushes incremental `cache-update` notifications
// to the service's own listener, so peer calls can go directly to a cached
// location instead of hopping through the registry. The `Context` handed to
// every handler exposes that fast path (`Context.Call`), pub/sub publishing,
// and `Stub` resolution for any cached name.
//
// Subscribers work the same way, except their listener feeds inbound
// `pubsub-publish` deliveries to the channel's registered handlers and
// aggregates their results.
//
// ## Design Principles
//
// The cache is never authoritative: it is a locally-stale view of registry
// state, refreshed wholesale at registration time and patched by pushes.
// APIs MUST NOT model an infallible mesh; callers are expected to handle
// `TransportError` and `RemoteError` and decide their own retry policy.
//
// Dependencies are kept minimal:
//
//   - [`hashicorp/go-metrics`][dep-met], to let you choose how to collect
//     the telemetry emitted by the client core.
//   - [`google/uuid`][dep-uuid], for subscription and generated endpoint
//     identities.
//   - [`golang.org/x/time`][dep-rate], for the optional inbound rate limit.
//
// [dep-met]: https://pkg.go.dev/github.com/hashicorp/go-metrics
// [dep-uuid]: https://pkg.go.dev/github.com/google/uuid
// [dep-rate]: https://pkg.go.dev/golang.org/x/time/rate
package weft
