// Package server hosts the offline agent behind a Fiber HTTP service. Host
// plays the role a browser plays for a service worker: it dispatches the
// install and activate events (retrying install with backoff), tracks the
// lifecycle state, and routes every intercepted request to the agent once it
// controls the origin. NewApp wires request IDs, panic recovery and the
// catch-all interception handler; the routes subpackage adds the /-/
// diagnostics surface.
package server
