// Package agent contains the offline cache agent: the install, fetch and
// activate handlers that populate a versioned cache namespace, answer
// intercepted requests cache-first with network and offline-page fallbacks,
// and drop namespaces left behind by previous versions. The agent holds no
// state between invocations besides the injected cache.Storage; hosts drive
// it through the Lifecycle interface and await each returned call before
// treating the corresponding phase as finished.
package agent
