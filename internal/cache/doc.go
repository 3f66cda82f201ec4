// Package cache implements the persistent, namespaced request/response store
// the offline agent installs into and serves from. Each namespace maps to a
// directory under StoragePath; every entry is a JSON metadata file plus a
// zstd-compressed body, both named by the sha256 digest of the request key
// (method + absolute URL). Writes go through temp files and rename, AddAll
// stages every fetched resource before committing any of them, and an
// ordered namespaces.json index preserves creation order so cross-namespace
// lookups are deterministic.
package cache
