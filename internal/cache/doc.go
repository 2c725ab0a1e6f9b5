// Package cache implements the proxy's response cache: buffered responses
// to cache-enabled routes are stored under a stable fingerprint of
// (method, path, body, scope) and replayed within their TTL.
//
// Two tiers are supported. The in-process memory tier is always present
// when caching is enabled; a Redis tier can be layered behind it so that
// replicas share hits. Lookup order is memory first, then Redis; a Redis
// hit is promoted into memory. The Source of a hit is reported so the
// handler can set X-Ditto-Cache-Source.
package cache
