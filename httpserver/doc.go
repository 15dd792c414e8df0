/*
Package httpserver exposes a deployment over HTTP while `deployer serve` runs.

# Endpoints

  - GET /api/modules lists modules with their node, id and deployment state.
    Module keys are never returned.
  - GET /api/connections lists connections. The nonce is reported for direct
    connections only.
  - POST /api/call/{module}/{entry} calls an entry point, deploying the module
    first if needed. The request body is the raw argument and the response
    body is the raw result. The entry may be a name or a numeric id.
  - POST /api/output/{connection} sends the request body over a direct
    connection.

Health and diagnostics follow the usual layout: /livez, /readyz (pings every
node), /drain, /undrain, /metrics and optionally /debug/pprof.

Errors reported by a node map to 502, unknown modules and connections to 404
and outputs on non-direct connections to 400.
*/
package httpserver
