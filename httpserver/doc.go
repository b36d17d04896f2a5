/*
Package httpserver serves the node API.

# Counter

  - GET  /counter   current value, instance id and leadership flag
  - POST /increment increments the counter; 403 unless this node is leader
  - GET  /log       the operation log

# Cluster

  - GET /status      local leader state plus ledger totals. Ledger failures are
    reported as an error payload next to the last known leader state.
  - GET /members     active instance ids recorded by the ledger
  - GET /leader      the last published leader state
  - GET /health      liveness probe used by followers to judge the leader
  - GET /wallet-info the instance account and how its key is derived

# Identity

  - GET  /proof  a fresh identity proof for the instance key, checked against the trust anchor
  - POST /verify verifies an identity proof posted as JSON

# Operations

  - GET /livez, /readyz, /drain, /undrain
  - /debug/pprof when enabled
  - Prometheus metrics on a separate listener
*/
package httpserver
