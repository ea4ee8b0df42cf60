/*
Package storage defines the Store interface the Submission Registry,
Cluster-Profile Registry and Plugin Catalog persist through, and its
two engines: BoltStore (embedded, bbolt-backed) and RedisStore
(distributed, Redis-backed with a SETNX lease for cross-instance
mutual exclusion). Both store opaque JSON blobs keyed by a caller-
chosen prefix; GetAll/DeleteAll operate over that prefix.
*/
package storage
