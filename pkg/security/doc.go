/*
Package security provides AES-256-GCM encryption for cluster-profile
credential blobs and certificates at rest. SecretsManager wraps a
32-byte key (supplied directly or derived from a password/broker
secret via DeriveKeyFromBrokerSecret); Encrypt/Decrypt use a
process-wide key set once at startup via SetBrokerEncryptionKey for
call sites (pkg/cluster) that don't carry their own SecretsManager.
*/
package security
