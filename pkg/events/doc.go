/*
Package events is an in-memory pub/sub broker for submission lifecycle
notifications. The executor publishes events as submissions move
through their state machine; subscribers
(logging, metrics, future webhooks) drain them without blocking the
publisher — a full subscriber buffer drops the event rather than
stalling the broker.
*/
package events
