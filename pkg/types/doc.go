// Package types holds the broker's durable value records: Submission,
// ClusterProfile, PluginRecord and CleanupNode. These are plain data —
// the behavior that mutates the first three lives in pkg/executor,
// pkg/cluster and pkg/plugins respectively; pkg/cleanup keeps its queue
// in its own unexported node type rather than CleanupNode.
package types
