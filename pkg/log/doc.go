/*
Package log provides structured logging for the broker using zerolog.

Init configures the global Logger once at startup from the broker's
--log-level and --log-json command-line flags. Components that want a logger carrying their own fields
call WithComponent, WithSubmission, or WithCluster rather than
reaching for Logger directly, so every log line from the executor,
registry, cleanup scheduler or admission front-end can be filtered by
app_id or cluster_name in aggregation.
*/
package log
