/*
Package health implements the readiness checks the orchestrator adapter
polls while provisioning a submission's work-queue and metrics
databases: TCPChecker for the Redis-backed work queue, HTTPChecker for
the metrics database. Both satisfy the same Checker interface so a
provisioning loop can poll either with one retry/timeout strategy.

PollUntilReady drives that loop with a bounded timeout, matching the
"poll until ready, delete partial resources and fail with provisioning
on timeout" contract described for step 3/4 of start_application.
*/
package health
