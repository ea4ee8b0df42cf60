// Package executor implements the Submission Executor: the
// per-submission state machine that provisions a work queue, creates
// the orchestrator job, fans out start/stop commands to the monitor,
// controller and visualizer sidecars, and drives the submission
// through to a terminal status.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/jobbroker/pkg/brokererr"
	"github.com/cuemby/jobbroker/pkg/cleanup"
	"github.com/cuemby/jobbroker/pkg/cluster"
	"github.com/cuemby/jobbroker/pkg/events"
	"github.com/cuemby/jobbroker/pkg/log"
	"github.com/cuemby/jobbroker/pkg/metrics"
	"github.com/cuemby/jobbroker/pkg/orchestrator"
	"github.com/cuemby/jobbroker/pkg/registry"
	"github.com/cuemby/jobbroker/pkg/sidecar"
	"github.com/cuemby/jobbroker/pkg/types"
	"github.com/cuemby/jobbroker/pkg/workqueue"
)

// Persister is the subset of the Submission Registry an Executor
// needs: mutate-then-persist-whole-record, every transition.
type Persister interface {
	Put(sub *types.Submission) error
}

// Factory binds rehydrated submissions back to runnable Executors, and
// is also used directly by the admission front-end to build the
// executor for a brand-new submission.
type Factory struct {
	Registry         Persister
	Orchestrator     *orchestrator.Adapter
	Clusters         *cluster.Registry
	Scheduler        *cleanup.Scheduler
	Events           *events.Broker
	MonitorBaseURL   string
	ControllerBaseURL string
	VisualizerBaseURL string
	CheckInterval    time.Duration
	ProvisionTimeout time.Duration
}

// Bind implements registry.Binder.
func (f *Factory) Bind(sub *types.Submission) registry.Executor {
	return f.New(sub)
}

// New builds an Executor bound to sub.
func (f *Factory) New(sub *types.Submission) *Executor {
	checkInterval := f.CheckInterval
	if checkInterval == 0 {
		checkInterval = 2 * time.Second
	}
	provisionTimeout := f.ProvisionTimeout
	if provisionTimeout == 0 {
		provisionTimeout = 60 * time.Second
	}

	return &Executor{
		sub:              sub,
		registry:         f.Registry,
		orchestrator:     f.Orchestrator,
		clusters:         f.Clusters,
		scheduler:        f.Scheduler,
		events:           f.Events,
		monitor:          sidecar.New(f.MonitorBaseURL, "monitoring"),
		controller:       sidecar.New(f.ControllerBaseURL, "controlling"),
		visualizer:       sidecar.New(f.VisualizerBaseURL, "visualizing"),
		checkInterval:    checkInterval,
		provisionTimeout: provisionTimeout,
		logger:           log.WithSubmission(sub.AppID),
	}
}

// Executor drives one submission through its lifecycle. Not safe for
// concurrent use by more than one task at a time; the registry owns
// at most one live driver per submission.
type Executor struct {
	mu    sync.Mutex
	sub   *types.Submission
	queue *workqueue.Queue

	registry     Persister
	orchestrator *orchestrator.Adapter
	clusters     *cluster.Registry
	scheduler    *cleanup.Scheduler
	events       *events.Broker

	monitor    *sidecar.Client
	controller *sidecar.Client
	visualizer *sidecar.Client

	checkInterval    time.Duration
	provisionTimeout time.Duration
	logger           zerolog.Logger
}

func (e *Executor) persist() {
	if err := e.registry.Put(e.sub); err != nil {
		e.logger.Error().Err(err).Msg("failed to persist submission")
	}
	metrics.ExecutorTransitionsTotal.WithLabelValues(string(e.sub.Status)).Inc()
}

func (e *Executor) publish(eventType events.EventType, message string) {
	if e.events == nil {
		return
	}
	e.events.Publish(&events.Event{
		Type:     eventType,
		Message:  message,
		Metadata: map[string]string{"app_id": e.sub.AppID},
	})
}

// Start validates nothing further (the admission front-end already
// did) and runs start_application in the background.
func (e *Executor) Start(ctx context.Context) {
	go e.run(ctx)
}

func (e *Executor) run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Interface("panic", r).Msg("executor panicked")
			e.sub.Terminated = true
			e.sub.Status = types.StatusError
			e.persist()
		}
	}()

	if err := e.startApplication(ctx); err != nil {
		e.logger.Error().Err(err).Msg("start_application failed")
		e.sub.Terminated = true
		e.sub.Status = types.StatusError
		e.persist()
		e.publish(events.EventSubmissionError, err.Error())
		return
	}

	e.waitJobFinish(ctx)
	e.finish(ctx)
}

// ResumeWaitForFinish re-enters wait_job_finish for a rehydrated,
// still in-flight submission.
func (e *Executor) ResumeWaitForFinish(ctx context.Context) {
	go func() {
		e.waitJobFinish(ctx)
		e.finish(ctx)
	}()
}

func (e *Executor) startApplication(ctx context.Context) error {
	payload := e.sub.Payload
	if payload == nil {
		return brokererr.BadRequest("submission %s has no payload", e.sub.AppID)
	}

	// 1. activate requested cluster profile, if any.
	if name, ok := stringField(payload, "cluster_name"); ok && name != "" {
		if err := e.clusters.Activate(name); err != nil {
			return err
		}
		e.sub.ClusterName = name
	}

	// 2. inject well-known environment variables.
	envVars := toEnvMap(payload["env_vars"])
	envVars["WORK_QUEUE_HOST"] = e.sub.QueueName()
	if configID, ok := stringField(payload, "config_id"); ok {
		envVars["CONFIG_ID"] = configID
	}

	// 3. provision the work-queue database.
	queueAddr, err := e.timeProvisioning("work_queue", func() (string, error) {
		return e.orchestrator.ProvisionQueueDatabase(ctx, e.sub.AppID, e.provisionTimeout)
	})
	if err != nil {
		return brokererr.Provisioning(err, "work queue provisioning failed for %s", e.sub.AppID)
	}
	host, port := splitHostPort(queueAddr)
	e.sub.QueueIP = host
	e.sub.QueuePort = port
	e.persist()
	e.mu.Lock()
	e.queue = workqueue.New(queueAddr, e.sub.AppID)
	e.mu.Unlock()

	// 4. provision the metrics database when visualization is enabled.
	enableVisualizer := boolField(payload, "enable_visualizer")
	var metricsAddr string
	if enableVisualizer {
		metricsAddr, err = e.timeProvisioning("metrics_db", func() (string, error) {
			return e.orchestrator.ProvisionMetricsDatabase(ctx, e.sub.AppID, e.provisionTimeout)
		})
		if err != nil {
			_ = e.orchestrator.DeleteQueueResources(ctx, e.sub.AppID)
			return brokererr.Provisioning(err, "metrics database provisioning failed for %s", e.sub.AppID)
		}
	}

	// 5. resolve endpoints into the monitor/visualizer sub-records.
	monitorInfo := toStringMap(payload["monitor_info"])
	monitorInfo["queue_ip"] = host
	monitorInfo["queue_port"] = port
	payload["monitor_info"] = monitorInfo

	if enableVisualizer {
		visualizerInfo := toStringMap(payload["visualizer_info"])
		visualizerInfo["metrics_url"] = metricsAddr
		payload["visualizer_info"] = visualizerInfo
	}

	// 6. start the visualizer sidecar and cache its URL.
	if enableVisualizer {
		if err := e.callSidecar("visualizer", func() error {
			return e.visualizer.Start(ctx, e.sub.AppID, sidecar.StartPayload{PluginInfo: toStringMap(payload["visualizer_info"])})
		}); err != nil {
			e.logger.Warn().Err(err).Msg("visualizer start failed")
		}
		if url, err := e.visualizer.URL(ctx, e.sub.AppID); err == nil {
			e.sub.VisualizerURL = url
			e.persist()
		}
	}

	// 7. fetch the workload item list and push it to the work queue.
	workloadURL, _ := stringField(payload, "redis_workload")
	items, err := fetchWorkloadItems(ctx, workloadURL)
	if err != nil {
		return brokererr.FatalInternal(err, "fetch workload items for %s", e.sub.AppID)
	}
	if err := e.queue.PushItems(ctx, items); err != nil {
		return brokererr.FatalInternal(err, "push workload items for %s", e.sub.AppID)
	}

	// 8. create the orchestrator job.
	limits, requests := resourceControls(payload)
	jobSpec := orchestrator.JobSpec{
		AppID:       e.sub.AppID,
		Cmd:         toStringSlice(payload["cmd"]),
		Image:       mustString(payload, "img"),
		Parallelism: int32(intField(payload, "init_size")),
		EnvVars:     envVars,
		Limits:      limits,
		Requests:    requests,
	}
	if err := e.orchestrator.CreateJob(ctx, jobSpec); err != nil {
		return brokererr.FatalInternal(err, "create job for %s", e.sub.AppID)
	}

	// 9. record starting_time; transition to ongoing.
	e.sub.StartingTime = time.Now()
	e.sub.Status = types.StatusOngoing
	e.persist()
	e.publish(events.EventSubmissionOngoing, "job created")

	// 10. start monitor (1s collection period) and controller sidecars.
	if err := e.callSidecar("monitor", func() error {
		return e.monitor.Start(ctx, e.sub.AppID, sidecar.StartPayload{PluginInfo: monitorInfo, CollectPeriod: 1})
	}); err != nil {
		e.logger.Warn().Err(err).Msg("monitor start failed")
	}
	if err := e.callSidecar("controller", func() error {
		return e.controller.Start(ctx, e.sub.AppID, sidecar.StartPayload{PluginInfo: toStringMap(payload["control_parameters"])})
	}); err != nil {
		e.logger.Warn().Err(err).Msg("controller start failed")
	}

	return nil
}

func mustString(payload map[string]interface{}, key string) string {
	s, _ := stringField(payload, key)
	return s
}

func (e *Executor) timeProvisioning(resource string, fn func() (string, error)) (string, error) {
	timer := metrics.NewTimer()
	addr, err := fn()
	timer.ObserveDurationVec(metrics.ProvisioningDuration, resource)
	if err != nil {
		metrics.ProvisioningFailuresTotal.WithLabelValues(resource).Inc()
	}
	return addr, err
}

func (e *Executor) callSidecar(collaborator string, fn func() error) error {
	timer := metrics.NewTimer()
	err := fn()
	timer.ObserveDurationVec(metrics.SidecarCallDuration, collaborator)
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	metrics.SidecarCallsTotal.WithLabelValues(collaborator, outcome).Inc()
	return err
}

// waitJobFinish polls Synchronize every checkInterval until the
// submission reaches a completed-or-terminated signal.
func (e *Executor) waitJobFinish(ctx context.Context) {
	ticker := time.NewTicker(e.checkInterval)
	defer ticker.Stop()

	for {
		e.Synchronize(ctx)
		if e.sub.JobCompleted || e.sub.Terminated {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// finish fetches the final report, records finish_time, computes the
// resource lifetime and hands the submission off to the cleanup
// scheduler (or tears it down immediately).
func (e *Executor) finish(ctx context.Context) {
	if report, err := e.monitor.Report(ctx, e.sub.AppID, false); err == nil {
		e.sub.Report = string(report)
	} else {
		e.logger.Warn().Err(err).Msg("failed to fetch final report")
	}

	e.sub.FinishTime = time.Now()
	e.sub.JobResourcesLifetime = intField(e.sub.Payload, "job_resources_lifetime")
	e.sub.DeleteAuthorized = true
	e.persist()

	if !e.sub.StartingTime.IsZero() {
		metrics.JobLifecycleDuration.Observe(e.sub.FinishTime.Sub(e.sub.StartingTime).Seconds())
	}

	if e.sub.JobResourcesLifetime <= 0 {
		e.DeleteJobResources(e.sub.AppID)
		return
	}
	e.scheduler.Insert(e.sub.AppID, e.sub.JobResourcesLifetime)
}

// Synchronize reconciles the submission's status with the cluster's
// view of its job.
func (e *Executor) Synchronize(ctx context.Context) {
	status, err := e.orchestrator.GetJob(ctx, e.sub.AppID)
	if err != nil {
		e.sub.Terminated = true
		if !e.sub.Status.Terminal() {
			e.sub.Status = types.StatusNotFound
		}
		e.persist()
		return
	}

	if status.Active > 0 {
		if e.sub.Status != types.StatusOngoing {
			e.sub.Status = types.StatusOngoing
			e.persist()
		}
		return
	}

	if status.CompletionTime != nil {
		if e.sub.Status == types.StatusStopped {
			e.sub.Terminated = true
		} else {
			e.sub.Status = types.StatusCompleted
			e.sub.JobCompleted = true
		}
	} else {
		e.sub.Status = types.StatusFailed
		e.sub.Terminated = true
	}
	e.persist()
}

// ensureQueue reconnects e.queue from the submission's persisted
// queue address when this Executor wasn't the driver that originally
// provisioned it — every admission call builds a fresh Executor via
// Factory.New, so only the in-flight run() goroutine's instance ever
// sets e.queue directly.
func (e *Executor) ensureQueue() *workqueue.Queue {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.queue == nil && e.sub.QueueIP != "" {
		e.queue = workqueue.New(fmt.Sprintf("%s:%d", e.sub.QueueIP, e.sub.QueuePort), e.sub.AppID)
	}
	return e.queue
}

// StopApplication drains the work queue and marks the submission
// stopped: the job keeps running until the queue empties on its own.
func (e *Executor) StopApplication(ctx context.Context) error {
	q := e.ensureQueue()

	if q != nil {
		if err := q.Stop(ctx); err != nil {
			return brokererr.TransientCollaborator(err, "stop work queue for %s", e.sub.AppID)
		}
	}

	e.sub.FinishTime = time.Now()
	e.sub.DeleteAuthorized = true
	e.sub.Terminated = true
	e.sub.Status = types.StatusStopped
	e.persist()
	e.publish(events.EventSubmissionStopped, "operator stop")
	return nil
}

// TerminateJob cascade-deletes the submission's job immediately.
func (e *Executor) TerminateJob(ctx context.Context) error {
	if err := e.orchestrator.DeleteJob(ctx, e.sub.AppID); err != nil {
		return brokererr.FatalInternal(err, "terminate job %s", e.sub.AppID)
	}

	e.sub.FinishTime = time.Now()
	e.sub.DeleteAuthorized = true
	e.sub.Status = types.StatusTerminated
	e.persist()
	e.publish(events.EventSubmissionTerminated, fmt.Sprintf("job terminated for %s", e.sub.AppID))
	return nil
}

// Errors returns the submission's work-queue error list, or nil if
// the queue is unreachable.
func (e *Executor) Errors(ctx context.Context) []string {
	q := e.ensureQueue()
	if q == nil {
		return nil
	}
	return q.Errors(ctx)
}

// DeleteJobResources tears down the three sidecars, the work-queue
// resources and (unless already terminated) the job itself.
// Idempotent: a call when DeleteAuthorized is already false is a
// logged no-op.
func (e *Executor) DeleteJobResources(appID string) {
	if !e.sub.DeleteAuthorized {
		e.logger.Info().Str("app_id", appID).Msg("already deleted")
		return
	}

	ctx := context.Background()

	if err := e.monitor.Stop(ctx, appID); err != nil {
		e.logger.Warn().Err(err).Msg("monitor stop failed")
	}
	if err := e.controller.Stop(ctx, appID); err != nil {
		e.logger.Warn().Err(err).Msg("controller stop failed")
	}
	if err := e.visualizer.Stop(ctx, appID); err != nil {
		e.logger.Warn().Err(err).Msg("visualizer stop failed")
	}
	e.sub.VisualizerURL = ""

	if e.sub.Status != types.StatusTerminated {
		if err := e.orchestrator.DeleteJob(ctx, appID); err != nil {
			e.logger.Error().Err(err).Msg("cascade delete of job failed")
		}
	}

	if err := e.orchestrator.DeleteQueueResources(ctx, appID); err != nil {
		e.logger.Warn().Err(err).Msg("delete queue resources failed")
	}

	e.mu.Lock()
	if e.queue != nil {
		_ = e.queue.Close()
		e.queue = nil
	}
	e.mu.Unlock()

	e.sub.DeleteAuthorized = false
	e.persist()
	metrics.CleanupFiredTotal.Inc()
	e.publish(events.EventSubmissionCleaned, fmt.Sprintf("resources torn down for %s", appID))
}
