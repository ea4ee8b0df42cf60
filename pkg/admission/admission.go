// Package admission implements the Admission Front-End: a chi-based
// REST router that validates incoming submissions against the Plugin
// Catalog, optionally authenticates them, hands them to the
// Submission Executor, and exposes the status/control surface of
// spec.md section 6.
package admission

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/jobbroker/pkg/authorizer"
	"github.com/cuemby/jobbroker/pkg/brokererr"
	"github.com/cuemby/jobbroker/pkg/cluster"
	"github.com/cuemby/jobbroker/pkg/executor"
	"github.com/cuemby/jobbroker/pkg/log"
	"github.com/cuemby/jobbroker/pkg/metrics"
	"github.com/cuemby/jobbroker/pkg/plugins"
	"github.com/cuemby/jobbroker/pkg/registry"
	"github.com/cuemby/jobbroker/pkg/sidecar"
	"github.com/cuemby/jobbroker/pkg/types"
)

// Server owns the HTTP router and every dependency the route handlers
// need to service a request.
type Server struct {
	router *chi.Mux
	logger zerolog.Logger

	registry   *registry.Registry
	factory    *executor.Factory
	plugins    *plugins.Catalog
	clusters   *cluster.Registry
	authorizer *authorizer.Client

	enableAuth       bool
	sshPublicKeyPath string
}

// Config bundles Server's wiring.
type Config struct {
	Registry         *registry.Registry
	Factory          *executor.Factory
	Plugins          *plugins.Catalog
	Clusters         *cluster.Registry
	Authorizer       *authorizer.Client
	EnableAuth       bool
	SSHPublicKeyPath string
}

// New builds a Server with its full route table mounted.
func New(cfg Config) *Server {
	s := &Server{
		logger:           log.WithComponent("admission"),
		registry:         cfg.Registry,
		factory:          cfg.Factory,
		plugins:          cfg.Plugins,
		clusters:         cfg.Clusters,
		authorizer:       cfg.Authorizer,
		enableAuth:       cfg.EnableAuth,
		sshPublicKeyPath: cfg.SSHPublicKeyPath,
	}
	s.router = s.buildRouter()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.metricsMiddleware)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/key", s.handleSSHKey)

	r.Route("/plugins", func(r chi.Router) {
		r.Get("/", s.handleListPlugins)
		r.Post("/", s.handleRegisterPlugin)
	})

	r.Route("/v1/submissions", func(r chi.Router) {
		r.Post("/", s.handleCreateSubmission)
		r.Get("/", s.handleListSubmissions)
		r.Delete("/", s.handleDeleteAllTerminal)

		r.Route("/cluster", func(r chi.Router) {
			r.Post("/", s.handleAddCluster)
			r.Get("/", s.handleListClusters)
			r.Get("/activate", s.handleGetActiveCluster)
			r.Route("/{name}", func(r chi.Router) {
				r.Put("/activate", s.handleActivateCluster)
				r.Delete("/", s.handleDeleteCluster)
				r.Post("/certificate", s.handleAddCertificate)
				r.Delete("/certificate/{cert}", s.handleDeleteCertificate)
			})
		})

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetSubmission)
			r.Put("/stop", s.handleStopSubmission)
			r.Put("/terminate", s.handleTerminateSubmission)
			r.Get("/report", s.handleGetReport)
			r.Get("/report/detailed", s.handleGetDetailedReport)
			r.Get("/errors", s.handleGetErrors)
			r.Get("/log", s.handleGetLog)
			r.Get("/visualizer", s.handleGetVisualizer)
			r.Delete("/", s.handleDeleteSubmission)
		})
	})

	return r
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		metrics.APIRequestsTotal.WithLabelValues(r.Method, route, http.StatusText(rw.status)).Inc()
		timer.ObserveDurationVec(metrics.APIRequestDuration, r.Method, route)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleSSHKey(w http.ResponseWriter, r *http.Request) {
	key, err := os.ReadFile(s.sshPublicKeyPath)
	if err != nil {
		s.writeError(w, brokererr.FatalInternal(err, "read ssh public key"))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"key": strings.TrimSpace(string(key))})
}

func (s *Server) handleListPlugins(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.plugins.List())
}

func (s *Server) handleRegisterPlugin(w http.ResponseWriter, r *http.Request) {
	var record types.PluginRecord
	if err := json.NewDecoder(r.Body).Decode(&record); err != nil {
		s.writeError(w, brokererr.BadRequest("malformed plugin record: %v", err))
		return
	}
	if record.Name == "" || record.Component == "" || record.Module == "" {
		s.writeError(w, brokererr.BadRequest("plugin record requires name, component and module"))
		return
	}
	if err := s.plugins.Register(record); err != nil {
		s.writeError(w, err)
		return
	}
	s.echoPluginInstall(r.Context(), record)
	w.WriteHeader(http.StatusOK)
}

// echoPluginInstall notifies the collaborator sidecar a plugin targets
// so it loads the module too, mirroring plugin_service.py's install
// fan-out. Failures are logged, not fatal: the catalog record remains
// the source of truth for Resolve.
func (s *Server) echoPluginInstall(ctx context.Context, record types.PluginRecord) {
	var baseURL, service string
	switch record.Component {
	case types.ComponentMonitor:
		baseURL, service = s.factory.MonitorBaseURL, "monitoring"
	case types.ComponentController:
		baseURL, service = s.factory.ControllerBaseURL, "controlling"
	case types.ComponentVisualizer:
		baseURL, service = s.factory.VisualizerBaseURL, "visualizing"
	default:
		return
	}
	if baseURL == "" {
		return
	}
	if err := sidecar.New(baseURL, service).InstallPlugin(ctx, record.Source, record.Module); err != nil {
		s.logger.Warn().Err(err).Str("plugin", record.Name).Msg("plugin install echo failed")
	}
}

func (s *Server) handleCreateSubmission(w http.ResponseWriter, r *http.Request) {
	var payload map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, brokererr.BadRequest("malformed submission payload: %v", err))
		return
	}

	if err := s.validateAndResolve(r.Context(), payload); err != nil {
		metrics.SubmissionsRejected.WithLabelValues(kindOf(err)).Inc()
		s.writeError(w, err)
		return
	}

	sub := &types.Submission{
		AppID:   "kj-" + uuid.NewString(),
		Payload: payload,
		Status:  types.StatusCreated,
	}
	if err := s.registry.Put(sub); err != nil {
		s.writeError(w, err)
		return
	}

	metrics.SubmissionsTotal.WithLabelValues(string(types.StatusCreated)).Inc()
	metrics.SubmissionsAccepted.Inc()

	s.factory.New(sub).Start(context.Background())

	s.writeJSON(w, http.StatusAccepted, map[string]string{"job_id": sub.AppID})
}

func (s *Server) validateAndResolve(ctx context.Context, payload map[string]interface{}) error {
	required := []string{"cmd", "control_parameters", "control_plugin", "env_vars",
		"img", "init_size", "monitor_info", "monitor_plugin", "redis_workload"}
	for _, field := range required {
		if _, ok := payload[field]; !ok {
			return brokererr.BadRequest("missing required field %q", field)
		}
	}

	enableVisualizer, _ := payload["enable_visualizer"].(bool)
	if enableVisualizer {
		for _, field := range []string{"visualizer_plugin", "visualizer_info"} {
			if _, ok := payload[field]; !ok {
				return brokererr.BadRequest("missing required field %q when enable_visualizer is true", field)
			}
		}
	}

	if enableAuth, _ := payload["enable_auth"].(bool); enableAuth && s.enableAuth {
		username, _ := payload["username"].(string)
		password, _ := payload["password"].(string)
		if username == "" || password == "" {
			return brokererr.BadRequest("enable_auth requires username and password")
		}
		if err := s.authorizer.Authorize(ctx, username, password); err != nil {
			return err
		}
	}

	if err := s.resolvePlugin(payload, "control_plugin", types.ComponentController); err != nil {
		return err
	}
	if err := s.resolvePlugin(payload, "monitor_plugin", types.ComponentMonitor); err != nil {
		return err
	}
	if enableVisualizer {
		if err := s.resolvePlugin(payload, "visualizer_plugin", types.ComponentVisualizer); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) resolvePlugin(payload map[string]interface{}, field string, component types.PluginComponent) error {
	name, _ := payload[field].(string)
	record, err := s.plugins.Resolve(name, component)
	if err != nil {
		return err
	}
	payload[field] = record.Module
	return nil
}

func kindOf(err error) string {
	if kind, ok := brokererr.As(err); ok {
		return string(kind)
	}
	return string(brokererr.KindFatalInternal)
}

func (s *Server) handleListSubmissions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.registry.Map())
}

func (s *Server) handleDeleteAllTerminal(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.DeleteAllTerminal(); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleGetSubmission(w http.ResponseWriter, r *http.Request) {
	sub, err := s.registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleStopSubmission(w http.ResponseWriter, r *http.Request) {
	sub, err := s.registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.factory.New(sub).StopApplication(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTerminateSubmission(w http.ResponseWriter, r *http.Request) {
	sub, err := s.registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.factory.New(sub).TerminateJob(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	sub, err := s.registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if sub.Report != "" {
		_, _ = w.Write([]byte(sub.Report))
	} else {
		_, _ = w.Write([]byte("{}"))
	}
}

// handleGetDetailedReport fetches a live detailed report from the
// monitor sidecar rather than the cached final report handleGetReport
// serves, mirroring the original's monitor.get_detailed_report.
func (s *Server) handleGetDetailedReport(w http.ResponseWriter, r *http.Request) {
	sub, err := s.registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	monitor := sidecar.New(s.factory.MonitorBaseURL, "monitoring")
	report, err := monitor.Report(r.Context(), sub.AppID, true)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(report)
}

func (s *Server) handleGetErrors(w http.ResponseWriter, r *http.Request) {
	sub, err := s.registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.factory.New(sub).Errors(r.Context()))
}

func (s *Server) handleGetLog(w http.ResponseWriter, r *http.Request) {
	sub, err := s.registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	logs, err := s.factory.Orchestrator.PodLogs(r.Context(), sub.AppID)
	if err != nil {
		s.writeError(w, brokererr.FatalInternal(err, "fetch pod logs for %s", sub.AppID))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"execution": string(sub.Status),
		"stdout":    logs,
		"stderr":    "",
	})
}

func (s *Server) handleGetVisualizer(w http.ResponseWriter, r *http.Request) {
	sub, err := s.registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"visualizer_url": sub.VisualizerURL})
}

func (s *Server) handleDeleteSubmission(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sub, err := s.registry.Get(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.factory.New(sub).DeleteJobResources(id)
	if err := s.registry.Delete(id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleAddCluster(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name   string `json:"name"`
		Config []byte `json:"config"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, brokererr.BadRequest("malformed cluster body: %v", err))
		return
	}
	if err := s.clusters.Add(body.Name, body.Config); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleAddCertificate(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var body struct {
		CertName string `json:"cert_name"`
		Blob     []byte `json:"blob"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, brokererr.BadRequest("malformed certificate body: %v", err))
		return
	}
	if err := s.clusters.AddCertificate(name, body.CertName, body.Blob); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleDeleteCertificate(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	cert := chi.URLParam(r, "cert")
	if err := s.clusters.DeleteCertificate(name, cert); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleDeleteCluster(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.clusters.Delete(name); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleActivateCluster(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.clusters.Activate(name); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleListClusters(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.clusters.List())
}

func (s *Server) handleGetActiveCluster(w http.ResponseWriter, r *http.Request) {
	profile, ok := s.clusters.Active()
	if !ok {
		s.writeJSON(w, http.StatusOK, map[string]string{})
		return
	}
	s.writeJSON(w, http.StatusOK, profile)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode response body")
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind, ok := brokererr.As(err)
	if !ok {
		kind = brokererr.KindFatalInternal
	}

	status := http.StatusInternalServerError
	switch kind {
	case brokererr.KindBadRequest:
		status = http.StatusBadRequest
	case brokererr.KindUnauthorized:
		status = http.StatusUnauthorized
	case brokererr.KindNotFound:
		status = http.StatusNotFound
	case brokererr.KindProvisioning, brokererr.KindTransientCollaborator:
		status = http.StatusServiceUnavailable
	case brokererr.KindFatalInternal:
		status = http.StatusInternalServerError
	}

	s.logger.Error().Err(err).Str("kind", string(kind)).Msg("request failed")
	s.writeJSON(w, status, map[string]string{"error": err.Error(), "kind": string(kind)})
}
