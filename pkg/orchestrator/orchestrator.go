// Package orchestrator implements the thin capability surface the
// Submission Executor needs over the cluster API: create/read/delete
// a parallel job, and provision/teardown the per-submission work-queue
// and metrics databases as Pod+Service pairs. Grounded in
// original_source/broker/utils/plugins/k8s.py.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/cuemby/jobbroker/pkg/health"
	"github.com/cuemby/jobbroker/pkg/log"
)

// JobSpec describes the parallel job to create for a submission.
type JobSpec struct {
	AppID       string
	Cmd         []string
	Image       string
	Parallelism int32
	EnvVars     map[string]string
	Limits      map[string]string
	Requests    map[string]string
}

// JobStatus reports the condition synchronize() needs to advance the
// submission state machine.
type JobStatus struct {
	Active         int32
	CompletionTime *time.Time
	Failed         int32
}

// Adapter is the Orchestrator Adapter: everything the broker needs
// from the cluster, behind an interface narrow enough to fake in
// tests via a custom kubernetes.Interface.
type Adapter struct {
	clientset kubernetes.Interface
	namespace string
}

// New wraps an existing clientset (e.g. fake.NewSimpleClientset() in
// tests).
func New(clientset kubernetes.Interface, namespace string) *Adapter {
	if namespace == "" {
		namespace = "default"
	}
	return &Adapter{clientset: clientset, namespace: namespace}
}

// NewFromKubeconfig builds an Adapter from the current-context
// kubeconfig file the Cluster-Profile Registry maintains.
func NewFromKubeconfig(kubeconfigPath, namespace string) (*Adapter, error) {
	cfg, err := clientcmd.BuildConfigFromFlags("", kubeconfigPath)
	if err != nil {
		return nil, fmt.Errorf("load kubeconfig: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("build clientset: %w", err)
	}
	return New(clientset, namespace), nil
}

// CreateJob creates the parallel batch job for a submission.
func (a *Adapter) CreateJob(ctx context.Context, spec JobSpec) error {
	logger := log.WithSubmission(spec.AppID)

	envVars := make([]corev1.EnvVar, 0, len(spec.EnvVars))
	for k, v := range spec.EnvVars {
		envVars = append(envVars, corev1.EnvVar{Name: k, Value: v})
	}

	resources := corev1.ResourceRequirements{}
	if len(spec.Limits) > 0 {
		resources.Limits = toResourceList(spec.Limits)
	}
	if len(spec.Requests) > 0 {
		resources.Requests = toResourceList(spec.Requests)
	}

	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{Name: spec.AppID},
		Spec: batchv1.JobSpec{
			Parallelism: &spec.Parallelism,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Name: spec.AppID},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyOnFailure,
					Containers: []corev1.Container{{
						Name:            spec.AppID,
						Image:           spec.Image,
						Command:         spec.Cmd,
						Env:             envVars,
						Resources:       resources,
						ImagePullPolicy: corev1.PullAlways,
					}},
				},
			},
		},
	}

	if _, err := a.clientset.BatchV1().Jobs(a.namespace).Create(ctx, job, metav1.CreateOptions{}); err != nil {
		return fmt.Errorf("create job %s: %w", spec.AppID, err)
	}
	logger.Info().Msg("job created")
	return nil
}

// GetJob returns the current status of a submission's job.
func (a *Adapter) GetJob(ctx context.Context, appID string) (JobStatus, error) {
	job, err := a.clientset.BatchV1().Jobs(a.namespace).Get(ctx, appID, metav1.GetOptions{})
	if err != nil {
		return JobStatus{}, err
	}
	return JobStatus{
		Active:         job.Status.Active,
		CompletionTime: completionTime(job),
		Failed:         job.Status.Failed,
	}, nil
}

// PodLogs returns the combined container log output of the first pod
// belonging to a submission's job, for the admission front-end's
// /submissions/{id}/log endpoint.
func (a *Adapter) PodLogs(ctx context.Context, appID string) (string, error) {
	pods, err := a.clientset.CoreV1().Pods(a.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("job-name=%s", appID),
	})
	if err != nil {
		return "", fmt.Errorf("list pods for job %s: %w", appID, err)
	}
	if len(pods.Items) == 0 {
		return "", nil
	}

	req := a.clientset.CoreV1().Pods(a.namespace).GetLogs(pods.Items[0].Name, &corev1.PodLogOptions{})
	stream, err := req.Stream(ctx)
	if err != nil {
		return "", fmt.Errorf("stream logs for pod %s: %w", pods.Items[0].Name, err)
	}
	defer stream.Close()

	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, readErr := stream.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if readErr != nil {
			break
		}
	}
	return string(buf), nil
}

// IsNotFound reports whether err is the orchestrator's "job absent" error.
func IsNotFound(err error) bool {
	return apierrors.IsNotFound(err)
}

// DeleteJob cascade-deletes a submission's job and its pods.
func (a *Adapter) DeleteJob(ctx context.Context, appID string) error {
	propagation := metav1.DeletePropagationForeground
	err := a.clientset.BatchV1().Jobs(a.namespace).Delete(ctx, appID, metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete job %s: %w", appID, err)
	}
	return nil
}

// ProvisionQueueDatabase creates a redis-image Pod + NodePort Service
// named queue-{appID} and polls until reachable, bounded by timeout.
// On timeout it deletes the partial resources before returning.
func (a *Adapter) ProvisionQueueDatabase(ctx context.Context, appID string, timeout time.Duration) (string, error) {
	addr, err := a.provisionDatabase(ctx, queueResourceName(appID), "redis", 6379, timeout,
		func(address string) health.Checker { return health.NewTCPChecker(address) })
	if err != nil {
		_ = a.DeleteQueueResources(ctx, appID)
		return "", err
	}
	return addr, nil
}

// DeleteQueueResources removes the work-queue Pod and Service.
func (a *Adapter) DeleteQueueResources(ctx context.Context, appID string) error {
	return a.deleteDatabaseResources(ctx, queueResourceName(appID))
}

// ProvisionMetricsDatabase creates an influxdb-image Pod + Service for
// detailed-report/visualizer support, polling until its HTTP endpoint
// answers.
func (a *Adapter) ProvisionMetricsDatabase(ctx context.Context, appID string, timeout time.Duration) (string, error) {
	addr, err := a.provisionDatabase(ctx, metricsResourceName(appID), "influxdb", 8086, timeout,
		func(address string) health.Checker { return health.NewHTTPChecker("http://" + address + "/ping") })
	if err != nil {
		_ = a.DeleteMetricsResources(ctx, appID)
		return "", err
	}
	return addr, nil
}

// DeleteMetricsResources removes the metrics-database Pod and Service.
func (a *Adapter) DeleteMetricsResources(ctx context.Context, appID string) error {
	return a.deleteDatabaseResources(ctx, metricsResourceName(appID))
}

func queueResourceName(appID string) string   { return "queue-" + appID }
func metricsResourceName(appID string) string { return "metrics-" + appID }

func (a *Adapter) provisionDatabase(ctx context.Context, name, image string, port int32, timeout time.Duration, checkerFor func(address string) health.Checker) (string, error) {
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: name, Labels: map[string]string{"app": name}},
		Spec: corev1.PodSpec{
			Containers: []corev1.Container{{
				Name:  name,
				Image: image,
				Ports: []corev1.ContainerPort{{ContainerPort: port}},
			}},
		},
	}
	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: name},
		Spec: corev1.ServiceSpec{
			Selector: map[string]string{"app": name},
			Ports:    []corev1.ServicePort{{Port: port, TargetPort: intOrString(port)}},
			Type:     corev1.ServiceTypeNodePort,
		},
	}

	if _, err := a.clientset.CoreV1().Pods(a.namespace).Create(ctx, pod, metav1.CreateOptions{}); err != nil {
		return "", fmt.Errorf("create pod %s: %w", name, err)
	}
	created, err := a.clientset.CoreV1().Services(a.namespace).Create(ctx, svc, metav1.CreateOptions{})
	if err != nil {
		return "", fmt.Errorf("create service %s: %w", name, err)
	}

	nodePort := port
	if len(created.Spec.Ports) > 0 && created.Spec.Ports[0].NodePort != 0 {
		nodePort = created.Spec.Ports[0].NodePort
	}
	address := fmt.Sprintf("%s:%d", name, nodePort)

	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := health.PollUntilReady(pollCtx, checkerFor(address), 2*time.Second); err != nil {
		return "", fmt.Errorf("provisioning %s: %w", name, err)
	}

	return address, nil
}

func (a *Adapter) deleteDatabaseResources(ctx context.Context, name string) error {
	podErr := a.clientset.CoreV1().Pods(a.namespace).Delete(ctx, name, metav1.DeleteOptions{})
	svcErr := a.clientset.CoreV1().Services(a.namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if podErr != nil && !apierrors.IsNotFound(podErr) {
		return fmt.Errorf("delete pod %s: %w", name, podErr)
	}
	if svcErr != nil && !apierrors.IsNotFound(svcErr) {
		return fmt.Errorf("delete service %s: %w", name, svcErr)
	}
	return nil
}

func completionTime(job *batchv1.Job) *time.Time {
	if job.Status.CompletionTime == nil {
		return nil
	}
	t := job.Status.CompletionTime.Time
	return &t
}

func toResourceList(values map[string]string) corev1.ResourceList {
	list := make(corev1.ResourceList, len(values))
	for k, v := range values {
		if qty, err := resource.ParseQuantity(v); err == nil {
			list[corev1.ResourceName(k)] = qty
		}
	}
	return list
}

func intOrString(port int32) intstr.IntOrString {
	return intstr.FromInt32(port)
}
