package executor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/cuemby/jobbroker/pkg/cleanup"
	"github.com/cuemby/jobbroker/pkg/orchestrator"
	"github.com/cuemby/jobbroker/pkg/sidecar"
	"github.com/cuemby/jobbroker/pkg/types"
	"github.com/cuemby/jobbroker/pkg/workqueue"
)

type recordingPersister struct {
	mu   sync.Mutex
	puts []*types.Submission
}

func (p *recordingPersister) Put(sub *types.Submission) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.puts = append(p.puts, sub)
	return nil
}

func newTestExecutor(t *testing.T, sub *types.Submission) (*Executor, *orchestrator.Adapter) {
	t.Helper()

	clientset := fake.NewSimpleClientset()
	adapter := orchestrator.New(clientset, "default")

	sidecarSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(sidecarSrv.Close)

	return &Executor{
		sub:              sub,
		registry:         &recordingPersister{},
		orchestrator:     adapter,
		scheduler:        cleanup.New(nil),
		monitor:          sidecar.New(sidecarSrv.URL, "monitoring"),
		controller:       sidecar.New(sidecarSrv.URL, "controlling"),
		visualizer:       sidecar.New(sidecarSrv.URL, "visualizing"),
		checkInterval:    10 * time.Millisecond,
		provisionTimeout: time.Second,
	}, adapter
}

func TestSynchronize_ActiveJobStaysOngoing(t *testing.T) {
	sub := &types.Submission{AppID: "kj-1", Status: types.StatusOngoing}
	exec, _ := newTestExecutor(t, sub)

	clientset := fake.NewSimpleClientset(&batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{Name: "kj-1"},
		Status:     batchv1.JobStatus{Active: 1},
	})
	exec.orchestrator = orchestrator.New(clientset, "default")

	exec.Synchronize(context.Background())
	require.Equal(t, types.StatusOngoing, sub.Status)
	require.False(t, sub.Terminated)
}

func TestSynchronize_CompletedJobTransitions(t *testing.T) {
	sub := &types.Submission{AppID: "kj-2", Status: types.StatusOngoing}
	exec, _ := newTestExecutor(t, sub)

	now := metav1.Now()
	clientset := fake.NewSimpleClientset(&batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{Name: "kj-2"},
		Status:     batchv1.JobStatus{CompletionTime: &now},
	})
	exec.orchestrator = orchestrator.New(clientset, "default")

	exec.Synchronize(context.Background())
	require.Equal(t, types.StatusCompleted, sub.Status)
	require.True(t, sub.JobCompleted)
}

func TestSynchronize_StoppedJobBecomesTerminated(t *testing.T) {
	sub := &types.Submission{AppID: "kj-3", Status: types.StatusStopped}
	exec, _ := newTestExecutor(t, sub)

	now := metav1.Now()
	clientset := fake.NewSimpleClientset(&batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{Name: "kj-3"},
		Status:     batchv1.JobStatus{CompletionTime: &now},
	})
	exec.orchestrator = orchestrator.New(clientset, "default")

	exec.Synchronize(context.Background())
	require.True(t, sub.Terminated)
	require.Equal(t, types.StatusStopped, sub.Status)
}

func TestSynchronize_MissingJobMarksNotFound(t *testing.T) {
	sub := &types.Submission{AppID: "kj-ghost", Status: types.StatusOngoing}
	exec, _ := newTestExecutor(t, sub)

	exec.Synchronize(context.Background())
	require.True(t, sub.Terminated)
	require.Equal(t, types.StatusNotFound, sub.Status)
}

func TestStopApplication_DrainsQueueAndMarksStopped(t *testing.T) {
	mr := miniredis.RunT(t)
	sub := &types.Submission{AppID: "kj-4", Status: types.StatusOngoing}
	exec, _ := newTestExecutor(t, sub)
	exec.queue = workqueue.New(mr.Addr(), "kj-4")

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	require.NoError(t, rdb.RPush(context.Background(), "job:kj-4", "a").Err())

	err := exec.StopApplication(context.Background())
	require.NoError(t, err)
	require.Equal(t, types.StatusStopped, sub.Status)
	require.True(t, sub.Terminated)
	require.True(t, sub.DeleteAuthorized)

	n, err := rdb.Exists(context.Background(), "job:kj-4").Result()
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestTerminateJob_DeletesJobAndMarksTerminated(t *testing.T) {
	sub := &types.Submission{AppID: "kj-5", Status: types.StatusOngoing}
	exec, _ := newTestExecutor(t, sub)

	clientset := fake.NewSimpleClientset(&batchv1.Job{ObjectMeta: metav1.ObjectMeta{Name: "kj-5"}})
	exec.orchestrator = orchestrator.New(clientset, "default")

	err := exec.TerminateJob(context.Background())
	require.NoError(t, err)
	require.Equal(t, types.StatusTerminated, sub.Status)
	require.True(t, sub.DeleteAuthorized)

	_, err = clientset.BatchV1().Jobs("default").Get(context.Background(), "kj-5", metav1.GetOptions{})
	require.Error(t, err)
}

func TestDeleteJobResources_SecondCallIsNoop(t *testing.T) {
	sub := &types.Submission{
		AppID:            "kj-6",
		Status:           types.StatusCompleted,
		DeleteAuthorized: false,
	}
	exec, _ := newTestExecutor(t, sub)

	exec.DeleteJobResources("kj-6")
	require.False(t, sub.DeleteAuthorized)
}

func TestDeleteJobResources_TearsDownQueueAndJob(t *testing.T) {
	mr := miniredis.RunT(t)
	sub := &types.Submission{
		AppID:            "kj-7",
		Status:           types.StatusCompleted,
		DeleteAuthorized: true,
		VisualizerURL:    "http://viz/kj-7",
	}
	exec, _ := newTestExecutor(t, sub)
	exec.queue = workqueue.New(mr.Addr(), "kj-7")

	clientset := fake.NewSimpleClientset(
		&batchv1.Job{ObjectMeta: metav1.ObjectMeta{Name: "kj-7"}},
		&corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "queue-kj-7"}},
		&corev1.Service{ObjectMeta: metav1.ObjectMeta{Name: "queue-kj-7"}},
	)
	exec.orchestrator = orchestrator.New(clientset, "default")

	exec.DeleteJobResources("kj-7")

	require.False(t, sub.DeleteAuthorized)
	require.Empty(t, sub.VisualizerURL)

	_, err := clientset.BatchV1().Jobs("default").Get(context.Background(), "kj-7", metav1.GetOptions{})
	require.Error(t, err)
	_, err = clientset.CoreV1().Pods("default").Get(context.Background(), "queue-kj-7", metav1.GetOptions{})
	require.Error(t, err)
}

func TestFinish_ZeroLifetimeDeletesImmediately(t *testing.T) {
	mr := miniredis.RunT(t)
	sub := &types.Submission{
		AppID:        "kj-8",
		Status:       types.StatusCompleted,
		StartingTime: time.Now().Add(-time.Second),
		Payload:      map[string]interface{}{"job_resources_lifetime": 0},
	}
	exec, _ := newTestExecutor(t, sub)
	exec.queue = workqueue.New(mr.Addr(), "kj-8")

	clientset := fake.NewSimpleClientset(&batchv1.Job{ObjectMeta: metav1.ObjectMeta{Name: "kj-8"}})
	exec.orchestrator = orchestrator.New(clientset, "default")

	exec.finish(context.Background())

	require.False(t, sub.DeleteAuthorized)
	require.Empty(t, exec.scheduler.Pending())
}

func TestFinish_PositiveLifetimeSchedulesCleanup(t *testing.T) {
	sub := &types.Submission{
		AppID:        "kj-9",
		Status:       types.StatusCompleted,
		StartingTime: time.Now(),
		Payload:      map[string]interface{}{"job_resources_lifetime": 3600},
	}
	exec, _ := newTestExecutor(t, sub)

	exec.finish(context.Background())

	require.True(t, sub.DeleteAuthorized)
	require.Equal(t, 3600, sub.JobResourcesLifetime)
	require.Len(t, exec.scheduler.Pending(), 1)
}
