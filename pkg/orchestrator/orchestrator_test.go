package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	batchv1 "k8s.io/api/batch/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func TestCreateJob_BuildsParallelJob(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	adapter := New(clientset, "default")

	err := adapter.CreateJob(context.Background(), JobSpec{
		AppID:       "kj-abc123",
		Cmd:         []string{"sh", "-c", "run.sh"},
		Image:       "worker:latest",
		Parallelism: 3,
		EnvVars:     map[string]string{"WORK_QUEUE_HOST": "queue-kj-abc123"},
	})
	require.NoError(t, err)

	job, err := clientset.BatchV1().Jobs("default").Get(context.Background(), "kj-abc123", metav1.GetOptions{})
	require.NoError(t, err)
	require.Equal(t, int32(3), *job.Spec.Parallelism)
	require.Equal(t, "worker:latest", job.Spec.Template.Spec.Containers[0].Image)
}

func TestGetJob_ReportsActiveCount(t *testing.T) {
	clientset := fake.NewSimpleClientset(&batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{Name: "kj-active", Namespace: "default"},
		Status:     batchv1.JobStatus{Active: 2},
	})
	adapter := New(clientset, "default")

	status, err := adapter.GetJob(context.Background(), "kj-active")
	require.NoError(t, err)
	require.Equal(t, int32(2), status.Active)
	require.Nil(t, status.CompletionTime)
}

func TestDeleteJob_MissingJobIsNotAnError(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	adapter := New(clientset, "default")

	err := adapter.DeleteJob(context.Background(), "does-not-exist")
	require.NoError(t, err)
}

func TestDeleteJob_RemovesJob(t *testing.T) {
	clientset := fake.NewSimpleClientset(&batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{Name: "kj-del", Namespace: "default"},
	})
	adapter := New(clientset, "default")

	require.NoError(t, adapter.DeleteJob(context.Background(), "kj-del"))

	_, err := clientset.BatchV1().Jobs("default").Get(context.Background(), "kj-del", metav1.GetOptions{})
	require.Error(t, err)
	require.True(t, IsNotFound(err))
}
