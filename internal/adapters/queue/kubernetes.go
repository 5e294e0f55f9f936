package queue

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/eleven-am/stagecoach/internal/domain"
	"github.com/eleven-am/stagecoach/internal/ports"
	"github.com/google/uuid"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const (
	labelApp = "app.kubernetes.io/name"
	labelRun = "stagecoach/run-id"
)

// Kubernetes runs one pod per executor.
type Kubernetes struct {
	client kubernetes.Interface
	cfg    domain.KubernetesConfig
	runID  string
	logger *slog.Logger
}

var _ ports.QueueBackend = (*Kubernetes)(nil)

func NewKubernetes(cfg domain.KubernetesConfig, runID string, logger *slog.Logger) (*Kubernetes, error) {
	client, err := newClientset(cfg.Kubeconfig)
	if err != nil {
		return nil, err
	}
	return NewKubernetesWithClient(client, cfg, runID, logger), nil
}

func NewKubernetesWithClient(client kubernetes.Interface, cfg domain.KubernetesConfig, runID string, logger *slog.Logger) *Kubernetes {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	return &Kubernetes{
		client: client,
		cfg:    cfg,
		runID:  runID,
		logger: logger.With("component", "queue", "backend", BackendKubernetes, "namespace", cfg.Namespace),
	}
}

// newClientset prefers an explicit kubeconfig, then $KUBECONFIG, then the
// in-cluster service account.
func newClientset(kubeconfig string) (*kubernetes.Clientset, error) {
	if kubeconfig == "" {
		kubeconfig = os.Getenv("KUBECONFIG")
	}

	var config *rest.Config
	var err error
	if kubeconfig != "" {
		config, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	} else {
		config, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to build kubernetes config: %w", err)
	}
	return kubernetes.NewForConfig(config)
}

func (k *Kubernetes) Name() string { return BackendKubernetes }

func (k *Kubernetes) Submit(ctx context.Context, cmd ports.WorkerCommand, spec ports.ResourceSpec) (ports.JobHandle, error) {
	if len(cmd.Args) == 0 {
		return ports.JobHandle{}, domain.NewValidationError("worker_command", "empty command")
	}

	pod := k.podFor(cmd, spec)
	created, err := k.client.CoreV1().Pods(k.cfg.Namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return ports.JobHandle{}, domain.Error{
			Type:    domain.ErrorTypeInternal,
			Message: "failed to create executor pod",
			Details: map[string]interface{}{"pod": pod.Name, "error": err.Error()},
		}
	}

	k.logger.Info("executor pod created", "pod", created.Name)
	return ports.JobHandle{ID: created.Name, Backend: BackendKubernetes}, nil
}

func (k *Kubernetes) podFor(cmd ports.WorkerCommand, spec ports.ResourceSpec) *corev1.Pod {
	labels := map[string]string{labelApp: "stagecoach-executor"}
	if k.runID != "" {
		labels[labelRun] = sanitizeLabel(k.runID)
	}
	for key, v := range k.cfg.Labels {
		labels[key] = v
	}

	requests := corev1.ResourceList{}
	if spec.Cores > 0 {
		requests[corev1.ResourceCPU] = *resource.NewQuantity(int64(spec.Cores), resource.DecimalSI)
	}
	if spec.MemoryGB > 0 {
		mib := int64(math.Ceil(spec.MemoryGB * 1024))
		requests[corev1.ResourceMemory] = *resource.NewQuantity(mib*1024*1024, resource.BinarySI)
	}

	keys := make([]string, 0, len(cmd.Env))
	for key := range cmd.Env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	env := make([]corev1.EnvVar, 0, len(keys))
	for _, key := range keys {
		env = append(env, corev1.EnvVar{Name: key, Value: cmd.Env[key]})
	}

	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "stagecoach-executor-" + uuid.New().String()[:8],
			Namespace: k.cfg.Namespace,
			Labels:    labels,
		},
		Spec: corev1.PodSpec{
			RestartPolicy:      corev1.RestartPolicyNever,
			ServiceAccountName: k.cfg.ServiceAccount,
			Containers: []corev1.Container{{
				Name:    "executor",
				Image:   k.cfg.Image,
				Command: cmd.Args,
				Env:     env,
				Resources: corev1.ResourceRequirements{
					Requests: requests,
				},
			}},
		},
	}
}

func (k *Kubernetes) Poll(ctx context.Context, handle ports.JobHandle) (ports.JobState, error) {
	pod, err := k.client.CoreV1().Pods(k.cfg.Namespace).Get(ctx, handle.ID, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return ports.JobFinished, nil
		}
		return ports.JobUnknown, fmt.Errorf("get pod %s: %w", handle.ID, err)
	}
	return jobStateFromPhase(pod.Status.Phase), nil
}

func jobStateFromPhase(phase corev1.PodPhase) ports.JobState {
	switch phase {
	case corev1.PodPending, corev1.PodRunning:
		return ports.JobRunning
	case corev1.PodSucceeded, corev1.PodFailed:
		return ports.JobFinished
	default:
		return ports.JobUnknown
	}
}

func (k *Kubernetes) Cancel(ctx context.Context, handle ports.JobHandle) error {
	policy := metav1.DeletePropagationBackground
	err := k.client.CoreV1().Pods(k.cfg.Namespace).Delete(ctx, handle.ID, metav1.DeleteOptions{PropagationPolicy: &policy})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete pod %s: %w", handle.ID, err)
	}
	return nil
}

func sanitizeLabel(v string) string {
	v = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '-'
		}
	}, v)
	if len(v) > 63 {
		v = v[:63]
	}
	return strings.Trim(v, "-_.")
}
