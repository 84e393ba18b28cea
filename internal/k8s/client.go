// Package k8s implements the sandbox runtime adapter on Kubernetes:
// one pod per sandbox, created from a fixed base image and removed without
// mercy once its run is over.
package k8s

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/remotecommand"

	rt "github.com/warmpool/sandboxd/internal/runtime"
)

const (
	LabelApp       = "sandboxd"
	LabelSandboxID = "sandbox-id"

	AnnotationCreatedAt = "sandboxd.io/created-at"
	AnnotationImage     = "sandboxd.io/image"

	// runnerPath is the in-image entrypoint that fetches the workflow
	// definition and executes it. The workflow ref and token are delivered
	// via argv/env; their contents are opaque to the manager.
	runnerPath = "/usr/local/bin/workflow-runner"
)

// Options configures the pod runtime.
type Options struct {
	KubeconfigPath string
	Namespace      string
	// Image is the fixed base image, already digest-pinned when enabled.
	Image  string
	CPU    string
	Memory string
	// ReadyTimeout bounds how long Create waits for the pod to run.
	ReadyTimeout time.Duration
	// DestroyGracePeriod is the soft deletion window before the hard kill.
	DestroyGracePeriod time.Duration
	// EphemeralDependencies is surfaced to the runner so it installs
	// packages into the throwaway workspace instead of a cache.
	EphemeralDependencies bool
}

// PodRuntime implements runtime.Runtime against a Kubernetes cluster.
type PodRuntime struct {
	clientset *kubernetes.Clientset
	config    *rest.Config
	opts      Options
}

var _ rt.Runtime = (*PodRuntime)(nil)

// NewPodRuntime builds the adapter from kubeconfig or in-cluster config.
func NewPodRuntime(opts Options) (*PodRuntime, error) {
	var config *rest.Config
	var err error

	if opts.KubeconfigPath != "" {
		config, err = clientcmd.BuildConfigFromFlags("", opts.KubeconfigPath)
	} else {
		config, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get kubernetes config: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}

	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 5 * time.Minute
	}
	if opts.DestroyGracePeriod <= 0 {
		opts.DestroyGracePeriod = 10 * time.Second
	}

	return &PodRuntime{clientset: clientset, config: config, opts: opts}, nil
}

func (r *PodRuntime) EnsureNamespace(ctx context.Context) error {
	_, err := r.clientset.CoreV1().Namespaces().Get(ctx, r.opts.Namespace, metav1.GetOptions{})
	if err == nil {
		return nil
	}

	ns := &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{Name: r.opts.Namespace},
	}
	_, err = r.clientset.CoreV1().Namespaces().Create(ctx, ns, metav1.CreateOptions{})
	return err
}

// Create starts a fresh sandbox pod and waits until it is running.
func (r *PodRuntime) Create(ctx context.Context) (string, error) {
	id := uuid.New().String()[:8]
	podName := PodName(id)

	var runAsUser int64 = 1000

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      podName,
			Namespace: r.opts.Namespace,
			Labels: map[string]string{
				"app":          LabelApp,
				LabelSandboxID: id,
			},
			Annotations: map[string]string{
				AnnotationCreatedAt: time.Now().UTC().Format(time.RFC3339),
				AnnotationImage:     r.opts.Image,
			},
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			SecurityContext: &corev1.PodSecurityContext{
				SeccompProfile: &corev1.SeccompProfile{
					Type: corev1.SeccompProfileTypeRuntimeDefault,
				},
			},
			Containers: []corev1.Container{
				{
					Name:            "main",
					Image:           r.opts.Image,
					ImagePullPolicy: corev1.PullIfNotPresent,
					Command:         []string{"sleep", "infinity"},
					Env: []corev1.EnvVar{
						{Name: "SANDBOX_ID", Value: id},
						{Name: "EPHEMERAL_DEPENDENCIES", Value: fmt.Sprintf("%t", r.opts.EphemeralDependencies)},
					},
					Resources: corev1.ResourceRequirements{
						Limits: corev1.ResourceList{
							corev1.ResourceCPU:    resource.MustParse(r.cpuLimit()),
							corev1.ResourceMemory: resource.MustParse(r.memLimit()),
						},
						Requests: corev1.ResourceList{
							corev1.ResourceCPU:    resource.MustParse("100m"),
							corev1.ResourceMemory: resource.MustParse("128Mi"),
						},
					},
					SecurityContext: &corev1.SecurityContext{
						AllowPrivilegeEscalation: boolPtr(false),
						RunAsNonRoot:             boolPtr(true),
						RunAsUser:                &runAsUser,
					},
					VolumeMounts: []corev1.VolumeMount{
						{Name: "workspace", MountPath: "/workspace"},
					},
				},
			},
			Volumes: []corev1.Volume{
				{
					Name: "workspace",
					VolumeSource: corev1.VolumeSource{
						EmptyDir: &corev1.EmptyDirVolumeSource{},
					},
				},
			},
		},
	}

	if _, err := r.clientset.CoreV1().Pods(r.opts.Namespace).Create(ctx, pod, metav1.CreateOptions{}); err != nil {
		return "", fmt.Errorf("failed to create sandbox pod: %w", err)
	}

	if err := r.waitForRunning(ctx, podName); err != nil {
		// Creation failed half-way; remove the pod so it cannot linger.
		_ = r.Destroy(context.WithoutCancel(ctx), id)
		return "", err
	}

	return id, nil
}

func (r *PodRuntime) waitForRunning(ctx context.Context, podName string) error {
	ctx, cancel := context.WithTimeout(ctx, r.opts.ReadyTimeout)
	defer cancel()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for sandbox pod %s to run", podName)
		case <-ticker.C:
			pod, err := r.clientset.CoreV1().Pods(r.opts.Namespace).Get(ctx, podName, metav1.GetOptions{})
			if err != nil {
				return fmt.Errorf("failed to get sandbox pod: %w", err)
			}
			switch pod.Status.Phase {
			case corev1.PodRunning:
				return nil
			case corev1.PodFailed, corev1.PodSucceeded:
				return fmt.Errorf("sandbox pod %s exited before becoming ready", podName)
			}
		}
	}
}

// Destroy deletes the sandbox pod: a graceful delete first, then a
// zero-grace force delete, then a bounded wait until the pod is gone.
// An error here means the pod may still exist and the sandbox must be
// quarantined as tainted.
func (r *PodRuntime) Destroy(ctx context.Context, sandboxID string) error {
	podName := PodName(sandboxID)
	pods := r.clientset.CoreV1().Pods(r.opts.Namespace)

	grace := int64(r.opts.DestroyGracePeriod / time.Second)
	err := pods.Delete(ctx, podName, metav1.DeleteOptions{GracePeriodSeconds: &grace})
	if apierrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to delete sandbox pod: %w", err)
	}

	deadline := time.Now().Add(r.opts.DestroyGracePeriod)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	forced := false

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("destroy interrupted for sandbox %s: %w", sandboxID, ctx.Err())
		case <-ticker.C:
			_, err := pods.Get(ctx, podName, metav1.GetOptions{})
			if apierrors.IsNotFound(err) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to check sandbox pod during destroy: %w", err)
			}
			if !forced && time.Now().After(deadline) {
				// Hard kill an unresponsive sandbox.
				zero := int64(0)
				if err := pods.Delete(ctx, podName, metav1.DeleteOptions{GracePeriodSeconds: &zero}); err != nil && !apierrors.IsNotFound(err) {
					return fmt.Errorf("failed to force delete sandbox pod: %w", err)
				}
				forced = true
				deadline = time.Now().Add(r.opts.DestroyGracePeriod)
			} else if forced && time.Now().After(deadline) {
				return fmt.Errorf("sandbox pod %s survived force delete", podName)
			}
		}
	}
}

// Exec runs the workflow runner inside the sandbox with a hard wall-clock
// timeout. The token travels only through the process environment.
//
// The runner's combined output is teed into the in-sandbox log file so
// StreamLogs can follow it while the run is live; the pod's own container
// log only ever shows the idle keepalive process.
func (r *PodRuntime) Exec(ctx context.Context, sandboxID string, opts rt.ExecOptions) (*rt.ExecResult, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	// The exit status file lets the runner's code survive the tee pipeline
	// in plain sh.
	logDir := path.Dir(rt.OutputLogPath)
	exitFile := path.Join(logDir, "exit-code")
	script := fmt.Sprintf(
		`mkdir -p %s; { %s --workflow "$WORKFLOW_REF" 2>&1; echo $? > %s; } | tee %s; exit "$(cat %s)"`,
		logDir, runnerPath, exitFile, rt.OutputLogPath, exitFile,
	)
	command := []string{
		"env", "WORKFLOW_TOKEN=" + opts.Token, "WORKFLOW_REF=" + opts.WorkflowRef,
		"sh", "-c", script,
	}

	stdout, stderr, err := r.exec(ctx, sandboxID, command, nil)
	result := &rt.ExecResult{Stdout: stdout, Stderr: stderr}

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			result.TimedOut = true
			result.ExitCode = -1
			return result, nil
		}
		if exitErr, ok := err.(interface{ ExitStatus() int }); ok {
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}
		return nil, fmt.Errorf("failed to exec in sandbox %s: %w", sandboxID, err)
	}
	return result, nil
}

func (r *PodRuntime) exec(ctx context.Context, sandboxID string, command []string, stdin io.Reader) (string, string, error) {
	req := r.clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(PodName(sandboxID)).
		Namespace(r.opts.Namespace).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: "main",
			Command:   command,
			Stdin:     stdin != nil,
			Stdout:    true,
			Stderr:    true,
			TTY:       false,
		}, scheme.ParameterCodec)

	executor, err := remotecommand.NewSPDYExecutor(r.config, "POST", req.URL())
	if err != nil {
		return "", "", fmt.Errorf("failed to create executor: %w", err)
	}

	var stdout, stderr bytes.Buffer
	err = executor.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdin:  stdin,
		Stdout: &stdout,
		Stderr: &stderr,
	})
	return stdout.String(), stderr.String(), err
}

// ReadFile fetches one file from the sandbox via cat; used for the artifact
// manifest. A missing file is reported as an error by the shell.
func (r *PodRuntime) ReadFile(ctx context.Context, sandboxID, path string) ([]byte, error) {
	stdout, stderr, err := r.exec(ctx, sandboxID, []string{"cat", path}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s from sandbox %s: %w (stderr: %s)", path, sandboxID, err, strings.TrimSpace(stderr))
	}
	return []byte(stdout), nil
}

// StreamLogs follows the run output log inside the sandbox. The file is
// touched first so a caller attaching before the runner writes anything gets
// an open (empty) stream rather than an error.
func (r *PodRuntime) StreamLogs(ctx context.Context, sandboxID string) (io.ReadCloser, error) {
	script := fmt.Sprintf(`mkdir -p %s; touch %s; tail -n +1 -f %s`,
		path.Dir(rt.OutputLogPath), rt.OutputLogPath, rt.OutputLogPath)

	req := r.clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(PodName(sandboxID)).
		Namespace(r.opts.Namespace).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: "main",
			Command:   []string{"sh", "-c", script},
			Stdout:    true,
			Stderr:    false,
		}, scheme.ParameterCodec)

	executor, err := remotecommand.NewSPDYExecutor(r.config, "POST", req.URL())
	if err != nil {
		return nil, fmt.Errorf("failed to create log stream executor: %w", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()
	go func() {
		err := executor.StreamWithContext(streamCtx, remotecommand.StreamOptions{Stdout: pw})
		pw.CloseWithError(err)
	}()
	return &logStream{pr: pr, cancel: cancel}, nil
}

// logStream closes the follow exec when the reader goes away.
type logStream struct {
	pr     *io.PipeReader
	cancel context.CancelFunc
}

func (s *logStream) Read(p []byte) (int, error) { return s.pr.Read(p) }

func (s *logStream) Close() error {
	s.cancel()
	return s.pr.Close()
}

// List returns the sandbox ids of all pods this manager owns.
func (r *PodRuntime) List(ctx context.Context) ([]string, error) {
	podList, err := r.clientset.CoreV1().Pods(r.opts.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("app=%s", LabelApp),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list sandbox pods: %w", err)
	}

	ids := make([]string, 0, len(podList.Items))
	for _, pod := range podList.Items {
		if id := pod.Labels[LabelSandboxID]; id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (r *PodRuntime) cpuLimit() string {
	if r.opts.CPU != "" {
		return r.opts.CPU
	}
	return "500m"
}

func (r *PodRuntime) memLimit() string {
	if r.opts.Memory != "" {
		return r.opts.Memory
	}
	return "512Mi"
}

// PodName maps a sandbox id to its pod name.
func PodName(sandboxID string) string {
	return fmt.Sprintf("sandbox-%s", sandboxID)
}

func boolPtr(b bool) *bool {
	return &b
}
