package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"

	"github.com/lorelai/podlink/pkg/runpod"
)

const (
	DefaultReadyTimeout = 10 * time.Minute
	DefaultPollInterval = 5 * time.Second
	DefaultNamePrefix   = "podlink"
)

// DefaultPorts are exposed on every pod: sshd for the tunnel and the API
// surface for direct access
var DefaultPorts = []string{"22/tcp", "8880/tcp"}

// terminalStatuses are desired statuses a starting pod never recovers from
var terminalStatuses = sets.New(runpod.StatusExited, runpod.StatusTerminated, runpod.StatusCreated)

// ErrTimedOut is returned when the pod did not become reachable in time
var ErrTimedOut = errors.New("timed out waiting for pod to start")

// FailedError is returned when the pod reached a terminal status while starting
type FailedError struct {
	PodID  string
	Status string
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("pod %s in unexpected state: %s", e.PodID, e.Status)
}

// API is the subset of the RunPod client the manager needs
type API interface {
	CreatePod(ctx context.Context, req *runpod.CreatePodRequest) (*runpod.Pod, error)
	GetPod(ctx context.Context, id string) (*runpod.Pod, error)
	ListPods(ctx context.Context) ([]*runpod.Pod, error)
	DeletePod(ctx context.Context, id string) error
	SSHPort(ctx context.Context, podID string) (int, error)
}

// CreateOptions describes the pod to create
type CreateOptions struct {
	// Name defaults to <NamePrefix>-YYYYmmdd-HHMMSS
	Name       string
	NamePrefix string
	Image      string
	GPUTypeID  string
	Cloud      runpod.CloudType
	Spot       bool
	DiskGB     int
	Ports      []string
	Env        map[string]string
	// PublicKey is injected as PUBLIC_KEY so the pod authorizes our SSH key
	PublicKey string
}

// Ready is a pod that is running with a reachable SSH endpoint
type Ready struct {
	Pod      *runpod.Pod
	PublicIP string
	SSHPort  int
}

// Manager creates, polls and terminates pods. It tracks at most one active pod.
type Manager struct {
	api API
	now func() time.Time

	mu       sync.Mutex
	activeID string
}

// NewManager creates a new pod lifecycle manager
func NewManager(api API) *Manager {
	return &Manager{api: api, now: time.Now}
}

// ActiveID returns the pod created by the last successful Create, if any
func (m *Manager) ActiveID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeID
}

// Create submits exactly one pod creation request and records the result
// as the active pod. Capacity errors are returned as-is so the caller can
// move on to the next candidate.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (*runpod.Pod, error) {
	logger := klog.FromContext(ctx)

	name := opts.Name
	if name == "" {
		prefix := opts.NamePrefix
		if prefix == "" {
			prefix = DefaultNamePrefix
		}
		name = fmt.Sprintf("%s-%s", prefix, m.now().Format("20060102-150405"))
	}

	ports := opts.Ports
	if len(ports) == 0 {
		ports = DefaultPorts
	}

	env := make(map[string]string, len(opts.Env)+1)
	for k, v := range opts.Env {
		env[k] = v
	}
	if opts.PublicKey != "" {
		env["PUBLIC_KEY"] = opts.PublicKey
	}

	req := &runpod.CreatePodRequest{
		Name:              name,
		ImageName:         opts.Image,
		CloudType:         opts.Cloud,
		ComputeType:       "GPU",
		GPUTypeIDs:        []string{opts.GPUTypeID},
		GPUCount:          1,
		ContainerDiskInGB: opts.DiskGB,
		Ports:             ports,
		SupportPublicIP:   true,
		Interruptible:     opts.Spot,
	}
	if len(env) > 0 {
		req.Env = env
	}

	logger.V(1).Info("Creating pod", "name", name, "image", opts.Image, "gpu", opts.GPUTypeID,
		"cloud", opts.Cloud, "spot", opts.Spot, "sshKey", opts.PublicKey != "")

	pod, err := m.api.CreatePod(ctx, req)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.activeID = pod.ID
	m.mu.Unlock()

	logger.V(1).Info("Pod created", "pod", pod.ID)
	return pod, nil
}

// WaitUntilRunning polls the pod until it is RUNNING with a public IP and a
// resolvable SSH port. An empty id means the active pod. Transient errors
// while polling are logged and retried on the next tick; client errors such
// as a rejected key or a deleted pod end the wait.
func (m *Manager) WaitUntilRunning(ctx context.Context, id string, timeout, pollInterval time.Duration) (*Ready, error) {
	logger := klog.FromContext(ctx)

	if id == "" {
		id = m.ActiveID()
	}
	if id == "" {
		return nil, errors.New("no pod to wait for")
	}
	if timeout <= 0 {
		timeout = DefaultReadyTimeout
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	var ready *Ready
	err := wait.PollUntilContextTimeout(ctx, pollInterval, timeout, true, func(ctx context.Context) (bool, error) {
		pod, err := m.api.GetPod(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			if runpod.IsClientError(err) {
				return false, fmt.Errorf("failed to get pod %s: %w", id, err)
			}
			logger.Info("Error checking pod status, will retry", "pod", id, "err", err)
			return false, nil
		}

		if terminalStatuses.Has(pod.DesiredStatus) {
			return false, &FailedError{PodID: id, Status: pod.DesiredStatus}
		}

		if pod.DesiredStatus != runpod.StatusRunning || pod.PublicIP == "" {
			logger.V(1).Info("Waiting for pod", "pod", id, "status", pod.DesiredStatus, "publicIP", pod.PublicIP)
			return false, nil
		}

		sshPort := pod.SSHPort()
		if sshPort == 0 {
			sshPort, err = m.api.SSHPort(ctx, id)
			if err != nil {
				logger.Info("SSH port lookup failed, will retry", "pod", id, "err", err)
				return false, nil
			}
		}
		if sshPort == 0 {
			logger.V(1).Info("Waiting for SSH port", "pod", id, "publicIP", pod.PublicIP)
			return false, nil
		}

		ready = &Ready{Pod: pod, PublicIP: pod.PublicIP, SSHPort: sshPort}
		return true, nil
	})

	if err == nil {
		logger.V(1).Info("Pod is running", "pod", id, "publicIP", ready.PublicIP, "sshPort", ready.SSHPort)
		return ready, nil
	}

	var failed *FailedError
	switch {
	case errors.As(err, &failed):
		return nil, failed
	case ctx.Err() != nil:
		// the caller was interrupted; that is not a timeout
		return nil, ctx.Err()
	case wait.Interrupted(err):
		return nil, ErrTimedOut
	default:
		return nil, err
	}
}

// Terminate deletes the pod with the given id, or the active pod when id is
// empty. It is best-effort: failures are logged and reported as false, and
// terminating an already terminated pod succeeds.
func (m *Manager) Terminate(ctx context.Context, id string) bool {
	logger := klog.FromContext(ctx)

	if id == "" {
		id = m.ActiveID()
	}
	if id == "" {
		logger.V(1).Info("No pod to terminate")
		return true
	}

	logger.V(1).Info("Terminating pod", "pod", id)
	if err := m.api.DeletePod(ctx, id); err != nil {
		logger.Error(err, "Failed to terminate pod", "pod", id)
		return false
	}

	m.mu.Lock()
	if m.activeID == id {
		m.activeID = ""
	}
	m.mu.Unlock()

	logger.V(1).Info("Pod terminated", "pod", id)
	return true
}

// ListRunning returns every pod on the account whose desired status is RUNNING
func (m *Manager) ListRunning(ctx context.Context) ([]*runpod.Pod, error) {
	pods, err := m.api.ListPods(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list pods: %w", err)
	}

	var running []*runpod.Pod
	for _, pod := range pods {
		if pod.DesiredStatus == runpod.StatusRunning {
			running = append(running, pod)
		}
	}
	return running, nil
}

// TerminateAll terminates every running pod and returns how many succeeded.
// Individual failures do not stop the sweep.
func (m *Manager) TerminateAll(ctx context.Context) (int, error) {
	running, err := m.ListRunning(ctx)
	if err != nil {
		return 0, err
	}

	terminated := 0
	for _, pod := range running {
		if m.Terminate(ctx, pod.ID) {
			terminated++
		}
	}
	return terminated, nil
}
