package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/lorelai/podlink/pkg/gpuselect"
	"github.com/lorelai/podlink/pkg/ledger"
	"github.com/lorelai/podlink/pkg/lifecycle"
	"github.com/lorelai/podlink/pkg/runpod"
	"github.com/lorelai/podlink/pkg/tunnel"
)

// ErrNoCapacity is returned when every candidate GPU was out of capacity
var ErrNoCapacity = errors.New("no instances available for any GPU type")

const DefaultCleanupTimeout = 30 * time.Second

// Catalog lists GPU offers
type Catalog interface {
	GPUOffers(ctx context.Context) ([]runpod.GPUOffer, error)
}

// PodLifecycle creates, waits for and terminates pods
type PodLifecycle interface {
	Create(ctx context.Context, opts lifecycle.CreateOptions) (*runpod.Pod, error)
	WaitUntilRunning(ctx context.Context, id string, timeout, pollInterval time.Duration) (*lifecycle.Ready, error)
	Terminate(ctx context.Context, id string) bool
}

// Tunnels forwards local ports into one pod
type Tunnels interface {
	Start(ctx context.Context) (string, error)
	Wait(ctx context.Context) error
	StopAll() error
	Connections(bindAddr string) [][]string
}

// TunnelFactory builds the tunnels for a ready pod
type TunnelFactory func(cfg tunnel.Config) Tunnels

// Recorder keeps an external record of live sessions
type Recorder interface {
	Record(ctx context.Context, s *ledger.Session) error
	Remove(ctx context.Context, podID string) error
}

// Request describes one deployment
type Request struct {
	MinVRAMGB      int
	MaxCostPerHour float64
	// Cloud defaults to COMMUNITY for spot and SECURE otherwise
	Cloud runpod.CloudType
	Spot  bool

	Image      string
	DiskGB     int
	NamePrefix string

	ReadyTimeout time.Duration
	PollInterval time.Duration

	SSHKeyPath string
	SSHUser    string

	// OnCandidates is called with the candidate list before any pod is created
	OnCandidates func(candidates []gpuselect.Candidate, c gpuselect.Constraints)
	// OnReady is called once the tunnels are verified, before blocking
	OnReady func(d *Deployment)
}

// Deployment is a running pod with verified tunnels
type Deployment struct {
	Candidate   gpuselect.Candidate
	Ready       *lifecycle.Ready
	BindAddr    string
	Connections [][]string
}

// SpotPolicy lowers the cost ceiling for spot deployments
type SpotPolicy struct {
	ClampAbove     float64
	MaxCostPerHour float64
}

// DefaultSpotPolicy caps spot ceilings above $0.50/hr at $0.30/hr
var DefaultSpotPolicy = SpotPolicy{ClampAbove: 0.50, MaxCostPerHour: 0.30}

// Apply resolves the cloud tier and the effective cost ceiling
func (p SpotPolicy) Apply(cloud runpod.CloudType, spot bool, maxCost float64) (runpod.CloudType, float64) {
	if cloud == "" {
		cloud = runpod.CloudSecure
		if spot {
			cloud = runpod.CloudCommunity
		}
	}
	if spot && maxCost > p.ClampAbove {
		maxCost = min(maxCost, p.MaxCostPerHour)
	}
	return cloud, maxCost
}

// Orchestrator drives select → create → wait → tunnel → teardown and owns
// the one active pod and tunnel session
type Orchestrator struct {
	catalog    Catalog
	pods       PodLifecycle
	newTunnels TunnelFactory
	recorder   Recorder
	policy     SpotPolicy
	out        io.Writer

	cleanupTimeout time.Duration

	mu      sync.Mutex
	podID   string
	tunnels Tunnels
	session *ledger.Session
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithRecorder records sessions in r
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithSpotPolicy overrides DefaultSpotPolicy
func WithSpotPolicy(p SpotPolicy) Option {
	return func(o *Orchestrator) { o.policy = p }
}

// WithOutput sends progress lines to w
func WithOutput(w io.Writer) Option {
	return func(o *Orchestrator) { o.out = w }
}

// WithCleanupTimeout bounds teardown after the deployment context is gone
func WithCleanupTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.cleanupTimeout = d }
}

// New creates an orchestrator
func New(catalog Catalog, pods PodLifecycle, newTunnels TunnelFactory, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		catalog:        catalog,
		pods:           pods,
		newTunnels:     newTunnels,
		policy:         DefaultSpotPolicy,
		out:            io.Discard,
		cleanupTimeout: DefaultCleanupTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Deploy runs the whole pipeline and blocks until the tunnels exit or ctx
// is cancelled. Everything it created is torn down before it returns.
// Cancellation is a graceful stop and returns nil.
func (o *Orchestrator) Deploy(ctx context.Context, req Request) error {
	logger := klog.FromContext(ctx)

	err := o.deploy(ctx, req)

	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cleanupTimeout)
	defer cancel()
	o.Cleanup(cleanupCtx)

	if errors.Is(ctx.Err(), context.Canceled) {
		logger.V(1).Info("Deployment interrupted, resources released")
		return nil
	}
	return err
}

func (o *Orchestrator) deploy(ctx context.Context, req Request) error {
	logger := klog.FromContext(ctx)

	// fail before renting anything when there is no key to tunnel with
	keyPath, err := tunnel.FindPrivateKey(req.SSHKeyPath, "")
	if err != nil {
		return err
	}
	publicKey, err := tunnel.PublicKey(keyPath)
	if err != nil {
		logger.V(1).Info("No public key next to private key, relying on account SSH keys", "key", keyPath)
		publicKey = ""
	}

	cloud, maxCost := o.policy.Apply(req.Cloud, req.Spot, req.MaxCostPerHour)
	if maxCost != req.MaxCostPerHour {
		o.printf("Note: using lower max cost for spot instances ($%.2f/hr)\n", maxCost)
	}

	o.printf("Fetching available GPUs...\n")
	offers, err := o.catalog.GPUOffers(ctx)
	if err != nil {
		return err
	}

	constraints := gpuselect.Constraints{
		MinVRAMGB:      req.MinVRAMGB,
		MaxCostPerHour: maxCost,
		Cloud:          cloud,
		Spot:           req.Spot,
	}
	candidates, err := gpuselect.Candidates(offers, constraints)
	if err != nil {
		return err
	}
	if req.OnCandidates != nil {
		req.OnCandidates(candidates, constraints)
	}
	o.printf("Found %d candidate GPU(s), trying in price order\n", len(candidates))

	candidate, pod, err := o.create(ctx, req, candidates, cloud, publicKey)
	if err != nil {
		return err
	}

	o.record(ctx, &ledger.Session{
		PodID:       pod.ID,
		PodName:     pod.Name,
		GPUType:     candidate.GPUTypeID,
		CostPerHour: candidate.CostPerHour,
	})

	o.printf("Waiting for pod %s to start (this may take a few minutes)...\n", pod.ID)
	ready, err := o.pods.WaitUntilRunning(ctx, pod.ID, req.ReadyTimeout, req.PollInterval)
	if err != nil {
		return fmt.Errorf("failed waiting for pod %s: %w", pod.ID, err)
	}
	o.printf("✓ Pod is running at %s (SSH port %d)\n", ready.PublicIP, ready.SSHPort)

	tunnels := o.newTunnels(tunnel.Config{
		Endpoint: tunnel.Endpoint{Host: ready.PublicIP, Port: ready.SSHPort, User: req.SSHUser},
		KeyPath:  keyPath,
	})
	o.mu.Lock()
	o.tunnels = tunnels
	o.mu.Unlock()

	bindAddr, err := tunnels.Start(ctx)
	if err != nil {
		return err
	}

	o.mu.Lock()
	session := o.session
	o.mu.Unlock()
	if session != nil {
		session.PublicIP = ready.PublicIP
		session.SSHPort = ready.SSHPort
		session.BindAddr = bindAddr
		o.record(ctx, session)
	}

	if req.OnReady != nil {
		req.OnReady(&Deployment{
			Candidate:   candidate,
			Ready:       ready,
			BindAddr:    bindAddr,
			Connections: tunnels.Connections(bindAddr),
		})
	}

	if err := tunnels.Wait(ctx); err != nil {
		return err
	}
	logger.Info("Tunnel processes exited", "pod", pod.ID)
	return nil
}

// create walks candidates cheapest first and moves on only when a GPU type
// has no capacity
func (o *Orchestrator) create(ctx context.Context, req Request, candidates []gpuselect.Candidate, cloud runpod.CloudType, publicKey string) (gpuselect.Candidate, *runpod.Pod, error) {
	logger := klog.FromContext(ctx)

	for i, c := range candidates {
		o.printf("Trying GPU %d/%d: %s @ $%.3f/hr\n", i+1, len(candidates), c.DisplayName, c.CostPerHour)

		pod, err := o.pods.Create(ctx, lifecycle.CreateOptions{
			NamePrefix: req.NamePrefix,
			Image:      req.Image,
			GPUTypeID:  c.GPUTypeID,
			Cloud:      cloud,
			Spot:       req.Spot,
			DiskGB:     req.DiskGB,
			PublicKey:  publicKey,
		})
		if err == nil {
			o.mu.Lock()
			o.podID = pod.ID
			o.mu.Unlock()
			o.printf("✓ Created pod %s (%s)\n", pod.ID, pod.Name)
			return c, pod, nil
		}
		if !runpod.IsCapacityExhausted(err) {
			return gpuselect.Candidate{}, nil, fmt.Errorf("failed to create pod: %w", err)
		}

		logger.V(1).Info("No capacity, trying next GPU", "gpu", c.GPUTypeID)
		o.printf("No instances available for %s, trying next GPU...\n", c.DisplayName)
	}
	return gpuselect.Candidate{}, nil, ErrNoCapacity
}

// Cleanup stops the tunnels, terminates the active pod and drops its ledger
// record. Safe to call any number of times.
func (o *Orchestrator) Cleanup(ctx context.Context) {
	logger := klog.FromContext(ctx)

	o.mu.Lock()
	tunnels, podID, session := o.tunnels, o.podID, o.session
	o.tunnels, o.podID, o.session = nil, "", nil
	o.mu.Unlock()

	if tunnels != nil {
		o.printf("Stopping SSH tunnels...\n")
		if err := tunnels.StopAll(); err != nil {
			logger.Error(err, "Failed to stop tunnels cleanly")
		}
	}

	if podID != "" {
		o.printf("Terminating pod %s...\n", podID)
		if !o.pods.Terminate(ctx, podID) {
			// keep the ledger record so the pod can still be found
			o.printf("Failed to terminate pod %s, run 'podlink stop --pod %s' to retry\n", podID, podID)
			return
		}
		o.printf("✓ Pod %s terminated\n", podID)
	}

	if session != nil && o.recorder != nil {
		if err := o.recorder.Remove(ctx, session.PodID); err != nil {
			logger.Info("Failed to remove session record", "pod", session.PodID, "err", err)
		}
	}
}

// ActivePod returns the pod currently held, if any
func (o *Orchestrator) ActivePod() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.podID
}

func (o *Orchestrator) record(ctx context.Context, s *ledger.Session) {
	if o.recorder == nil {
		return
	}
	if err := o.recorder.Record(ctx, s); err != nil {
		klog.FromContext(ctx).Info("Failed to record session", "pod", s.PodID, "err", err)
		return
	}
	o.mu.Lock()
	o.session = s
	o.mu.Unlock()
}

func (o *Orchestrator) printf(format string, args ...any) {
	fmt.Fprintf(o.out, format, args...)
}
