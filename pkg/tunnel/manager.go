package tunnel

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/klog/v2"
)

const (
	DefaultStartDelay   = 3 * time.Second
	DefaultSettleDelay  = 2 * time.Second
	DefaultProbeTimeout = time.Second
	DefaultGracePeriod  = 5 * time.Second
	DefaultUser         = "root"
	DefaultSSHBinary    = "ssh"
)

// BindError is returned when no bind address produced working tunnels
type BindError struct {
	Addresses []string
	Err       error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("failed to create SSH tunnels on %s: %v", strings.Join(e.Addresses, ", "), e.Err)
}

func (e *BindError) Unwrap() error {
	return e.Err
}

// Config describes the tunnels to open to one pod
type Config struct {
	Endpoint Endpoint
	// Specs defaults to DefaultSpecs
	Specs []Spec
	// KeyPath is the private key; empty searches ~/.ssh
	KeyPath string
	// HomeDir overrides the home directory used for the key search
	HomeDir   string
	SSHBinary string

	StartDelay   time.Duration
	SettleDelay  time.Duration
	ProbeTimeout time.Duration
	GracePeriod  time.Duration
}

func (c *Config) setDefaults() {
	if len(c.Specs) == 0 {
		c.Specs = DefaultSpecs
	}
	if c.Endpoint.User == "" {
		c.Endpoint.User = DefaultUser
	}
	if c.SSHBinary == "" {
		c.SSHBinary = DefaultSSHBinary
	}
	if c.StartDelay == 0 {
		c.StartDelay = DefaultStartDelay
	}
	if c.SettleDelay == 0 {
		c.SettleDelay = DefaultSettleDelay
	}
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	if c.GracePeriod == 0 {
		c.GracePeriod = DefaultGracePeriod
	}
}

// Session describes the established tunnels
type Session struct {
	BindAddr string
	KeyPath  string
	Pids     []int
}

// Manager opens, verifies and tears down the forwarding processes for one pod
type Manager struct {
	cfg      Config
	launcher Launcher

	// swapped in tests
	detect    func() string
	sleep     func(ctx context.Context, d time.Duration) error
	probeHost string

	mu       sync.Mutex
	procs    []Process
	bindAddr string
	keyPath  string
}

// NewManager creates a tunnel manager. A nil launcher uses ExecLauncher.
func NewManager(cfg Config, launcher Launcher) *Manager {
	cfg.setDefaults()
	if launcher == nil {
		launcher = ExecLauncher{}
	}
	return &Manager{
		cfg:       cfg,
		launcher:  launcher,
		detect:    DetectBindAddress,
		sleep:     sleepContext,
		probeHost: "127.0.0.1",
	}
}

// Start opens the tunnels, trying the detected bind address first and then
// loopback. It returns the bind address that worked.
func (m *Manager) Start(ctx context.Context) (string, error) {
	logger := klog.FromContext(ctx)

	key, err := FindPrivateKey(m.cfg.KeyPath, m.cfg.HomeDir)
	if err != nil {
		return "", err
	}

	candidates := []string{m.detect()}
	if candidates[0] != "127.0.0.1" {
		candidates = append(candidates, "127.0.0.1")
	}

	logger.V(1).Info("Connecting", "endpoint", m.cfg.Endpoint.String(), "user", m.cfg.Endpoint.User, "key", key)

	var errs []error
	for _, addr := range candidates {
		logger.V(1).Info("Trying bind address", "bindAddr", addr)
		if err := m.attempt(ctx, addr, key); err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			logger.Info("Binding failed", "bindAddr", addr, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", addr, err))
			continue
		}

		m.mu.Lock()
		m.bindAddr = addr
		m.keyPath = key
		m.mu.Unlock()
		return addr, nil
	}

	return "", &BindError{Addresses: candidates, Err: utilerrors.NewAggregate(errs)}
}

func (m *Manager) attempt(ctx context.Context, bindAddr, key string) error {
	logger := klog.FromContext(ctx)

	args := BuildArgs(m.cfg.Endpoint, m.cfg.Specs, bindAddr, key)
	logger.V(2).Info("Starting tunnel", "command", m.cfg.SSHBinary+" "+strings.Join(args, " "))

	proc, err := m.launcher.Launch(ctx, m.cfg.SSHBinary, args...)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.procs = append(m.procs, proc)
	m.mu.Unlock()

	fail := func(err error) error {
		if stopErr := m.StopAll(); stopErr != nil {
			logger.V(1).Info("Error stopping failed tunnel", "err", stopErr)
		}
		return err
	}

	if err := m.sleep(ctx, m.cfg.StartDelay); err != nil {
		return fail(err)
	}
	if !proc.Alive() {
		return fail(fmt.Errorf("ssh exited immediately: %s", proc.Stderr()))
	}
	logger.V(1).Info("SSH tunnel process started", "pid", proc.Pid())

	if err := m.sleep(ctx, m.cfg.SettleDelay); err != nil {
		return fail(err)
	}
	if !proc.Alive() {
		return fail(fmt.Errorf("ssh exited after start: %s", proc.Stderr()))
	}

	if err := m.probe(ctx); err != nil {
		return fail(err)
	}
	return nil
}

// probe connects to every forwarded local port
func (m *Manager) probe(ctx context.Context) error {
	logger := klog.FromContext(ctx)

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range m.cfg.Specs {
		s := s
		g.Go(func() error {
			addr := net.JoinHostPort(m.probeHost, strconv.Itoa(s.LocalPort))
			d := net.Dialer{Timeout: m.cfg.ProbeTimeout}
			conn, err := d.DialContext(gctx, "tcp", addr)
			if err != nil {
				return fmt.Errorf("port %d not ready: %w", s.LocalPort, err)
			}
			_ = conn.Close()
			logger.V(1).Info("Port is listening", "port", s.LocalPort)
			return nil
		})
	}
	return g.Wait()
}

// Wait blocks until every tracked process has exited or ctx is done
func (m *Manager) Wait(ctx context.Context) error {
	m.mu.Lock()
	procs := append([]Process(nil), m.procs...)
	m.mu.Unlock()

	if len(procs) == 0 {
		return nil
	}

	done := make(chan struct{})
	go func() {
		for _, p := range procs {
			_ = p.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StopAll terminates every tracked process, killing those that outlive the
// grace period. The tracked set is always cleared.
func (m *Manager) StopAll() error {
	m.mu.Lock()
	procs := m.procs
	m.procs = nil
	m.mu.Unlock()

	var errs []error
	for _, p := range procs {
		if err := m.stop(p); err != nil {
			errs = append(errs, fmt.Errorf("pid %d: %w", p.Pid(), err))
		}
	}
	return utilerrors.NewAggregate(errs)
}

func (m *Manager) stop(p Process) error {
	if !p.Alive() {
		return nil
	}
	if err := p.Terminate(); err != nil {
		return p.Kill()
	}

	exited := make(chan struct{})
	go func() {
		_ = p.Wait()
		close(exited)
	}()

	timer := time.NewTimer(m.cfg.GracePeriod)
	defer timer.Stop()
	select {
	case <-exited:
		return nil
	case <-timer.C:
		return p.Kill()
	}
}

// Session returns the established session, or nil before a successful Start
func (m *Manager) Session() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bindAddr == "" {
		return nil
	}
	s := &Session{BindAddr: m.bindAddr, KeyPath: m.keyPath}
	for _, p := range m.procs {
		s.Pids = append(s.Pids, p.Pid())
	}
	return s
}

// Connections returns display rows for the established tunnels
func (m *Manager) Connections(bindAddr string) [][]string {
	return Connections(m.cfg.Endpoint, m.cfg.Specs, bindAddr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
