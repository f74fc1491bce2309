package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorelai/podlink/pkg/runpod"
)

type fakeAPI struct {
	mu sync.Mutex

	created   []*runpod.CreatePodRequest
	createErr error

	snapshots []*runpod.Pod
	getErrs   []error
	gets      int

	sshPort    int
	sshLookups int

	pods      []*runpod.Pod
	deleted   []string
	deleteErr map[string]error
}

func (f *fakeAPI) CreatePod(_ context.Context, req *runpod.CreatePodRequest) (*runpod.Pod, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, req)
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &runpod.Pod{ID: "pod-1", Name: req.Name}, nil
}

// GetPod replays snapshots in order and repeats the last one forever
func (f *fakeAPI) GetPod(_ context.Context, id string) (*runpod.Pod, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.gets
	f.gets++
	if i < len(f.getErrs) && f.getErrs[i] != nil {
		return nil, f.getErrs[i]
	}
	if i >= len(f.snapshots) {
		i = len(f.snapshots) - 1
	}
	pod := *f.snapshots[i]
	pod.ID = id
	return &pod, nil
}

func (f *fakeAPI) ListPods(context.Context) ([]*runpod.Pod, error) {
	return f.pods, nil
}

func (f *fakeAPI) DeletePod(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return f.deleteErr[id]
}

func (f *fakeAPI) SSHPort(context.Context, string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sshLookups++
	return f.sshPort, nil
}

func TestManager_Create_BuildsRequest(t *testing.T) {
	api := &fakeAPI{}
	m := NewManager(api)
	m.now = func() time.Time { return time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC) }

	pod, err := m.Create(context.Background(), CreateOptions{
		NamePrefix: "kokoro-pod",
		Image:      "kajdo/kokoro-fastapi:latest",
		GPUTypeID:  "NVIDIA RTX A4000",
		Cloud:      runpod.CloudCommunity,
		Spot:       true,
		DiskGB:     50,
		PublicKey:  "ssh-ed25519 AAAA test",
	})
	require.NoError(t, err)
	assert.Equal(t, "pod-1", pod.ID)
	assert.Equal(t, "pod-1", m.ActiveID())

	require.Len(t, api.created, 1)
	req := api.created[0]
	assert.Equal(t, "kokoro-pod-20250304-050607", req.Name)
	assert.Equal(t, []string{"NVIDIA RTX A4000"}, req.GPUTypeIDs)
	assert.Equal(t, runpod.CloudCommunity, req.CloudType)
	assert.True(t, req.Interruptible)
	assert.True(t, req.SupportPublicIP)
	assert.Equal(t, DefaultPorts, req.Ports)
	assert.Equal(t, "ssh-ed25519 AAAA test", req.Env["PUBLIC_KEY"])
}

func TestManager_Create_CapacityErrorBubbles(t *testing.T) {
	capErr := &runpod.APIError{Kind: runpod.KindTryNextCandidate, StatusCode: 500, Body: "no longer any instances available"}
	m := NewManager(&fakeAPI{createErr: capErr})

	_, err := m.Create(context.Background(), CreateOptions{GPUTypeID: "x"})
	assert.True(t, runpod.IsCapacityExhausted(err))
	assert.Empty(t, m.ActiveID())
}

func TestManager_WaitUntilRunning_ReadyFromPortMap(t *testing.T) {
	api := &fakeAPI{snapshots: []*runpod.Pod{
		{DesiredStatus: "PENDING"},
		{DesiredStatus: runpod.StatusRunning},
		{DesiredStatus: runpod.StatusRunning, PublicIP: "1.2.3.4", PortMappings: map[string]int{"22": 40022}},
	}}
	m := NewManager(api)

	ready, err := m.WaitUntilRunning(context.Background(), "pod-1", time.Second, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "1.2.3.4", ready.PublicIP)
	assert.Equal(t, 40022, ready.SSHPort)
	assert.Equal(t, 3, api.gets)
	assert.Zero(t, api.sshLookups)
}

func TestManager_WaitUntilRunning_SSHPortFallback(t *testing.T) {
	api := &fakeAPI{
		snapshots: []*runpod.Pod{{DesiredStatus: runpod.StatusRunning, PublicIP: "1.2.3.4"}},
		sshPort:   41234,
	}
	m := NewManager(api)

	ready, err := m.WaitUntilRunning(context.Background(), "pod-1", time.Second, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 41234, ready.SSHPort)
	assert.Equal(t, 1, api.sshLookups)
}

func TestManager_WaitUntilRunning_NoSSHPortTimesOut(t *testing.T) {
	api := &fakeAPI{snapshots: []*runpod.Pod{{DesiredStatus: runpod.StatusRunning, PublicIP: "1.2.3.4"}}}
	m := NewManager(api)

	_, err := m.WaitUntilRunning(context.Background(), "pod-1", 30*time.Millisecond, time.Millisecond)
	assert.ErrorIs(t, err, ErrTimedOut)
	assert.Greater(t, api.sshLookups, 1)
}

func TestManager_WaitUntilRunning_TerminalStatus(t *testing.T) {
	for _, status := range []string{runpod.StatusExited, runpod.StatusTerminated, runpod.StatusCreated} {
		t.Run(status, func(t *testing.T) {
			api := &fakeAPI{snapshots: []*runpod.Pod{{DesiredStatus: "PENDING"}, {DesiredStatus: status}}}
			m := NewManager(api)

			_, err := m.WaitUntilRunning(context.Background(), "pod-1", time.Second, time.Millisecond)
			var failed *FailedError
			require.ErrorAs(t, err, &failed)
			assert.Equal(t, status, failed.Status)
			assert.NotErrorIs(t, err, ErrTimedOut)
			assert.Equal(t, 2, api.gets)
		})
	}
}

func TestManager_WaitUntilRunning_TransientErrorsRetry(t *testing.T) {
	api := &fakeAPI{
		getErrs:   []error{errors.New("connection reset"), nil},
		snapshots: []*runpod.Pod{nil, {DesiredStatus: runpod.StatusRunning, PublicIP: "5.6.7.8", PortMappings: map[string]int{"22": 2200}}},
	}
	m := NewManager(api)

	ready, err := m.WaitUntilRunning(context.Background(), "pod-1", time.Second, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 2200, ready.SSHPort)
}

func TestManager_WaitUntilRunning_ServerErrorsRetry(t *testing.T) {
	api := &fakeAPI{
		getErrs: []error{
			&runpod.APIError{Kind: runpod.KindTerminal, StatusCode: 502, Body: "bad gateway"},
			&runpod.APIError{Kind: runpod.KindTerminal, StatusCode: 429},
			nil,
		},
		snapshots: []*runpod.Pod{nil, nil, {DesiredStatus: runpod.StatusRunning, PublicIP: "5.6.7.8", PortMappings: map[string]int{"22": 2200}}},
	}
	m := NewManager(api)

	ready, err := m.WaitUntilRunning(context.Background(), "pod-1", time.Second, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 2200, ready.SSHPort)
	assert.Equal(t, 3, api.gets)
}

func TestManager_WaitUntilRunning_ClientErrorEndsWait(t *testing.T) {
	tests := []struct {
		name   string
		status int
	}{
		{"bad key", 401},
		{"pod deleted", 404},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			apiErr := &runpod.APIError{Kind: runpod.KindTerminal, StatusCode: tt.status, Body: "denied"}
			api := &fakeAPI{
				getErrs:   []error{apiErr, apiErr, apiErr},
				snapshots: []*runpod.Pod{{DesiredStatus: "PENDING"}},
			}
			m := NewManager(api)

			_, err := m.WaitUntilRunning(context.Background(), "pod-1", 100*time.Millisecond, 10*time.Millisecond)
			require.Error(t, err)
			assert.NotErrorIs(t, err, ErrTimedOut)

			var got *runpod.APIError
			require.ErrorAs(t, err, &got)
			assert.Equal(t, tt.status, got.StatusCode)
			assert.Equal(t, 1, api.gets)
		})
	}
}

func TestManager_WaitUntilRunning_CancelledIsNotTimeout(t *testing.T) {
	api := &fakeAPI{snapshots: []*runpod.Pod{{DesiredStatus: "PENDING"}}}
	m := NewManager(api)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := m.WaitUntilRunning(ctx, "pod-1", time.Minute, time.Millisecond)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrTimedOut)
}

func TestManager_WaitUntilRunning_UsesActivePod(t *testing.T) {
	m := NewManager(&fakeAPI{})
	_, err := m.WaitUntilRunning(context.Background(), "", time.Second, time.Millisecond)
	assert.Error(t, err)
}

func TestManager_Terminate_Idempotent(t *testing.T) {
	api := &fakeAPI{}
	m := NewManager(api)
	_, err := m.Create(context.Background(), CreateOptions{GPUTypeID: "x"})
	require.NoError(t, err)

	assert.True(t, m.Terminate(context.Background(), ""))
	assert.Empty(t, m.ActiveID())
	// second call has no active pod left and is a no-op
	assert.True(t, m.Terminate(context.Background(), ""))
	// explicit id of an already deleted pod also succeeds
	assert.True(t, m.Terminate(context.Background(), "pod-1"))
	assert.Equal(t, []string{"pod-1", "pod-1"}, api.deleted)
}

func TestManager_Terminate_FailureIsReported(t *testing.T) {
	api := &fakeAPI{deleteErr: map[string]error{"pod-1": errors.New("boom")}}
	m := NewManager(api)
	_, err := m.Create(context.Background(), CreateOptions{GPUTypeID: "x"})
	require.NoError(t, err)

	assert.False(t, m.Terminate(context.Background(), ""))
	assert.Equal(t, "pod-1", m.ActiveID())
}

func TestManager_TerminateAll(t *testing.T) {
	api := &fakeAPI{
		pods: []*runpod.Pod{
			{ID: "a", DesiredStatus: runpod.StatusRunning},
			{ID: "b", DesiredStatus: runpod.StatusExited},
			{ID: "c", DesiredStatus: runpod.StatusRunning},
			{ID: "d", DesiredStatus: runpod.StatusRunning},
		},
		deleteErr: map[string]error{"c": errors.New("boom")},
	}
	m := NewManager(api)

	running, err := m.ListRunning(context.Background())
	require.NoError(t, err)
	assert.Len(t, running, 3)

	n, err := m.TerminateAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"a", "c", "d"}, api.deleted)
}
