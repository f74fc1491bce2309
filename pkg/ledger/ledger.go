// Package ledger records live podlink sessions in Redis so other commands
// and other hosts can see which pods are currently held.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const (
	KeyPrefix   = "podlink:"
	sessionsKey = KeyPrefix + "sessions"
)

// Session is one deployed pod and the tunnels opened to it
type Session struct {
	ID          string    `json:"id"`
	PodID       string    `json:"pod_id"`
	PodName     string    `json:"pod_name,omitempty"`
	GPUType     string    `json:"gpu_type,omitempty"`
	CostPerHour float64   `json:"cost_per_hour"`
	PublicIP    string    `json:"public_ip,omitempty"`
	SSHPort     int       `json:"ssh_port,omitempty"`
	BindAddr    string    `json:"bind_addr,omitempty"`
	Host        string    `json:"host,omitempty"`
	StartedAt   time.Time `json:"started_at"`
}

// Ledger wraps a Redis client holding session records
type Ledger struct {
	rdb *redis.Client
}

// New creates a ledger for a Redis server at host:port
func New(addr string, db int, password string) *Ledger {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		DB:       db,
		Password: password,
	})

	return &Ledger{rdb: rdb}
}

// NewWithSocket creates a ledger using a Unix socket
func NewWithSocket(socketPath string, db int, password string) *Ledger {
	rdb := redis.NewClient(&redis.Options{
		Network:  "unix",
		Addr:     socketPath,
		DB:       db,
		Password: password,
	})

	return &Ledger{rdb: rdb}
}

// Open picks the transport from addr: a path or unix:// URL means a socket
func Open(addr string, db int, password string) *Ledger {
	if path, ok := strings.CutPrefix(addr, "unix://"); ok {
		return NewWithSocket(path, db, password)
	}
	if strings.HasPrefix(addr, "/") {
		return NewWithSocket(addr, db, password)
	}
	return New(addr, db, password)
}

func (l *Ledger) Close() error {
	return l.rdb.Close()
}

func (l *Ledger) Ping(ctx context.Context) error {
	return l.rdb.Ping(ctx).Err()
}

func sessionKey(podID string) string {
	return fmt.Sprintf("%ssession:%s", KeyPrefix, podID)
}

// Record stores or replaces the session for s.PodID. A missing ID, host or
// start time is filled in.
func (l *Ledger) Record(ctx context.Context, s *Session) error {
	if s.PodID == "" {
		return fmt.Errorf("session has no pod id")
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Host == "" {
		s.Host, _ = os.Hostname()
	}
	if s.StartedAt.IsZero() {
		s.StartedAt = time.Now()
	}

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	_, err = l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, sessionKey(s.PodID), data, 0)
		pipe.SAdd(ctx, sessionsKey, s.PodID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record session for pod %s: %w", s.PodID, err)
	}
	return nil
}

// Remove deletes the session for podID. Removing an unknown pod is not an error.
func (l *Ledger) Remove(ctx context.Context, podID string) error {
	_, err := l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, sessionKey(podID))
		pipe.SRem(ctx, sessionsKey, podID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to remove session for pod %s: %w", podID, err)
	}
	return nil
}

// Get returns the session for podID, or nil when none is recorded
func (l *Ledger) Get(ctx context.Context, podID string) (*Session, error) {
	data, err := l.rdb.Get(ctx, sessionKey(podID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var s Session
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &s, nil
}

// List returns every recorded session, oldest first. Index entries whose
// record has disappeared are pruned.
func (l *Ledger) List(ctx context.Context) ([]*Session, error) {
	podIDs, err := l.rdb.SMembers(ctx, sessionsKey).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	var sessions []*Session
	for _, podID := range podIDs {
		s, err := l.Get(ctx, podID)
		if err != nil {
			return nil, err
		}
		if s == nil {
			l.rdb.SRem(ctx, sessionsKey, podID)
			continue
		}
		sessions = append(sessions, s)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartedAt.Before(sessions[j].StartedAt)
	})
	return sessions, nil
}
