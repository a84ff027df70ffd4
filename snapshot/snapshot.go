// Package snapshot persists a point-in-time snapshot of an execution's
// state to Redis (§11 domain stack: an orthogonal persistence adapter,
// never read by the core engine itself). It only saves, loads and deletes
// snapshots; nothing in this module resumes an execution from one.
// Grounded on the teacher's
// common/redis.Client wrapper and common/clients.RedisCASClient: a thin
// typed layer over go-redis's Set/Get, JSON-encoding the payload.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nbaghiro/flowmaestro-sub016/logging"
)

// State is the durable projection of one execution's progress: the
// scheduler's execution order and per-node states the orchestrator would
// need to rebuild its Context and Scheduler on resume, plus the raw node
// outputs a new Context.Create + StoreNodeOutput replay would restore.
type State struct {
	ExecutionID    string                 `json:"executionId"`
	ExecutionOrder []string               `json:"executionOrder"`
	NodeStates     map[string]string      `json:"nodeStates"`
	NodeOutputs    map[string]interface{} `json:"nodeOutputs"`
	Variables      map[string]interface{} `json:"variables"`
	Shared         map[string]interface{} `json:"shared"`
	UpdatedAt      time.Time              `json:"updatedAt"`
}

// Store persists and retrieves execution snapshots in Redis. Not safe for
// use until New returns a non-nil *Store with a live client.
type Store struct {
	redis *redis.Client
	log   *logging.Logger
	ttl   time.Duration
}

// New builds a Store over an already-constructed *redis.Client, mirroring
// the teacher's pattern of taking an externally configured client rather
// than owning connection setup itself.
func New(client *redis.Client, log *logging.Logger, ttl time.Duration) *Store {
	if log == nil {
		log = logging.New("error", "console")
	}
	return &Store{redis: client, log: log, ttl: ttl}
}

func key(executionID string) string {
	return fmt.Sprintf("flowmaestro:snapshot:%s", executionID)
}

// Save writes state, overwriting any prior snapshot for the same execution.
func (s *Store) Save(ctx context.Context, state State) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("snapshot: failed to marshal state: %w", err)
	}
	if err := s.redis.Set(ctx, key(state.ExecutionID), payload, s.ttl).Err(); err != nil {
		s.log.Error("snapshot save failed", "execution_id", state.ExecutionID, "error", err)
		return fmt.Errorf("snapshot: failed to save execution %s: %w", state.ExecutionID, err)
	}
	s.log.Debug("snapshot saved", "execution_id", state.ExecutionID, "node_count", len(state.NodeOutputs))
	return nil
}

// Load retrieves a prior snapshot, or (nil, nil) if none exists.
func (s *Store) Load(ctx context.Context, executionID string) (*State, error) {
	raw, err := s.redis.Get(ctx, key(executionID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		s.log.Error("snapshot load failed", "execution_id", executionID, "error", err)
		return nil, fmt.Errorf("snapshot: failed to load execution %s: %w", executionID, err)
	}

	var state State
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, fmt.Errorf("snapshot: failed to unmarshal state for execution %s: %w", executionID, err)
	}
	return &state, nil
}

// Delete removes a snapshot once an execution has completed terminally.
func (s *Store) Delete(ctx context.Context, executionID string) error {
	if err := s.redis.Del(ctx, key(executionID)).Err(); err != nil {
		s.log.Error("snapshot delete failed", "execution_id", executionID, "error", err)
		return fmt.Errorf("snapshot: failed to delete execution %s: %w", executionID, err)
	}
	return nil
}
