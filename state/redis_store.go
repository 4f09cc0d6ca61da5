package state

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/veritas-project/veritas/core"
	"github.com/veritas-project/veritas/plan"
)

const (
	planKeyPrefix = "veritas:plan:"
	planIndexKey  = "veritas:plan:index"
	stepKeyPrefix = "veritas:step:"
	logKeyPrefix  = "veritas:log:"
	defaultTTL    = 72 * time.Hour
)

// RedisStore is the typed, transactional primary backend for C10, per
// spec.md §4.10 and SPEC_FULL.md §11's go-redis/v8 wiring.
type RedisStore struct {
	client *redis.Client
	logger core.Logger
	ttl    time.Duration

	// mu serialises the read-modify-write steps-append sequence; Redis
	// itself doesn't need it for single-key ops, but AppendStepResult
	// touches two keys (step + plan) and must not interleave.
	mu sync.Mutex
}

// RedisOption configures a RedisStore at construction.
type RedisOption func(*RedisStore)

func WithTTL(d time.Duration) RedisOption      { return func(s *RedisStore) { s.ttl = d } }
func WithRedisLogger(l core.Logger) RedisOption { return func(s *RedisStore) { s.logger = l } }

// NewRedisStore builds a RedisStore from connection options, mirroring
// the teacher's redis.NewClient(&redis.Options{...}) construction.
func NewRedisStore(opt *redis.Options, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: redis.NewClient(opt), ttl: defaultTTL, logger: &core.NoOpLogger{}}
	for _, o := range opts {
		o(s)
	}
	if cal, ok := s.logger.(core.ComponentAwareLogger); ok {
		s.logger = cal.WithComponent("pipeline/state")
	}
	return s
}

// NewRedisStoreFromClient wraps an already-constructed client, used by
// tests against a miniredis instance.
func NewRedisStoreFromClient(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, ttl: defaultTTL, logger: &core.NoOpLogger{}}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *RedisStore) planKey(id string) string { return planKeyPrefix + id }
func (s *RedisStore) stepKey(planID, stepID string) string {
	return stepKeyPrefix + planID + ":" + stepID
}

func (s *RedisStore) CreatePlan(ctx context.Context, p *plan.Plan, hint ConsistencyHint) error {
	return s.putPlan(ctx, p, hint)
}

func (s *RedisStore) putPlan(ctx context.Context, p *plan.Plan, hint ConsistencyHint) error {
	data, err := json.Marshal(p)
	if err != nil {
		return core.NewPipelineError("state.putPlan", core.KindDataIntegrity, err).WithID(p.PlanID)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.planKey(p.PlanID), data, s.ttl)
	pipe.ZAdd(ctx, planIndexKey, &redis.Z{Score: float64(p.CreatedAt.Unix()), Member: p.PlanID})
	_, err = pipe.Exec(ctx)
	if err != nil {
		return core.NewPipelineError("state.putPlan", core.KindResourceUnavailable, err).WithID(p.PlanID)
	}
	if hint == MustPersist {
		if err := s.client.Persist(ctx, s.planKey(p.PlanID)).Err(); err != nil {
			return core.NewPipelineError("state.putPlan", core.KindResourceUnavailable, err).WithID(p.PlanID)
		}
	}
	return nil
}

func (s *RedisStore) GetPlan(ctx context.Context, planID string) (*plan.Plan, error) {
	data, err := s.client.Get(ctx, s.planKey(planID)).Bytes()
	if err == redis.Nil {
		return nil, core.NewPipelineError("state.GetPlan", core.KindInput, core.ErrPlanNotFound).WithID(planID)
	}
	if err != nil {
		return nil, core.NewPipelineError("state.GetPlan", core.KindResourceUnavailable, err).WithID(planID)
	}
	var p plan.Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, core.NewPipelineError("state.GetPlan", core.KindDataIntegrity, err).WithID(planID)
	}
	return &p, nil
}

func (s *RedisStore) UpdatePlan(ctx context.Context, p *plan.Plan, hint ConsistencyHint) error {
	return s.putPlan(ctx, p, hint)
}

func (s *RedisStore) ListPlans(ctx context.Context, f ListFilter) ([]*plan.Plan, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	ids, err := s.client.ZRevRange(ctx, planIndexKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, core.NewPipelineError("state.ListPlans", core.KindResourceUnavailable, err)
	}
	out := make([]*plan.Plan, 0, len(ids))
	for _, id := range ids {
		p, err := s.GetPlan(ctx, id)
		if err != nil {
			continue // plan expired out from under the index; skip rather than fail the whole list
		}
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *RedisStore) CreateStep(ctx context.Context, st *plan.Step, hint ConsistencyHint) error {
	return s.putStep(ctx, st)
}

func (s *RedisStore) putStep(ctx context.Context, st *plan.Step) error {
	data, err := json.Marshal(st)
	if err != nil {
		return core.NewPipelineError("state.putStep", core.KindDataIntegrity, err).WithID(st.StepID)
	}
	if err := s.client.Set(ctx, s.stepKey(st.PlanID, st.StepID), data, s.ttl).Err(); err != nil {
		return core.NewPipelineError("state.putStep", core.KindResourceUnavailable, err).WithID(st.StepID)
	}
	return nil
}

func (s *RedisStore) UpdateStep(ctx context.Context, st *plan.Step, hint ConsistencyHint) error {
	return s.putStep(ctx, st)
}

// AppendStepResult implements spec.md §4.10's append_step_result: it
// attaches the result to the step record and refreshes the parent
// plan's progress, under s.mu to keep the two-key update atomic from the
// caller's point of view.
func (s *RedisStore) AppendStepResult(ctx context.Context, planID string, r plan.StepResult, hint ConsistencyHint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.client.Get(ctx, s.stepKey(planID, r.StepID)).Bytes()
	if err != nil {
		return core.NewPipelineError("state.AppendStepResult", core.KindResourceUnavailable, err).WithID(r.StepID)
	}
	var st plan.Step
	if err := json.Unmarshal(data, &st); err != nil {
		return core.NewPipelineError("state.AppendStepResult", core.KindDataIntegrity, err).WithID(r.StepID)
	}
	st.Result = &r
	st.Confidence = r.Confidence
	st.QualityScore = r.Quality
	if err := s.putStep(ctx, &st); err != nil {
		return err
	}

	p, err := s.GetPlan(ctx, planID)
	if err != nil {
		return err
	}
	p.RecomputeProgress()
	return s.putPlan(ctx, p, hint)
}

func (s *RedisStore) AppendLog(ctx context.Context, entry plan.ExecutionLogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return core.NewPipelineError("state.AppendLog", core.KindDataIntegrity, err).WithID(entry.PlanID)
	}
	key := logKeyPrefix + entry.PlanID
	if err := s.client.RPush(ctx, key, data).Err(); err != nil {
		return core.NewPipelineError("state.AppendLog", core.KindResourceUnavailable, err).WithID(entry.PlanID)
	}
	return s.client.Expire(ctx, key, s.ttl).Err()
}

// Ping checks reachability of the Redis server. CompositeStore does not
// call it; it tries the primary on every call and falls back on error.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

var _ Store = (*RedisStore)(nil)

// sortPlansByCreatedAtDesc is used by the fallback store, which lacks
// Redis's sorted-set index.
func sortPlansByCreatedAtDesc(plans []*plan.Plan) {
	sort.Slice(plans, func(i, j int) bool { return plans[i].CreatedAt.After(plans[j].CreatedAt) })
}
