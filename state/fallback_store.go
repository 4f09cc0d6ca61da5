package state

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/veritas-project/veritas/core"
	"github.com/veritas-project/veritas/plan"
)

// fallbackRecordKind tags each append-only JSON line so replay can
// dispatch it to the right primary-store call.
type fallbackRecordKind string

const (
	recordPlan       fallbackRecordKind = "plan"
	recordStep       fallbackRecordKind = "step"
	recordStepResult fallbackRecordKind = "step_result"
	recordLog        fallbackRecordKind = "log"
)

type fallbackRecord struct {
	Kind       fallbackRecordKind     `json:"kind"`
	Plan       *plan.Plan             `json:"plan,omitempty"`
	Step       *plan.Step             `json:"step,omitempty"`
	PlanID     string                 `json:"plan_id,omitempty"`
	StepResult *plan.StepResult       `json:"step_result,omitempty"`
	LogEntry   *plan.ExecutionLogEntry `json:"log_entry,omitempty"`
}

// FallbackStore is a JSON append-only store used when the primary is
// unreachable, per spec.md §4.10 ("fallback writes append-only JSON
// records under a deterministic directory layout"). It keeps an
// in-memory index rebuilt from the log on open, so reads after a write
// in the same process are immediate (read-after-write for the same
// request_id).
type FallbackStore struct {
	mu      sync.RWMutex
	baseDir string
	logger  core.Logger

	plans map[string]*plan.Plan
	steps map[string]*plan.Step // keyed by planID+"\x00"+stepID
	logs  []plan.ExecutionLogEntry

	file *os.File
}

// NewFallbackStore opens (creating if needed) the append-only log file
// under baseDir/fallback_db/events.jsonl and replays it to rebuild the
// in-memory index.
func NewFallbackStore(baseDir string, logger core.Logger) (*FallbackStore, error) {
	dir := filepath.Join(baseDir, "fallback_db")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, "events.jsonl")

	f := &FallbackStore{
		baseDir: baseDir,
		logger:  logger,
		plans:   make(map[string]*plan.Plan),
		steps:   make(map[string]*plan.Step),
	}
	if f.logger == nil {
		f.logger = &core.NoOpLogger{}
	}

	if err := f.replayFile(path); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	f.file = file
	return f, nil
}

func (f *FallbackStore) replayFile(path string) error {
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		var rec fallbackRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue // skip a malformed line rather than refuse to start
		}
		f.applyRecord(rec)
	}
	return scanner.Err()
}

func (f *FallbackStore) applyRecord(rec fallbackRecord) {
	switch rec.Kind {
	case recordPlan:
		if rec.Plan != nil {
			f.plans[rec.Plan.PlanID] = rec.Plan
		}
	case recordStep:
		if rec.Step != nil {
			f.steps[stepKey(rec.Step.PlanID, rec.Step.StepID)] = rec.Step
		}
	case recordStepResult:
		if rec.StepResult != nil {
			key := stepKey(rec.PlanID, rec.StepResult.StepID)
			if st, ok := f.steps[key]; ok {
				r := *rec.StepResult
				st.Result = &r
				st.Confidence = r.Confidence
				st.QualityScore = r.Quality
			}
			if p, ok := f.plans[rec.PlanID]; ok {
				p.RecomputeProgress()
			}
		}
	case recordLog:
		if rec.LogEntry != nil {
			f.logs = append(f.logs, *rec.LogEntry)
		}
	}
}

func stepKey(planID, stepID string) string { return planID + "\x00" + stepID }

func (f *FallbackStore) appendRecord(rec fallbackRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if _, err := f.file.Write(data); err != nil {
		return err
	}
	return f.file.Sync()
}

func (f *FallbackStore) CreatePlan(ctx context.Context, p *plan.Plan, hint ConsistencyHint) error {
	return f.UpdatePlan(ctx, p, hint)
}

func (f *FallbackStore) UpdatePlan(ctx context.Context, p *plan.Plan, hint ConsistencyHint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *p
	f.plans[p.PlanID] = &cp
	return f.appendRecord(fallbackRecord{Kind: recordPlan, Plan: &cp})
}

func (f *FallbackStore) GetPlan(ctx context.Context, planID string) (*plan.Plan, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	p, ok := f.plans[planID]
	if !ok {
		return nil, core.NewPipelineError("state.FallbackStore.GetPlan", core.KindInput, core.ErrPlanNotFound).WithID(planID)
	}
	cp := *p
	return &cp, nil
}

func (f *FallbackStore) ListPlans(ctx context.Context, filter ListFilter) ([]*plan.Plan, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]*plan.Plan, 0, len(f.plans))
	for _, p := range f.plans {
		if filter.Status != "" && p.Status != filter.Status {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sortPlansByCreatedAtDesc(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (f *FallbackStore) CreateStep(ctx context.Context, st *plan.Step, hint ConsistencyHint) error {
	return f.UpdateStep(ctx, st, hint)
}

func (f *FallbackStore) UpdateStep(ctx context.Context, st *plan.Step, hint ConsistencyHint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *st
	f.steps[stepKey(st.PlanID, st.StepID)] = &cp
	return f.appendRecord(fallbackRecord{Kind: recordStep, Step: &cp})
}

func (f *FallbackStore) AppendStepResult(ctx context.Context, planID string, r plan.StepResult, hint ConsistencyHint) error {
	f.mu.Lock()
	rec := fallbackRecord{Kind: recordStepResult, PlanID: planID, StepResult: &r}
	f.applyRecord(rec)
	f.mu.Unlock()
	return f.appendRecord(rec)
}

func (f *FallbackStore) AppendLog(ctx context.Context, entry plan.ExecutionLogEntry) error {
	f.mu.Lock()
	f.logs = append(f.logs, entry)
	f.mu.Unlock()
	return f.appendRecord(fallbackRecord{Kind: recordLog, LogEntry: &entry})
}

// Close releases the underlying file handle.
func (f *FallbackStore) Close() error {
	return f.file.Close()
}

// Replay pushes every record the fallback has accumulated into primary,
// per spec.md §4.10 ("on reconnect the fallback can be replayed into the
// primary"). Replaying is a pure, idempotent insert: re-running it twice
// produces the same primary state both times.
func (f *FallbackStore) Replay(ctx context.Context, primary Store) error {
	f.mu.RLock()
	plans := make([]*plan.Plan, 0, len(f.plans))
	for _, p := range f.plans {
		cp := *p
		plans = append(plans, &cp)
	}
	steps := make([]*plan.Step, 0, len(f.steps))
	for _, s := range f.steps {
		cp := *s
		steps = append(steps, &cp)
	}
	logs := append([]plan.ExecutionLogEntry(nil), f.logs...)
	f.mu.RUnlock()

	for _, p := range plans {
		if err := primary.UpdatePlan(ctx, p, BestEffort); err != nil {
			return err
		}
	}
	for _, s := range steps {
		if err := primary.UpdateStep(ctx, s, BestEffort); err != nil {
			return err
		}
	}
	for _, l := range logs {
		if err := primary.AppendLog(ctx, l); err != nil {
			return err
		}
	}
	return nil
}

var _ Store = (*FallbackStore)(nil)
