package agents

import "context"

// MockAgent is a deterministic, injectable Agent used as the test
// default, mirroring the teacher's examples/mock-services pattern of
// standing in for a real domain worker without external dependencies.
type MockAgent struct {
	cap     Capability
	health  HealthState
	Execute_ func(ctx context.Context, query string, stepContext map[string]interface{}, budgetHint int) (StepResult, error)
}

// NewMockAgent builds a MockAgent advertising the given capability set.
func NewMockAgent(id, domain string, capabilities []string) *MockAgent {
	return &MockAgent{
		cap:    Capability{ID: id, Domain: domain, Capabilities: capabilities},
		health: HealthHealthy,
	}
}

func (m *MockAgent) Describe() Capability { return m.cap }

func (m *MockAgent) Health(ctx context.Context) HealthState { return m.health }

// SetHealth overrides the agent's reported health, used to exercise the
// registry's unhealthy-exclusion path in tests.
func (m *MockAgent) SetHealth(h HealthState) { m.health = h }

func (m *MockAgent) Execute(ctx context.Context, query string, stepContext map[string]interface{}, budgetHint int) (StepResult, error) {
	if m.Execute_ != nil {
		return m.Execute_(ctx, query, stepContext, budgetHint)
	}
	return StepResult{
		Data:       map[string]interface{}{"agent": m.cap.ID, "query": query},
		Confidence: 0.8,
		Quality:    0.8,
	}, nil
}

var _ Agent = (*MockAgent)(nil)
