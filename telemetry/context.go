package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/baggage"
)

// Baggage holds request-scoped telemetry labels that flow through
// context. Labels a caller attaches with WithBaggage are picked up by the
// TelemetryLogger's *WithContext methods without threading them through
// every function signature; the pipeline itself attaches none.
type Baggage map[string]string

// Limits on baggage growth, matching W3C baggage spec recommendations.
const (
	MaxBaggageItems       = 64
	MaxBaggageKeyLength   = 128
	MaxBaggageValueLength = 512
	MaxBaggageTotalSize   = 8192
)

// WithBaggage adds labels that automatically flow through all telemetry
// in this context. Later values override earlier ones with the same key.
//
//	ctx = telemetry.WithBaggage(ctx, "request_id", reqID, "plan_id", planID)
func WithBaggage(ctx context.Context, labels ...string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}

	bag := baggage.FromContext(ctx)
	members := bag.Members()
	if len(members) >= MaxBaggageItems {
		return ctx
	}

	totalSize := 0
	for _, m := range members {
		totalSize += len(m.Key()) + len(m.Value())
	}

	newBag := bag
	for i := 0; i < len(labels)-1; i += 2 {
		key := labels[i]
		value := labels[i+1]
		if key == "" {
			continue
		}
		if len(key) > MaxBaggageKeyLength {
			key = key[:MaxBaggageKeyLength]
		}
		if len(value) > MaxBaggageValueLength {
			value = value[:MaxBaggageValueLength]
		}
		if totalSize+len(key)+len(value) > MaxBaggageTotalSize {
			continue
		}

		member, err := baggage.NewMember(key, value)
		if err != nil {
			continue
		}
		if newBag, err = newBag.SetMember(member); err != nil {
			continue
		}
		totalSize += len(key) + len(value)
	}

	return baggage.ContextWithBaggage(ctx, newBag)
}

// GetBaggage retrieves the current baggage from context as a map, or nil
// if none is set.
func GetBaggage(ctx context.Context) Baggage {
	if ctx == nil {
		return nil
	}

	bag := baggage.FromContext(ctx)
	members := bag.Members()
	if len(members) == 0 {
		return nil
	}

	result := make(Baggage, len(members))
	for _, m := range members {
		result[m.Key()] = m.Value()
	}
	return result
}
