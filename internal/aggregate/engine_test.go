package aggregate

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/lumotrack/audience-engine/internal/compiler"
	"github.com/lumotrack/audience-engine/internal/domain"
	"github.com/lumotrack/audience-engine/internal/store"
	"github.com/lumotrack/audience-engine/internal/store/memory"
)

// countingStates counts rows actually written by MergeBatch.
type countingStates struct {
	store.StateStore
	written int
}

func (c *countingStates) MergeBatch(ctx context.Context, states []*domain.State) (int, error) {
	n, err := c.StateStore.MergeBatch(ctx, states)
	c.written += n
	return n, err
}

func compilePerformed(t *testing.T, event string) *compiler.Compiled {
	t.Helper()
	def := &domain.Definition{
		ID:                  "f47ac10b-58cc-4372-a567-0e02b2c3d479",
		WorkspaceID:         "ws-1",
		Type:                domain.PropertyTypeSegment,
		EntryNode:           "n1",
		Nodes:               map[string]domain.Node{"n1": {ID: "n1", Kind: domain.NodeKindPerformed, Event: event, Times: 2}},
		DefinitionUpdatedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	compiled, err := compiler.Compile(def)
	assert.NoError(t, err)
	return compiled
}

func purchaseEvent(messageID string, processingTime time.Time) *domain.Event {
	return &domain.Event{
		WorkspaceID:    "ws-1",
		UserID:         "u1",
		EventType:      domain.EventTypeTrack,
		EventName:      "purchase",
		EventTime:      processingTime.Add(-time.Second),
		ProcessingTime: processingTime,
		MessageID:      messageID,
	}
}

func TestEngine_ComputeState_MergesMatchingEvents(t *testing.T) {
	mem := memory.New()
	engine := NewEngine(mem, mem, mem, 2, zap.NewNop())
	ctx := context.Background()
	prop := compilePerformed(t, "purchase")

	base := time.Now().Add(-time.Hour)
	_, err := mem.Append(ctx, []*domain.Event{
		purchaseEvent("m1", base),
		purchaseEvent("m2", base.Add(time.Minute)),
	})
	assert.NoError(t, err)

	err = engine.ComputeState(ctx, "ws-1", []*compiler.Compiled{prop}, time.Now())
	assert.NoError(t, err)

	byUser, err := mem.UsersWithStates(ctx, "ws-1", prop.ID, []string{prop.Rules[0].StateID}, time.Time{})
	assert.NoError(t, err)
	assert.Len(t, byUser, 1)
	assert.Len(t, byUser["u1"][prop.Rules[0].StateID].UniqueKeys, 2)
}

func TestEngine_ComputeState_RerunWritesNothing(t *testing.T) {
	mem := memory.New()
	counting := &countingStates{StateStore: mem}
	engine := NewEngine(mem, counting, mem, 2, zap.NewNop())
	ctx := context.Background()
	prop := compilePerformed(t, "purchase")

	base := time.Now().Add(-time.Hour)
	_, err := mem.Append(ctx, []*domain.Event{purchaseEvent("m1", base)})
	assert.NoError(t, err)

	err = engine.ComputeState(ctx, "ws-1", []*compiler.Compiled{prop}, time.Now())
	assert.NoError(t, err)
	assert.Equal(t, 1, counting.written)

	// Second pass covers only the already-merged window's remainder; merges
	// are idempotent so nothing changes even if events are re-read.
	err = engine.ComputeState(ctx, "ws-1", []*compiler.Compiled{prop}, time.Now())
	assert.NoError(t, err)
	assert.Equal(t, 1, counting.written)
}

func TestEngine_ComputeState_IncrementalAcrossWindows(t *testing.T) {
	mem := memory.New()
	engine := NewEngine(mem, mem, mem, 2, zap.NewNop())
	ctx := context.Background()
	prop := compilePerformed(t, "purchase")

	base := time.Now().Add(-time.Hour)
	_, err := mem.Append(ctx, []*domain.Event{purchaseEvent("m1", base)})
	assert.NoError(t, err)

	mid := time.Now()
	err = engine.ComputeState(ctx, "ws-1", []*compiler.Compiled{prop}, mid)
	assert.NoError(t, err)

	// A second event lands after the first window closed.
	_, err = mem.Append(ctx, []*domain.Event{purchaseEvent("m2", mid.Add(time.Millisecond))})
	assert.NoError(t, err)

	err = engine.ComputeState(ctx, "ws-1", []*compiler.Compiled{prop}, mid.Add(time.Second))
	assert.NoError(t, err)

	byUser, err := mem.UsersWithStates(ctx, "ws-1", prop.ID, []string{prop.Rules[0].StateID}, time.Time{})
	assert.NoError(t, err)
	assert.Len(t, byUser["u1"][prop.Rules[0].StateID].UniqueKeys, 2)
}

func TestEngine_ComputeState_AdvancesPeriod(t *testing.T) {
	mem := memory.New()
	engine := NewEngine(mem, mem, mem, 2, zap.NewNop())
	ctx := context.Background()
	prop := compilePerformed(t, "purchase")

	now := time.Now()
	err := engine.ComputeState(ctx, "ws-1", []*compiler.Compiled{prop}, now)
	assert.NoError(t, err)

	maxTos, err := mem.MaxTos(ctx, "ws-1", domain.StepComputeState)
	assert.NoError(t, err)
	to, ok := maxTos[store.PeriodKey{ComputedPropertyID: prop.ID, Version: prop.Version}]
	assert.True(t, ok)
	assert.Equal(t, now, to)
}

func TestEngine_ComputeState_SkipsAnonymousOnlyEvents(t *testing.T) {
	mem := memory.New()
	engine := NewEngine(mem, mem, mem, 1, zap.NewNop())
	ctx := context.Background()
	prop := compilePerformed(t, "purchase")

	anon := purchaseEvent("m1", time.Now().Add(-time.Minute))
	anon.UserID = ""
	anon.AnonymousID = "anon-1"
	_, err := mem.Append(ctx, []*domain.Event{anon})
	assert.NoError(t, err)

	err = engine.ComputeState(ctx, "ws-1", []*compiler.Compiled{prop}, time.Now())
	assert.NoError(t, err)

	byUser, err := mem.UsersWithStates(ctx, "ws-1", prop.ID, []string{prop.Rules[0].StateID}, time.Time{})
	assert.NoError(t, err)
	assert.Empty(t, byUser)
}

func TestEngine_ComputeState_MultiplePropertiesShareScan(t *testing.T) {
	mem := memory.New()
	engine := NewEngine(mem, mem, mem, 2, zap.NewNop())
	ctx := context.Background()

	props := make([]*compiler.Compiled, 0, 3)
	for i := 0; i < 3; i++ {
		def := &domain.Definition{
			ID:                  fmt.Sprintf("00000000-0000-4000-8000-00000000000%d", i),
			WorkspaceID:         "ws-1",
			Type:                domain.PropertyTypeSegment,
			EntryNode:           "n1",
			Nodes:               map[string]domain.Node{"n1": {ID: "n1", Kind: domain.NodeKindPerformed, Event: "purchase"}},
			DefinitionUpdatedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		}
		compiled, err := compiler.Compile(def)
		assert.NoError(t, err)
		props = append(props, compiled)
	}

	_, err := mem.Append(ctx, []*domain.Event{purchaseEvent("m1", time.Now().Add(-time.Minute))})
	assert.NoError(t, err)

	err = engine.ComputeState(ctx, "ws-1", props, time.Now())
	assert.NoError(t, err)

	for _, prop := range props {
		byUser, err := mem.UsersWithStates(ctx, "ws-1", prop.ID, []string{prop.Rules[0].StateID}, time.Time{})
		assert.NoError(t, err)
		assert.Len(t, byUser, 1)
	}
}
