package workflow_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/c360studio/atelier/llm/testutil"
	"github.com/c360studio/atelier/locker"
	"github.com/c360studio/atelier/model"
	"github.com/c360studio/atelier/storage"
	"github.com/c360studio/atelier/workflow"
)

const (
	acceptJSON = `{"action":"ACCEPT_AND_PLAN","reason":"Stock and staff available"}`
	delayJSON  = `{"action":"DELAY_REQUEST","reason":"SH-001 is out of stock"}`
	planJSON   = `[{"title":"Alter shirt","requiredSkills":["tailoring"],"estimatedMin":45,"suggestedWorkerId":"w-1"}]`
)

func assertTerminal(t *testing.T, s *workflow.WorkflowState) {
	t.Helper()
	require.NotNil(t, s.Decision)
	assert.True(t, s.Decision.Action.IsValid(), "action %q outside the closed set", s.Decision.Action)
	assert.NotEmpty(t, s.Response)
	if s.Decision.Action != workflow.ActionAcceptAndPlan {
		assert.Empty(t, s.PlannedTasks)
	}
}

func TestRun_AcceptAndPlan(t *testing.T) {
	store := seededStore(t, 5)
	gw := testutil.NewMockGateway().
		On(model.CapabilityDecide, acceptJSON).
		On(model.CapabilityPlan, planJSON).
		On(model.CapabilityRespond, "Hi Asha, your shirt alteration is underway.")

	final, err := newOrchestrator(store, gw).Run(context.Background(), "req-1")
	require.NoError(t, err)
	assertTerminal(t, final)

	require.NotNil(t, final.InventoryCheck)
	assert.True(t, final.InventoryCheck.Available)
	assert.Equal(t, workflow.ActionAcceptAndPlan, final.Decision.Action)
	assert.Len(t, final.PlannedTasks, 1)
	assert.Equal(t, 1, final.Iteration)
	assert.Empty(t, final.Error)
	assert.Equal(t, "Hi Asha, your shirt alteration is underway.", final.Response)

	tasks := tasksFor(t, store)
	require.Len(t, tasks, 1)
	assert.Equal(t, "w-1", tasks[0].AssigneeID)

	req, err := store.GetRequest(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, storage.RequestStatusInProgress, req.Status)

	audit := auditFor(t, store)
	require.Len(t, audit, 1)
	assert.Equal(t, "accept_and_plan", audit[0].Action)
}

func TestRun_ShortageStillConsultsModel(t *testing.T) {
	for _, tt := range []struct {
		reply string
		want  workflow.Action
	}{
		{delayJSON, workflow.ActionDelayRequest},
		{acceptJSON, workflow.ActionAcceptAndPlan},
	} {
		t.Run(string(tt.want), func(t *testing.T) {
			store := seededStore(t, 0)
			gw := testutil.NewMockGateway().
				On(model.CapabilityDecide, tt.reply).
				On(model.CapabilityPlan, planJSON).
				On(model.CapabilityRespond, "Thanks for your patience.")

			final, err := newOrchestrator(store, gw).Run(context.Background(), "req-1")
			require.NoError(t, err)
			assertTerminal(t, final)

			assert.Equal(t, 1, gw.CallCount(model.CapabilityDecide))
			require.NotNil(t, final.InventoryCheck)
			assert.False(t, final.InventoryCheck.Available)
			assert.Equal(t, 1, final.InventoryCheck.Items[0].Shortage)
			assert.Equal(t, tt.want, final.Decision.Action)
		})
	}
}

func TestRun_LoadFailureEscalates(t *testing.T) {
	store := &failingStore{Store: seededStore(t, 5), failGet: true}
	gw := testutil.NewMockGateway().Fail(model.CapabilityRespond, errors.New("down"))

	final, err := newOrchestrator(store, gw).Run(context.Background(), "req-1")
	require.NoError(t, err)
	assertTerminal(t, final)

	assert.NotEmpty(t, final.Error)
	assert.Equal(t, workflow.ActionEscalateToOwner, final.Decision.Action)
	assert.Equal(t, workflow.PriorityHigh, final.Decision.EscalationPriority)
	assert.Zero(t, gw.CallCount(model.CapabilityDecide))
	assert.Equal(t, workflow.FallbackEscalate, final.Response)

	req, err := store.Store.GetRequest(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, storage.RequestStatusBlocked, req.Status)
	assert.Equal(t, 10, req.Priority)

	audit := auditFor(t, store)
	require.Len(t, audit, 1)
	assert.Equal(t, "escalate_to_owner", audit[0].Action)
}

func TestRun_GatewayFailureInDecide(t *testing.T) {
	store := seededStore(t, 5)
	gw := testutil.NewMockGateway().
		Fail(model.CapabilityDecide, errors.New("dial tcp: connection refused")).
		On(model.CapabilityRespond, "We'll be in touch shortly.")

	final, err := newOrchestrator(store, gw).Run(context.Background(), "req-1")
	require.NoError(t, err)
	assertTerminal(t, final)

	assert.Equal(t, workflow.ActionEscalateToOwner, final.Decision.Action)
	assert.Equal(t, workflow.PriorityHigh, final.Decision.EscalationPriority)
	assert.Contains(t, final.Decision.Reason, "Decision error: ")
	assert.Contains(t, final.Decision.Reason, "connection refused")
	assert.Equal(t, "We'll be in touch shortly.", final.Response)
}

func TestRun_GarbageNeverEscapesClosedSet(t *testing.T) {
	replies := []string{
		"",
		"ACCEPT_AND_PLAN",
		`{"action":"accept_and_plan","reason":"lower case"}`,
		`{"action":42}`,
		`["ACCEPT_AND_PLAN"]`,
		`{"action":"ACCEPT_AND_PLAN"`,
		`{"action":"SHIP_IT","reason":"yolo"}`,
	}
	for _, reply := range replies {
		t.Run(reply, func(t *testing.T) {
			store := seededStore(t, 5)
			gw := testutil.NewMockGateway().
				On(model.CapabilityDecide, reply).
				Fail(model.CapabilityRespond, errors.New("down"))

			final, err := newOrchestrator(store, gw).Run(context.Background(), "req-1")
			require.NoError(t, err)
			assertTerminal(t, final)
			assert.Equal(t, workflow.ActionEscalateToOwner, final.Decision.Action)
		})
	}
}

func TestRun_Simulation(t *testing.T) {
	store := seededStore(t, 5)
	gw := testutil.NewMockGateway().
		On(model.CapabilityDecide, acceptJSON).
		On(model.CapabilityPlan, planJSON).
		On(model.CapabilityRespond, "Simulated reply")

	final, err := newOrchestrator(store, gw).Run(context.Background(), "req-1", workflow.WithSimulation())
	require.NoError(t, err)
	assertTerminal(t, final)

	assert.True(t, final.IsSimulation)
	assert.Equal(t, storage.RequestStatusInProgress, final.Request.Status)
	assert.Len(t, final.TaskIDs, 1)

	assert.Empty(t, tasksFor(t, store))
	assert.Empty(t, auditFor(t, store))
	req, err := store.GetRequest(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, storage.RequestStatusNew, req.Status)
}

func TestRun_NormalizesRawInput(t *testing.T) {
	store := seededStore(t, 5)
	createUnnormalized(t, store)
	gw := testutil.NewMockGateway().
		On(model.CapabilityNormalize, normalizedJSON).
		On(model.CapabilityDecide, delayJSON).
		On(model.CapabilityRespond, "Sorry for the wait.")

	final, err := newOrchestrator(store, gw).Run(context.Background(), "req-2",
		workflow.WithRawInput("please hem two of my shirts"))
	require.NoError(t, err)

	require.NotNil(t, final.InventoryCheck)
	assert.Equal(t, 2, final.InventoryCheck.Items[0].Requested)
	assert.Equal(t, workflow.ActionDelayRequest, final.Decision.Action)
}

func TestRun_EscalatedRequestStillNormalizes(t *testing.T) {
	ctx := context.Background()
	store := seededStore(t, 5)
	createUnnormalized(t, store)
	gw := testutil.NewMockGateway().
		On(model.CapabilityDecide,
			`{"action":"ESCALATE_TO_OWNER","reason":"cannot read request","escalationPriority":"low"}`,
			delayJSON).
		On(model.CapabilityNormalize, normalizedJSON).
		On(model.CapabilityRespond, "We'll be in touch.")
	orch := newOrchestrator(store, gw)

	first, err := orch.Run(ctx, "req-2")
	require.NoError(t, err)
	require.Equal(t, workflow.ActionEscalateToOwner, first.Decision.Action)

	req, err := store.GetRequest(ctx, "req-2")
	require.NoError(t, err)
	require.Equal(t, true, req.Payload["_escalated"])
	require.False(t, req.HasPayload())

	second, err := orch.Run(ctx, "req-2", workflow.WithRawInput("please hem two of my shirts"))
	require.NoError(t, err)

	assert.Equal(t, 1, gw.CallCount(model.CapabilityNormalize))
	require.NotNil(t, second.InventoryCheck)
	assert.Equal(t, 2, second.InventoryCheck.Items[0].Requested)
	assert.Equal(t, workflow.ActionDelayRequest, second.Decision.Action)

	req, err = store.GetRequest(ctx, "req-2")
	require.NoError(t, err)
	assert.True(t, req.HasPayload())
	assert.Equal(t, "alteration", req.Payload["type"])
	assert.Equal(t, true, req.Payload["_escalated"])
	assert.Equal(t, true, req.Payload["_delayed"])
}

func TestRun_OverrideErrorSkipsModel(t *testing.T) {
	store := seededStore(t, 5)
	gw := testutil.NewMockGateway().On(model.CapabilityRespond, "We'll follow up.")

	final, err := newOrchestrator(store, gw).Run(context.Background(), "req-1",
		workflow.WithOverrides(workflow.StatePatch{Error: workflow.Set("upstream validation failed")}))
	require.NoError(t, err)

	assert.Equal(t, workflow.ActionEscalateToOwner, final.Decision.Action)
	assert.Zero(t, gw.CallCount(model.CapabilityDecide))
}

func TestRun_RejectsEmptyRequestID(t *testing.T) {
	_, err := newOrchestrator(seededStore(t, 5), testutil.NewMockGateway()).Run(context.Background(), "")
	assert.ErrorIs(t, err, workflow.ErrEmptyRequestID)
}

func TestRun_LockHeldByAnotherRun(t *testing.T) {
	l := locker.NewLocalLocker()
	unlock, err := l.Lock(context.Background(), "req-1")
	require.NoError(t, err)
	defer unlock()

	o := newOrchestrator(seededStore(t, 5), testutil.NewMockGateway(),
		workflow.WithLocker(l), workflow.WithLockWait(20*time.Millisecond))

	_, err = o.Run(context.Background(), "req-1")
	assert.ErrorIs(t, err, locker.ErrNotAcquired)
}

func TestRun_SameRequestRunsSerially(t *testing.T) {
	store := seededStore(t, 5)
	gw := testutil.NewMockGateway().
		On(model.CapabilityDecide, acceptJSON).
		On(model.CapabilityPlan, planJSON).
		On(model.CapabilityRespond, "ok")
	o := newOrchestrator(store, gw)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := o.Run(context.Background(), "req-1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, tasksFor(t, store), 1)
	assert.Len(t, auditFor(t, store), 3)
}

func TestStream(t *testing.T) {
	tests := []struct {
		name     string
		decision string
		want     []workflow.Stage
	}{
		{
			name:     "accept",
			decision: acceptJSON,
			want: []workflow.Stage{
				workflow.StageObserve, workflow.StageOrient, workflow.StageDecide,
				workflow.StagePlanTasks, workflow.StageAct, workflow.StageRespond,
			},
		},
		{
			name:     "delay",
			decision: delayJSON,
			want: []workflow.Stage{
				workflow.StageObserve, workflow.StageOrient, workflow.StageDecide,
				workflow.StageAct, workflow.StageRespond,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := testutil.NewMockGateway().
				On(model.CapabilityDecide, tt.decision).
				On(model.CapabilityPlan, planJSON).
				On(model.CapabilityRespond, "ok")

			events, err := newOrchestrator(seededStore(t, 5), gw).Stream(context.Background(), "req-1")
			require.NoError(t, err)

			var stages []workflow.Stage
			var last workflow.StageEvent
			for ev := range events {
				assert.Equal(t, "req-1", ev.RequestID)
				stages = append(stages, ev.Stage)
				last = ev
			}
			assert.Equal(t, tt.want, stages)
			assert.Equal(t, "ok", last.State.Response)
			assert.Equal(t, []string{"response"}, last.Patch.Fields())
		})
	}
}

func TestRun_PublishesToSink(t *testing.T) {
	gw := testutil.NewMockGateway().On(model.CapabilityDecide, delayJSON).On(model.CapabilityRespond, "ok")

	var mu sync.Mutex
	var seen []workflow.Stage
	sink := workflow.EventSinkFunc(func(_ context.Context, ev workflow.StageEvent) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, ev.Stage)
		return errors.New("sink offline")
	})

	final, err := newOrchestrator(seededStore(t, 5), gw, workflow.WithEventSink(sink)).Run(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, "ok", final.Response)
	assert.Len(t, seen, 5)
}

func TestRun_Traces(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	store := &failingStore{Store: seededStore(t, 5), failGet: true}
	gw := testutil.NewMockGateway().On(model.CapabilityRespond, "ok")

	_, err := newOrchestrator(store, gw, workflow.WithTracerProvider(tp)).Run(context.Background(), "req-1")
	require.NoError(t, err)

	spans := exp.GetSpans()
	byName := map[string]tracetest.SpanStub{}
	for _, s := range spans {
		byName[s.Name] = s
	}
	require.Contains(t, byName, "atelier.run")
	for _, stage := range []string{"observe", "orient", "decide", "act", "respond"} {
		assert.Contains(t, byName, "atelier.stage."+stage)
	}
	assert.NotContains(t, byName, "atelier.stage.plan_tasks")

	run := byName["atelier.run"]
	assert.Equal(t, codes.Error, run.Status.Code)
	assert.Equal(t, codes.Error, byName["atelier.stage.observe"].Status.Code)

	var action string
	for _, attr := range run.Attributes {
		if attr.Key == "decision.action" {
			action = attr.Value.AsString()
		}
	}
	assert.Equal(t, "ESCALATE_TO_OWNER", action)

	observe := byName["atelier.stage.observe"]
	assert.Equal(t, run.SpanContext.SpanID(), observe.Parent.SpanID())
}
