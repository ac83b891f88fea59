package workflow

// Stage names a pipeline step.
type Stage string

const (
	StageObserve   Stage = "observe"
	StageOrient    Stage = "orient"
	StageDecide    Stage = "decide"
	StagePlanTasks Stage = "plan_tasks"
	StageAct       Stage = "act"
	StageRespond   Stage = "respond"

	// StageEnd is terminal; no stage function runs for it.
	StageEnd Stage = "end"
)

// Stages lists the runnable stages in pipeline order.
var Stages = []Stage{StageObserve, StageOrient, StageDecide, StagePlanTasks, StageAct, StageRespond}

// Next returns the stage to run after current, given the merged state.
//
// After decide the run branches: plan_tasks on ACCEPT_AND_PLAN, act on any
// other decision, and straight to respond when no decision exists.
func Next(current Stage, s *WorkflowState) Stage {
	switch current {
	case StageObserve:
		return StageOrient
	case StageOrient:
		return StageDecide
	case StageDecide:
		switch {
		case s.Decision == nil:
			return StageRespond
		case s.Decision.Action == ActionAcceptAndPlan:
			return StagePlanTasks
		default:
			return StageAct
		}
	case StagePlanTasks:
		return StageAct
	case StageAct:
		return StageRespond
	default:
		return StageEnd
	}
}
