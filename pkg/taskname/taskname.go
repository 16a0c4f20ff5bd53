package taskname

const (
	// Sweep tasks
	SweepTaskRun = "sweep:task:run"

	// Award tasks
	AwardDispatch = "award:dispatch"
)
