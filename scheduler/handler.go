package scheduler

import "context"

// Handler is invoked by a dispatcher worker once a task's resources are
// acquired. It is the seam the listener's TaskHandler dispatch (component I)
// plugs into; the scheduler package itself has no notion of "action" beyond
// the string tag routed here.
type Handler func(ctx context.Context, action string, params map[string]interface{}, followUp *Scheduler) error
