package channel

import "context"

// Activator lets platform front ends open a session without running a turn,
// as Slack does when a user starts an assistant thread.
// *orchestrator.Orchestrator implements it.
type Activator interface {
	Activate(ctx context.Context, channel, thread string) error
	Greeting() string
}
