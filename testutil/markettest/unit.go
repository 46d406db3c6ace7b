package markettest

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/paw-chain/crunch/types"
)

// Unit is a scriptable execution unit. Workload invocations (commands
// containing "profanity_cuda -b") consume Passes in order, each taking Delay;
// any other command returns an empty result unless Setup says otherwise.
type Unit struct {
	Passes   []types.CommandResult
	PassErrs map[int]error
	Setup    map[string]types.CommandResult
	SetupErr map[string]error
	Delay    time.Duration

	mu       sync.Mutex
	commands []string
	passes   int
}

func (u *Unit) ID() string { return "activity-1" }

func (u *Unit) Run(ctx context.Context, command string) (types.CommandResult, error) {
	u.mu.Lock()
	u.commands = append(u.commands, command)
	isPass := strings.Contains(command, "profanity_cuda -b")
	idx := u.passes
	if isPass {
		u.passes++
	}
	u.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return types.CommandResult{}, err
	}

	if !isPass {
		if err := u.SetupErr[command]; err != nil {
			return types.CommandResult{}, err
		}
		return u.Setup[command], nil
	}
	if u.Delay > 0 {
		select {
		case <-time.After(u.Delay):
		case <-ctx.Done():
			return types.CommandResult{}, ctx.Err()
		}
	}
	if err := u.PassErrs[idx]; err != nil {
		return types.CommandResult{}, err
	}
	if idx < len(u.Passes) {
		return u.Passes[idx], nil
	}
	return types.CommandResult{}, nil
}

// Commands returns every command run, in order.
func (u *Unit) Commands() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]string, len(u.commands))
	copy(out, u.commands)
	return out
}
