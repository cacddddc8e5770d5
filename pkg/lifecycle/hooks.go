package lifecycle

import (
	"bytes"
	"context"
	"os/exec"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/bock-rs/bock-core/pkg/bockerr"
	"github.com/bock-rs/bock-core/pkg/event"
)

// runHooks executes each hook in order and fails fast on the first
// error, the OCI-mandated behavior for prestart/createRuntime/
// createContainer hooks (a failing hook aborts create/start); callers
// of poststart/poststop hooks should log rather than propagate, since
// those fire after the state transition they're attached to already
// committed (spec.md §4.1's hook points). Each hook's combined
// stdout/stderr is captured rather than sent to the terminal; it is
// carried in a failing hook's error (and so in its hook_exit frame)
// and discarded when the hook succeeds.
func runHooks(containerID string, sink *event.Sink, hooks []specs.Hook, state []byte) error {
	for _, h := range hooks {
		if sink != nil {
			sink.Emit(containerID, event.KindHookStart, "hook %s", h.Path)
		}
		err := runHook(containerID, h, state)
		if sink != nil {
			if err != nil {
				sink.Emit(containerID, event.KindHookExit, "hook %s failed: %v", h.Path, err)
			} else {
				sink.Emit(containerID, event.KindHookExit, "hook %s exited 0", h.Path)
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// defaultHookTimeout is spec.md §4.1's fallback when a hook names no
// explicit timeout: long enough for slow-starting hooks, short enough
// that a hung hook doesn't wedge create/start forever.
const defaultHookTimeout = 30 * time.Second

func runHook(containerID string, h specs.Hook, state []byte) error {
	timeout := defaultHookTimeout
	if h.Timeout != nil {
		timeout = time.Duration(*h.Timeout) * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, h.Path)
	if len(h.Args) > 0 {
		// OCI hook args follow execv(3): Args[0] is argv[0].
		cmd.Args = h.Args
	}
	cmd.Env = append(append([]string{}, h.Env...), "BOCK_CONTAINER_ID="+containerID)
	cmd.Stdin = bytes.NewReader(state)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	if err := cmd.Run(); err != nil {
		return bockerr.Wrap(bockerr.HookFailed, "hook "+h.Path+": "+output.String(), err)
	}
	return nil
}
