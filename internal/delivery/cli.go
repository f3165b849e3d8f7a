package delivery

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/highbeam/session-relay/internal/recovery"
)

// CommandRunner runs an external command and returns its combined output.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run implements CommandRunner.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// cliSink delivers through the host's own CLI. Sends are fire-and-forget.
type cliSink struct {
	command string
	channel string
	target  string
	runner  CommandRunner
	log     zerolog.Logger
	wg      sync.WaitGroup
}

func newCLISink(opts Options, runner CommandRunner, log zerolog.Logger) *cliSink {
	return &cliSink{
		command: opts.CLICommand,
		channel: opts.Channel,
		target:  opts.Target,
		runner:  runner,
		log:     log,
	}
}

func (c *cliSink) args(text string) []string {
	return []string{"message", "send", "--channel", c.channel, "--target", c.target, "--message", text}
}

// spawn starts the command in the background. done receives the outcome;
// the caller never waits for it.
func (c *cliSink) spawn(text string, timeout time.Duration, done func(error)) {
	c.wg.Add(1)
	recovery.SafeGoWithCleanup(c.log, "cli send", func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		out, err := c.runner.Run(ctx, c.command, c.args(text)...)
		if err != nil {
			err = fmt.Errorf("%s message send: %w: %s", c.command, err, strings.TrimSpace(string(out)))
			c.log.Warn().Err(err).Str("target", c.target).Msg("cli delivery failed")
		} else {
			c.log.Debug().Str("target", c.target).Int("chars", len(text)).Msg("cli delivery finished")
		}
		done(err)
	}, c.wg.Done)
}
