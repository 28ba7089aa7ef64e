package tunnel

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/tunnelctl/internal/process"
	"github.com/3cpo-dev/tunnelctl/internal/telemetry"
	"github.com/3cpo-dev/tunnelctl/pkg/api"
)

// DefaultStartTimeout bounds how long Start waits for the agent to report.
const DefaultStartTimeout = 2 * time.Minute

// Resolver yields the path of a usable agent executable.
type Resolver interface {
	Resolve(ctx context.Context) (string, error)
}

type Config struct {
	StartTimeout time.Duration
	// GOOS selects the liveness probe; defaults to runtime.GOOS.
	GOOS string
}

// Tunnel drives one agent instance through start, probe and stop. All
// methods are safe for concurrent use and are serialised internally.
type Tunnel struct {
	mu       sync.Mutex
	cfg      Config
	registry *Registry
	resolver Resolver
	launcher process.Launcher

	binaryPath   string
	startOptions api.Options
	pid          int
	lastCommand  process.Command
}

func New(cfg Config, resolver Resolver, launcher process.Launcher) *Tunnel {
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = DefaultStartTimeout
	}
	if cfg.GOOS == "" {
		cfg.GOOS = runtime.GOOS
	}
	return &Tunnel{cfg: cfg, registry: DefaultRegistry, resolver: resolver, launcher: launcher}
}

// Start launches the agent with opts and waits for its status report. With
// onlyCommand set the command is built and recorded but nothing is spawned.
func (t *Tunnel) Start(ctx context.Context, opts api.Options) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pid != 0 {
		return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, t.pid)
	}
	key := strings.TrimSpace(opts[api.OptKey])
	if key == "" {
		return ErrMissingKey
	}
	bin, err := t.binary(ctx, opts)
	if err != nil {
		return err
	}
	t.binaryPath = bin
	t.startOptions = opts.Clone()

	cmd := t.registry.Build(opts, api.OpStart, bin, key)
	t.lastCommand = cmd
	if opts.Has(api.OptOnlyCommand) {
		log.Debug().Str("command", cmd.String()).Msg("onlyCommand set, not spawning agent")
		return nil
	}

	labels := map[string]string{"tunnel": opts[api.OptTunnelName]}
	started := time.Now()
	defer func() { telemetry.TimerGlobal("tunnel_start_duration", time.Since(started), labels) }()

	runCtx, cancel := context.WithTimeout(ctx, t.cfg.StartTimeout)
	defer cancel()
	res, err := process.Run(runCtx, t.launcher, cmd)
	if err != nil {
		telemetry.CounterGlobal("tunnel_start_failures", 1, labels)
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%w after %s", ErrStartTimeout, t.cfg.StartTimeout)
		}
		return fmt.Errorf("starting tunnel agent: %w", err)
	}

	st, err := ParseStatus(res.Stdout, res.Stderr)
	if err != nil {
		telemetry.CounterGlobal("tunnel_start_failures", 1, labels)
		return err
	}
	if st.State != api.StateConnected {
		telemetry.CounterGlobal("tunnel_start_failures", 1, labels)
		return &StartFailedError{State: st.State, Message: st.Text()}
	}
	if st.PID <= 0 {
		telemetry.CounterGlobal("tunnel_start_failures", 1, labels)
		return fmt.Errorf("%w: connected without a pid", ErrMalformedStatus)
	}

	t.pid = st.PID
	telemetry.CounterGlobal("tunnel_starts", 1, labels)
	log.Info().Int("pid", t.pid).Str("binary", bin).Msg("tunnel connected")
	return nil
}

// Stop terminates the agent started by Start, reusing its options. It is a
// no-op when nothing is running. Agent failures are logged, not returned.
func (t *Tunnel) Stop(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pid == 0 {
		return nil
	}
	t.stop(ctx, t.binaryPath, t.startOptions)
	return nil
}

// StopWith issues a stop with an explicit option set, even when this
// controller never started anything. The pid is reset regardless.
func (t *Tunnel) StopWith(ctx context.Context, opts api.Options) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	bin, err := t.binary(ctx, opts)
	if err != nil {
		t.pid = 0
		return err
	}
	t.binaryPath = bin
	t.stop(ctx, bin, opts)
	return nil
}

func (t *Tunnel) stop(ctx context.Context, bin string, opts api.Options) {
	cmd := t.registry.Build(opts, api.OpStop, bin, strings.TrimSpace(opts[api.OptKey]))
	t.lastCommand = cmd
	pid := t.pid
	t.pid = 0

	res, err := process.Run(ctx, t.launcher, cmd)
	telemetry.CounterGlobal("tunnel_stops", 1, map[string]string{"tunnel": opts[api.OptTunnelName]})
	switch {
	case err != nil:
		log.Warn().Err(err).Int("pid", pid).Msg("stop command failed")
	case res.ExitCode != 0:
		log.Warn().Int("pid", pid).Int("exit_code", res.ExitCode).Str("stderr", snippet(res.Stderr)).Msg("stop command exited non-zero")
	default:
		log.Info().Int("pid", pid).Msg("tunnel stopped")
	}
}

// IsRunning probes the OS for the recorded pid. It never changes state.
func (t *Tunnel) IsRunning(ctx context.Context) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pid == 0 {
		return false, nil
	}
	telemetry.CounterGlobal("tunnel_probes", 1, nil)
	return process.Alive(ctx, t.launcher, t.cfg.GOOS, t.pid)
}

// LastCommand returns a copy of the most recently built command.
func (t *Tunnel) LastCommand() process.Command {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append(process.Command(nil), t.lastCommand...)
}

func (t *Tunnel) PID() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pid
}

// Snapshot copies the controller's persistent state.
func (t *Tunnel) Snapshot() api.Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return api.Handle{BinaryPath: t.binaryPath, StartOptions: t.startOptions.Clone(), PID: t.pid}
}

// Resume loads a previously saved snapshot into an idle controller.
func (t *Tunnel) Resume(h api.Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pid != 0 {
		return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, t.pid)
	}
	t.binaryPath = h.BinaryPath
	t.startOptions = h.StartOptions.Clone()
	t.pid = h.PID
	return nil
}

func (t *Tunnel) binary(ctx context.Context, opts api.Options) (string, error) {
	if p := strings.TrimSpace(opts[api.OptBinaryPath]); p != "" {
		return p, nil
	}
	if t.resolver == nil {
		return "", errors.New("no binarypath given and no provisioner configured")
	}
	bin, err := t.resolver.Resolve(ctx)
	if err != nil {
		return "", fmt.Errorf("resolving tunnel binary: %w", err)
	}
	return bin, nil
}
