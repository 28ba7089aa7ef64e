package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/tunnelctl/internal/binary"
	core "github.com/3cpo-dev/tunnelctl/internal/core"
	"github.com/3cpo-dev/tunnelctl/internal/process"
	gssh "github.com/3cpo-dev/tunnelctl/internal/ssh"
	"github.com/3cpo-dev/tunnelctl/internal/telemetry"
	"github.com/3cpo-dev/tunnelctl/internal/tunnel"
	"github.com/3cpo-dev/tunnelctl/pkg/api"
)

const sshTimeout = 30 * time.Second

// env bundles what every subcommand needs once the config is loaded.
type env struct {
	cfg      core.Config
	launcher process.Launcher
	prov     *binary.Provisioner
	resolver *recordingResolver
}

func loadEnv(cmd *cobra.Command) (*env, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := core.LoadConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	telemetry.InitGlobal(cfg.Telemetry.Enabled)
	launcher := process.NewExecLauncher()
	prov := binary.NewProvisioner(binary.Config{
		BaseURL: cfg.Binary.BaseURL,
		Dirs:    cfg.Binary.Dirs,
	}, binary.NewHTTPFetcher(cfg.DownloadTimeout(), cfg.Timeouts.DownloadRetries), launcher)
	return &env{cfg: cfg, launcher: launcher, prov: prov, resolver: &recordingResolver{p: prov}}, nil
}

func (e *env) newTunnel() *tunnel.Tunnel {
	return tunnel.New(tunnel.Config{StartTimeout: e.cfg.StartTimeout()}, e.resolver, e.launcher)
}

func (e *env) openStore(ctx context.Context) (*core.Store, error) {
	store, err := core.NewStore(e.cfg.State.DBPath)
	if err != nil {
		return nil, err
	}
	if err := store.Ping(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("state db %s: %w", e.cfg.State.DBPath, err)
	}
	return store, nil
}

// withKey returns h with the access key from opts. Stored handles never
// carry the key.
func withKey(h api.Handle, opts api.Options) api.Handle {
	h.StartOptions = h.StartOptions.Clone()
	if key := opts[api.OptKey]; key != "" {
		h.StartOptions[api.OptKey] = key
	}
	return h
}

// addTunnelFlags registers the flags that shape the option set.
func addTunnelFlags(cmd *cobra.Command) {
	cmd.Flags().StringArrayP("opt", "o", nil, "tunnel option as key=value (repeatable)")
	cmd.Flags().String("name", "", "tunnel name (sets the tunnelName option)")
	cmd.Flags().String("binary", "", "use this agent executable instead of provisioning one")
	cmd.Flags().String("key", "", "access key (overrides config and LT_ACCESS_KEY)")
}

// options merges config defaults with the command line. Flags win over
// --opt, which wins over the config file.
func (e *env) options(cmd *cobra.Command) (api.Options, error) {
	raw, _ := cmd.Flags().GetStringArray("opt")
	overrides, err := parseOptions(raw)
	if err != nil {
		return nil, err
	}
	if v, _ := cmd.Flags().GetString("name"); v != "" {
		overrides[api.OptTunnelName] = v
	}
	if v, _ := cmd.Flags().GetString("binary"); v != "" {
		overrides[api.OptBinaryPath] = v
	}
	if v, _ := cmd.Flags().GetString("key"); v != "" {
		overrides[api.OptKey] = v
	}
	return e.cfg.TunnelOptions(overrides), nil
}

func parseOptions(raw []string) (api.Options, error) {
	out := api.Options{}
	for _, kv := range raw {
		k, v, ok := strings.Cut(kv, "=")
		k = strings.TrimSpace(k)
		if k == "" {
			return nil, fmt.Errorf("invalid option %q, want key=value", kv)
		}
		if !ok {
			// A bare key is a switch, e.g. -o v.
			v = "true"
		}
		out[k] = v
	}
	return out, nil
}

// preflight checks the custom SSH endpoint when the options name one.
func (e *env) preflight(ctx context.Context, opts api.Options, acceptNew bool) error {
	target, err := gssh.TargetFromOptions(opts, e.cfg.SSH.KeyPath)
	if errors.Is(err, gssh.ErrNoCustomSSH) {
		return nil
	}
	if err != nil {
		return err
	}
	res, err := gssh.Preflight(ctx, target, e.cfg.SSH.KnownHosts, acceptNew, sshTimeout)
	if err != nil {
		return fmt.Errorf("custom SSH preflight: %w", err)
	}
	log.Info().Str("addr", res.Addr).Str("fingerprint", res.Fingerprint).Dur("latency", res.Latency).Msg("custom SSH endpoint reachable")
	return nil
}

// recordingResolver remembers the asset it provisioned so its digest can be
// stored without hashing the binary twice.
type recordingResolver struct {
	p     *binary.Provisioner
	asset *binary.Asset
}

func (r *recordingResolver) Resolve(ctx context.Context) (string, error) {
	asset, err := r.p.Provision(ctx)
	if err != nil {
		return "", err
	}
	r.asset = asset
	return asset.Path, nil
}

func (r *recordingResolver) digest(path string) string {
	if r.asset != nil && r.asset.Path == path {
		return r.asset.Digest
	}
	d, err := binary.Digest(path)
	if err != nil {
		log.Debug().Err(err).Str("binary", path).Msg("digest unavailable")
		return ""
	}
	return d
}
