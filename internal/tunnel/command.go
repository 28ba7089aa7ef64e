package tunnel

import (
	"sort"
	"strings"

	"github.com/3cpo-dev/tunnelctl/internal/process"
	"github.com/3cpo-dev/tunnelctl/pkg/api"
)

// Registry maps option names onto agent flags. It is built once and only
// read afterwards.
type Registry struct {
	flags    map[string]string
	booleans map[string]string
	ignored  map[string]struct{}
}

// DefaultRegistry is the agent's flag table.
var DefaultRegistry = newRegistry(
	map[string]string{
		"config":              "-config",
		"controller":          "-controller",
		"cui":                 "-cui",
		"customSSHHost":       "-customSSHHost",
		"customSSHPort":       "-customSSHPort",
		"customSSHPrivateKey": "-customSSHPrivateKey",
		"customSSHUser":       "-customSSHUser",
		"dir":                 "-dir",
		"dns":                 "-dns",
		"emulateChrome":       "-emulateChrome",
		"env":                 "-env",
		"infoAPIPort":         "-infoAPIPort",
		"key":                 "-key",
		"localDomains":        "-local-domains",
		"logFile":             "-logFile",
		"mode":                "-mode",
		"nows":                "-nows",
		"outputConfig":        "-outputConfig",
		"pac":                 "-pac",
		"pidfile":             "-pidfile",
		"port":                "-port",
		"proxyHost":           "-proxy-host",
		"proxyPass":           "-proxy-pass",
		"proxyPort":           "-proxy-port",
		"proxyUser":           "-proxy-user",
		"remoteDebug":         "-remote-debug",
		"server":              "-server",
		"sharedTunnel":        "-shared-tunnel",
		"tunnelName":          "-tunnelName",
		"user":                "-user",
		"v":                   "-v",
		"version":             "-version",
	},
	map[string]string{
		"v":       "-v",
		"version": "-version",
	},
	[]string{api.OptKey, api.OptBinaryPath, api.OptOnlyCommand},
)

func newRegistry(flags, booleans map[string]string, ignored []string) *Registry {
	r := &Registry{
		flags:    make(map[string]string, len(flags)),
		booleans: make(map[string]string, len(booleans)),
		ignored:  make(map[string]struct{}, len(ignored)),
	}
	for k, v := range flags {
		r.flags[k] = v
	}
	for k, v := range booleans {
		r.booleans[k] = v
	}
	for _, k := range ignored {
		r.ignored[k] = struct{}{}
	}
	return r
}

// Flag returns the value-bearing flag registered for name.
func (r *Registry) Flag(name string) (string, bool) {
	f, ok := r.flags[name]
	return f, ok
}

// Boolean returns the standalone flag registered for name.
func (r *Registry) Boolean(name string) (string, bool) {
	f, ok := r.booleans[name]
	return f, ok
}

func (r *Registry) Ignored(name string) bool {
	_, ok := r.ignored[name]
	return ok
}

// Build translates opts into the agent's argument vector:
//
//	<binary> -d <op> --key <key> [flags...]
//
// Options are emitted in ascending key order so the result is stable.
func (r *Registry) Build(opts api.Options, op api.Opcode, binaryPath, key string) process.Command {
	cmd := process.Command{binaryPath, "-d", string(op), "--key", key}

	keys := make([]string, 0, len(opts))
	for k := range opts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, raw := range keys {
		name := strings.TrimSpace(raw)
		if r.Ignored(name) {
			continue
		}
		value := opts[raw]
		if flag, ok := r.Boolean(name); ok && strings.ToLower(strings.TrimSpace(value)) != "false" {
			cmd = append(cmd, flag)
			continue
		}
		flag, ok := r.Flag(name)
		if !ok {
			flag = "-" + name
		}
		cmd = append(cmd, flag, strings.TrimSpace(value))
	}
	return cmd
}

// Build uses DefaultRegistry.
func Build(opts api.Options, op api.Opcode, binaryPath, key string) process.Command {
	return DefaultRegistry.Build(opts, op, binaryPath, key)
}
