package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/hashicorp/go-hclog"
	goplugin "github.com/hashicorp/go-plugin"
)

// loaded is one live dynamic plugin instance with its teardown hook.
type loaded struct {
	plugin Plugin
	desc   Descriptor
	kill   func()
}

// Loader launches dynamic plugin artifacts and walks them through the load
// protocol: handshake, descriptor fetch, strict API version check, then
// Initialize. A version mismatch rejects the artifact before any
// initialization runs.
type Loader struct {
	logger           *slog.Logger
	handshakeTimeout time.Duration
}

// NewLoader creates a loader with the default handshake timeout.
func NewLoader(logger *slog.Logger) *Loader {
	return &Loader{
		logger:           logger,
		handshakeTimeout: 10 * time.Second,
	}
}

// WithHandshakeTimeout bounds how long an artifact may take to come up.
func (l *Loader) WithHandshakeTimeout(d time.Duration) *Loader {
	if d > 0 {
		l.handshakeTimeout = d
	}
	return l
}

// Load starts the artifact and returns a ready plugin instance. Each
// failure mode wraps its sentinel so callers can report why the artifact
// was rejected.
func (l *Loader) Load(ctx context.Context, path, configDir string) (*loaded, error) {
	fi, err := os.Stat(path)
	if err != nil || fi.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, path)
	}

	client := goplugin.NewClient(&goplugin.ClientConfig{
		HandshakeConfig: Handshake,
		Plugins: map[string]goplugin.Plugin{
			pluginSetName: &servedPlugin{},
		},
		Cmd:              exec.Command(path),
		AllowedProtocols: []goplugin.Protocol{goplugin.ProtocolNetRPC},
		StartTimeout:     l.handshakeTimeout,
		Logger: hclog.New(&hclog.LoggerOptions{
			Name:   "plugin",
			Level:  hclog.Warn,
			Output: os.Stderr,
		}),
	})

	rpcc, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("%w: %s: %v", ErrHandshakeFailed, path, err)
	}
	raw, err := rpcc.Dispense(pluginSetName)
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("%w: %s does not export the plugin service: %v", ErrHandshakeFailed, path, err)
	}
	p, ok := raw.(*rpcClient)
	if !ok {
		client.Kill()
		return nil, fmt.Errorf("%w: unexpected client type %T", ErrHandshakeFailed, raw)
	}

	desc, err := p.fetchDescriptor()
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("%w: fetching descriptor: %v", ErrHandshakeFailed, err)
	}
	if err := desc.Validate(); err != nil {
		client.Kill()
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	if desc.APIVersion != APIVersion {
		client.Kill()
		return nil, fmt.Errorf("%w: plugin %s declares %q, host speaks %q",
			ErrVersionMismatch, desc.ID, desc.APIVersion, APIVersion)
	}
	desc.Builtin = false
	p.desc = desc

	if err := p.Initialize(ctx, configDir); err != nil {
		client.Kill()
		return nil, fmt.Errorf("%w: %s: %v", ErrInitFailed, desc.ID, err)
	}

	l.logger.Debug("plugin artifact loaded",
		slog.String("plugin", desc.ID),
		slog.String("path", path),
	)
	return &loaded{plugin: p, desc: desc, kill: client.Kill}, nil
}
