// Package plugin serves and consumes tools that live in separate
// executables, over go-plugin's net/rpc transport.
package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/rpc"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-plugin"

	"github.com/felixgeelhaar/noetik/internal/tools"
)

// Handshake is used to handshake between host and plugin.
var Handshake = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "NOETIK_PLUGIN_MAGIC_COOKIE",
	MagicCookieValue: "noetik-tools",
}

const pluginName = "tools"

// PluginMap is the map of plugins we can dispense.
var PluginMap = map[string]plugin.Plugin{
	pluginName: &ToolPlugin{},
}

// ToolDescriptor describes one tool a plugin offers.
type ToolDescriptor struct {
	Name        string
	Description string
	Capability  string
	Params      []tools.Param
}

// ToolProvider is implemented by plugin executables.
type ToolProvider interface {
	Describe() ([]ToolDescriptor, error)
	// Call runs a tool with JSON-encoded arguments and returns its
	// JSON-encoded payload.
	Call(name string, args []byte) ([]byte, error)
}

// ToolPlugin adapts a ToolProvider to go-plugin's net/rpc protocol.
type ToolPlugin struct {
	Impl ToolProvider
}

func (p *ToolPlugin) Server(*plugin.MuxBroker) (interface{}, error) {
	return &ToolRPCServer{Impl: p.Impl}, nil
}

func (p *ToolPlugin) Client(b *plugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &ToolRPC{client: c}, nil
}

type CallArgs struct {
	Name string
	Args []byte
}

type CallReply struct {
	Payload []byte
	Error   string
}

// ToolRPC is the host-side client.
type ToolRPC struct {
	client *rpc.Client
}

func (c *ToolRPC) Describe() ([]ToolDescriptor, error) {
	var resp []ToolDescriptor
	if err := c.client.Call("Plugin.Describe", new(interface{}), &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *ToolRPC) Call(name string, args []byte) ([]byte, error) {
	return c.CallContext(context.Background(), name, args)
}

// CallContext stops waiting for the plugin when ctx is done.
func (c *ToolRPC) CallContext(ctx context.Context, name string, args []byte) ([]byte, error) {
	var reply CallReply
	call := c.client.Go("Plugin.Call", &CallArgs{Name: name, Args: args}, &reply, nil)
	select {
	case <-call.Done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if call.Error != nil {
		return nil, call.Error
	}
	if reply.Error != "" {
		return nil, errors.New(reply.Error)
	}
	return reply.Payload, nil
}

// ToolRPCServer is the plugin-side server.
type ToolRPCServer struct {
	Impl ToolProvider
}

func (s *ToolRPCServer) Describe(args interface{}, resp *[]ToolDescriptor) error {
	d, err := s.Impl.Describe()
	if err != nil {
		return err
	}
	*resp = d
	return nil
}

func (s *ToolRPCServer) Call(args *CallArgs, reply *CallReply) error {
	payload, err := s.Impl.Call(args.Name, args.Args)
	if err != nil {
		// Tool failures travel in the reply so they are not mistaken for
		// transport errors.
		reply.Error = err.Error()
		return nil
	}
	reply.Payload = payload
	return nil
}

// Serve runs impl as a plugin. It is called from a plugin's main.
func Serve(impl ToolProvider) {
	plugin.Serve(&plugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins: map[string]plugin.Plugin{
			pluginName: &ToolPlugin{Impl: impl},
		},
	})
}

// Specs converts a provider's tools into registry specs that call back into
// the plugin.
func Specs(p ToolProvider) ([]tools.Spec, error) {
	descs, err := p.Describe()
	if err != nil {
		return nil, fmt.Errorf("failed to describe plugin tools: %w", err)
	}
	specs := make([]tools.Spec, 0, len(descs))
	for _, d := range descs {
		specs = append(specs, tools.Spec{
			Name:        d.Name,
			Description: d.Description,
			Capability:  d.Capability,
			Params:      d.Params,
			Handler:     remoteHandler(p, d.Name),
		})
	}
	return specs, nil
}

func remoteHandler(p ToolProvider, name string) tools.Handler {
	return func(ctx context.Context, args tools.Args) (any, error) {
		raw, err := json.Marshal(args)
		if err != nil {
			return nil, err
		}
		var out []byte
		if rc, ok := p.(*ToolRPC); ok {
			out, err = rc.CallContext(ctx, name, raw)
		} else {
			out, err = p.Call(name, raw)
		}
		if err != nil {
			return nil, err
		}
		if len(out) == 0 {
			return nil, nil
		}
		var payload any
		if err := json.Unmarshal(out, &payload); err != nil {
			return nil, fmt.Errorf("plugin returned invalid JSON: %w", err)
		}
		return payload, nil
	}
}

// LocalProvider serves in-process tool specs as a ToolProvider.
type LocalProvider struct {
	specs map[string]tools.Spec
	order []string
}

func NewLocalProvider(specs ...tools.Spec) *LocalProvider {
	lp := &LocalProvider{specs: make(map[string]tools.Spec)}
	for _, s := range specs {
		lp.specs[s.Name] = s
		lp.order = append(lp.order, s.Name)
	}
	return lp
}

func (lp *LocalProvider) Describe() ([]ToolDescriptor, error) {
	out := make([]ToolDescriptor, 0, len(lp.order))
	for _, name := range lp.order {
		s := lp.specs[name]
		out = append(out, ToolDescriptor{
			Name:        s.Name,
			Description: s.Description,
			Capability:  s.Capability,
			Params:      s.Params,
		})
	}
	return out, nil
}

func (lp *LocalProvider) Call(name string, raw []byte) ([]byte, error) {
	s, ok := lp.specs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", tools.ErrUnknownTool, name)
	}
	args := tools.Args{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("%w: %v", tools.ErrInvalidArguments, err)
		}
	}
	for _, p := range s.Params {
		if f, ok := args[p.Name].(float64); ok && p.Type == tools.TypeInteger {
			args[p.Name] = int64(f)
		}
	}
	payload, err := s.Handler(context.Background(), args)
	if err != nil {
		return nil, err
	}
	return json.Marshal(payload)
}

// Host is a running plugin process.
type Host struct {
	Path     string
	client   *plugin.Client
	provider ToolProvider
}

// Launch starts the plugin executable at path and connects to it.
func Launch(path string, logger hclog.Logger) (*Host, error) {
	if logger == nil {
		logger = hclog.New(&hclog.LoggerOptions{
			Name:   "plugin",
			Output: io.Discard,
			Level:  hclog.Warn,
		})
	}
	client := plugin.NewClient(&plugin.ClientConfig{
		HandshakeConfig:  Handshake,
		Plugins:          PluginMap,
		Cmd:              exec.Command(path), // #nosec G204
		Logger:           logger.Named(filepath.Base(path)),
		AllowedProtocols: []plugin.Protocol{plugin.ProtocolNetRPC},
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("failed to start plugin %s: %w", path, err)
	}
	raw, err := rpcClient.Dispense(pluginName)
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("failed to dispense plugin %s: %w", path, err)
	}
	tp, ok := raw.(ToolProvider)
	if !ok {
		client.Kill()
		return nil, fmt.Errorf("plugin %s does not serve tools", path)
	}
	return &Host{Path: path, client: client, provider: tp}, nil
}

// Specs returns the plugin's tools as registry specs.
func (h *Host) Specs() ([]tools.Spec, error) {
	return Specs(h.provider)
}

func (h *Host) Close() {
	h.client.Kill()
}

// NewLogger returns an hclog logger writing plugin diagnostics to stderr.
func NewLogger(verbose bool) hclog.Logger {
	level := hclog.Warn
	if verbose {
		level = hclog.Debug
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:   "plugin",
		Output: os.Stderr,
		Level:  level,
	})
}
