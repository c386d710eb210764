package plugin

import (
	"context"
	"fmt"
	"io"
	"net/rpc"
	"sync"

	goplugin "github.com/hashicorp/go-plugin"

	"github.com/castdio/castd/internal/models"
)

// Handshake is the go-plugin handshake shared by the host and every dynamic
// plugin. The magic cookie gates accidental execution of non-plugin
// binaries; the real compatibility check is the descriptor's APIVersion.
var Handshake = goplugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "CASTD_PLUGIN",
	MagicCookieValue: "castd-media-plugin",
}

// pluginSetName is the dispense key inside the go-plugin set.
const pluginSetName = "castd"

// Serve is the entry point for dynamic plugin executables. A plugin's main
// is just:
//
//	func main() { plugin.Serve(&myPlugin{}) }
func Serve(impl Plugin) {
	goplugin.Serve(&goplugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins: map[string]goplugin.Plugin{
			pluginSetName: &servedPlugin{impl: impl},
		},
	})
}

// servedPlugin adapts the Plugin contract to go-plugin's net/rpc protocol.
type servedPlugin struct {
	impl Plugin
}

func (p *servedPlugin) Server(broker *goplugin.MuxBroker) (any, error) {
	return newRPCServer(p.impl, broker), nil
}

func (p *servedPlugin) Client(broker *goplugin.MuxBroker, c *rpc.Client) (any, error) {
	return &rpcClient{client: c, broker: broker}, nil
}

// Wire argument types. Everything crossing the boundary is gob-encoded, so
// these stay plain data.

type InitializeArgs struct {
	ConfigPath string
}

type CanHandleArgs struct {
	JobType models.JobType
	Params  models.JobParams
}

type ProcessArgs struct {
	Request Request
	// SinkID is a broker stream on which the host serves the progress
	// callback service; zero means the host wants no progress.
	SinkID uint32
}

type CancelArgs struct {
	JobID models.ULID
}

type ProgressUpdate struct {
	Percent float64
	Stage   string
}

type StartStreamArgs struct {
	Config StreamConfig
	// SinkID is a broker stream on which the host serves the encoded
	// output sink; zero means the stream writes files only.
	SinkID uint32
}

type StreamIOArgs struct {
	ChannelID models.ULID
	Data      []byte
}

type Empty struct{}

// rpcClient is the host-side view of a dynamic plugin. It implements both
// Plugin and Streamer; plugins that lack streaming support fail the remote
// call, and routing filters on the descriptor's capability tags anyway.
type rpcClient struct {
	client *rpc.Client
	broker *goplugin.MuxBroker
	desc   Descriptor
}

var (
	_ Plugin   = (*rpcClient)(nil)
	_ Streamer = (*rpcClient)(nil)
)

// fetchDescriptor pulls the descriptor over the wire once at load time.
func (c *rpcClient) fetchDescriptor() (Descriptor, error) {
	var desc Descriptor
	if err := c.client.Call("Plugin.Descriptor", &Empty{}, &desc); err != nil {
		return Descriptor{}, err
	}
	return desc, nil
}

func (c *rpcClient) Descriptor() Descriptor {
	return c.desc
}

func (c *rpcClient) Initialize(ctx context.Context, configPath string) error {
	call := c.client.Go("Plugin.Initialize", &InitializeArgs{ConfigPath: configPath}, &Empty{}, nil)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-call.Done:
		return call.Error
	}
}

func (c *rpcClient) Shutdown(ctx context.Context) error {
	call := c.client.Go("Plugin.Shutdown", &Empty{}, &Empty{}, nil)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-call.Done:
		return call.Error
	}
}

// Healthy treats a hung or failed probe call as unhealthy; a probe must
// come back quickly or not at all.
func (c *rpcClient) Healthy(ctx context.Context) bool {
	var ok bool
	call := c.client.Go("Plugin.Healthy", &Empty{}, &ok, nil)
	select {
	case <-ctx.Done():
		return false
	case <-call.Done:
		return call.Error == nil && ok
	}
}

func (c *rpcClient) CanHandle(jobType models.JobType, params models.JobParams) bool {
	var ok bool
	if err := c.client.Call("Plugin.CanHandle", &CanHandleArgs{JobType: jobType, Params: params}, &ok); err != nil {
		return false
	}
	return ok
}

// Process runs the job remotely. Progress flows back over a dedicated
// broker stream so long jobs report without blocking the main connection.
// Context cancellation forwards a Cancel and then waits for the plugin to
// return; the worker owns the terminal status decision.
func (c *rpcClient) Process(ctx context.Context, req Request, progress ProgressFunc) (Result, error) {
	args := &ProcessArgs{Request: req}
	if progress != nil && c.broker != nil {
		args.SinkID = c.broker.NextId()
		go c.broker.AcceptAndServe(args.SinkID, &progressSink{fn: progress})
	}

	var result Result
	call := c.client.Go("Plugin.Process", args, &result, nil)
	select {
	case <-ctx.Done():
		_ = c.Cancel(req.JobID)
		<-call.Done
	case <-call.Done:
	}
	if call.Error != nil {
		return Result{}, call.Error
	}
	return result, nil
}

func (c *rpcClient) Cancel(jobID models.ULID) error {
	return c.client.Call("Plugin.Cancel", &CancelArgs{JobID: jobID}, &Empty{})
}

func (c *rpcClient) StartStream(ctx context.Context, cfg StreamConfig, out io.Writer) (StreamHandle, error) {
	args := &StartStreamArgs{Config: cfg}
	if out != nil && c.broker != nil {
		args.SinkID = c.broker.NextId()
		go c.broker.AcceptAndServe(args.SinkID, &streamSink{w: out})
	}

	call := c.client.Go("Plugin.StartStream", args, &Empty{}, nil)
	select {
	case <-ctx.Done():
		_ = c.StopStream(cfg.ChannelID)
		<-call.Done
		return nil, ctx.Err()
	case <-call.Done:
	}
	if call.Error != nil {
		return nil, call.Error
	}
	return &remoteStream{c: c, channelID: cfg.ChannelID}, nil
}

func (c *rpcClient) StopStream(channelID models.ULID) error {
	return c.client.Call("Plugin.StopStream", &StreamIOArgs{ChannelID: channelID}, &Empty{})
}

// progressSink is the host-served callback the plugin reports progress to.
// go-plugin serves broker services under the "Plugin" name.
type progressSink struct {
	fn ProgressFunc
}

func (p *progressSink) Update(args *ProgressUpdate, _ *Empty) error {
	p.fn(args.Percent, args.Stage)
	return nil
}

// streamSink is the host-served sink receiving encoded stream bytes.
type streamSink struct {
	w io.Writer
}

func (s *streamSink) Write(args *StreamIOArgs, n *int) error {
	written, err := s.w.Write(args.Data)
	*n = written
	return err
}

// remoteStream is the host-side handle on a stream running inside a
// dynamic plugin.
type remoteStream struct {
	c         *rpcClient
	channelID models.ULID
}

func (s *remoteStream) Write(p []byte) (int, error) {
	var n int
	if err := s.c.client.Call("Plugin.WriteStream", &StreamIOArgs{ChannelID: s.channelID, Data: p}, &n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *remoteStream) Close() error {
	return s.c.client.Call("Plugin.CloseStream", &StreamIOArgs{ChannelID: s.channelID}, &Empty{})
}

func (s *remoteStream) Wait() error {
	return s.c.client.Call("Plugin.WaitStream", &StreamIOArgs{ChannelID: s.channelID}, &Empty{})
}

// rpcServer is the plugin-side dispatcher go-plugin serves over net/rpc.
type rpcServer struct {
	impl   Plugin
	broker *goplugin.MuxBroker

	mu      sync.Mutex
	streams map[models.ULID]StreamHandle
}

func newRPCServer(impl Plugin, broker *goplugin.MuxBroker) *rpcServer {
	return &rpcServer{
		impl:    impl,
		broker:  broker,
		streams: make(map[models.ULID]StreamHandle),
	}
}

func (s *rpcServer) Descriptor(_ *Empty, reply *Descriptor) error {
	*reply = s.impl.Descriptor()
	return nil
}

func (s *rpcServer) Initialize(args *InitializeArgs, _ *Empty) error {
	return s.impl.Initialize(context.Background(), args.ConfigPath)
}

func (s *rpcServer) Shutdown(_ *Empty, _ *Empty) error {
	return s.impl.Shutdown(context.Background())
}

func (s *rpcServer) Healthy(_ *Empty, reply *bool) error {
	*reply = s.impl.Healthy(context.Background())
	return nil
}

func (s *rpcServer) CanHandle(args *CanHandleArgs, reply *bool) error {
	*reply = s.impl.CanHandle(args.JobType, args.Params)
	return nil
}

func (s *rpcServer) Process(args *ProcessArgs, reply *Result) error {
	progress := ProgressFunc(func(float64, string) {})
	if args.SinkID != 0 && s.broker != nil {
		conn, err := s.broker.Dial(args.SinkID)
		if err == nil {
			client := rpc.NewClient(conn)
			defer client.Close()
			progress = func(percent float64, stage string) {
				_ = client.Call("Plugin.Update", &ProgressUpdate{Percent: percent, Stage: stage}, &Empty{})
			}
		}
	}

	result, err := s.impl.Process(context.Background(), args.Request, progress)
	if err != nil {
		return err
	}
	*reply = result
	return nil
}

func (s *rpcServer) Cancel(args *CancelArgs, _ *Empty) error {
	return s.impl.Cancel(args.JobID)
}

func (s *rpcServer) StartStream(args *StartStreamArgs, _ *Empty) error {
	streamer, ok := s.impl.(Streamer)
	if !ok {
		return fmt.Errorf("plugin %s does not stream", s.impl.Descriptor().ID)
	}

	var out io.Writer
	if args.SinkID != 0 && s.broker != nil {
		conn, err := s.broker.Dial(args.SinkID)
		if err != nil {
			return fmt.Errorf("dialing output sink: %w", err)
		}
		out = &sinkWriter{client: rpc.NewClient(conn)}
	}

	handle, err := streamer.StartStream(context.Background(), args.Config, out)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.streams[args.Config.ChannelID] = handle
	s.mu.Unlock()
	return nil
}

func (s *rpcServer) WriteStream(args *StreamIOArgs, n *int) error {
	handle, err := s.stream(args.ChannelID)
	if err != nil {
		return err
	}
	written, err := handle.Write(args.Data)
	*n = written
	return err
}

func (s *rpcServer) CloseStream(args *StreamIOArgs, _ *Empty) error {
	handle, err := s.stream(args.ChannelID)
	if err != nil {
		return err
	}
	return handle.Close()
}

func (s *rpcServer) WaitStream(args *StreamIOArgs, _ *Empty) error {
	handle, err := s.stream(args.ChannelID)
	if err != nil {
		return err
	}
	err = handle.Wait()
	s.mu.Lock()
	delete(s.streams, args.ChannelID)
	s.mu.Unlock()
	return err
}

func (s *rpcServer) StopStream(args *StreamIOArgs, _ *Empty) error {
	streamer, ok := s.impl.(Streamer)
	if !ok {
		return nil
	}
	err := streamer.StopStream(args.ChannelID)
	s.mu.Lock()
	delete(s.streams, args.ChannelID)
	s.mu.Unlock()
	return err
}

func (s *rpcServer) stream(id models.ULID) (StreamHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	handle, ok := s.streams[id]
	if !ok {
		return nil, fmt.Errorf("no stream for channel %s", id)
	}
	return handle, nil
}

// sinkWriter adapts the host's brokered sink service to io.Writer for the
// plugin-side encoder.
type sinkWriter struct {
	client *rpc.Client
}

func (w *sinkWriter) Write(p []byte) (int, error) {
	var n int
	if err := w.client.Call("Plugin.Write", &StreamIOArgs{Data: p}, &n); err != nil {
		return 0, err
	}
	return n, nil
}
