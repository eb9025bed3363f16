package replication

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/INLOpen/livedb/config"
	"github.com/INLOpen/livedb/core"
	"github.com/INLOpen/livedb/engine"
	"github.com/INLOpen/livedb/hooks"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// Engine is what a node needs from the engine it replicates.
type Engine interface {
	Source
	Target
	SetPublisher(p engine.Publisher)
	Promote(ctx context.Context) error
	Demote(ctx context.Context, host string, port int)
}

// Transport names accepted in NodeOptions.
const (
	TransportGRPC = "grpc"
	TransportTCP  = "tcp"
)

// NodeOptions configures a Node.
type NodeOptions struct {
	Server  ServerOptions
	Replica ReplicaOptions

	// Transport selects how Listener is served: TransportGRPC or TransportTCP.
	Transport string
	// Listener accepts replica connections. Nil disables serving.
	Listener          net.Listener
	GRPCServerOptions []grpc.ServerOption
	Logger            *slog.Logger
}

// Node ties an engine to replication: it serves replicas (or redirects them
// when not primary) and, on a replica, follows the primary. Role changes go
// through Promote and Demote.
type Node struct {
	eng    Engine
	opts   NodeOptions
	server *Server
	logger *slog.Logger

	mu          sync.Mutex
	group       *errgroup.Group
	groupCtx    context.Context
	replica     *Replica
	stopReplica context.CancelFunc
	replicaDone chan struct{}
}

// NewNode creates a node and installs its server as the engine's publisher.
func NewNode(eng Engine, opts NodeOptions) (*Node, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Server.Logger == nil {
		opts.Server.Logger = opts.Logger
	}
	if opts.Replica.Logger == nil {
		opts.Replica.Logger = opts.Logger
	}
	if opts.Transport == "" {
		opts.Transport = TransportGRPC
	}
	if opts.Transport != TransportGRPC && opts.Transport != TransportTCP {
		return nil, fmt.Errorf("unknown replication transport %q", opts.Transport)
	}
	srv := NewServer(eng, opts.Server)
	eng.SetPublisher(srv)
	return &Node{
		eng:    eng,
		opts:   opts,
		server: srv,
		logger: opts.Logger.With("component", "ReplicationNode"),
	}, nil
}

// Server returns the node's replication server.
func (n *Node) Server() *Server {
	return n.server
}

// Run serves and follows until ctx is done or a component fails.
func (n *Node) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	n.mu.Lock()
	n.group, n.groupCtx = g, gctx
	n.mu.Unlock()

	if lis := n.opts.Listener; lis != nil {
		switch n.opts.Transport {
		case TransportGRPC:
			gs := NewGRPCServer(n.server, n.opts.GRPCServerOptions...)
			g.Go(func() error {
				n.logger.Info("Replication gRPC server listening", "address", lis.Addr().String())
				return gs.Serve(lis)
			})
			g.Go(func() error {
				<-gctx.Done()
				gs.GracefulStop()
				return nil
			})
		case TransportTCP:
			g.Go(func() error { return n.server.Serve(gctx, lis) })
		}
	}

	if n.eng.Role() == core.RoleReplica {
		if err := n.startReplica(n.opts.Replica.PrimaryAddress); err != nil {
			return err
		}
	}

	g.Go(func() error {
		<-gctx.Done()
		n.stopFollowing()
		return n.server.Close()
	})
	err := g.Wait()
	n.mu.Lock()
	n.group, n.groupCtx = nil, nil
	n.mu.Unlock()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// startReplica launches a replica loop following addr inside the run group.
func (n *Node) startReplica(addr string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.group == nil {
		return fmt.Errorf("node is not running")
	}
	opts := n.opts.Replica
	opts.PrimaryAddress = addr
	r, err := NewReplica(n.eng, opts)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(n.groupCtx)
	done := make(chan struct{})
	n.replica, n.stopReplica, n.replicaDone = r, cancel, done
	n.group.Go(func() error {
		defer close(done)
		return r.Run(ctx)
	})
	return nil
}

// stopFollowing stops the replica loop, if any, and waits for it.
func (n *Node) stopFollowing() {
	n.mu.Lock()
	cancel, done := n.stopReplica, n.replicaDone
	n.replica, n.stopReplica, n.replicaDone = nil, nil, nil
	n.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// Replica returns the running replica loop, or nil on a primary.
func (n *Node) Replica() *Replica {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.replica
}

// Promote stops following and makes the engine primary.
func (n *Node) Promote(ctx context.Context) error {
	n.stopFollowing()
	return n.eng.Promote(ctx)
}

// Demote makes the engine a replica of the primary at host:port and starts
// following it.
func (n *Node) Demote(ctx context.Context, host string, port int) error {
	n.stopFollowing()
	n.eng.Demote(ctx, host, port)
	return n.startReplica(net.JoinHostPort(host, strconv.Itoa(port)))
}

// NodeOptionsFromConfig builds node options, dialer and listener from the
// replication config. The caller closes the listener only if Run is never called.
func NodeOptionsFromConfig(cfg config.ReplicationConfig, hookManager hooks.HookManager, logger *slog.Logger) (NodeOptions, error) {
	if logger == nil {
		logger = slog.Default()
	}
	interval := config.ParseDuration(cfg.HeartbeatInterval, time.Second, logger)
	timeout := config.ParseDuration(cfg.HeartbeatTimeout, 5*interval, logger)

	opts := NodeOptions{
		Transport: cfg.Transport,
		Logger:    logger,
		Server: ServerOptions{
			NodeID:            cfg.NodeID,
			AdvertiseHost:     cfg.AdvertiseHost,
			AdvertisePort:     cfg.AdvertisePort,
			RequireAcks:       cfg.Sync,
			HeartbeatInterval: interval,
			HeartbeatTimeout:  timeout,
			TransitioningWait: config.ParseDuration(cfg.TransitioningWait, 2*time.Second, logger),
			HookManager:       hookManager,
			Logger:            logger,
		},
		Replica: ReplicaOptions{
			NodeID:            cfg.NodeID,
			PrimaryAddress:    cfg.PrimaryAddress,
			HeartbeatInterval: interval,
			HeartbeatTimeout:  timeout,
			RetryInterval:     config.ParseDuration(cfg.RetryInterval, time.Second, logger),
			HookManager:       hookManager,
			Logger:            logger,
		},
	}
	if opts.Transport == "" {
		opts.Transport = TransportGRPC
	}

	switch opts.Transport {
	case TransportGRPC:
		creds := insecure.NewCredentials()
		if cfg.TLS.Enabled {
			serverTLS, err := LoadServerTLSConfig(cfg.TLS)
			if err != nil {
				return NodeOptions{}, err
			}
			opts.GRPCServerOptions = append(opts.GRPCServerOptions, grpc.Creds(credentials.NewTLS(serverTLS)))
			clientTLS, err := LoadClientTLSConfig(cfg.TLS)
			if err != nil {
				return NodeOptions{}, err
			}
			creds = credentials.NewTLS(clientTLS)
		}
		opts.Replica.Dialer = GRPCDialer{DialOptions: []grpc.DialOption{grpc.WithTransportCredentials(creds)}}
	case TransportTCP:
		dialer := TCPDialer{Timeout: timeout}
		if cfg.TLS.Enabled {
			clientTLS, err := LoadClientTLSConfig(cfg.TLS)
			if err != nil {
				return NodeOptions{}, err
			}
			dialer.TLS = clientTLS
		}
		opts.Replica.Dialer = dialer
	default:
		return NodeOptions{}, fmt.Errorf("unknown replication transport %q", cfg.Transport)
	}

	if cfg.ListenAddress != "" {
		lis, err := net.Listen("tcp", cfg.ListenAddress)
		if err != nil {
			return NodeOptions{}, fmt.Errorf("failed to listen on %s: %w", cfg.ListenAddress, err)
		}
		if opts.Transport == TransportTCP && cfg.TLS.Enabled {
			serverTLS, err := LoadServerTLSConfig(cfg.TLS)
			if err != nil {
				lis.Close()
				return NodeOptions{}, err
			}
			lis = tls.NewListener(lis, serverTLS)
		}
		opts.Listener = lis
	}
	return opts, nil
}
