package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

// StartFailure classifies why the tracker could not start.
type StartFailure int

const (
	StartSocketFailed StartFailure = iota + 1
	StartBindFailed
	StartStorageFailed
	StartConfigInvalid
)

func (k StartFailure) String() string {
	switch k {
	case StartSocketFailed:
		return "socket failed"
	case StartBindFailed:
		return "bind failed"
	case StartStorageFailed:
		return "storage failed"
	case StartConfigInvalid:
		return "invalid configuration"
	default:
		return fmt.Sprintf("start failure %d", int(k))
	}
}

// ExitCode is the process status for the failure, 2 through 5.
func (k StartFailure) ExitCode() int {
	return int(k) + 1
}

// StartError is returned by Server.Run when startup fails.
type StartError struct {
	Kind StartFailure
	Err  error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *StartError) Unwrap() error {
	return e.Err
}

func startError(kind StartFailure, err error) *StartError {
	return &StartError{Kind: kind, Err: err}
}

type Server struct {
	cfg   config
	log   *zap.Logger
	clock clock.Clock

	mu    sync.Mutex
	tr    *Tracker
	conns []*net.UDPConn
	ready chan struct{} // closed once the sockets serve
}

// NewServer creates and initializes a new server instance
func NewServer(cfg config, logger *zap.Logger) *Server {
	return &Server{
		cfg:   cfg,
		log:   logger,
		clock: clock.New(),
		ready: make(chan struct{}),
	}
}

// Ready is closed once the tracker answers packets.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// LocalAddrs returns the bound UDP sockets' addresses.
func (s *Server) LocalAddrs() []net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	addrs := make([]net.Addr, 0, len(s.conns))
	for _, c := range s.conns {
		addrs = append(addrs, c.LocalAddr())
	}
	return addrs
}

// Tracker returns the running engine, nil before Run has started it.
func (s *Server) Tracker() *Tracker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tr
}

func (s *Server) secret() [32]byte {
	if s.cfg.Secret != "" {
		return deriveSecret(s.cfg.Secret)
	}
	s.log.Warn("No secret configured, using a random one. " +
		"Connection IDs will not survive a restart; set -secret or UDPT__SECRET")
	var secret [32]byte
	//nolint:errcheck // only fails without an OS entropy source
	rand.Read(secret[:])
	return secret
}

// Run starts the server and blocks until context cancellation
func (s *Server) Run(ctx context.Context) (err error) {
	if verr := s.cfg.validate(); verr != nil {
		return startError(StartConfigInvalid, verr)
	}

	s.log.Info("Starting Pico UDPT", zap.String("version", version),
		zap.Bool("dynamic", s.cfg.IsDynamic), zap.String("db_driver", s.cfg.DBDriver))
	if ce := s.log.Check(zap.DebugLevel, "Debug mode is enabled"); ce != nil {
		ce.Write()
	}

	store, err := openStorage(s.cfg, s.log.Named("storage"))
	if err != nil {
		return startError(StartStorageFailed, err)
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("close storage: %w", cerr))
		}
	}()

	tr, err := NewTracker(s.cfg, store, s.secret(), s.clock, s.log.Named("tracker"))
	if err != nil {
		return startError(StartConfigInvalid, err)
	}

	var fromDir map[HashID]struct{}
	if s.cfg.TorrentsDir != "" {
		var rerr error
		if fromDir, rerr = registerTorrentsDir(s.cfg.TorrentsDir, tr, s.log.Named("metainfo")); rerr != nil {
			return startError(StartStorageFailed, rerr)
		}
	}
	var wl *whitelistManager
	if s.cfg.Whitelist != "" {
		wl = newWhitelistManager(s.cfg.Whitelist, tr, s.clock, s.log.Named("whitelist"))
		wl.pin(fromDir)
		if lerr := wl.load(); lerr != nil {
			// Fail-closed: nothing is registered until the file can be read
			s.log.Warn("failed to load whitelist", zap.Error(lerr))
		}
	}

	conns, err := s.listen()
	if err != nil {
		return err
	}

	var admin *http.Server
	var adminLn net.Listener
	if s.cfg.APIEnable {
		if admin, err = newAdminServer(tr, s.cfg, s.log.Named("admin")); err != nil {
			_ = closeAll(conns)
			return startError(StartConfigInvalid, err)
		}
		if adminLn, err = net.Listen("tcp", admin.Addr); err != nil {
			_ = closeAll(conns)
			return listenError("tcp", err)
		}
		s.log.Info("Admin API listening", zap.Stringer("addr", adminLn.Addr()))
	}

	s.mu.Lock()
	s.tr, s.conns = tr, conns
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, conn := range conns {
		for range s.cfg.Threads {
			g.Go(func() error { return tr.serve(gctx, conn) })
		}
	}
	g.Go(func() error { return tr.cleanupLoop(gctx) })
	if wl != nil {
		g.Go(func() error { return wl.run(gctx) })
	}
	if admin != nil {
		g.Go(func() error {
			if serr := admin.Serve(adminLn); !errors.Is(serr, http.ErrServerClosed) {
				return fmt.Errorf("admin API: %w", serr)
			}
			return nil
		})
	}
	close(s.ready)

	<-gctx.Done()
	s.log.Info("Shutting down gracefully...")

	err = closeAll(conns)
	if admin != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		err = multierr.Append(err, admin.Shutdown(shutdownCtx))
		cancel()
	}

	s.log.Info("Waiting for in-flight requests to complete...")
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case werr := <-done:
		err = multierr.Append(err, werr)
		s.log.Info("Shutdown complete")
	case <-time.After(shutdownTimeout):
		s.log.Warn("Forcing shutdown after timeout, some handlers incomplete")
		err = multierr.Append(err, errors.New("shutdown timeout"))
	}
	return err
}

// listen binds the IPv4 socket and, when available, the IPv6 one.
func (s *Server) listen() ([]*net.UDPConn, error) {
	conn4, err := listenUDP("udp4", s.cfg.Port)
	if err != nil {
		return nil, listenError("udp4", err)
	}
	s.log.Info("UDP Tracker listening (IPv4)", zap.Stringer("addr", conn4.LocalAddr()))
	conns := []*net.UDPConn{conn4}

	conn6, err := listenUDP("udp6", s.cfg.Port)
	if err != nil {
		s.log.Warn("IPv6 not available", zap.Error(err))
	} else {
		s.log.Info("UDP Tracker listening (IPv6)", zap.Stringer("addr", conn6.LocalAddr()))
		conns = append(conns, conn6)
	}
	return conns, nil
}

func closeAll(conns []*net.UDPConn) error {
	var err error
	for _, c := range conns {
		err = multierr.Append(err, c.Close())
	}
	return err
}

// listenError tells bind problems (address in use, privileged port) apart
// from failures to create the socket at all.
func listenError(network string, err error) *StartError {
	kind := StartSocketFailed
	if errors.Is(err, syscall.EADDRINUSE) || errors.Is(err, syscall.EACCES) ||
		errors.Is(err, syscall.EADDRNOTAVAIL) {
		kind = StartBindFailed
	}
	return startError(kind, fmt.Errorf("listen %s: %w", network, err))
}

// listenUDP creates a UDP listener for the specified network and port
func listenUDP(network string, port int) (*net.UDPConn, error) {
	var ip net.IP
	switch network {
	case "udp4":
		ip = net.IPv4zero
	case "udp6":
		ip = net.IPv6unspecified
	default:
		return nil, fmt.Errorf("unknown network: %s", network)
	}
	return net.ListenUDP(network, &net.UDPAddr{IP: ip, Port: port})
}

// setupSignalHandling creates a context that cancels on SIGINT/SIGTERM
func setupSignalHandling() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
