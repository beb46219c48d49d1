package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"fafsrv/replayserver/internal/config"
	"fafsrv/replayserver/internal/gameregistry"
	"fafsrv/replayserver/internal/handshake"
	"fafsrv/replayserver/internal/httpapi"
	"fafsrv/replayserver/internal/logging"
	"fafsrv/replayserver/internal/networking"
	"fafsrv/replayserver/internal/replaycore"
)

func main() {
	startedAt := time.Now()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize structured logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", logging.String("signal", sig.String()))
		cancel()
	}()

	registry := gameregistry.New(gameregistry.Config{
		QuorumSize:               cfg.MergeQuorumSize,
		StreamComparisonDistance: cfg.StreamComparisonDistanceBytes,
		DelaySeconds:             cfg.DelaySeconds,
		UpdateIntervalMs:         cfg.UpdateIntervalMs,
		ForcedTimeout:            cfg.ForcedTimeout,
		ZeroWriterGrace:          cfg.ZeroWritersGrace,
	}, cfg.VaultRetention, gameregistry.WithVaultRoot(cfg.VaultRoot, logger))

	go registry.Run(ctx, cfg.RegistrySweepInterval)

	bandwidth := networking.NewBandwidthRegulator(networking.DefaultBandwidthLimitBytesPerSecond, nil)

	server := &gameServer{
		cfg:       cfg,
		logger:    logger,
		registry:  registry,
		bandwidth: bandwidth,
	}

	var startupErr atomic.Value

	var rateLimiter httpapi.RateLimiter
	if cfg.AdminRateLimitWindow > 0 && cfg.AdminRateLimitBurst > 0 {
		rateLimiter = httpapi.NewSlidingWindowLimiter(cfg.AdminRateLimitWindow, cfg.AdminRateLimitBurst, nil)
	}

	mux := http.NewServeMux()
	handlers := httpapi.NewHandlerSet(httpapi.Options{
		Logger:    logger,
		Registry:  registry,
		Bandwidth: bandwidth,
		StartedAt: startedAt,
		StartupErr: func() error {
			if v := startupErr.Load(); v != nil {
				if e, ok := v.(error); ok {
					return e
				}
			}
			return nil
		},
		AdminToken:           cfg.AdminToken,
		RateLimiter:          rateLimiter,
		DashboardPush:        cfg.AdminPingInterval,
		AdminMaxPayloadBytes: cfg.AdminMaxPayloadBytes,
		AdminMaxClients:      cfg.AdminMaxClients,
	})
	handlers.Register(mux)
	adminHandler := logging.HTTPTraceMiddleware(logger)(mux)

	adminServer := &http.Server{Addr: cfg.AdminAddress, Handler: adminHandler}
	go func() {
		logger.Info("admin surface listening", logging.String("address", listenerURL(cfg.AdminAddress, "http")))
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			startupErr.Store(err)
			logger.Error("admin server terminated", logging.Error(err))
		}
	}()

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		logger.Fatal("failed to start game protocol listener", logging.Error(err), logging.String("address", cfg.ListenAddress))
	}
	logger.Info("game protocol listening", logging.String("address", listenerURL(cfg.ListenAddress, "tcp")))

	go server.acceptLoop(ctx, listener)

	<-ctx.Done()

	_ = listener.Close()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("admin server shutdown error", logging.Error(err))
	}
}

// gameServer owns the raw TCP accept loop for the wire protocol described by
// internal/handshake: every connection starts with a handshake, then is
// handed off to either the producer or consumer read path.
type gameServer struct {
	cfg       *config.Config
	logger    *logging.Logger
	registry  *gameregistry.Registry
	bandwidth *networking.BandwidthRegulator
}

func (s *gameServer) acceptLoop(ctx context.Context, listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			s.logger.Warn("accept failed", logging.Error(err))
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *gameServer) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	connLogger := s.logger.With(logging.String("remote_addr", remote))

	hs, err := handshake.Parse(conn, s.cfg.HandshakeTimeout)
	if err != nil {
		connLogger.Warn("handshake failed", logging.Error(err))
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	connLogger = connLogger.With(
		logging.String("kind", hs.Kind.String()),
		logging.Int64("game_id", int64(hs.GameID)),
		logging.String("name", hs.Name),
	)

	switch hs.Kind {
	case handshake.Producer:
		s.handleProducer(ctx, conn, hs, connLogger)
	case handshake.Consumer:
		s.handleConsumer(ctx, conn, hs, connLogger)
	}
}

// handleProducer reads one header followed by a stream of opaque data chunks
// off conn, feeding every byte into the game's WriterHandle until the
// producer disconnects.
func (s *gameServer) handleProducer(ctx context.Context, conn net.Conn, hs handshake.Handshake, logger *logging.Logger) {
	writer := s.registry.AddWriter(hs.GameID)
	defer writer.Finish()

	raw, _, err := replaycore.ParseHeader(conn)
	if err != nil {
		logger.Warn("producer header rejected", logging.Error(err))
		return
	}
	writer.SetHeader(raw)

	buf := make([]byte, 64*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			writer.AddData(chunk)
		}
		if err != nil {
			if err != io.EOF {
				logger.Debug("producer connection closed", logging.Error(err))
			}
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// handleConsumer streams the canonical replay for hs.GameID back over conn
// until it finishes, the consumer disconnects, or ctx is cancelled.
func (s *gameServer) handleConsumer(ctx context.Context, conn net.Conn, hs handshake.Handshake, logger *logging.Logger) {
	reader, replay, err := s.registry.AttachReader(hs.GameID)
	if err != nil {
		logger.Warn("consumer rejected", logging.Error(err))
		return
	}

	connID := fmt.Sprintf("%d:%s", hs.GameID, conn.RemoteAddr().String())
	sink := &bandwidthLimitedWriter{conn: conn, regulator: s.bandwidth, connID: connID}
	defer s.bandwidth.Forget(connID)

	if err := reader.Run(ctx, replay.Canonical(), sink); err != nil {
		logger.Debug("consumer stream ended", logging.Error(err))
	}
}

// bandwidthLimitedWriter throttles outbound spectator bytes against a shared
// BandwidthRegulator before writing them to the underlying connection. A nil
// regulator disables throttling entirely.
type bandwidthLimitedWriter struct {
	conn      net.Conn
	regulator *networking.BandwidthRegulator
	connID    string
}

func (w *bandwidthLimitedWriter) Write(p []byte) (int, error) {
	if w.regulator != nil {
		for !w.regulator.Allow(w.connID, len(p)) {
			time.Sleep(10 * time.Millisecond)
		}
	}
	return w.conn.Write(p)
}
