// Package status serves the optional status and control endpoint.
//
//	GET  /health    store ping and app health, no auth
//	GET  /status    loop snapshot and the latest check per subject
//	GET  /config    configuration summary without secrets
//	POST /run_once  ask the loop for an extra cycle
//
// When a token is configured every route but /health requires it. A
// non-loopback bind without a token is refused.
package status

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	rtsup "deadman/internal/runtime/supervisor"
	logx "deadman/pkg/logx"
)

const defaultAddr = "127.0.0.1:8080"

var errInsecureBind = errors.New("status endpoint refused to start: insecure bind")

type Config struct {
	Enabled bool
	Addr    string
	Token   string

	// HTTPS is served when both files are set.
	CertFile string
	KeyFile  string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

func (c Config) scheme() string {
	if c.CertFile != "" && c.KeyFile != "" {
		return "https"
	}
	return "http"
}

func (c Config) addr() string {
	if a := strings.TrimSpace(c.Addr); a != "" {
		return a
	}
	return defaultAddr
}

type Service struct {
	cfg     Config
	src     Sources
	log     logx.Logger
	started time.Time

	mu  sync.Mutex
	sup *rtsup.Supervisor
	ln  net.Listener
}

func New(cfg Config, src Sources, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, src: src, log: log.With(logx.String("comp", "status")), started: time.Now()}
}

func (s *Service) Enabled() bool { return s.cfg.Enabled }

// Supervisor is nil until Start.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Addr is the bound address while serving, else "".
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Start serves in the background until ctx is done or Stop. A failing
// listener is retried with backoff; its errors never cancel ctx. Calling
// Start again while running does nothing.
func (s *Service) Start(ctx context.Context) {
	if !s.cfg.Enabled {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	s.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	s.sup.GoRestart("http.serve", s.serveOnce,
		rtsup.WithPublishFirstError(true),
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
}

// Stop shuts the server down and waits for it, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	sup.Cancel()
	if err := sup.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("status endpoint stop", logx.Err(err))
	}
	s.log.Info("status endpoint stopped")
}

// serveOnce runs one listener until ctx is done. A nil return after ctx
// is done ends the restart loop.
func (s *Service) serveOnce(ctx context.Context) error {
	cfg := s.cfg
	addr := cfg.addr()
	if strings.TrimSpace(cfg.Token) == "" && !isLoopbackAddr(addr) {
		s.log.Error("non-loopback status address requires auth_token", logx.String("addr", addr))
		return errInsecureBind
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:      s.Router(cfg.Token),
		ReadTimeout:  durOr(cfg.ReadTimeout, 10*time.Second),
		WriteTimeout: durOr(cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:  durOr(cfg.IdleTimeout, 60*time.Second),
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.ln = nil
		s.mu.Unlock()
	}()

	errc := make(chan error, 1)
	go func() {
		if cfg.scheme() == "https" {
			errc <- srv.ServeTLS(ln, cfg.CertFile, cfg.KeyFile)
		} else {
			errc <- srv.Serve(ln)
		}
	}()
	s.log.Info("status endpoint started",
		logx.String("url", cfg.scheme()+"://"+ln.Addr().String()),
		logx.Bool("token_set", cfg.Token != ""),
	)

	select {
	case err := <-errc:
		if ctx.Err() != nil {
			return nil
		}
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			err = errors.New("status server exited unexpectedly")
		}
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
		<-errc
		return nil
	}
}

func durOr(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}

// isLoopbackAddr is true only for localhost or a loopback IP. An empty
// host binds every interface.
func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
