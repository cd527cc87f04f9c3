package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel"

	"github.com/vango-go/vai-dialer/pkg/calling/backend"
	"github.com/vango-go/vai-dialer/pkg/calling/config"
	"github.com/vango-go/vai-dialer/pkg/calling/metrics"
	"github.com/vango-go/vai-dialer/pkg/calling/protocol"
	"github.com/vango-go/vai-dialer/pkg/calling/session"
	"github.com/vango-go/vai-dialer/pkg/calling/transcript"
	"github.com/vango-go/vai-dialer/pkg/calling/transport"
	"github.com/vango-go/vai-dialer/pkg/calling/types"
)

type dialerOptions struct {
	number      string
	script      string
	agentID     string
	leadName    string
	leadCompany string
	duration    time.Duration
}

type dialerDeps struct {
	loadConfig   func() (config.Config, error)
	newBackend   func(config.Config, *slog.Logger) session.Backend
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultDialerDeps() dialerDeps {
	return dialerDeps{
		loadConfig: config.LoadFromEnv,
		newBackend: newBackend,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

// newBackend returns the REST client, or the local stand-in when no backend
// URL is configured.
func newBackend(cfg config.Config, logger *slog.Logger) session.Backend {
	if cfg.Simulated() {
		return backend.NewSimulated()
	}
	return backend.New(cfg.BackendURL,
		backend.WithAPIKey(cfg.APIKey),
		backend.WithRequestTimeout(cfg.RequestTimeout),
		backend.WithLogger(logger),
		backend.WithTracer(otel.Tracer("github.com/vango-go/vai-dialer")),
	)
}

func buildMetricsServer(addr string, handler http.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func sessionOptions(cfg config.Config, logger *slog.Logger, reg *metrics.Metrics, be session.Backend, obs session.Observer) session.Options {
	return session.Options{
		Backend: be,
		LiveTransport: transport.LiveFactory(transport.LiveOptions{
			HandshakeTimeout: cfg.WSHandshakeTimeout,
			WriteTimeout:     cfg.WSWriteTimeout,
			PingInterval:     cfg.WSPingInterval,
			MaxMessageBytes:  cfg.WSMaxMessageBytes,
			Logger:           logger,
			OnDecodeError:    func(error) { reg.RecordDroppedFrame() },
		}),
		SimulatedTransport: transport.SimulatedFactory(transport.SimulatedOptions{
			ConnectDelay:     cfg.SimConnectDelay,
			SpeakingInterval: cfg.SimSpeakingInterval,
			Logger:           logger,
		}),
		AgentID:              cfg.AgentID,
		ReconnectMaxAttempts: cfg.ReconnectMaxAttempts,
		ReconnectStep:        cfg.ReconnectStep,
		RequestTimeout:       cfg.RequestTimeout,
		Observer:             obs,
		Logger:               logger,
		Metrics:              reg,
	}
}

func (o dialerOptions) lead() *types.Lead {
	if o.leadName == "" && o.leadCompany == "" && o.number == "" {
		return nil
	}
	return &types.Lead{Name: o.leadName, Company: o.leadCompany, Phone: o.number}
}

func runDialer(ctx context.Context, cfg config.Config, logger *slog.Logger, out io.Writer, opt dialerOptions, deps dialerDeps) error {
	if deps.newBackend == nil {
		return errors.New("missing newBackend dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if out == nil {
		out = io.Discard
	}

	reg := metrics.New("vai_dialer")
	if cfg.MetricsAddr != "" {
		srv := buildMetricsServer(cfg.MetricsAddr, reg.Handler())
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "addr", cfg.MetricsAddr, "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		logger.Info("serving metrics", "addr", cfg.MetricsAddr)
	}

	var (
		outMu   sync.Mutex
		errMu   sync.Mutex
		lastErr error
	)
	printf := func(format string, args ...any) {
		outMu.Lock()
		defer outMu.Unlock()
		fmt.Fprintf(out, format, args...)
	}
	connected := make(chan struct{}, 1)
	disconnected := make(chan struct{}, 1)

	obs := session.Observer{
		OnStatus: func(s session.Status) { printf("status: %s\n", s) },
		OnConnect: func() {
			select {
			case connected <- struct{}{}:
			default:
			}
		},
		OnDisconnect: func() {
			select {
			case disconnected <- struct{}{}:
			default:
			}
		},
		OnTranscript: func(e transcript.Entry) { printf("[%6dms] %s: %s\n", e.TimestampMS, e.Role, e.Text) },
		OnMessage: func(msg protocol.Message) {
			if msg.Type == protocol.TypeCallAnswered {
				printf("call answered\n")
			}
		},
		OnSpeaking: func(speaking bool) { logger.Debug("agent speaking", "speaking", speaking) },
		OnError: func(err error) {
			errMu.Lock()
			lastErr = err
			errMu.Unlock()
			printf("error: %v\n", err)
		},
	}

	be := deps.newBackend(cfg, logger)
	m := session.New(sessionOptions(cfg, logger, reg, be, obs))
	defer m.Dispose()
	ctrl := session.NewController(m)

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	if err := m.StartSession(session.StartOptions{AgentID: opt.agentID, Script: opt.script, Lead: opt.lead()}); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	logger.Info("calling session starting", "simulated", cfg.Simulated())

	var deadline <-chan time.Time
	if opt.duration > 0 {
		timer := time.NewTimer(opt.duration)
		defer timer.Stop()
		deadline = timer.C
	}

	placed := false
	for {
		select {
		case <-connected:
			if placed || opt.number == "" {
				continue
			}
			placed = true
			call, err := ctrl.InitiateCall(ctx, opt.number, opt.lead())
			if err != nil {
				_ = m.EndSession()
				return fmt.Errorf("initiate call: %w", err)
			}
			printf("call placed: %s -> %s (%s)\n", call.ID, call.DestinationNumber, call.Status)

		case <-disconnected:
			errMu.Lock()
			err := lastErr
			errMu.Unlock()
			return err

		case <-deadline:
			logger.Info("session duration elapsed", "duration", opt.duration)
			return hangupAndEnd(ctx, m, ctrl)

		case sig := <-sigCh:
			logger.Info("shutdown signal received", "signal", sig.String())
			return hangupAndEnd(ctx, m, ctrl)

		case <-ctx.Done():
			_ = m.EndSession()
			return ctx.Err()
		}
	}
}

func hangupAndEnd(ctx context.Context, m *session.Manager, ctrl *session.Controller) error {
	if err := ctrl.HangupCall(ctx); err != nil {
		_ = m.EndSession()
		return fmt.Errorf("hangup call: %w", err)
	}
	return m.EndSession()
}

func parseFlags(args []string, stderr io.Writer) (dialerOptions, error) {
	var opt dialerOptions
	fs := flag.NewFlagSet("vai-dialer", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opt.number, "call", "", "Destination number to dial once the session connects (optional)")
	fs.StringVar(&opt.script, "script", "", "Call script forwarded to the backend (optional)")
	fs.StringVar(&opt.agentID, "agent-id", "", "Agent ID (optional; defaults to VAI_DIALER_AGENT_ID)")
	fs.StringVar(&opt.leadName, "lead-name", "", "Lead name forwarded with the session and call (optional)")
	fs.StringVar(&opt.leadCompany, "lead-company", "", "Lead company forwarded with the session and call (optional)")
	fs.DurationVar(&opt.duration, "duration", 0, "Hang up and end the session after this long (default: run until interrupted)")
	if err := fs.Parse(args); err != nil {
		return dialerOptions{}, err
	}
	if fs.NArg() > 0 {
		return dialerOptions{}, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	if opt.duration < 0 {
		return dialerOptions{}, errors.New("-duration must be >= 0")
	}
	opt.number = strings.TrimSpace(opt.number)
	return opt, nil
}

func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps dialerDeps) int {
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}

	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(stderr, "vai-dialer: load .env: %v\n", err)
		return 1
	}

	opt, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "vai-dialer: %v\n", err)
		return 2
	}

	if deps.loadConfig == nil {
		fmt.Fprintf(stderr, "vai-dialer: missing loadConfig dependency\n")
		return 1
	}
	cfg, err := deps.loadConfig()
	if err != nil {
		fmt.Fprintf(stderr, "vai-dialer: load config: %v\n", err)
		return 1
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))

	if err := runDialer(ctx, cfg, logger, stdout, opt, deps); err != nil {
		fmt.Fprintf(stderr, "vai-dialer: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stdout, os.Stderr, defaultDialerDeps()))
}
