// Package supervisor wires every component into a running service and
// owns its lifecycle: connect, subscribe, dispatch, and a clean,
// signal-driven shutdown. Grounded on cmd/thane/main.go's runServe
// startup/shutdown sequencing, generalized from one agent process to
// the router's broker-centric component set.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tars-project/router-core/internal/broker"
	"github.com/tars-project/router-core/internal/config"
	"github.com/tars-project/router-core/internal/dispatcher"
	"github.com/tars-project/router-core/internal/envelope"
	"github.com/tars-project/router-core/internal/health"
	"github.com/tars-project/router-core/internal/metrics"
	"github.com/tars-project/router-core/internal/policy"
	"github.com/tars-project/router-core/internal/stream"
	"github.com/tars-project/router-core/internal/wake"
)

const healthTopic = "system/health/router"

// Supervisor wires config, broker, dispatcher, health registry,
// wake-state machine, stream assembler, and policy engine together,
// and owns their combined startup and shutdown.
type Supervisor struct {
	cfg    *config.Config
	logger *slog.Logger

	metrics    *metrics.Metrics
	metricsSrv *http.Server

	broker     *broker.Client
	dispatcher *dispatcher.Dispatcher
	registry   *health.Registry
	machine    *wake.Machine
	assembler  *stream.Assembler
	engine     *policy.Engine

	mu      sync.Mutex
	current string // correlation id of the in-flight LLM response, if any
}

// New constructs a Supervisor from configuration. It performs no I/O;
// call Run to connect and serve.
func New(cfg *config.Config, logger *slog.Logger, rules policy.RuleSet) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	m := metrics.New()

	s := &Supervisor{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		registry: health.New(logger.With("component", "health"), cfg.HealthStale()),
		machine: wake.New(wake.Config{
			AlwaysListen:    cfg.WakeAlwaysListen,
			IdleTimeout:     cfg.WakeIdleTimeout(),
			InterruptWindow: cfg.WakeInterruptWindow(),
			OnStateChange:   func(st wake.State) { m.WakeSessionState.Set(float64(st)) },
		}, logger.With("component", "wake")),
		engine: policy.New(policy.Config{
			MinLengthChars:  cfg.PolicyMinLengthChars,
			LLMFallbackText: cfg.TTSFallbackText,
		}, rules),
	}

	s.registry.SetChangeHook(func(service string, ok bool) {
		m.ServiceHealth.WithLabelValues(service).Set(boolToFloat(ok))
	})

	s.assembler = stream.New(stream.Config{
		MinChunk:      cfg.StreamMin,
		MaxChunk:      cfg.StreamMax,
		BoundaryAware: cfg.StreamBoundary,
		QueueMax:      cfg.StreamQueueMax,
		Overflow:      stream.OverflowPolicy(cfg.StreamOverflow),
		FlushInterval: cfg.StreamFlushInterval(),
	}, &ttsSink{s: s}, logger.With("component", "stream"), m)

	s.dispatcher = dispatcher.New(logger.With("component", "dispatcher"), m, cfg.HandlerTimeout(), cfg.DedupTTL(), cfg.DedupMax)
	s.bindHandlers()

	lostPayload, _, _ := envelope.Encode(envelope.TypeHealthStatus, envelope.HealthStatus{OK: false, Event: "lost"}, "")

	s.broker = broker.New(broker.Config{
		URL:          cfg.MQTTURL,
		ClientID:     cfg.ClientID,
		WillTopic:    healthTopic,
		WillPayload:  lostPayload,
		WillQoS:      1,
		WillRetain:   true,
		Subscriptions: coreSubscriptions(),
		OnConnect:    s.onConnect,
	}, logger.With("component", "broker"), m.BrokerReconnects)
	s.broker.SetHandler(func(topic string, payload []byte) {
		if envelope.TopicMatches("system/health/+", topic) {
			s.dispatchHealthDirect(topic, payload)
			return
		}
		s.dispatcher.Dispatch(topic, payload, s.broker)
	})

	return s
}

func coreSubscriptions() []broker.Subscription {
	return []broker.Subscription{
		{Topic: "stt/final", QoS: 1},
		{Topic: "stt/partial", QoS: 0},
		{Topic: "wake/event", QoS: 1},
		{Topic: "llm/response", QoS: 1},
		{Topic: "llm/stream", QoS: 1},
		{Topic: "llm/cancel", QoS: 1},
		{Topic: "tts/status", QoS: 1},
		{Topic: "system/health/+", QoS: 1},
	}
}

// onConnect runs after every (re-)connect, once subscriptions are
// active: publish the "starting" then "ready" health lifecycle, as
// spec section 4.9 describes.
func (s *Supervisor) onConnect(ctx context.Context, c *broker.Client) {
	s.publishHealth(ctx, true, "starting")
	s.publishHealth(ctx, true, "ready")
}

func (s *Supervisor) publishHealth(ctx context.Context, ok bool, event string) {
	payload, _, err := envelope.Encode(envelope.TypeHealthStatus, envelope.HealthStatus{OK: ok, Event: event}, "")
	if err != nil {
		s.logger.Error("supervisor: encode health status", "error", err)
		return
	}
	if err := s.publish(ctx, healthTopic, payload, 1, true); err != nil {
		s.logger.Error("supervisor: publish health status", "event", event, "error", err)
	}
}

// publish wraps broker.Client.Publish with a Publishes{topic,result}
// observation, so every outbound publish anywhere in the supervisor
// is counted the same way regardless of call site.
func (s *Supervisor) publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	err := s.broker.Publish(ctx, topic, payload, qos, retain)
	if s.metrics != nil {
		result := "ok"
		if err != nil {
			result = "error"
		}
		s.metrics.Publishes.WithLabelValues(topic, result).Inc()
	}
	return err
}

func boolToFloat(ok bool) float64 {
	if ok {
		return 1
	}
	return 0
}

// Run connects the broker, starts the metrics listener and background
// loops, and blocks until ctx is cancelled or an unrecoverable error
// occurs.
func (s *Supervisor) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.startMetricsServer()
	defer s.stopMetricsServer()

	stop := make(chan struct{})
	go s.registry.Run(stop, s.cfg.HealthStale()/2)
	defer close(stop)

	go s.machine.Run(runCtx)
	go s.runActions(runCtx)

	if err := s.broker.Start(runCtx); err != nil {
		if runCtx.Err() == nil {
			return fmt.Errorf("supervisor: %w", err)
		}
	}
	return nil
}

// Shutdown performs the ordered shutdown sequence: stop accepting new
// work, cancel active streams, publish the retained shutdown health
// record, then close the broker.
func (s *Supervisor) Shutdown(ctx context.Context) {
	stopCtx, cancel := context.WithTimeout(ctx, s.cfg.HandlerTimeout())
	defer cancel()
	s.dispatcher.Stop(stopCtx)

	s.assembler.CancelAll()
	s.publishHealth(ctx, false, "shutdown")
	if err := s.broker.Disconnect(ctx); err != nil {
		s.logger.Warn("supervisor: broker disconnect", "error", err)
	}
}

func (s *Supervisor) startMetricsServer() {
	addr := fmt.Sprintf("%s:%d", s.cfg.MetricsAddr, s.cfg.MetricsPort)
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.Handler())
	s.metricsSrv = &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := s.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("supervisor: metrics server failed", "error", err)
		}
	}()
	s.logger.Info("metrics listening", "addr", addr)
}

func (s *Supervisor) stopMetricsServer() {
	if s.metricsSrv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.metricsSrv.Shutdown(ctx)
}

// runActions executes the side effects the wake-state machine
// requests: mic mute/unmute publishes, and response cancellation.
func (s *Supervisor) runActions(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case a, ok := <-s.machine.Actions():
			if !ok {
				return
			}
			s.handleAction(ctx, a)
		}
	}
}

func (s *Supervisor) handleAction(ctx context.Context, a wake.Action) {
	switch a.Kind {
	case wake.ActionMicUnmute:
		s.publishWakeMic(ctx, envelope.WakeMicUnmute, s.cfg.WakeIdleTimeoutSec*1000)
	case wake.ActionMicMute:
		s.publishWakeMic(ctx, envelope.WakeMicMute, 0)
	case wake.ActionCancelResponse:
		s.cancelActiveResponse(ctx)
	}
}

func (s *Supervisor) publishWakeMic(ctx context.Context, action envelope.WakeMicAction, ttlMs int) {
	payload, _, err := envelope.Encode(envelope.TypeWakeMic, envelope.WakeMic{Action: action, TTLMs: ttlMs}, "")
	if err != nil {
		s.logger.Error("supervisor: encode wake.mic", "error", err)
		return
	}
	if err := s.publish(ctx, "wake/mic", payload, 1, false); err != nil {
		s.logger.Warn("supervisor: publish wake.mic", "error", err)
	}
}

func (s *Supervisor) cancelActiveResponse(ctx context.Context) {
	correlate := s.activeCorrelate()
	if correlate == "" {
		return
	}
	if s.assembler.Cancel(correlate) {
		s.publishTTSControlStop(ctx, correlate)
	}
	payload, _, err := envelope.Encode(envelope.TypeLLMCancel, envelope.LLMCancel{Reason: "wake-interrupt"}, correlate)
	if err == nil {
		_ = s.publish(ctx, "llm/cancel", payload, 1, false)
	}
	s.setActiveCorrelate("")
}

func (s *Supervisor) publishTTSControlStop(ctx context.Context, correlate string) {
	payload, _, err := envelope.Encode(envelope.TypeTTSControl, envelope.TTSControl{Action: envelope.TTSControlStop}, correlate)
	if err != nil {
		s.logger.Error("supervisor: encode tts.control", "error", err)
		return
	}
	if err := s.publish(ctx, "tts/control", payload, 1, false); err != nil {
		s.logger.Warn("supervisor: publish tts.control stop", "error", err)
	}
}

func (s *Supervisor) activeCorrelate() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Supervisor) setActiveCorrelate(correlate string) {
	s.mu.Lock()
	s.current = correlate
	s.mu.Unlock()
}

// serviceFromHealthTopic extracts <service> from system/health/<service>.
func serviceFromHealthTopic(topic string) string {
	const prefix = "system/health/"
	if !strings.HasPrefix(topic, prefix) {
		return ""
	}
	return strings.TrimPrefix(topic, prefix)
}
