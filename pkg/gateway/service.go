package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"chatbridge/pkg/bus"
	"chatbridge/pkg/channel"
	"chatbridge/pkg/config"
	"chatbridge/pkg/metrics"
)

const (
	defaultHealthHost      = "0.0.0.0"
	defaultHealthPort      = 18790
	defaultShutdownTimeout = 10 * time.Second
	eventBuffer            = 64
)

// ErrAdaptersStopped is returned by Run when every adapter stopped on its own.
var ErrAdaptersStopped = errors.New("all channel adapters stopped")

// Service runs the enabled adapters against one bus and hands inbound messages to a handler.
type Service struct {
	cfg      *config.Config
	log      *slog.Logger
	metrics  *metrics.Metrics
	handler  bus.MessageHandler
	channels []channel.Adapter

	shutdownTimeout time.Duration

	mu            sync.RWMutex
	startedAt     time.Time
	channelStates map[string]channelState
}

type channelState struct {
	Receiving         bool   `json:"receiving"`
	Sending           bool   `json:"sending"`
	Error             string `json:"error,omitempty"`
	LastDeliveryError string `json:"last_delivery_error,omitempty"`
}

func (s channelState) running() bool {
	return s.Receiving && s.Sending
}

type statusResponse struct {
	Status        string                  `json:"status"`
	UptimeSeconds int64                   `json:"uptime_seconds"`
	Channels      map[string]channelState `json:"channels"`
}

// NewService validates its inputs. m may be nil, which disables /metrics.
func NewService(cfg *config.Config, adapters []channel.Adapter, handler bus.MessageHandler, log *slog.Logger, m *metrics.Metrics) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if len(adapters) == 0 {
		return nil, errors.New("at least one channel adapter is required")
	}
	if handler == nil {
		return nil, errors.New("message handler is required")
	}
	if log == nil {
		log = slog.Default()
	}

	channelStates := make(map[string]channelState, len(adapters))
	for _, adapter := range adapters {
		if _, ok := channelStates[adapter.Name()]; ok {
			return nil, fmt.Errorf("duplicate channel adapter %q", adapter.Name())
		}
		channelStates[adapter.Name()] = channelState{}
	}

	return &Service{
		cfg:             cfg,
		log:             log.With("component", "gateway.service"),
		metrics:         m,
		handler:         handler,
		channels:        adapters,
		shutdownTimeout: defaultShutdownTimeout,
		channelStates:   channelStates,
	}, nil
}

// Run starts every adapter and dispatches inbound messages until ctx ends, the status
// server fails, or every adapter stopped. On the way out it stops the receivers, lets
// handlers finish the messages already dispatched, then asks each adapter to shut down
// behind their replies and waits for them.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	mb := bus.NewMessageBus()
	defer mb.Close()

	// Lifecycle events keep flowing during shutdown; the subscription ends with the bus.
	events, unsubscribe := mb.SubscribeEvents(context.WithoutCancel(ctx), eventBuffer)
	defer unsubscribe()

	tracked := make(chan struct{})
	go func() {
		defer close(tracked)
		for event := range events {
			s.applyEvent(event)
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	serverErrors := make(chan error, 1)
	go s.runHealthServer(runCtx, serverErrors)

	var started []channel.Adapter
	for _, adapter := range s.channels {
		if err := adapter.Start(runCtx, mb); err != nil {
			cancel()
			s.stopAdapters(started)
			return fmt.Errorf("start %s channel: %w", adapter.Name(), err)
		}
		started = append(started, adapter)
		s.log.Info("Channel started", "channel", adapter.Name())
	}

	// Handlers keep a live context through shutdown so replies to messages already
	// taken off the bus reach the adapters before Shutdown does.
	handleCtx, stopHandling := context.WithCancel(context.WithoutCancel(ctx))
	defer stopHandling()
	conversations := newConversationManager(handleCtx, s.handler, s.log)
	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		for {
			msg, ok := mb.ConsumeInbound(runCtx)
			if !ok {
				return
			}
			s.log.Debug("Dispatching message", "message_id", msg.ID, "adapter", msg.SourceAdapter, "channel", msg.Channel)
			if !conversations.Dispatch(runCtx, msg) {
				return
			}
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serverErrors:
		runErr = err
	case <-allDone(started):
		runErr = ErrAdaptersStopped
	}

	cancel()
	<-consumed
	s.drainConversations(conversations)
	stopHandling()
	s.stopAdapters(started)

	mb.Close()
	<-tracked

	return runErr
}

// drainConversations waits for queued and in-flight handlers, bounded by the shutdown timeout.
func (s *Service) drainConversations(conversations *conversationManager) {
	drainCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	if !conversations.Close(drainCtx) {
		s.log.Warn("Timed out waiting for message handlers", "timeout", s.shutdownTimeout)
	}
}

// stopAdapters enqueues Shutdown on each adapter and waits for them to finish.
func (s *Service) stopAdapters(adapters []channel.Adapter) {
	if len(adapters) == 0 {
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	for _, adapter := range adapters {
		if err := adapter.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("Failed to shut down channel", "channel", adapter.Name(), "error", err)
		}
	}

	select {
	case <-allDone(adapters):
		s.log.Info("Channels stopped")
	case <-shutdownCtx.Done():
		s.log.Warn("Timed out waiting for channels to stop", "timeout", s.shutdownTimeout)
	}
}

func allDone(adapters []channel.Adapter) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, adapter := range adapters {
			<-adapter.Done()
		}
	}()

	return done
}

func (s *Service) applyEvent(event bus.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.channelStates[event.Adapter]
	if !ok {
		return
	}

	switch event.Type {
	case bus.EventAdapterStarted:
		state = channelState{Receiving: true, Sending: true}
	case bus.EventReceiverStopped:
		state.Receiving = false
	case bus.EventSenderStopped:
		state.Sending = false
	case bus.EventDeliveryFailed:
		state.LastDeliveryError = event.Error
	}
	if event.Fatal() {
		state.Error = event.Error
		s.log.Error("Channel unit failed", "channel", event.Adapter, "event", event.Type, "error", event.Error)
	}

	s.channelStates[event.Adapter] = state
}

func (s *Service) runHealthServer(ctx context.Context, errCh chan<- error) {
	host := strings.TrimSpace(s.cfg.Gateway.Host)
	if host == "" {
		host = defaultHealthHost
	}

	port := s.cfg.Gateway.Port
	if port <= 0 {
		port = defaultHealthPort
	}

	addr := host + ":" + strconv.Itoa(port)
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.log.Info("Gateway status server started", "address", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("start status server: %w", err)
	}
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondStatus(w, http.StatusOK, "ok")
}

func (s *Service) handleReady(w http.ResponseWriter, _ *http.Request) {
	statusCode := http.StatusOK
	status := "ready"
	if !s.isReady() {
		statusCode = http.StatusServiceUnavailable
		status = "not_ready"
	}

	s.respondStatus(w, statusCode, status)
}

func (s *Service) respondStatus(w http.ResponseWriter, statusCode int, status string) {
	payload := s.currentStatus(status)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("Failed to write status response", "error", err)
	}
}

func (s *Service) currentStatus(status string) statusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	uptime := int64(0)
	if !s.startedAt.IsZero() {
		uptime = int64(time.Since(s.startedAt).Seconds())
	}

	channels := make(map[string]channelState, len(s.channelStates))
	for name, state := range s.channelStates {
		channels[name] = state
	}

	return statusResponse{
		Status:        status,
		UptimeSeconds: uptime,
		Channels:      channels,
	}
}

// isReady reports whether at least one adapter can both receive and reply.
func (s *Service) isReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, state := range s.channelStates {
		if state.running() {
			return true
		}
	}

	return false
}
