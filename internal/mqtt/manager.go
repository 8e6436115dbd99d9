// Package mqtt maintains the receiver's broker session: it connects with a
// pinned CA, subscribes on every (re)connect and hands each inbound message
// to the processor on the delivery goroutine.
package mqtt

import (
	"context"
	"crypto/tls"
	"os"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/septivank/iot-receiver/internal/errs"
	"github.com/septivank/iot-receiver/internal/metrics"
	"go.uber.org/zap"
)

// Client is the subset of paho.Client the manager drives
type Client interface {
	Connect() paho.Token
	Disconnect(quiesce uint)
	IsConnected() bool
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
}

// ClientFactory builds a client from options
type ClientFactory func(opts *paho.ClientOptions) Client

// MessageHandler receives every inbound message. It must not retain payload.
type MessageHandler func(ctx context.Context, topic string, payload []byte)

// Config holds broker session settings
type Config struct {
	BrokerURL         string
	ClientIDPrefix    string
	Username          string
	Password          string
	Topic             string
	QoS               byte
	KeepAlive         time.Duration
	ConnectTimeout    time.Duration
	DisconnectTimeout time.Duration
	TLS               *tls.Config
}

// Manager owns the broker client handle
type Manager struct {
	cfg       Config
	handler   MessageHandler
	newClient ClientFactory
	hostname  func() (string, error)
	now       func() time.Time
	metrics   *metrics.Metrics
	logger    *zap.Logger

	// mu guards client; connect, subscribe and disconnect run under it
	mu       sync.Mutex
	client   Client
	clientID string

	// reconnecting is held for the duration of one reconnect procedure
	reconnecting sync.Mutex

	stateMu sync.RWMutex
	state   State

	stopped atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// Option configures a Manager
type Option func(*Manager)

// WithClientFactory replaces the paho client constructor
func WithClientFactory(f ClientFactory) Option {
	return func(m *Manager) {
		m.newClient = f
	}
}

// WithHostname replaces hostname resolution for the client id
func WithHostname(f func() (string, error)) Option {
	return func(m *Manager) {
		m.hostname = f
	}
}

// WithClock replaces the clock used for the client id
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a manager. Nothing is dialled until Start.
func NewManager(cfg Config, handler MessageHandler, m *metrics.Metrics, logger *zap.Logger, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	mgr := &Manager{
		cfg:     cfg,
		handler: handler,
		newClient: func(o *paho.ClientOptions) Client {
			return paho.NewClient(o)
		},
		hostname: os.Hostname,
		now:      time.Now,
		metrics:  m,
		logger:   logger.With(zap.String("broker", cfg.BrokerURL)),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(mgr)
	}
	return mgr
}

// State returns the current session state
func (m *Manager) State() State {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.state
}

// ClientID returns the id of the current session, empty before Start
func (m *Manager) ClientID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clientID
}

func (m *Manager) setState(to State) {
	m.stateMu.Lock()
	from := m.state
	if from == to {
		m.stateMu.Unlock()
		return
	}
	if !from.canTransition(to) {
		m.stateMu.Unlock()
		m.logger.Debug("ignoring session state transition",
			zap.Stringer("from", from),
			zap.Stringer("to", to),
		)
		return
	}
	m.state = to
	m.stateMu.Unlock()

	m.metrics.ConnectionState(int(to))
	m.logger.Debug("session state changed",
		zap.Stringer("from", from),
		zap.Stringer("to", to),
	)
}

func (m *Manager) clientOptions() *paho.ClientOptions {
	opts := paho.NewClientOptions().
		AddBroker(m.cfg.BrokerURL).
		SetClientID(m.clientID).
		SetUsername(m.cfg.Username).
		SetPassword(m.cfg.Password).
		SetCleanSession(false).
		SetKeepAlive(m.cfg.KeepAlive).
		SetConnectTimeout(m.cfg.ConnectTimeout).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetOrderMatters(true).
		SetOnConnectHandler(m.onConnect).
		SetConnectionLostHandler(m.onConnectionLost).
		SetReconnectingHandler(func(paho.Client, *paho.ClientOptions) {
			m.logger.Info("transport reconnecting")
		})
	if m.cfg.TLS != nil {
		opts.SetTLSConfig(m.cfg.TLS)
	}
	return opts
}

// Start fires the initial connect and returns without waiting for it. The
// subscription is made from the connect callback. A broker that is
// unreachable at startup is not fatal: the client keeps retrying in the
// background.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client != nil {
		return errs.Errorf(errs.KindConnection, "start broker session", "already started")
	}

	m.clientID = ClientID(m.cfg.ClientIDPrefix, m.hostname, m.now())
	m.client = m.newClient(m.clientOptions())
	m.logger.Info("connecting to broker",
		zap.String("client_id", m.clientID),
		zap.String("topic", m.cfg.Topic),
		zap.Bool("tls", m.cfg.TLS != nil),
	)

	m.setState(StateConnecting)
	go m.awaitConnect(m.client.Connect())
	return nil
}

// awaitConnect reports the outcome of the initial connect. With connect retry
// on, the token only completes once the broker answers or the client stops.
func (m *Manager) awaitConnect(token paho.Token) {
	timer := time.NewTimer(m.cfg.ConnectTimeout)
	defer timer.Stop()

	select {
	case <-token.Done():
	case <-m.ctx.Done():
		return
	case <-timer.C:
		m.logger.Warn("broker not reachable yet, transport keeps retrying",
			zap.Duration("waited", m.cfg.ConnectTimeout),
		)
		select {
		case <-token.Done():
		case <-m.ctx.Done():
			return
		}
	}

	if err := token.Error(); err != nil {
		m.setState(StateDisconnected)
		m.logger.Error("initial broker connection failed", zap.Error(err))
	}
}

// connectLocked runs one bounded connect. Callers hold mu.
func (m *Manager) connectLocked() error {
	m.setState(StateConnecting)
	token := m.client.Connect()
	if !token.WaitTimeout(m.cfg.ConnectTimeout) {
		return errs.Errorf(errs.KindConnection, "connect", "no CONNACK within %s", m.cfg.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		m.setState(StateDisconnected)
		return errs.E(errs.KindConnection, "connect", err)
	}
	m.setState(StateConnected)
	return nil
}

// onConnect runs after every successful (re)connect
func (m *Manager) onConnect(paho.Client) {
	m.logger.Info("broker connected", zap.String("client_id", m.ClientID()))
	m.setState(StateConnected)

	if err := m.subscribe(); err != nil {
		m.logger.Error("subscribe failed", zap.Error(err), zap.String("topic", m.cfg.Topic))
	}
}

func (m *Manager) subscribe() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client == nil {
		return errs.Errorf(errs.KindConnection, "subscribe", "no client")
	}

	token := m.client.Subscribe(m.cfg.Topic, m.cfg.QoS, m.onMessage)
	if !token.WaitTimeout(m.cfg.ConnectTimeout) {
		return errs.Errorf(errs.KindConnection, "subscribe", "no SUBACK within %s", m.cfg.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return errs.E(errs.KindConnection, "subscribe", err)
	}

	m.logger.Info("subscribed",
		zap.String("topic", m.cfg.Topic),
		zap.Uint8("qos", m.cfg.QoS),
	)
	return nil
}

// onMessage is called on the delivery goroutine, one message at a time.
// The broker is acknowledged once it returns.
func (m *Manager) onMessage(_ paho.Client, msg paho.Message) {
	m.handler(m.ctx, msg.Topic(), msg.Payload())
	m.logger.Debug("delivery complete",
		zap.String("topic", msg.Topic()),
		zap.Uint16("message_id", msg.MessageID()),
		zap.Uint8("qos", msg.Qos()),
	)
}

func (m *Manager) onConnectionLost(_ paho.Client, cause error) {
	m.logger.Warn("broker connection lost", zap.Error(cause))
	if m.stopped.Load() {
		return
	}
	m.setState(StateReconnectPending)
	m.reconnect()
}

// reconnect tears down a dangling session and connects again with the same
// options. Failures are logged; the transport's auto-reconnect is the backstop.
func (m *Manager) reconnect() {
	if !m.reconnecting.TryLock() {
		m.logger.Debug("reconnect already in progress, skipping")
		return
	}
	defer m.reconnecting.Unlock()

	m.metrics.Reconnect()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped.Load() || m.client == nil {
		return
	}

	if m.client.IsConnected() {
		m.logger.Info("client still reports connected, disconnecting before reconnect",
			zap.Duration("wait", m.cfg.DisconnectTimeout),
		)
		m.client.Disconnect(uint(m.cfg.DisconnectTimeout.Milliseconds()))
	}

	if err := m.connectLocked(); err != nil {
		m.logger.Error("reconnect failed", zap.Error(err))
		return
	}
	m.logger.Info("reconnected", zap.String("client_id", m.clientID))
}

// Stop disconnects, waiting at most the disconnect timeout for in-flight work
func (m *Manager) Stop(ctx context.Context) error {
	m.stopped.Store(true)
	m.cancel()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client == nil {
		return nil
	}
	if m.client.IsConnected() {
		m.client.Disconnect(uint(m.cfg.DisconnectTimeout.Milliseconds()))
	}
	m.setState(StateDisconnected)
	m.logger.Info("broker session closed", zap.String("client_id", m.clientID))
	return nil
}

