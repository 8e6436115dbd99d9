package mqtt

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/septivank/iot-receiver/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"
)

type fakeToken struct {
	done chan struct{}
	err  error
}

func completedToken(err error) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func pendingToken() *fakeToken {
	return &fakeToken{done: make(chan struct{})}
}

func (t *fakeToken) Wait() bool {
	<-t.done
	return true
}

func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *fakeToken) Done() <-chan struct{} { return t.done }
func (t *fakeToken) Error() error          { return t.err }

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 7 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

// fakeClient mimics paho: OnConnect runs on its own goroutine after a
// successful connect
type fakeClient struct {
	mu          sync.Mutex
	opts        *paho.ClientOptions
	connected   bool
	connectErrs []error
	pending     bool
	connects    int
	disconnects []uint
	subscribed  []string
	qos         []byte
	callback    paho.MessageHandler
	subscribeCh chan struct{}
}

func newFakeClient(opts *paho.ClientOptions) *fakeClient {
	return &fakeClient{opts: opts, subscribeCh: make(chan struct{}, 16)}
}

func (c *fakeClient) Connect() paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
	if c.pending {
		return pendingToken()
	}
	if len(c.connectErrs) > 0 {
		err := c.connectErrs[0]
		c.connectErrs = c.connectErrs[1:]
		if err != nil {
			return completedToken(err)
		}
	}
	c.connected = true
	if c.opts.OnConnect != nil {
		go c.opts.OnConnect(nil)
	}
	return completedToken(nil)
}

func (c *fakeClient) Disconnect(quiesce uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.disconnects = append(c.disconnects, quiesce)
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token {
	c.mu.Lock()
	c.subscribed = append(c.subscribed, topic)
	c.qos = append(c.qos, qos)
	c.callback = callback
	c.mu.Unlock()
	c.subscribeCh <- struct{}{}
	return completedToken(nil)
}

// loseConnection simulates the transport dropping while the auto-reconnect
// still reports the client as connected
func (c *fakeClient) loseConnection(err error) {
	c.opts.OnConnectionLost(nil, err)
}

func (c *fakeClient) deliver(topic string, payload []byte) {
	c.mu.Lock()
	cb := c.callback
	c.mu.Unlock()
	cb(nil, fakeMessage{topic: topic, payload: payload})
}

func (c *fakeClient) waitSubscribed(t *testing.T) {
	t.Helper()
	select {
	case <-c.subscribeCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for subscribe")
	}
}

func testConfig() Config {
	return Config{
		BrokerURL:         "tcp://broker:1883",
		ClientIDPrefix:    "iot-receiver",
		Username:          "ingest",
		Password:          "secret",
		Topic:             "+/+/+/+/+",
		QoS:               1,
		KeepAlive:         60 * time.Second,
		ConnectTimeout:    200 * time.Millisecond,
		DisconnectTimeout: 10 * time.Second,
	}
}

type received struct {
	topic   string
	payload string
}

func newTestManager(t *testing.T, setup func(*fakeClient)) (*Manager, *fakeClient, *[]received) {
	t.Helper()
	var client *fakeClient
	var mu sync.Mutex
	msgs := &[]received{}

	handler := func(_ context.Context, topic string, payload []byte) {
		mu.Lock()
		defer mu.Unlock()
		*msgs = append(*msgs, received{topic: topic, payload: string(payload)})
	}

	m := NewManager(testConfig(), handler, metrics.New(), zap.NewNop(),
		WithClientFactory(func(opts *paho.ClientOptions) Client {
			client = newFakeClient(opts)
			if setup != nil {
				setup(client)
			}
			return client
		}),
		WithHostname(func() (string, error) { return "node-a", nil }),
		WithClock(func() time.Time { return time.UnixMilli(1767022245123) }),
	)
	require.NoError(t, m.Start(context.Background()))
	return m, client, msgs
}

func TestClientID(t *testing.T) {
	now := time.UnixMilli(1767022245123)

	id := ClientID("iot-receiver", func() (string, error) { return "node-a", nil }, now)
	assert.Equal(t, "iot-receiver-node-a-1767022245123", id)

	id = ClientID("iot-receiver", func() (string, error) { return "", errors.New("no hostname") }, now)
	assert.Equal(t, "iot-receiver-unknown-1767022245123", id)
}

func TestStart_ConfiguresSession(t *testing.T) {
	m, client, _ := newTestManager(t, nil)
	client.waitSubscribed(t)

	opts := client.opts
	assert.Equal(t, "iot-receiver-node-a-1767022245123", opts.ClientID)
	assert.Equal(t, "iot-receiver-node-a-1767022245123", m.ClientID())
	assert.False(t, opts.CleanSession)
	assert.True(t, opts.AutoReconnect)
	assert.Equal(t, int64(60), opts.KeepAlive)
	assert.Equal(t, 200*time.Millisecond, opts.ConnectTimeout)
	assert.Equal(t, "ingest", opts.Username)
	require.Len(t, opts.Servers, 1)
	assert.Equal(t, "broker:1883", opts.Servers[0].Host)

	assert.Equal(t, StateConnected, m.State())
	assert.Equal(t, []string{"+/+/+/+/+"}, client.subscribed)
	assert.Equal(t, []byte{1}, client.qos)
}

func TestStart_Twice(t *testing.T) {
	m, client, _ := newTestManager(t, nil)
	client.waitSubscribed(t)
	assert.Error(t, m.Start(context.Background()))
}

func TestStart_UnreachableIsNotFatal(t *testing.T) {
	m, client, _ := newTestManager(t, func(c *fakeClient) { c.pending = true })

	assert.Equal(t, StateConnecting, m.State())
	assert.Equal(t, 1, client.connects)
}

func TestStart_RejectedConnect(t *testing.T) {
	m, _, _ := newTestManager(t, func(c *fakeClient) {
		c.connectErrs = []error{errors.New("not authorized")}
	})
	assert.Eventually(t, func() bool {
		return m.State() == StateDisconnected
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStart_UnreachableBrokerDoesNotHoldUpStartup(t *testing.T) {
	cfg := testConfig()
	cfg.ConnectTimeout = 30 * time.Second

	m := NewManager(cfg, func(context.Context, string, []byte) {}, metrics.New(), zap.NewNop(),
		WithClientFactory(func(opts *paho.ClientOptions) Client {
			c := newFakeClient(opts)
			c.pending = true
			return c
		}),
	)
	app := fxtest.New(t, fx.Invoke(func(lc fx.Lifecycle) {
		lc.Append(fx.Hook{OnStart: m.Start, OnStop: m.Stop})
	}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	begin := time.Now()
	require.NoError(t, app.Start(ctx))
	assert.Less(t, time.Since(begin), time.Second)
	assert.Equal(t, StateConnecting, m.State())

	require.NoError(t, app.Stop(context.Background()))
	assert.Equal(t, StateDisconnected, m.State())
}

func TestMessages_DeliveredInOrder(t *testing.T) {
	_, client, msgs := newTestManager(t, nil)
	client.waitSubscribed(t)

	client.deliver("Colombia/Cundinamarca/Bogota/dev-01/alice", []byte(`{"temperature": 23.5}`))
	client.deliver("Colombia/Cundinamarca/Bogota/dev-01/alice", []byte(`{"temperature": 24}`))

	require.Len(t, *msgs, 2)
	assert.Equal(t, `{"temperature": 23.5}`, (*msgs)[0].payload)
	assert.Equal(t, `{"temperature": 24}`, (*msgs)[1].payload)
}

func TestConnectionLost_DisconnectsThenReconnects(t *testing.T) {
	m, client, _ := newTestManager(t, nil)
	client.waitSubscribed(t)

	// still reports connected, as paho does while auto-reconnecting
	client.loseConnection(errors.New("EOF"))
	client.waitSubscribed(t)

	assert.Equal(t, []uint{10000}, client.disconnects)
	assert.Equal(t, 2, client.connects)
	assert.Equal(t, StateConnected, m.State())
	assert.Len(t, client.subscribed, 2)
}

func TestConnectionLost_NoDisconnectWhenAlreadyDown(t *testing.T) {
	m, client, _ := newTestManager(t, nil)
	client.waitSubscribed(t)

	client.mu.Lock()
	client.connected = false
	client.mu.Unlock()

	client.loseConnection(errors.New("connection reset"))
	client.waitSubscribed(t)

	assert.Empty(t, client.disconnects)
	assert.Equal(t, StateConnected, m.State())
}

func TestConnectionLost_ReconnectFailureIsLogged(t *testing.T) {
	m, client, _ := newTestManager(t, nil)
	client.waitSubscribed(t)

	client.mu.Lock()
	client.connectErrs = []error{errors.New("network unreachable")}
	client.mu.Unlock()

	assert.NotPanics(t, func() { client.loseConnection(errors.New("EOF")) })
	assert.Equal(t, StateDisconnected, m.State())
}

func TestReconnect_SkippedWhileInProgress(t *testing.T) {
	m, client, _ := newTestManager(t, nil)
	client.waitSubscribed(t)

	m.reconnecting.Lock()
	client.loseConnection(errors.New("EOF"))
	m.reconnecting.Unlock()

	assert.Equal(t, 1, client.connects)
	assert.Equal(t, StateReconnectPending, m.State())
}

func TestStop(t *testing.T) {
	m, client, _ := newTestManager(t, nil)
	client.waitSubscribed(t)

	require.NoError(t, m.Stop(context.Background()))
	assert.Equal(t, StateDisconnected, m.State())
	assert.Equal(t, []uint{10000}, client.disconnects)

	// a late loss notification after shutdown must not reconnect
	client.loseConnection(errors.New("EOF"))
	assert.Equal(t, 1, client.connects)
}

func TestStateTransitions(t *testing.T) {
	assert.True(t, StateDisconnected.canTransition(StateConnecting))
	assert.True(t, StateConnecting.canTransition(StateConnected))
	assert.True(t, StateConnected.canTransition(StateReconnectPending))
	assert.True(t, StateReconnectPending.canTransition(StateConnecting))
	assert.False(t, StateConnected.canTransition(StateConnecting))
	assert.False(t, StateDisconnected.canTransition(StateReconnectPending))
	assert.Equal(t, "reconnect_pending", StateReconnectPending.String())
}
