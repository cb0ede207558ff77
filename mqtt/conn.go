// Package mqtt is the uplink transport. Conn wraps a single broker session
// with explicit connection state and bounded reconnect backoff.
package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"math/rand"
	"net/url"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/jpillora/backoff"
	"github.com/juju/errors"
	"github.com/rs/zerolog"
	"github.com/temoto/alive/v2"
)

const (
	DefaultNetworkTimeout  = 30 * time.Second
	DefaultReconnectBase   = 1 * time.Second
	DefaultReconnectMax    = 5 * time.Minute
	DefaultReconnectJitter = 500 * time.Millisecond
	DefaultMaxInflight     = 10

	disconnectQuiesce = 250 // milliseconds given to paho for a clean DISCONNECT
)

// Publish failure classes. Callers decide retry policy from these, the
// message itself stays in the durable queue either way.
var (
	ErrNotConnected = fmt.Errorf("mqtt: not connected")
	ErrMaxInflight  = fmt.Errorf("mqtt: inflight limit reached")
	ErrClosing      = fmt.Errorf("mqtt: conn is closing")
)

type PublishClass uint8

const (
	PublishOK PublishClass = iota
	PublishNotConnected
	PublishMaxInflight
	PublishTimeout
	PublishUnknown
)

func (pc PublishClass) String() string {
	switch pc {
	case PublishOK:
		return "ok"
	case PublishNotConnected:
		return "not-connected"
	case PublishMaxInflight:
		return "max-inflight"
	case PublishTimeout:
		return "timeout"
	}
	return "unknown"
}

// ClassifyPublish maps a Publish() error to its failure class.
func ClassifyPublish(err error) PublishClass {
	switch {
	case err == nil:
		return PublishOK
	case errors.Cause(err) == ErrNotConnected || errors.Cause(err) == ErrClosing:
		return PublishNotConnected
	case errors.Cause(err) == ErrMaxInflight:
		return PublishMaxInflight
	case errors.IsTimeout(err):
		return PublishTimeout
	}
	return PublishUnknown
}

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	}
	return fmt.Sprintf("invalid:%d", int32(s))
}

type Options struct {
	BrokerURL       string
	TLS             *tls.Config
	ClientID        string
	Username        string
	Password        string
	KeepaliveSec    int
	NetworkTimeout  time.Duration
	ReconnectBase   time.Duration
	ReconnectMax    time.Duration
	ReconnectCapExp int // caps the exponent: delay never exceeds Base<<CapExp
	ReconnectJitter time.Duration
	MaxInflight     int
	StatusTopic     string   // presence topic, 0x01 retained online / 0x00 will
	Subscriptions   []string // subscribed QOS 1 after every (re)connect
	OnMessage       func(topic string, payload []byte)
	Log             zerolog.Logger
}

// Conn is a device-side MQTT session:
// - NewConn() returns only configuration errors, network IO is in background
// - clean session, QOS 0,1 only
// - unlimited reconnect attempts with capped backoff until Close()
// - Publish while offline fails fast with ErrNotConnected, no buffering here;
//   durable retry belongs to the storage queue
type Conn struct { //nolint:maligned
	alive    *alive.Alive
	opt      Options
	log      zerolog.Logger
	paho     paho.Client
	state    int32
	started  uint32
	inflight int32
	lostch   chan error
}

func NewConn(opt Options) (*Conn, error) {
	u, err := url.Parse(opt.BrokerURL)
	if err != nil {
		return nil, errors.Annotatef(err, "config error mqtt BrokerURL=%s", opt.BrokerURL)
	}
	switch u.Scheme {
	case "tcp", "ssl", "tls", "ws", "wss":
	default:
		return nil, errors.NotValidf("config error mqtt BrokerURL=%s scheme", opt.BrokerURL)
	}
	if opt.NetworkTimeout == 0 {
		opt.NetworkTimeout = DefaultNetworkTimeout
	}
	if opt.ReconnectBase == 0 {
		opt.ReconnectBase = DefaultReconnectBase
	}
	if opt.ReconnectMax == 0 {
		opt.ReconnectMax = DefaultReconnectMax
	}
	if opt.MaxInflight == 0 {
		opt.MaxInflight = DefaultMaxInflight
	}
	if e := opt.ReconnectCapExp; e > 0 && e < 32 {
		if capped := opt.ReconnectBase << uint(e); capped > 0 && capped < opt.ReconnectMax {
			opt.ReconnectMax = capped
		}
	}
	if opt.ClientID == "" {
		opt.ClientID = opt.Username
	}
	if opt.ClientID == "" {
		return nil, errors.NotValidf("config error mqtt ClientID empty")
	}

	c := &Conn{
		alive:  alive.NewAlive(),
		opt:    opt,
		log:    opt.Log.With().Str("comp", "mqtt").Logger(),
		lostch: make(chan error, 1),
	}

	po := paho.NewClientOptions().
		AddBroker(opt.BrokerURL).
		SetClientID(opt.ClientID).
		SetUsername(opt.Username).
		SetPassword(opt.Password).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOrderMatters(false).
		SetKeepAlive(time.Duration(opt.KeepaliveSec) * time.Second).
		SetPingTimeout(opt.NetworkTimeout).
		SetConnectTimeout(opt.NetworkTimeout).
		SetWriteTimeout(opt.NetworkTimeout).
		SetTLSConfig(opt.TLS).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onLost)
	if opt.StatusTopic != "" {
		po.SetBinaryWill(opt.StatusTopic, []byte{0x00}, 1, true)
	}
	c.paho = paho.NewClient(po)
	return c, nil
}

// Connect starts the session manager. Safe to call more than once, extra
// calls are no-ops. Returns immediately, use WaitReady to block until the
// first successful CONNACK.
func (c *Conn) Connect() {
	if !atomic.CompareAndSwapUint32(&c.started, 0, 1) {
		return
	}
	if !c.alive.Add(1) {
		return
	}
	go c.run()
}

func (c *Conn) Close() error {
	c.alive.Stop()
	c.alive.Wait()
	return nil
}

func (c *Conn) State() State      { return State(atomic.LoadInt32(&c.state)) }
func (c *Conn) IsConnected() bool { return c.State() == StateConnected }
func (c *Conn) Inflight() int     { return int(atomic.LoadInt32(&c.inflight)) }

// WaitReady blocks until connected, the context expires, or Close().
func (c *Conn) WaitReady(ctx context.Context) error {
	donech := ctx.Done()
	stopch := c.alive.StopChan()
	for {
		if c.IsConnected() {
			return nil
		}
		select {
		case <-time.After(50 * time.Millisecond):

		case <-donech:
			return ctx.Err()

		case <-stopch:
			return ErrClosing
		}
	}
}

// Publish sends one message and waits for the broker ack (QOS 1) within
// NetworkTimeout or the context deadline, whichever is sooner. QOS above
// AtLeastOnce is rejected as not valid. Failure classes: ErrNotConnected,
// ErrMaxInflight, juju timeout, anything else is unknown. The payload is
// gone on any failure, callers keep their own copy.
func (c *Conn) Publish(ctx context.Context, topic string, payload []byte, qos byte, retained bool) error {
	if qos > 1 {
		return errors.NotValidf("publish qos=%d ExactlyOnce not supported", qos)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	n := atomic.AddInt32(&c.inflight, 1)
	defer atomic.AddInt32(&c.inflight, -1)
	if int(n) > c.opt.MaxInflight {
		return ErrMaxInflight
	}

	timeout := c.opt.NetworkTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < timeout {
			timeout = d
		}
	}
	tok := c.paho.Publish(topic, qos, retained, payload)
	if !tok.WaitTimeout(timeout) {
		return errors.Timeoutf("publish ack topic=%s", topic)
	}
	if err := tok.Error(); err != nil {
		if !c.IsConnected() {
			return ErrNotConnected
		}
		return errors.Annotatef(err, "publish topic=%s", topic)
	}
	return nil
}

func (c *Conn) run() {
	defer c.alive.Done()
	defer c.setState(StateDisconnected)

	stopch := c.alive.StopChan()
	bo := &backoff.Backoff{
		Min:    c.opt.ReconnectBase,
		Max:    c.opt.ReconnectMax,
		Factor: 2,
	}
	for c.alive.IsRunning() {
		if c.State() == StateDisconnected {
			c.setState(StateConnecting)
		}
		err := c.connectOnce()
		if err != nil {
			c.setState(StateReconnecting)
			delay := c.reconnectDelay(bo)
			c.log.Warn().Err(err).Dur("delay", delay).Msg("connect failed")
			select {
			case <-time.After(delay):
				continue

			case <-stopch:
				return
			}
		}
		c.setState(StateConnected)
		c.log.Info().Str("broker", c.opt.BrokerURL).Msg("connected")
		sessionStart := time.Now()

		select {
		case err = <-c.lostch:
			c.setState(StateReconnecting)
			// only a session that outlived the delay cap earns a fresh
			// backoff; a broker that accepts CONNECT then drops keeps the
			// delay growing
			if time.Since(sessionStart) > bo.Max {
				bo.Reset()
			}
			delay := c.reconnectDelay(bo)
			c.log.Warn().Err(err).Dur("delay", delay).Msg("link lost")
			select {
			case <-time.After(delay):

			case <-stopch:
				return
			}

		case <-stopch:
			c.shutdown()
			return
		}
	}
}

func (c *Conn) reconnectDelay(bo *backoff.Backoff) time.Duration {
	d := bo.Duration()
	if c.opt.ReconnectJitter > 0 {
		d += time.Duration(rand.Int63n(int64(c.opt.ReconnectJitter)))
	}
	return d
}

func (c *Conn) connectOnce() error {
	tok := c.paho.Connect()
	if !tok.WaitTimeout(c.opt.NetworkTimeout + time.Second) {
		return errors.Timeoutf("CONNACK broker=%s", c.opt.BrokerURL)
	}
	return errors.Annotatef(tok.Error(), "connect broker=%s", c.opt.BrokerURL)
}

// paho callback on every established session
func (c *Conn) onConnect(cl paho.Client) {
	for _, topic := range c.opt.Subscriptions {
		tok := cl.Subscribe(topic, 1, c.onPublish)
		if !tok.WaitTimeout(c.opt.NetworkTimeout) || tok.Error() != nil {
			c.log.Error().Str("topic", topic).AnErr("err", tok.Error()).Msg("subscribe failed")
			c.kick(errors.Errorf("subscribe topic=%s", topic))
			return
		}
	}
	if c.opt.StatusTopic != "" {
		tok := cl.Publish(c.opt.StatusTopic, 1, true, []byte{0x01})
		if !tok.WaitTimeout(c.opt.NetworkTimeout) || tok.Error() != nil {
			c.log.Error().AnErr("err", tok.Error()).Msg("presence publish failed")
		}
	}
}

func (c *Conn) onPublish(_ paho.Client, m paho.Message) {
	if c.opt.OnMessage != nil {
		c.opt.OnMessage(m.Topic(), m.Payload())
	}
}

func (c *Conn) onLost(_ paho.Client, err error) {
	c.kick(err)
}

// kick signals the run loop that the current session is dead; coalesces.
func (c *Conn) kick(err error) {
	select {
	case c.lostch <- err:
	default:
	}
}

// graceful: retract retained presence, then DISCONNECT
func (c *Conn) shutdown() {
	if c.paho.IsConnectionOpen() {
		if c.opt.StatusTopic != "" {
			tok := c.paho.Publish(c.opt.StatusTopic, 1, true, []byte{0x00})
			tok.WaitTimeout(c.opt.NetworkTimeout)
		}
		c.paho.Disconnect(disconnectQuiesce)
	}
}

func (c *Conn) setState(s State) {
	old := State(atomic.SwapInt32(&c.state, int32(s)))
	if old != s {
		c.log.Debug().Str("from", old.String()).Str("to", s.String()).Msg("state")
	}
}
