package mqtt

// Embedded MQTT broker. Used by the test suite and the bench simulator so
// device code can be exercised against a real wire protocol without an
// external mosquitto. QOS 0,1 with retained messages and wills on unclean
// disconnect; no persistence, no QOS 2.

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/256dpi/gomqtt/client/future"
	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/topic"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/rs/zerolog"
	"github.com/temoto/alive/v2"

	"github.com/fleetbit/agent/helpers"
)

const (
	brokerReadLimit  = 1 << 20
	brokerAckTimeout = 10 * time.Second
)

var ErrNoSubscribers = errors.New("no subscribers")

type BrokerOptions struct {
	Log            zerolog.Logger
	NetworkTimeout time.Duration
	// OnConnect authorizes a CONNECT; nil accepts everyone.
	OnConnect func(clientID, username, password string) bool
	// OnPublish observes every inbound PUBLISH before routing; returning an
	// error rejects the message and drops the session.
	OnPublish func(msg *packet.Message) error
}

type brokerSub struct {
	pattern string
	client  string
	qos     packet.QOS
}

type Broker struct { //nolint:maligned
	sync.RWMutex

	alive    *alive.Alive
	opt      BrokerOptions
	log      zerolog.Logger
	ns       *transport.NetServer
	nextid   uint32
	sessions map[string]*brokerSession
	retain   *topic.Tree // *packet.Message
	subs     *topic.Tree // *brokerSub

	inbox struct {
		sync.Mutex
		ms []packet.Message
	}
}

func NewBroker(opt BrokerOptions) *Broker {
	if opt.NetworkTimeout == 0 {
		opt.NetworkTimeout = 5 * time.Second
	}
	b := &Broker{
		alive:    alive.NewAlive(),
		opt:      opt,
		log:      opt.Log.With().Str("comp", "broker").Logger(),
		sessions: make(map[string]*brokerSession),
		retain:   topic.NewStandardTree(),
		subs:     topic.NewStandardTree(),
	}
	return b
}

// Listen binds a TCP listener; addr "127.0.0.1:0" picks a free port.
func (b *Broker) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Annotatef(err, "broker listen addr=%s", addr)
	}
	b.Lock()
	b.ns = transport.NewNetServer(ln)
	b.Unlock()
	if !b.alive.Add(1) {
		_ = b.ns.Close()
		return errors.Errorf("broker Listen after Close")
	}
	go b.acceptLoop()
	return nil
}

func (b *Broker) URL() string {
	b.RLock()
	defer b.RUnlock()
	return "tcp://" + b.ns.Addr().String()
}

func (b *Broker) Close() error {
	b.alive.Stop()
	errs := make([]error, 0)
	helpers.WithLock(b, func() {
		if b.ns != nil {
			if err := b.ns.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		for _, s := range b.sessions {
			_ = s.die(ErrClosing)
		}
	})
	b.alive.Wait()
	return helpers.FoldErrors(errs)
}

// DropAll severs every client connection without a DISCONNECT, the device
// side sees a link loss. Wills fire.
func (b *Broker) DropAll() {
	wills := make([]*packet.Message, 0)
	helpers.WithLock(b, func() {
		for id, s := range b.sessions {
			if will := s.takeWill(); will != nil {
				wills = append(wills, will)
			}
			_ = s.die(errors.Errorf("dropped"))
			delete(b.sessions, id)
		}
	})
	for _, will := range wills {
		_ = b.Publish(will)
	}
}

// Inbox returns all messages published by clients since start, oldest first.
func (b *Broker) Inbox() []packet.Message {
	b.inbox.Lock()
	defer b.inbox.Unlock()
	out := make([]packet.Message, len(b.inbox.ms))
	copy(out, b.inbox.ms)
	return out
}

// Retained returns the retained message at an exact topic, nil if none.
func (b *Broker) Retained(t string) *packet.Message {
	for _, x := range b.retain.Search(t) {
		return x.(*packet.Message)
	}
	return nil
}

// Publish routes a message from the broker side to matching subscribers.
func (b *Broker) Publish(msg *packet.Message) error {
	if msg.Retain {
		if len(msg.Payload) != 0 {
			b.retain.Set(msg.Topic, msg.Copy())
		} else {
			b.retain.Empty(msg.Topic)
		}
	}

	var targets []*brokerSub
	uniq := make(map[string]struct{})
	b.RLock()
	for _, x := range b.subs.Match(msg.Topic) {
		sub := x.(*brokerSub)
		if _, ok := uniq[sub.client]; !ok {
			uniq[sub.client] = struct{}{}
			targets = append(targets, sub)
		}
	}
	b.RUnlock()
	if len(targets) == 0 {
		if msg.Retain {
			return nil
		}
		return ErrNoSubscribers
	}

	errch := make(chan error, len(targets))
	wg := sync.WaitGroup{}
	helpers.WithLock(b.RLocker(), func() {
		for _, sub := range targets {
			s, ok := b.sessions[sub.client]
			if !ok {
				continue
			}
			out := msg.Copy()
			if out.QOS > sub.qos {
				out.QOS = sub.qos
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := s.publish(b.nextID(), out); err != nil {
					errch <- err
				}
			}()
		}
	})
	wg.Wait()
	close(errch)
	return helpers.FoldErrChan(errch)
}

func (b *Broker) nextID() packet.ID {
	u32 := atomic.AddUint32(&b.nextid, 1)
	return packet.ID(u32 % (1 << 16))
}

func (b *Broker) acceptLoop() {
	defer b.alive.Done()
	for {
		conn, err := b.ns.Accept()
		if !b.alive.IsRunning() {
			return
		}
		if err != nil {
			b.log.Error().Err(err).Msg("accept")
			return
		}
		if !b.alive.Add(1) {
			_ = conn.Close()
			return
		}
		go b.processConn(conn)
	}
}

func (b *Broker) handshake(conn transport.Conn) (*brokerSession, error) {
	pkt, err := conn.Receive()
	if err != nil {
		return nil, errors.Trace(err)
	}
	pktConnect, ok := pkt.(*packet.Connect)
	if !ok {
		return nil, errors.Errorf("expected CONNECT got %s", pkt.Type().String())
	}

	connack := packet.NewConnack()
	if pktConnect.ClientID == "" {
		connack.ReturnCode = packet.IdentifierRejected
		_ = conn.Send(connack, false)
		return nil, errors.Errorf("empty clientid")
	}
	if b.opt.OnConnect != nil && !b.opt.OnConnect(pktConnect.ClientID, pktConnect.Username, pktConnect.Password) {
		connack.ReturnCode = packet.NotAuthorized
		_ = conn.Send(connack, false)
		return nil, errors.Errorf("denied clientid=%s", pktConnect.ClientID)
	}

	connack.ReturnCode = packet.ConnectionAccepted
	if err = conn.Send(connack, false); err != nil {
		return nil, errors.Trace(err)
	}
	b.log.Debug().Str("client", pktConnect.ClientID).Str("user", pktConnect.Username).Msg("CONNECT")
	return newBrokerSession(conn, pktConnect, b.log, b.opt.NetworkTimeout), nil
}

func (b *Broker) processConn(conn transport.Conn) {
	defer b.alive.Done()

	conn.SetMaxWriteDelay(0)
	conn.SetReadLimit(brokerReadLimit)
	conn.SetReadTimeout(b.opt.NetworkTimeout * 3)
	s, err := b.handshake(conn)
	if err != nil {
		b.log.Debug().Err(err).Msg("handshake")
		_ = conn.Close()
		return
	}

	helpers.WithLock(b, func() {
		if ex, ok := b.sessions[s.id]; ok {
			_ = ex.die(errors.Errorf("clientid overtake id=%s", s.id))
		}
		b.sessions[s.id] = s
	})

	for {
		var pkt packet.Generic
		pkt, err = s.receive()
		if !s.alive.IsRunning() || !b.alive.IsRunning() {
			_ = s.die(ErrClosing)
			break
		}
		if err != nil {
			break
		}
		if stop := b.processPacket(s, pkt); stop {
			break
		}
	}

	will, clean := s.finish()
	helpers.WithLock(b, func() {
		if ex := b.sessions[s.id]; ex == s {
			delete(b.sessions, s.id)
		}
		for _, value := range b.subs.All() {
			if sub := value.(*brokerSub); sub.client == s.id {
				b.subs.Remove(sub.pattern, value)
			}
		}
	})
	if !clean && will != nil {
		_ = b.Publish(will)
	}
}

// returns true when the session is over
func (b *Broker) processPacket(s *brokerSession, pkt packet.Generic) bool {
	var err error
	switch pt := pkt.(type) {
	case *packet.Pingreq:
		err = s.send(packet.NewPingresp())

	case *packet.Publish:
		err = b.onPublish(s, pt)

	case *packet.Puback:
		err = s.fulfillAck(pt.ID)

	case *packet.Subscribe:
		err = b.onSubscribe(s, pt)

	case *packet.Disconnect:
		s.onDisconnect()
		_ = s.die(nil)
		return true

	default:
		err = errors.Errorf("unhandled packet %s", pkt.Type().String())
	}
	if err != nil {
		_ = s.die(err)
		return true
	}
	return false
}

func (b *Broker) onPublish(s *brokerSession, pt *packet.Publish) error {
	if pt.Message.QOS > packet.QOSAtLeastOnce {
		return errors.Errorf("qos=%d not supported", pt.Message.QOS)
	}
	if b.opt.OnPublish != nil {
		if err := b.opt.OnPublish(&pt.Message); err != nil {
			return errors.Annotatef(err, "publish rejected client=%s topic=%s", s.id, pt.Message.Topic)
		}
	}
	b.inbox.Lock()
	b.inbox.ms = append(b.inbox.ms, pt.Message)
	b.inbox.Unlock()

	_ = b.Publish(&pt.Message)

	if pt.Message.QOS == packet.QOSAtLeastOnce {
		puback := packet.NewPuback()
		puback.ID = pt.ID
		return s.send(puback)
	}
	return nil
}

func (b *Broker) onSubscribe(s *brokerSession, pt *packet.Subscribe) error {
	if len(pt.Subscriptions) == 0 {
		return errors.Errorf("empty subscribe list")
	}
	suback := packet.NewSuback()
	suback.ID = pt.ID
	for _, sub := range pt.Subscriptions {
		qos := sub.QOS
		if qos > packet.QOSAtLeastOnce {
			qos = packet.QOSAtLeastOnce
		}
		helpers.WithLock(b, func() {
			b.subs.Add(sub.Topic, &brokerSub{pattern: sub.Topic, client: s.id, qos: qos})
		})
		suback.ReturnCodes = append(suback.ReturnCodes, qos)

		for _, v := range b.retain.Search(sub.Topic) {
			msg := v.(*packet.Message)
			pid := b.nextID()
			go func() { _ = s.publish(pid, msg.Copy()) }()
		}
	}
	return s.send(suback)
}

// Server side of one client connection.
type brokerSession struct {
	alive    *alive.Alive
	acks     *future.Store
	conn     transport.Conn
	connmu   sync.RWMutex
	closed   uint32
	disco    uint32
	id       string
	username string
	log      zerolog.Logger
	timeout  time.Duration
	will     *packet.Message
	willmu   sync.Mutex
}

func newBrokerSession(conn transport.Conn, pktConnect *packet.Connect, log zerolog.Logger, timeout time.Duration) *brokerSession {
	s := &brokerSession{
		alive:    alive.NewAlive(),
		acks:     future.NewStore(),
		conn:     conn,
		id:       pktConnect.ClientID,
		username: pktConnect.Username,
		log:      log,
		timeout:  timeout,
	}
	if pktConnect.Will != nil {
		s.will = pktConnect.Will.Copy()
	}
	return s
}

func (s *brokerSession) publish(id packet.ID, msg *packet.Message) error {
	if !s.alive.Add(1) {
		return ErrClosing
	}
	defer s.alive.Done()

	pub := packet.NewPublish()
	pub.Message = *msg
	if msg.QOS == packet.QOSAtMostOnce {
		return s.send(pub)
	}

	pub.ID = id
	f := future.New()
	if ex := s.acks.Get(id); ex != nil {
		return errors.Errorf("duplicate outgoing packet id=%d", id)
	}
	s.acks.Put(id, f)
	defer s.acks.Delete(id)
	if err := s.send(pub); err != nil {
		return err
	}
	if err := f.Wait(brokerAckTimeout); err != nil {
		return errors.Annotatef(err, "expect puback id=%d", id)
	}
	return nil
}

func (s *brokerSession) fulfillAck(id packet.ID) error {
	f := s.acks.Get(id)
	if f == nil {
		return errors.Errorf("unexpected PUBACK id=%d", id)
	}
	f.Complete(nil)
	return nil
}

func (s *brokerSession) receive() (packet.Generic, error) {
	conn := s.getConn()
	if conn == nil {
		return nil, ErrClosing
	}
	pkt, err := conn.Receive()
	if err != nil {
		_ = s.die(err)
		return nil, err
	}
	return pkt, nil
}

func (s *brokerSession) send(pkt packet.Generic) error {
	conn := s.getConn()
	if conn == nil {
		return ErrClosing
	}
	if err := conn.Send(pkt, false); err != nil {
		return s.die(errors.Annotatef(err, "send clientid=%s", s.id))
	}
	return nil
}

func (s *brokerSession) die(e error) error {
	if !atomic.CompareAndSwapUint32(&s.closed, 0, 1) {
		return e
	}
	s.alive.Stop()
	helpers.WithLock(&s.connmu, func() {
		if s.conn != nil {
			_ = s.conn.Close()
			s.conn = nil
		}
	})
	return e
}

func (s *brokerSession) finish() (will *packet.Message, clean bool) {
	_ = s.die(ErrClosing)
	s.alive.Wait()
	return s.takeWill(), atomic.LoadUint32(&s.disco) == 1
}

func (s *brokerSession) getConn() transport.Conn {
	s.connmu.RLock()
	c := s.conn
	s.connmu.RUnlock()
	return c
}

func (s *brokerSession) takeWill() (m *packet.Message) {
	s.willmu.Lock()
	m, s.will = s.will, nil
	s.willmu.Unlock()
	return m
}

func (s *brokerSession) onDisconnect() {
	atomic.StoreUint32(&s.disco, 1)
	s.takeWill()
}
