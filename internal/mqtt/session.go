package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/mqtt-chromium-control/internal/config"
)

var (
	// ErrPublishTimeout means no broker connection became available
	// within the publish timeout.
	ErrPublishTimeout = errors.New("timed out waiting for broker connection")
	// ErrPublishFailed means at least one publish of an image cycle failed.
	ErrPublishFailed = errors.New("publish failed")
	// ErrConnectionLost means the broker connection dropped while connected.
	ErrConnectionLost = errors.New("broker connection lost")
	// ErrNotConnected means the connection used by an operation was
	// replaced or torn down before the operation finished.
	ErrNotConnected = errors.New("not connected to broker")
)

const (
	payloadOnline  = "online"
	payloadOffline = "offline"

	// shutdownTimeout bounds the best-effort offline publish and
	// DISCONNECT during teardown.
	shutdownTimeout = 5 * time.Second

	// inboundBuffer is the number of reload commands queued between the
	// transport reader and the message loop.
	inboundBuffer = 8
)

// State is the connection state of a [Session].
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// SessionConfig configures a [Session]. Zero durations get the defaults
// noted on each field.
type SessionConfig struct {
	// Prefix is the topic prefix; it must not end with "/".
	Prefix string
	// Name is the Home Assistant device name and discovery node id.
	Name string
	// DiscoveryPrefix is the HA discovery root (default "homeassistant").
	DiscoveryPrefix string
	// ClientID identifies this client to the broker (default
	// "mqtt-chromium-control-" + Name).
	ClientID  string
	SWVersion string

	// HeartbeatExpiry is how long "online" stays valid after an image
	// is published (default 80s).
	HeartbeatExpiry time.Duration
	// FirstHeartbeatExpiry is the expiry armed right after connecting,
	// before any image was published (default 5s).
	FirstHeartbeatExpiry time.Duration
	// PublishTimeout bounds PublishImage, including the wait for a
	// broker connection (default 25s).
	PublishTimeout time.Duration

	// ReloadLimit caps reload commands per ReloadLimitInterval. Zero or
	// a negative value disables limiting.
	ReloadLimit         int
	ReloadLimitInterval time.Duration
}

// Session owns the broker connection for one connection lifetime at a
// time and the availability protocol across lifetimes. PublishImage is
// safe for concurrent use with Run.
type Session struct {
	cfg      SessionConfig
	topics   Topics
	device   DeviceInfo
	dialer   Dialer
	onReload ReloadFunc
	logger   *slog.Logger

	state   atomic.Int32
	offline offlineTimer
	limiter *reloadRateLimiter

	// availMu orders every availability publish with arming the offline
	// timer and with teardown, so an expired timer's "offline" can never
	// land after a newer "online". Taken before mu.
	availMu sync.Mutex

	// mu guards conn, live and ready.
	mu    sync.Mutex
	conn  Conn          // dialed connection, set before setup
	live  Conn          // conn once setup finished; PublishImage uses it
	ready chan struct{} // closed while live is non-nil
}

// NewSession validates cfg and creates a disconnected Session. It does
// not dial; call [Session.Run].
func NewSession(cfg SessionConfig, dialer Dialer, onReload ReloadFunc, logger *slog.Logger) (*Session, error) {
	topics, err := NewTopics(cfg.Prefix)
	if err != nil {
		return nil, err
	}
	if cfg.Name == "" {
		return nil, fmt.Errorf("mqtt session: name must not be empty")
	}
	if dialer == nil {
		return nil, fmt.Errorf("mqtt session: dialer must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DiscoveryPrefix == "" {
		cfg.DiscoveryPrefix = "homeassistant"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "mqtt-chromium-control-" + cfg.Name
	}
	if cfg.HeartbeatExpiry <= 0 {
		cfg.HeartbeatExpiry = 80 * time.Second
	}
	if cfg.FirstHeartbeatExpiry <= 0 {
		cfg.FirstHeartbeatExpiry = 5 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 25 * time.Second
	}
	if cfg.ReloadLimitInterval <= 0 {
		cfg.ReloadLimitInterval = time.Minute
	}

	return &Session{
		cfg:      cfg,
		topics:   topics,
		device:   NewDeviceInfo(cfg.Name, cfg.SWVersion),
		dialer:   dialer,
		onReload: onReload,
		logger:   logger,
		limiter:  newReloadRateLimiter(int64(cfg.ReloadLimit), cfg.ReloadLimitInterval, logger),
		ready:    make(chan struct{}),
	}, nil
}

// Topics returns the session's topic set.
func (s *Session) Topics() Topics {
	return s.topics
}

// State returns the current connection state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	old := State(s.state.Swap(int32(st)))
	if old != st {
		s.logger.Debug("mqtt session state", "from", old.String(), "to", st.String())
	}
}

// Run dials the broker and serves one connection lifetime: it publishes
// discovery, sends the first heartbeat, subscribes to the reload topic,
// then dispatches reload commands until the connection fails or ctx is
// cancelled. ready is called once the session is fully set up. On
// cancellation Run publishes "offline" and disconnects cleanly.
//
// Run has the signature of a connwatch run function so the caller can
// retry it with a fixed delay.
func (s *Session) Run(ctx context.Context, ready func()) error {
	s.setState(StateConnecting)

	inbound := make(chan struct{}, inboundBuffer)
	conn, err := s.dialer.Dial(ctx, DialOptions{
		ClientID: s.cfg.ClientID,
		Will: Message{
			Topic:   s.topics.Availability,
			Payload: []byte(payloadOffline),
			QoS:     1,
			Retain:  true,
		},
		OnMessage: func(topic string, payload []byte) {
			s.logger.Log(context.Background(), config.LevelTrace, "mqtt message received",
				"topic", topic, "payload_size", len(payload))
			if topic != s.topics.Reload {
				return
			}
			if !s.limiter.allow() {
				return
			}
			select {
			case inbound <- struct{}{}:
			default:
				s.logger.Warn("reload command queue full, dropping command")
			}
		},
	})
	if err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("connect to broker: %w", err)
	}

	s.attach(conn)
	s.logger.Info("mqtt connected to broker", "client_id", s.cfg.ClientID)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.limiter.start(runCtx)

	if err := s.setup(ctx, conn); err != nil {
		s.teardown(conn)
		return err
	}
	s.expose(conn)
	s.setState(StateConnected)
	if ready != nil {
		ready()
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("mqtt session shutting down")
			s.teardown(conn)
			return ctx.Err()

		case <-conn.Done():
			lost := fmt.Errorf("%w: %v", ErrConnectionLost, conn.Err())
			s.teardown(conn)
			return lost

		case <-inbound:
			s.dispatchReload(ctx)
		}
	}
}

// setup runs the post-connect sequence: discovery, first heartbeat,
// reload subscription. The connection is not yet visible to PublishImage,
// so the short first expiry is always armed before any image's.
func (s *Session) setup(ctx context.Context, conn Conn) error {
	for _, m := range s.discoveryMessages() {
		if err := conn.Publish(ctx, m); err != nil {
			return fmt.Errorf("publish discovery %s: %w", m.Topic, err)
		}
		s.logger.Debug("mqtt discovery published", "topic", m.Topic)
	}

	if err := s.heartbeat(ctx, conn, s.cfg.FirstHeartbeatExpiry); err != nil {
		return err
	}

	if err := conn.Subscribe(ctx, s.topics.Reload); err != nil {
		return fmt.Errorf("subscribe %s: %w", s.topics.Reload, err)
	}
	s.logger.Debug("mqtt subscribed", "topic", s.topics.Reload)
	return nil
}

// dispatchReload invokes the reload callback. Errors and panics are
// logged and swallowed so they never end the message loop.
func (s *Session) dispatchReload(ctx context.Context) {
	s.logger.Info("received reload command")
	if s.onReload == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("reload callback panicked", "panic", r)
		}
	}()
	if err := s.onReload(ctx); err != nil {
		s.logger.Error("reloading failed", "error", err)
	}
}

// attach records conn as the session's connection for setup. It stays
// hidden from PublishImage until expose.
func (s *Session) attach(conn Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
}

// expose hands a fully set up conn to PublishImage and wakes waiters.
func (s *Session) expose(conn Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != conn {
		return
	}
	s.live = conn
	close(s.ready)
}

// current reports whether conn is still the session's connection.
func (s *Session) current(conn Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn == conn
}

// teardown cancels the offline timer, withdraws the connection from
// PublishImage, and, if the connection is still usable, publishes
// "offline" and disconnects. A dead connection is left to the will.
func (s *Session) teardown(conn Conn) {
	s.availMu.Lock()
	defer s.availMu.Unlock()

	s.mu.Lock()
	s.offline.Cancel()
	if s.conn == conn {
		s.conn = nil
	}
	if s.live == conn {
		s.live = nil
		s.ready = make(chan struct{})
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	select {
	case <-conn.Done():
		s.logger.Debug("mqtt connection already closed, relying on will message")
	default:
		if err := s.publishAvailability(ctx, conn, payloadOffline); err != nil {
			s.logger.Warn("mqtt offline publish failed", "error", err)
		}
		if err := conn.Disconnect(ctx); err != nil {
			s.logger.Debug("mqtt disconnect failed", "error", err)
		}
	}

	s.setState(StateDisconnected)
}

// waitConnected blocks until a set-up connection is available or ctx is
// done.
func (s *Session) waitConnected(ctx context.Context) (Conn, error) {
	for {
		s.mu.Lock()
		conn, ready := s.live, s.ready
		s.mu.Unlock()

		if conn != nil {
			return conn, nil
		}

		s.logger.Debug("publish waiting for broker connection")
		select {
		case <-ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// PublishImage publishes image to the camera topic, its length to the
// size topic, and refreshes the availability heartbeat. The three run
// concurrently and all are attempted. The whole operation, including
// waiting for a broker connection, is bounded by the publish timeout.
func (s *Session) PublishImage(ctx context.Context, image []byte) error {
	opCtx, cancel := context.WithTimeout(ctx, s.cfg.PublishTimeout)
	defer cancel()

	conn, err := s.waitConnected(opCtx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w after %s", ErrPublishTimeout, s.cfg.PublishTimeout)
	}

	var g errgroup.Group
	g.Go(func() error {
		if err := conn.Publish(opCtx, Message{Topic: s.topics.Camera, Payload: image}); err != nil {
			return fmt.Errorf("publish %s: %w", s.topics.Camera, err)
		}
		return nil
	})
	g.Go(func() error {
		size := []byte(strconv.Itoa(len(image)))
		if err := conn.Publish(opCtx, Message{Topic: s.topics.Size, Payload: size}); err != nil {
			return fmt.Errorf("publish %s: %w", s.topics.Size, err)
		}
		return nil
	})
	g.Go(func() error {
		return s.heartbeat(opCtx, conn, s.cfg.HeartbeatExpiry)
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	s.logger.Info("image published", "bytes", len(image))
	return nil
}

// heartbeat publishes "online" and re-arms the offline timer for expiry.
// Nothing is published for a connection that was already torn down.
func (s *Session) heartbeat(ctx context.Context, conn Conn, expiry time.Duration) error {
	s.availMu.Lock()
	defer s.availMu.Unlock()

	if !s.current(conn) {
		return ErrNotConnected
	}
	if err := s.publishAvailability(ctx, conn, payloadOnline); err != nil {
		return fmt.Errorf("publish availability: %w", err)
	}
	s.offline.Arm(expiry, func(gen uint64) { s.expire(conn, gen) })
	s.logger.Debug("heartbeat refreshed", "expires_in", expiry.String())
	return nil
}

// expire runs when the offline timer armed as gen fires. A heartbeat or
// teardown that got in first makes it a no-op.
func (s *Session) expire(conn Conn, gen uint64) {
	s.availMu.Lock()
	defer s.availMu.Unlock()

	if !s.offline.Current(gen) {
		return
	}
	s.logger.Warn("heartbeat expired, going offline")

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PublishTimeout)
	defer cancel()
	if err := s.publishAvailability(ctx, conn, payloadOffline); err != nil {
		s.logger.Warn("mqtt offline publish failed", "error", err)
	}
}

func (s *Session) publishAvailability(ctx context.Context, conn Conn, status string) error {
	err := conn.Publish(ctx, Message{
		Topic:   s.topics.Availability,
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	})
	if err != nil {
		return err
	}
	s.logger.Debug("mqtt availability published", "status", status)
	return nil
}

// discoveryMessages builds the retained discovery payloads for the
// camera, the size sensor, and the reload button.
func (s *Session) discoveryMessages() []Message {
	name := s.cfg.Name
	avail := s.topics.Availability

	defs := []struct {
		component string
		entity    string
		config    any
	}{
		{"camera", "screenshot", CameraConfig{
			Name:              name + " screenshot",
			UniqueID:          name + "_screenshot",
			Topic:             s.topics.Camera,
			AvailabilityTopic: avail,
			Device:            s.device,
		}},
		{"sensor", "screenshot_size", SensorConfig{
			Name:              name + " screenshot size",
			UniqueID:          name + "_screenshot_size",
			DeviceClass:       "data_size",
			StateClass:        "measurement",
			UnitOfMeasurement: "B",
			ForceUpdate:       true,
			StateTopic:        s.topics.Size,
			AvailabilityTopic: avail,
			Device:            s.device,
		}},
		{"button", "reload", ButtonConfig{
			Name:              name + " reload",
			UniqueID:          name + "_reload",
			CommandTopic:      s.topics.Reload,
			AvailabilityTopic: avail,
			Device:            s.device,
		}},
	}

	msgs := make([]Message, 0, len(defs))
	for _, d := range defs {
		payload, err := json.Marshal(d.config)
		if err != nil {
			s.logger.Error("mqtt marshal discovery payload", "entity", d.entity, "error", err)
			continue
		}
		msgs = append(msgs, Message{
			Topic:   discoveryTopic(s.cfg.DiscoveryPrefix, d.component, name, d.entity),
			Payload: payload,
			QoS:     1,
			Retain:  true,
		})
	}
	return msgs
}
