package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/mcpvisor/internal/buildinfo"
	"github.com/nugget/mcpvisor/internal/config"
	"github.com/nugget/mcpvisor/internal/events"
	"github.com/nugget/mcpvisor/internal/manager"
)

// Server states published in [ServerState.State].
const (
	StateRunning   = "running"
	StateUnhealthy = "unhealthy"
	StateStopped   = "stopped"
	StateClosed    = "closed"
	StateFailed    = "failed"
)

// StatusSource supplies the snapshots to publish. *manager.Manager
// implements it.
type StatusSource interface {
	Status() []manager.ConnectionStatus
}

// publishClient is the part of autopaho.ConnectionManager the
// publisher uses.
type publishClient interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// ServerState is the retained payload on a server's state topic.
type ServerState struct {
	Name         string    `json:"name"`
	State        string    `json:"state"`
	Transport    string    `json:"transport,omitempty"`
	Healthy      bool      `json:"healthy"`
	ToolCount    int       `json:"tool_count"`
	LatencyMS    int64     `json:"latency_ms"`
	ConnectionID string    `json:"connection_id,omitempty"`
	ServerName   string    `json:"server_name,omitempty"`
	Error        string    `json:"error,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func stateFromStatus(st manager.ConnectionStatus) ServerState {
	s := ServerState{
		Name:         st.Name,
		State:        StateRunning,
		Transport:    st.Transport,
		Healthy:      st.Healthy && st.Connected,
		ToolCount:    st.ToolCount,
		LatencyMS:    st.LatencyMS,
		ConnectionID: st.ID,
		ServerName:   st.ServerName,
		Error:        st.LastError,
		UpdatedAt:    time.Now().UTC(),
	}
	if !s.Healthy {
		s.State = StateUnhealthy
	}
	return s
}

// Publisher manages the MQTT connection and keeps one retained state
// document per server up to date.
type Publisher struct {
	cfg    config.MQTTConfig
	source StatusSource
	bus    *events.Bus
	device DeviceInfo
	logger *slog.Logger

	mu        sync.Mutex
	cm        *autopaho.ConnectionManager
	client    publishClient
	announced map[string]bool
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loop.
func New(cfg config.MQTTConfig, source StatusSource, bus *events.Bus, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = config.DefaultTopicPrefix
	}
	return &Publisher{
		cfg:       cfg,
		source:    source,
		bus:       bus,
		device:    NewDeviceInfo(nodeID(cfg.TopicPrefix)),
		logger:    logger,
		announced: make(map[string]bool),
	}
}

// Start connects to the MQTT broker and begins the publish loop. It
// blocks until ctx is cancelled. On every (re-)connect it publishes a
// birth message and the state of every server.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	// Subscribe before connecting so no lifecycle event is missed.
	var ch <-chan events.Event
	if p.bus != nil {
		ch = p.bus.Subscribe(64)
		defer p.bus.Unsubscribe(ch)
	}

	cm, err := autopaho.NewConnection(ctx, p.clientConfig(ctx, brokerURL))
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.mu.Lock()
	p.cm = cm
	p.mu.Unlock()
	p.setClient(cm)

	// Wait for the initial connection before starting the publish loop.
	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// Log but don't fail; autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.runLoop(ctx, ch)
	return nil
}

func (p *Publisher) clientConfig(ctx context.Context, brokerURL *url.URL) autopaho.ClientConfig {
	cfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.setClient(cm)
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishAvailability(ctx, "online")
			p.resetDiscovery()
			p.publishAll(ctx)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.clientID(),
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		cfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}
	return cfg
}

func (p *Publisher) clientID() string {
	if p.cfg.ClientID != "" {
		return p.cfg.ClientID
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "local"
	}
	return buildinfo.Name + "-" + nodeID(host)
}

// Stop gracefully disconnects by publishing an "offline" availability
// message before closing the MQTT connection. The provided context
// controls how long to wait for the publish and disconnect to complete.
func (p *Publisher) Stop(ctx context.Context) error {
	cm := p.connection()
	if cm == nil {
		return nil
	}
	p.publishAvailability(ctx, "offline")
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the MQTT broker connection is
// established or ctx expires.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	cm := p.connection()
	if cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return cm.AwaitConnection(ctx)
}

func (p *Publisher) connection() *autopaho.ConnectionManager {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cm
}

// --- Topic helpers ---

var nonTopicChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// nodeID reduces s to characters safe in topics and HA object IDs.
func nodeID(s string) string {
	return strings.Trim(nonTopicChars.ReplaceAllString(s, "_"), "_")
}

func (p *Publisher) availabilityTopic() string {
	return p.cfg.TopicPrefix + "/availability"
}

func (p *Publisher) stateTopic(server string) string {
	return p.cfg.TopicPrefix + "/" + server + "/state"
}

func (p *Publisher) discoveryTopic(server string) string {
	return p.cfg.DiscoveryPrefix + "/binary_sensor/" + nodeID(p.cfg.TopicPrefix) + "/" + server + "/config"
}

// --- Publishing ---

func (p *Publisher) setClient(c publishClient) {
	p.mu.Lock()
	p.client = c
	p.mu.Unlock()
}

func (p *Publisher) publish(ctx context.Context, topic string, payload []byte, qos byte) error {
	p.mu.Lock()
	client := p.client
	p.mu.Unlock()
	if client == nil {
		return fmt.Errorf("mqtt publisher not connected")
	}
	_, err := client.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  true,
	})
	return err
}

func (p *Publisher) publishAvailability(ctx context.Context, status string) {
	if err := p.publish(ctx, p.availabilityTopic(), []byte(status), 1); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

// resetDiscovery forgets which servers were announced so the next
// publish repeats discovery, as a fresh broker session may have lost it.
func (p *Publisher) resetDiscovery() {
	p.mu.Lock()
	p.announced = make(map[string]bool)
	p.mu.Unlock()
}

func (p *Publisher) announce(ctx context.Context, server string) {
	if p.cfg.DiscoveryPrefix == "" {
		return
	}
	p.mu.Lock()
	done := p.announced[server]
	p.announced[server] = true
	p.mu.Unlock()
	if done {
		return
	}

	cfg := BinarySensorConfig{
		Name:                server,
		UniqueID:            nodeID(p.cfg.TopicPrefix) + "_" + server,
		StateTopic:          p.stateTopic(server),
		AvailabilityTopic:   p.availabilityTopic(),
		JsonAttributesTopic: p.stateTopic(server),
		Device:              p.device,
		DeviceClass:         "connectivity",
		Icon:                "mdi:server-network",
		ValueTemplate:       "{{ 'ON' if value_json.healthy else 'OFF' }}",
		EntityCategory:      "diagnostic",
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		p.logger.Error("mqtt marshal discovery payload", "server", server, "error", err)
		return
	}
	topic := p.discoveryTopic(server)
	if err := p.publish(ctx, topic, payload, 1); err != nil {
		p.logger.Warn("mqtt discovery publish failed",
			"server", server, "topic", topic, "error", err)
		p.mu.Lock()
		delete(p.announced, server)
		p.mu.Unlock()
		return
	}
	p.logger.Debug("mqtt discovery published", "server", server, "topic", topic)
}

func (p *Publisher) publishState(ctx context.Context, s ServerState) {
	p.announce(ctx, s.Name)

	payload, err := json.Marshal(s)
	if err != nil {
		p.logger.Error("mqtt marshal state payload", "server", s.Name, "error", err)
		return
	}
	if err := p.publish(ctx, p.stateTopic(s.Name), payload, 0); err != nil {
		p.logger.Debug("mqtt state publish failed",
			"server", s.Name, "error", err)
	}
}

// publishAll publishes the state of every live server.
func (p *Publisher) publishAll(ctx context.Context) {
	statuses := p.source.Status()
	for _, st := range statuses {
		p.publishState(ctx, stateFromStatus(st))
	}
	p.logger.Debug("mqtt server states published", "servers", len(statuses))
}

// publishServer publishes the live state of one server, if it is
// running.
func (p *Publisher) publishServer(ctx context.Context, name string) {
	for _, st := range p.source.Status() {
		if st.Name == name {
			p.publishState(ctx, stateFromStatus(st))
			return
		}
	}
}

// handleEvent refreshes the state topic of the server an event is
// about. Servers that went away get a final state from the event data.
func (p *Publisher) handleEvent(ctx context.Context, ev events.Event) {
	name, _ := ev.Data["server"].(string)
	if name == "" {
		return
	}

	var state string
	switch ev.Kind {
	case events.KindServerStopped:
		state = StateStopped
	case events.KindServerClosed:
		state = StateClosed
	case events.KindServerFailed:
		state = StateFailed
	default:
		p.publishServer(ctx, name)
		return
	}

	s := ServerState{Name: name, State: state, UpdatedAt: ev.Timestamp.UTC()}
	s.Transport, _ = ev.Data["transport"].(string)
	s.ConnectionID, _ = ev.Data["connection_id"].(string)
	s.Error, _ = ev.Data["error"].(string)
	p.publishState(ctx, s)
}

// --- Periodic loop ---

func (p *Publisher) runLoop(ctx context.Context, ch <-chan events.Event) {
	interval := p.cfg.PublishInterval()
	if interval <= 0 {
		interval = time.Duration(config.DefaultPublishSec) * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Publish immediately on start.
	p.publishAll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				ch = nil
				continue
			}
			p.handleEvent(ctx, ev)
		case <-ticker.C:
			p.publishAll(ctx)
		}
	}
}
