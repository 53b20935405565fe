package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/hark/internal/config"
)

// RequestHandler receives the payload of each inbound request message.
type RequestHandler func(text string)

// Publisher owns the broker connection.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	logger     *slog.Logger
	onRequest  RequestHandler
	limiter    *messageRateLimiter

	mu sync.RWMutex
	cm *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. onRequest may be nil; it
// is only used when cfg.AcceptRequests is set.
func New(cfg config.MQTTConfig, instanceID string, onRequest RequestHandler, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "mqtt")
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.ClientID),
		logger:     logger,
		onRequest:  onRequest,
		limiter:    newMessageRateLimiter(10, time.Minute, logger),
	}
}

// Start connects and blocks until ctx ends. A broker that is down at
// startup is retried in the background.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.topic("availability"),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishDiscovery(ctx, cm)
			p.publish(ctx, cm, "availability", "online", true)
			p.subscribe(ctx, cm)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.cfg.ClientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					p.handleMessage(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.mu.Lock()
	p.cm = cm
	p.mu.Unlock()

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	if err := cm.AwaitConnection(connCtx); err != nil {
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}
	connCancel()

	go p.limiter.start(ctx)
	<-ctx.Done()
	return nil
}

// Stop publishes "offline" and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	cm := p.conn()
	if cm == nil {
		return nil
	}
	p.publish(ctx, cm, "availability", "offline", true)
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is up or ctx
// expires.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	cm := p.conn()
	if cm == nil {
		return errors.New("mqtt publisher not started")
	}
	return cm.AwaitConnection(ctx)
}

// PublishStatus sets the retained status topic.
func (p *Publisher) PublishStatus(ctx context.Context, status string) {
	p.publishNow(ctx, "status", status, true)
}

// PublishAnswer sets the retained answer topic.
func (p *Publisher) PublishAnswer(ctx context.Context, text string) {
	p.publishNow(ctx, "answer", text, true)
}

// PublishError sets the retained error topic.
func (p *Publisher) PublishError(ctx context.Context, summary string) {
	p.publishNow(ctx, "error", summary, true)
}

// PublishWindowToggle announces one window hotkey press.
func (p *Publisher) PublishWindowToggle(ctx context.Context) {
	p.publishNow(ctx, "window", "toggle", false)
}

func (p *Publisher) conn() *autopaho.ConnectionManager {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cm
}

func (p *Publisher) publishNow(ctx context.Context, entity, value string, retain bool) {
	cm := p.conn()
	if cm == nil {
		p.logger.Log(ctx, levelTrace, "mqtt not connected, dropping publish", "entity", entity)
		return
	}
	p.publish(ctx, cm, entity, value, retain)
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return p.cfg.TopicPrefix + "/" + p.cfg.ClientID
}

func (p *Publisher) topic(entity string) string {
	return p.baseTopic() + "/" + entity
}

func (p *Publisher) discoveryTopic(entity string) string {
	return p.cfg.DiscoveryPrefix + "/sensor/" + p.cfg.ClientID + "/" + entity + "/config"
}

func (p *Publisher) publish(ctx context.Context, cm *autopaho.ConnectionManager, entity, value string, retain bool) {
	var qos byte
	if retain {
		qos = 1
	}
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.topic(entity),
		Payload: []byte(value),
		QoS:     qos,
		Retain:  retain,
	}); err != nil {
		p.logger.Debug("mqtt publish failed", "entity", entity, "error", err)
	}
}

// --- Discovery ---

func (p *Publisher) sensorDefinitions() map[string]SensorConfig {
	avail := p.topic("availability")
	sensor := func(entity, name, icon, category string) SensorConfig {
		return SensorConfig{
			Name:              p.device.Name + " " + name,
			UniqueID:          p.instanceID + "_" + entity,
			StateTopic:        p.topic(entity),
			AvailabilityTopic: avail,
			Device:            p.device,
			Icon:              icon,
			EntityCategory:    category,
		}
	}
	return map[string]SensorConfig{
		"status": sensor("status", "Status", "mdi:microphone-message", ""),
		"answer": sensor("answer", "Last Answer", "mdi:message-reply-text", ""),
		"error":  sensor("error", "Last Error", "mdi:alert-circle-outline", "diagnostic"),
	}
}

func (p *Publisher) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	if p.cfg.DiscoveryPrefix == "" {
		return
	}
	for entity, sc := range p.sensorDefinitions() {
		payload, err := json.Marshal(sc)
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload", "entity", entity, "error", err)
			continue
		}
		topic := p.discoveryTopic(entity)
		if _, err := cm.Publish(ctx, &paho.Publish{Topic: topic, Payload: payload, QoS: 1, Retain: true}); err != nil {
			p.logger.Warn("mqtt discovery publish failed", "entity", entity, "topic", topic, "error", err)
			continue
		}
		p.logger.Debug("mqtt discovery published", "entity", entity, "topic", topic)
	}
}
