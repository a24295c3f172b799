//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"quilt-bridge/internal/reconcile"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker          string
	Username        string
	Password        string
	TopicPrefix     string
	DiscoveryPrefix string
}

// Bridge publishes reconciled space state to MQTT with HA autodiscovery and
// feeds commands back to the cloud.
type Bridge struct {
	client    pahomqtt.Client
	rec       *reconcile.Reconciler
	commander *Commander
	prefix    string
	discovery string
	logger    *slog.Logger
	unsub     func()
	ctx       context.Context
	cancel    context.CancelFunc

	// Spaces whose discovery and command subscription are already set up.
	mu        sync.Mutex
	announced map[string]bool
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(rec *reconcile.Reconciler, commander *Commander, cfg Config, logger *slog.Logger) (*Bridge, error) {
	if cfg.DiscoveryPrefix == "" {
		cfg.DiscoveryPrefix = "homeassistant"
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		rec:       rec,
		commander: commander,
		prefix:    cfg.TopicPrefix,
		discovery: cfg.DiscoveryPrefix,
		logger:    logger.With("component", "mqtt"),
		announced: make(map[string]bool),
		ctx:       ctx,
		cancel:    cancel,
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("quilt-bridge-" + uuid.NewString()[:8]).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.publishAllSpaces()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		cancel()
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		cancel()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	b.client = client
	return b, nil
}

// Start subscribes to reconciler events and begins MQTT publishing.
func (b *Bridge) Start(bus *reconcile.EventBus) {
	b.unsub = bus.OnAll(b.handleEvent)
	b.publishAllSpaces()
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	if b.unsub != nil {
		b.unsub()
	}
	for _, sp := range b.rec.Spaces() {
		b.publish(b.availabilityTopic(sp.SpaceID), []byte("offline"), true)
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleEvent(event reconcile.Event) {
	switch event.Type {
	case reconcile.EventSpaceUpdate, reconcile.EventEnergyUpdate:
		if ev, ok := event.Data.(reconcile.SpaceEvent); ok {
			b.ensureAnnounced(ev.SpaceID)
			b.publishSpaceState(ev.SpaceID)
		}
	case reconcile.EventSpaceAvailability:
		if ev, ok := event.Data.(reconcile.AvailabilityEvent); ok {
			b.ensureAnnounced(ev.SpaceID)
			state := "offline"
			if ev.Available {
				state = "online"
			}
			b.publish(b.availabilityTopic(ev.SpaceID), []byte(state), true)
		}
	case reconcile.EventSpaceRemoved:
		if ev, ok := event.Data.(reconcile.RemovalEvent); ok {
			b.retractSpace(ev.SpaceID)
		}
	}
}

// retractSpace clears the retained topics and discovery configs for a space
// deleted upstream, so HA drops its entities.
func (b *Bridge) retractSpace(spaceID string) {
	b.mu.Lock()
	delete(b.announced, spaceID)
	b.mu.Unlock()

	b.client.Unsubscribe(b.prefix + "/" + spaceID + "/set")
	for _, msg := range buildRemoveDiscovery(spaceID, b.discovery) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.publish(b.prefix+"/"+spaceID, nil, true)
	b.publish(b.availabilityTopic(spaceID), nil, true)
	b.logger.Info("retracted removed space", "space", spaceID)
}

// ensureAnnounced publishes discovery and subscribes the command topic the
// first time a space is seen.
func (b *Bridge) ensureAnnounced(spaceID string) {
	b.mu.Lock()
	if b.announced[spaceID] {
		b.mu.Unlock()
		return
	}
	b.announced[spaceID] = true
	b.mu.Unlock()

	sp, ok := b.rec.Space(spaceID)
	if !ok {
		return
	}
	b.publishSpaceDiscovery(sp)
	b.subscribeSpaceCommands(spaceID)
}

func (b *Bridge) publishBridgeState(state string) {
	topic := b.prefix + "/bridge/state"
	b.publish(topic, []byte(state), true)
}

// publishAllSpaces re-announces every known space. Runs on every (re)connect
// so a restarted broker gets the retained topics back.
func (b *Bridge) publishAllSpaces() {
	for _, sp := range b.rec.Spaces() {
		b.mu.Lock()
		b.announced[sp.SpaceID] = true
		b.mu.Unlock()

		b.publishSpaceDiscovery(sp)
		b.subscribeSpaceCommands(sp.SpaceID)
		b.publishSpaceState(sp.SpaceID)

		state := "offline"
		if sp.Available {
			state = "online"
		}
		b.publish(b.availabilityTopic(sp.SpaceID), []byte(state), true)
	}
}

func (b *Bridge) publishSpaceDiscovery(sp reconcile.Space) {
	for _, msg := range buildDiscovery(sp, b.prefix, b.discovery) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.logger.Info("published HA discovery", "space", sp.SpaceID, "name", sp.Name())
}

// publishSpaceState publishes the full retained state document for a space.
func (b *Bridge) publishSpaceState(spaceID string) {
	sp, ok := b.rec.Space(spaceID)
	if !ok {
		return
	}
	doc := make(map[string]any, len(sp.Fields)+2)
	for k, v := range sp.Fields {
		doc[k] = v
	}
	doc["available"] = sp.Available
	if !sp.LastApplied.IsZero() {
		doc["last_update"] = sp.LastApplied.UTC().Format(time.RFC3339)
	}

	b.publish(b.prefix+"/"+spaceID, mustJSON(doc), true)
}

func (b *Bridge) subscribeSpaceCommands(spaceID string) {
	topic := b.prefix + "/" + spaceID + "/set"
	b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleCommand(spaceID, msg.Payload())
	})
}

func (b *Bridge) handleCommand(spaceID string, payload []byte) {
	ctx, cancel := context.WithTimeout(b.ctx, 15*time.Second)
	defer cancel()

	err := b.commander.Handle(ctx, spaceID, payload)
	switch {
	case err == nil:
		b.logger.Debug("command accepted", "space", spaceID)
	case errors.Is(err, ErrCommandRejected):
		b.logger.Warn("command rejected", "space", spaceID, "err", err)
		// HA applied the command optimistically. Republish the retained
		// state so the entity reverts.
		b.publishSpaceState(spaceID)
	default:
		b.logger.Error("command failed", "space", spaceID, "err", err)
	}
}

func (b *Bridge) availabilityTopic(spaceID string) string {
	return b.prefix + "/" + spaceID + "/availability"
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
