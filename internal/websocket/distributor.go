package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"trustlink-chat/internal/backplane"
	"trustlink-chat/internal/metrics"
	"trustlink-chat/pkg/chat"
)

// envelope is what goes over the backplane. Origin lets a process skip its
// own publications, which it already delivered locally. Exclude names a
// connection, so it only matches on the process that owns it.
type envelope struct {
	Origin  string          `json:"origin"`
	Exclude string          `json:"exclude,omitempty"`
	Event   json.RawMessage `json:"event"`
}

type remoteSub struct {
	sub  backplane.Subscription
	refs int
}

// Distributor delivers events to local connections through the Registry and
// to other processes through the backplane. With a nil backplane it runs
// single-process.
type Distributor struct {
	registry  *Registry
	backplane backplane.Backplane
	nodeID    string
	logger    *slog.Logger
	metrics   *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	subs map[string]*remoteSub
}

func NewDistributor(registry *Registry, bp backplane.Backplane, nodeID string, logger *slog.Logger, m *metrics.Metrics) *Distributor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Distributor{
		registry:  registry,
		backplane: bp,
		nodeID:    nodeID,
		logger:    logger.With("component", "distributor", "node_id", nodeID),
		metrics:   m,
		ctx:       ctx,
		cancel:    cancel,
		subs:      make(map[string]*remoteSub),
	}
}

func (d *Distributor) Registry() *Registry { return d.registry }
func (d *Distributor) NodeID() string      { return d.nodeID }

// Start subscribes to the privileged channel for the life of the process.
func (d *Distributor) Start() {
	d.acquire(chat.PrivilegedChannel)
}

// Close drops every backplane subscription and waits for their consumers.
func (d *Distributor) Close() {
	d.cancel()

	d.mu.Lock()
	subs := d.subs
	d.subs = make(map[string]*remoteSub)
	d.mu.Unlock()

	for _, rs := range subs {
		if rs.sub != nil {
			rs.sub.Close()
		}
	}
	d.wg.Wait()
}

// Join registers c and makes sure this process hears remote events for its
// incident and user.
func (d *Distributor) Join(c *Client) bool {
	if !d.registry.Register(c) {
		return false
	}
	if c.incidentID != "" {
		d.acquire(chat.IncidentChannel(c.incidentID))
	}
	d.acquire(chat.UserChannel(c.userID))
	d.metrics.ActiveConnections.WithLabelValues(connKind(c)).Inc()
	return true
}

// Leave undoes Join. Subscriptions are dropped once no local connection
// needs them.
func (d *Distributor) Leave(c *Client) bool {
	if !d.registry.Unregister(c) {
		return false
	}
	if c.incidentID != "" {
		d.release(chat.IncidentChannel(c.incidentID))
	}
	d.release(chat.UserChannel(c.userID))
	d.metrics.ActiveConnections.WithLabelValues(connKind(c)).Dec()
	return true
}

func connKind(c *Client) string {
	if c.incidentID == "" {
		return "monitor"
	}
	return "incident"
}

// BroadcastToIncident delivers ev to every member of the incident except
// exclude, on this process and on every other one.
func (d *Distributor) BroadcastToIncident(ctx context.Context, incidentID string, ev chat.Event, exclude *Client) {
	frame, ok := d.encode(ev)
	if !ok {
		return
	}

	members := d.registry.ConnectionsForIncident(incidentID)
	targets := make([]*Client, 0, len(members))
	for _, m := range members {
		if m.Client != exclude {
			targets = append(targets, m.Client)
		}
	}
	d.deliver(targets, frame, ev.Type(), "local")

	excludeID := ""
	if exclude != nil {
		excludeID = exclude.id
	}
	d.publish(ctx, chat.IncidentChannel(incidentID), frame, excludeID)
}

// SendToUser delivers ev to every connection of userID.
func (d *Distributor) SendToUser(ctx context.Context, userID string, ev chat.Event) {
	frame, ok := d.encode(ev)
	if !ok {
		return
	}
	d.deliver(d.registry.ConnectionsForUser(userID), frame, ev.Type(), "local")
	d.publish(ctx, chat.UserChannel(userID), frame, "")
}

// BroadcastToPrivileged delivers ev to every privileged connection.
func (d *Distributor) BroadcastToPrivileged(ctx context.Context, ev chat.Event) {
	frame, ok := d.encode(ev)
	if !ok {
		return
	}
	d.deliver(d.registry.PrivilegedConnections(), frame, ev.Type(), "local")
	d.publish(ctx, chat.PrivilegedChannel, frame, "")
}

func (d *Distributor) encode(ev chat.Event) ([]byte, bool) {
	frame, err := json.Marshal(ev)
	if err != nil {
		d.logger.Error("failed to encode event", "type", ev.Type(), "error", err)
		return nil, false
	}
	return frame, true
}

// deliver never blocks: a failing target is logged and skipped.
func (d *Distributor) deliver(targets []*Client, frame []byte, typ chat.EventType, source string) {
	for _, c := range targets {
		err := c.Send(frame)
		switch {
		case err == nil:
			d.metrics.EventsDelivered.WithLabelValues(string(typ), source).Inc()
		case errors.Is(err, chat.ErrSlowConsumer):
			d.metrics.DeliveryFailures.WithLabelValues("slow_consumer").Inc()
			d.logger.Warn("slow consumer disconnected", "conn_id", c.id, "user_id", c.userID)
		default:
			d.metrics.DeliveryFailures.WithLabelValues("closed").Inc()
			d.logger.Debug("skipping closed connection", "conn_id", c.id, "error", err)
		}
	}
}

func (d *Distributor) publish(ctx context.Context, channel string, frame []byte, excludeID string) {
	if d.backplane == nil {
		return
	}
	data, err := json.Marshal(envelope{Origin: d.nodeID, Exclude: excludeID, Event: frame})
	if err != nil {
		d.logger.Error("failed to encode envelope", "channel", channel, "error", err)
		return
	}
	if err := d.backplane.Publish(ctx, channel, data); err != nil {
		d.metrics.BackplaneErrors.WithLabelValues("publish").Inc()
		d.logger.Warn("backplane publish failed, delivered locally only", "channel", channel, "error", err)
	}
}

// acquire takes a reference on channel. Subscribe runs outside d.mu, so a
// slow backplane delays only the connection that asked for a new channel.
func (d *Distributor) acquire(channel string) {
	if d.backplane == nil {
		return
	}

	d.mu.Lock()
	if rs, ok := d.subs[channel]; ok {
		rs.refs++
		d.mu.Unlock()
		return
	}
	// placeholder until Subscribe returns; sub stays nil meanwhile
	rs := &remoteSub{refs: 1}
	d.subs[channel] = rs
	d.mu.Unlock()

	sub, err := d.backplane.Subscribe(d.ctx, channel)

	d.mu.Lock()
	wanted := d.subs[channel] == rs
	if err != nil {
		if wanted {
			delete(d.subs, channel)
		}
		d.mu.Unlock()
		d.metrics.BackplaneErrors.WithLabelValues("subscribe").Inc()
		d.logger.Warn("backplane subscribe failed, remote events will be missed", "channel", channel, "error", err)
		return
	}
	if !wanted || d.ctx.Err() != nil {
		d.mu.Unlock()
		sub.Close()
		return
	}
	rs.sub = sub
	d.wg.Add(1)
	d.mu.Unlock()

	go d.consume(sub)
}

func (d *Distributor) release(channel string) {
	if d.backplane == nil {
		return
	}

	d.mu.Lock()
	rs, ok := d.subs[channel]
	if !ok {
		d.mu.Unlock()
		return
	}
	rs.refs--
	if rs.refs > 0 {
		d.mu.Unlock()
		return
	}
	delete(d.subs, channel)
	sub := rs.sub
	d.mu.Unlock()

	// A nil sub is still being subscribed; its acquirer sees the entry gone
	// and closes it.
	if sub != nil {
		sub.Close()
	}
}

// Subscribed reports whether the process currently listens on channel.
func (d *Distributor) Subscribed(channel string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	rs, ok := d.subs[channel]
	return ok && rs.sub != nil
}

func (d *Distributor) consume(sub backplane.Subscription) {
	defer d.wg.Done()
	for data := range sub.Messages() {
		d.deliverRemote(sub.Channel(), data)
	}
}

func (d *Distributor) deliverRemote(channel string, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		d.metrics.BackplaneErrors.WithLabelValues("decode").Inc()
		d.logger.Warn("dropping malformed backplane message", "channel", channel, "error", err)
		return
	}
	if env.Origin == d.nodeID {
		return
	}

	typ := chat.EventType("")
	var head struct {
		Type chat.EventType `json:"type"`
	}
	if json.Unmarshal(env.Event, &head) == nil {
		typ = head.Type
	}

	var targets []*Client
	kind, id := chat.ParseChannel(channel)
	switch kind {
	case chat.ChannelIncident:
		for _, m := range d.registry.ConnectionsForIncident(id) {
			if m.Client.id != env.Exclude {
				targets = append(targets, m.Client)
			}
		}
	case chat.ChannelUser:
		targets = d.registry.ConnectionsForUser(id)
	case chat.ChannelPrivileged:
		targets = d.registry.PrivilegedConnections()
	default:
		d.logger.Warn("message on unknown channel", "channel", channel)
		return
	}
	d.deliver(targets, env.Event, typ, "remote")
}
