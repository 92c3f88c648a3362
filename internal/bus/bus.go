package bus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/overseer/internal/journal"
	"go.uber.org/zap"
)

const (
	defaultMailboxSize       = 256
	defaultSweepInterval     = 5 * time.Minute
	defaultHeartbeatInterval = time.Minute

	busSenderID = "message_bus"
)

// Filter is a delivery predicate. Returning false vetoes the message.
type Filter func(*Message) bool

// Tap observes every successfully delivered message.
type Tap func(*Message)

// Stats is a snapshot of bus counters.
type Stats struct {
	TotalSent          int                 `json:"total_sent"`
	TotalDelivered     int                 `json:"total_delivered"`
	TotalFailed        int                 `json:"total_failed"`
	MessagesByType     map[MessageType]int `json:"messages_by_type"`
	MessagesByPriority map[Priority]int    `json:"messages_by_priority"`
	ActiveAgents       int                 `json:"active_agents"`
	TotalSubscriptions int                 `json:"total_subscriptions"`
	QueueDepths        map[string]int      `json:"queue_depths"`
}

// Bus routes messages between in-process agent mailboxes. Each registered
// agent gets a bounded FIFO mailbox; broadcasts fan out to per-type
// subscriber sets. Delivery is at-most-once per mailbox.
type Bus struct {
	journal *journal.Writer
	logger  *zap.Logger

	mu        sync.RWMutex
	mailboxes map[string]chan *Message
	subs      map[MessageType]map[string]struct{}
	filters   []Filter
	taps      []Tap

	statsMu    sync.Mutex
	sent       int
	delivered  int
	failed     int
	byType     map[MessageType]int
	byPriority map[Priority]int

	mailboxSize    int
	sweepEvery     time.Duration
	heartbeatEvery time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Bus.
type Option func(*Bus)

// WithMailboxSize bounds each agent's mailbox.
func WithMailboxSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.mailboxSize = n
		}
	}
}

// WithSweepInterval sets the expired-message sweep cadence.
func WithSweepInterval(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.sweepEvery = d
		}
	}
}

// WithHeartbeatInterval sets the heartbeat broadcast cadence.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.heartbeatEvery = d
		}
	}
}

// New creates a message bus. Call Start to launch the background sweeps.
func New(j *journal.Writer, logger *zap.Logger, opts ...Option) *Bus {
	b := &Bus{
		journal:        j,
		logger:         logger,
		mailboxes:      make(map[string]chan *Message),
		subs:           make(map[MessageType]map[string]struct{}),
		byType:         make(map[MessageType]int),
		byPriority:     make(map[Priority]int),
		mailboxSize:    defaultMailboxSize,
		sweepEvery:     defaultSweepInterval,
		heartbeatEvery: defaultHeartbeatInterval,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start launches the expiry sweep and heartbeat loops.
func (b *Bus) Start(ctx context.Context) {
	ctx, b.cancel = context.WithCancel(ctx)
	b.wg.Add(2)
	go b.sweepLoop(ctx)
	go b.heartbeatLoop(ctx)
	b.logger.Info("message bus started")
}

// Stop cancels the background loops and drains every mailbox.
func (b *Bus) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()

	b.mu.Lock()
	for _, mb := range b.mailboxes {
		drain(mb)
	}
	b.mu.Unlock()
	b.logger.Info("message bus stopped")
}

// Register creates a mailbox for an agent. Returns false if already present.
func (b *Bus) Register(agentID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.mailboxes[agentID]; ok {
		return false
	}
	b.mailboxes[agentID] = make(chan *Message, b.mailboxSize)
	b.logger.Info("agent registered with bus", zap.String("agent", agentID))
	return true
}

// Unregister drains and removes an agent's mailbox and clears its
// subscriptions. Pending messages are discarded, not delivered.
func (b *Bus) Unregister(agentID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	mb, ok := b.mailboxes[agentID]
	if !ok {
		return false
	}
	drain(mb)
	delete(b.mailboxes, agentID)
	for _, set := range b.subs {
		delete(set, agentID)
	}
	b.logger.Info("agent unregistered from bus", zap.String("agent", agentID))
	return true
}

// AddFilter installs a delivery predicate applied to every send.
func (b *Bus) AddFilter(f Filter) {
	b.mu.Lock()
	b.filters = append(b.filters, f)
	b.mu.Unlock()
}

// AddTap installs an observer called after each successful delivery.
func (b *Bus) AddTap(t Tap) {
	b.mu.Lock()
	b.taps = append(b.taps, t)
	b.mu.Unlock()
}

// Send persists the message, applies filters, then routes it. A directed
// message to an unknown or full mailbox is a routing miss: false, no error.
// A broadcast succeeds if at least one subscriber received it.
func (b *Bus) Send(msg *Message) bool {
	b.journal.Create(journal.CollectionMessages, msg.ID, msg.Doc())

	if !b.applyFilters(msg) {
		b.logger.Debug("message filtered out", zap.String("message", msg.ID))
		return false
	}

	delivered := b.route(msg)
	b.count(msg, delivered)

	if delivered {
		b.mu.RLock()
		taps := b.taps
		b.mu.RUnlock()
		for _, t := range taps {
			t(msg)
		}
	}
	return delivered
}

// Receive pops the next message from an agent's mailbox. A zero timeout is a
// non-blocking poll. Returns nil on timeout, cancellation, or unknown agent.
func (b *Bus) Receive(ctx context.Context, agentID string, timeout time.Duration) *Message {
	b.mu.RLock()
	mb, ok := b.mailboxes[agentID]
	b.mu.RUnlock()
	if !ok {
		return nil
	}

	if timeout <= 0 {
		select {
		case msg := <-mb:
			return msg
		default:
			return nil
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-mb:
		return msg
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return nil
	}
}

// Subscribe adds an agent to the broadcast group for a message type.
func (b *Bus) Subscribe(agentID string, t MessageType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[t]
	if !ok {
		set = make(map[string]struct{})
		b.subs[t] = set
	}
	set[agentID] = struct{}{}
	b.logger.Debug("subscribed", zap.String("agent", agentID), zap.String("type", string(t)))
}

// Unsubscribe removes an agent from a broadcast group.
func (b *Bus) Unsubscribe(agentID string, t MessageType) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[t]
	if !ok {
		return false
	}
	delete(set, agentID)
	return true
}

// Broadcast builds one message per subscriber (each with its own id) and
// sends it. Returns the delivered count.
func (b *Bus) Broadcast(senderID string, t MessageType, payload map[string]any, p Priority) int {
	b.mu.RLock()
	var recipients []string
	for id := range b.subs[t] {
		if id != senderID {
			recipients = append(recipients, id)
		}
	}
	b.mu.RUnlock()

	delivered := 0
	for _, id := range recipients {
		if b.Send(NewMessage(senderID, id, t, p, payload)) {
			delivered++
		}
	}
	b.logger.Debug("broadcast delivered",
		zap.String("type", string(t)),
		zap.Int("count", delivered))
	return delivered
}

// RequestResponse sends a correlated request and polls the sender's own
// mailbox for the matching response. Non-matching messages consumed while
// waiting are dropped, same as any at-most-once receive. Returns nil on
// timeout or when the request itself fails to route.
func (b *Bus) RequestResponse(ctx context.Context, senderID, recipientID string,
	t MessageType, payload map[string]any, timeout time.Duration) *Message {

	msg := NewMessage(senderID, recipientID, t, PriorityNormal, payload)
	msg.CorrelationID = uuid.New().String()
	msg.RequiresResponse = true

	if !b.Send(msg) {
		return nil
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		wait := time.Second
		if remaining := time.Until(deadline); remaining < wait {
			wait = remaining
		}
		resp := b.Receive(ctx, senderID, wait)
		if resp != nil && resp.CorrelationID == msg.CorrelationID {
			return resp
		}
		if ctx.Err() != nil {
			return nil
		}
	}
	b.logger.Warn("request-response timeout",
		zap.String("sender", senderID),
		zap.String("recipient", recipientID),
		zap.String("correlation", msg.CorrelationID))
	return nil
}

// Respond builds and sends a reply carrying the request's correlation id.
func (b *Bus) Respond(req *Message, senderID string, t MessageType, payload map[string]any) bool {
	resp := NewMessage(senderID, req.SenderID, t, req.Priority, payload)
	resp.CorrelationID = req.CorrelationID
	return b.Send(resp)
}

// History returns journaled messages sent by or addressed to an agent.
func (b *Bus) History(ctx context.Context, agentID string, limit int) ([]map[string]any, error) {
	if limit <= 0 {
		limit = 50
	}
	docs, err := b.journal.Recent(ctx, journal.CollectionMessages, limit*4)
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for _, doc := range docs {
		if doc["sender_id"] == agentID || doc["recipient_id"] == agentID {
			out = append(out, doc)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// Stats returns a snapshot of bus counters.
func (b *Bus) Stats() Stats {
	b.statsMu.Lock()
	s := Stats{
		TotalSent:          b.sent,
		TotalDelivered:     b.delivered,
		TotalFailed:        b.failed,
		MessagesByType:     make(map[MessageType]int, len(b.byType)),
		MessagesByPriority: make(map[Priority]int, len(b.byPriority)),
	}
	for k, v := range b.byType {
		s.MessagesByType[k] = v
	}
	for k, v := range b.byPriority {
		s.MessagesByPriority[k] = v
	}
	b.statsMu.Unlock()

	b.mu.RLock()
	s.ActiveAgents = len(b.mailboxes)
	s.QueueDepths = make(map[string]int, len(b.mailboxes))
	for id, mb := range b.mailboxes {
		s.QueueDepths[id] = len(mb)
	}
	for _, set := range b.subs {
		s.TotalSubscriptions += len(set)
	}
	b.mu.RUnlock()
	return s
}

func (b *Bus) route(msg *Message) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if msg.RecipientID == "" {
		delivered := false
		for id := range b.subs[msg.Type] {
			if id == msg.SenderID {
				continue
			}
			if mb, ok := b.mailboxes[id]; ok && offer(mb, msg) {
				delivered = true
			}
		}
		return delivered
	}

	mb, ok := b.mailboxes[msg.RecipientID]
	if !ok {
		b.logger.Warn("recipient not registered",
			zap.String("recipient", msg.RecipientID),
			zap.String("message", msg.ID))
		return false
	}
	return offer(mb, msg)
}

func (b *Bus) applyFilters(msg *Message) bool {
	b.mu.RLock()
	filters := b.filters
	b.mu.RUnlock()
	for _, f := range filters {
		if !safeFilter(f, msg, b.logger) {
			return false
		}
	}
	return true
}

// safeFilter treats a panicking filter as a pass; a broken filter must not
// block delivery.
func safeFilter(f Filter, msg *Message, logger *zap.Logger) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("message filter panicked", zap.Any("panic", r))
			ok = true
		}
	}()
	return f(msg)
}

func (b *Bus) count(msg *Message, delivered bool) {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	b.sent++
	if delivered {
		b.delivered++
	} else {
		b.failed++
	}
	b.byType[msg.Type]++
	b.byPriority[msg.Priority]++
}

func (b *Bus) sweepLoop(ctx context.Context) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.journal.DeleteExpired(journal.CollectionMessages, time.Now().UTC())
		}
	}
}

func (b *Bus) heartbeatLoop(ctx context.Context) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Broadcast(busSenderID, TypeHeartbeat, map[string]any{
				"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
			}, PriorityLow)
		}
	}
}

// offer enqueues without blocking. A full mailbox is a routing miss.
func offer(mb chan *Message, msg *Message) bool {
	select {
	case mb <- msg:
		return true
	default:
		return false
	}
}

func drain(mb chan *Message) {
	for {
		select {
		case <-mb:
		default:
			return
		}
	}
}
