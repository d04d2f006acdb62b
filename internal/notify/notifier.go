package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/gommon/log"

	"github.com/Leganyst/reservation-core/internal/session"
)

const defaultDeliveryTimeout = 2 * time.Second

// Resolver — источник адресатов; реализуется session.Registry.
type Resolver interface {
	Resolve(identity string) []session.Subscriber
	ResolveResource(resourceID string) []session.Subscriber
}

// Relay пересылает события во внешний брокер. Ошибки только логируются.
type Relay interface {
	PublishJSON(ctx context.Context, routingKey string, v any) error
}

type Config struct {
	DeliveryTimeout time.Duration
}

// Stats — учёт доставки одному подписчику.
type Stats struct {
	Delivered   int64
	Dropped     int64
	LastEventID string
}

// Notifier раздаёт события живым подключениям. Доставка не более одного раза:
// нет ни очереди повторов, ни хранения пропущенных событий.
type Notifier struct {
	resolver Resolver
	relay    Relay
	timeout  time.Duration
	log      *log.Logger

	mu    sync.Mutex
	stats map[string]*Stats
}

func New(resolver Resolver, cfg Config, relay Relay, logger *log.Logger) *Notifier {
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = defaultDeliveryTimeout
	}
	return &Notifier{
		resolver: resolver,
		relay:    relay,
		timeout:  cfg.DeliveryTimeout,
		log:      logger,
		stats:    make(map[string]*Stats),
	}
}

// Publish доставляет событие всем подключениям адресата. Ждёт не дольше таймаута
// доставки: зависшая отправка отбрасывается и логируется.
func (n *Notifier) Publish(ctx context.Context, ev Event) {
	if !ev.Kind.Valid() {
		n.log.Errorf("drop event with unknown kind %q", ev.Kind)
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	// Событие переживает отмену запроса, который его породил.
	ctx = context.WithoutCancel(ctx)

	if n.relay != nil {
		go n.forward(ctx, ev)
	}

	targets := n.targets(ev)
	if len(targets) == 0 {
		return
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		n.log.Errorf("marshal event %s: %v", ev.ID, err)
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, sub := range targets {
		wg.Add(1)
		go func(sub session.Subscriber) {
			defer wg.Done()
			err := sub.Conn.Send(sendCtx, payload)
			n.track(sub.ID, ev.ID, err == nil)
			if err != nil {
				n.log.Warnf("drop event %s kind=%s subscriber=%s: %v", ev.ID, ev.Kind, sub.ID, err)
			}
		}(sub)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-sendCtx.Done():
		// Отправки, не уложившиеся в срок, сами получат ошибку контекста.
	}
}

func (n *Notifier) targets(ev Event) []session.Subscriber {
	seen := make(map[string]struct{})
	var out []session.Subscriber

	add := func(subs []session.Subscriber) {
		for _, s := range subs {
			if _, ok := seen[s.ID]; ok {
				continue
			}
			seen[s.ID] = struct{}{}
			out = append(out, s)
		}
	}
	if ev.TargetIdentity != "" {
		add(n.resolver.Resolve(ev.TargetIdentity))
	}
	if ev.TargetResource != "" {
		add(n.resolver.ResolveResource(ev.TargetResource))
	}
	return out
}

func (n *Notifier) forward(ctx context.Context, ev Event) {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	if err := n.relay.PublishJSON(ctx, "appointment."+string(ev.Kind), newRelayMessage(ev)); err != nil {
		n.log.Warnf("relay event %s: %v", ev.ID, err)
	}
}

func (n *Notifier) track(subscriberID, eventID string, delivered bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	s, ok := n.stats[subscriberID]
	if !ok {
		s = &Stats{}
		n.stats[subscriberID] = s
	}
	if delivered {
		s.Delivered++
		s.LastEventID = eventID
	} else {
		s.Dropped++
	}
}

// Stats возвращает учёт доставки подписчику.
func (n *Notifier) Stats(subscriberID string) (Stats, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, ok := n.stats[subscriberID]
	if !ok {
		return Stats{}, false
	}
	return *s, true
}

// Forget удаляет учёт отключившегося подписчика.
func (n *Notifier) Forget(subscriberID string) {
	n.mu.Lock()
	delete(n.stats, subscriberID)
	n.mu.Unlock()
}
