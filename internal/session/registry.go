// Package session хранит живые подключения клиентов: личность → подписки,
// ресурс → наблюдатели. Уведомитель только читает эти данные.
package session

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrInvalidSubscription = errors.New("identity and connection are required")
	ErrUnknownSubscriber   = errors.New("unknown subscriber")
)

// Connection — узкий интерфейс транспорта реального времени.
// Done закрывается, когда клиент отключился.
type Connection interface {
	Send(ctx context.Context, payload []byte) error
	Done() <-chan struct{}
}

// Subscriber — одно живое подключение личности.
type Subscriber struct {
	ID       string
	Identity string
	Conn     Connection
}

type entry struct {
	sub     Subscriber
	watches map[string]struct{}
	stop    chan struct{}
}

type Registry struct {
	mu         sync.RWMutex
	byID       map[string]*entry
	byIdentity map[string]map[string]struct{}
	byResource map[string]map[string]struct{}

	onRemove []func(id string)
}

func NewRegistry() *Registry {
	return &Registry{
		byID:       make(map[string]*entry),
		byIdentity: make(map[string]map[string]struct{}),
		byResource: make(map[string]map[string]struct{}),
	}
}

// OnRemove подписывает fn на удаление подписки (явное или по отключению).
func (r *Registry) OnRemove(fn func(id string)) {
	r.mu.Lock()
	r.onRemove = append(r.onRemove, fn)
	r.mu.Unlock()
}

// Register добавляет подключение личности. Одна личность может иметь
// сколько угодно подключений одновременно.
func (r *Registry) Register(identity string, conn Connection) (string, error) {
	if identity == "" || conn == nil {
		return "", ErrInvalidSubscription
	}

	e := &entry{
		sub: Subscriber{
			ID:       uuid.NewString(),
			Identity: identity,
			Conn:     conn,
		},
		watches: make(map[string]struct{}),
		stop:    make(chan struct{}),
	}

	r.mu.Lock()
	r.byID[e.sub.ID] = e
	addTo(r.byIdentity, identity, e.sub.ID)
	r.mu.Unlock()

	go r.watchDisconnect(e)

	return e.sub.ID, nil
}

func (r *Registry) watchDisconnect(e *entry) {
	select {
	case <-e.sub.Conn.Done():
		r.Unregister(e.sub.ID)
	case <-e.stop:
	}
}

// Unregister удаляет подписку. Повторный вызов безопасен.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	e, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byID, id)
	removeFrom(r.byIdentity, e.sub.Identity, id)
	for res := range e.watches {
		removeFrom(r.byResource, res, id)
	}
	close(e.stop)
	hooks := r.onRemove
	r.mu.Unlock()

	for _, fn := range hooks {
		fn(id)
	}
}

// Watch подписывает подключение на события ресурса.
func (r *Registry) Watch(id, resourceID string) error {
	if resourceID == "" {
		return ErrInvalidSubscription
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byID[id]
	if !ok {
		return ErrUnknownSubscriber
	}
	e.watches[resourceID] = struct{}{}
	addTo(r.byResource, resourceID, id)
	return nil
}

// Resolve — все живые подключения личности.
func (r *Registry) Resolve(identity string) []Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(r.byIdentity[identity])
}

// ResolveResource — все подключения, наблюдающие за ресурсом.
func (r *Registry) ResolveResource(resourceID string) []Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(r.byResource[resourceID])
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

func (r *Registry) collect(ids map[string]struct{}) []Subscriber {
	out := make([]Subscriber, 0, len(ids))
	for id := range ids {
		if e, ok := r.byID[id]; ok {
			out = append(out, e.sub)
		}
	}
	return out
}

func addTo(m map[string]map[string]struct{}, key, id string) {
	set, ok := m[key]
	if !ok {
		set = make(map[string]struct{})
		m[key] = set
	}
	set[id] = struct{}{}
}

func removeFrom(m map[string]map[string]struct{}, key, id string) {
	set, ok := m[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(m, key)
	}
}
