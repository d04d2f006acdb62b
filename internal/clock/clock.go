// Package clock изолирует ядро от системного времени.
package clock

import (
	"sync"
	"time"
)

// Clock — источник текущего времени. Всё ядро берёт время только отсюда.
type Clock interface {
	Now() time.Time
}

// System — реальные часы в UTC. Монотонная составляющая отбрасывается:
// время уходит в базу и в события, а не используется для замеров.
type System struct{}

func (System) Now() time.Time { return time.Now().UTC() }

// Manual — управляемые часы для тестов и детерминированных прогонов.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance сдвигает часы вперёд на d.
func (m *Manual) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	return m.now
}

func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t.UTC()
}
