package calendar

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	ErrInvalidTimeRange = errors.New("invalid time range")
	ErrSlotDuration     = errors.New("slot duration must be positive")
)

// TimeRange представляет временной интервал [Start, End).
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// NewTimeRange создаёт интервал [start, start+d) и проверяет, что он не пустой.
func NewTimeRange(start time.Time, d time.Duration) (TimeRange, error) {
	if start.IsZero() {
		return TimeRange{}, ErrInvalidTimeRange
	}
	if d <= 0 {
		return TimeRange{}, ErrSlotDuration
	}
	return TimeRange{Start: start, End: start.Add(d)}, nil
}

func (tr TimeRange) Duration() time.Duration { return tr.End.Sub(tr.Start) }

// Overlaps — пересечение полуоткрытых интервалов; касание концами не считается.
func (tr TimeRange) Overlaps(other TimeRange) bool {
	return tr.Start.Before(other.End) && other.Start.Before(tr.End)
}

// NormalizeTimeRange нормализует интервал:
//   - меняет местами границы, если они перепутаны;
//   - переводит в заданный часовой пояс loc;
//   - при превышении maxDuration обрезает интервал до start+maxDuration.
//
// Если maxDuration <= 0, ограничение по длительности не применяется.
func NormalizeTimeRange(
	start, end time.Time,
	loc *time.Location,
	maxDuration time.Duration,
) (TimeRange, error) {
	if start.IsZero() || end.IsZero() {
		return TimeRange{}, ErrInvalidTimeRange
	}

	// Перестановка границ при необходимости.
	if end.Before(start) {
		start, end = end, start
	}

	if loc != nil {
		start = start.In(loc)
		end = end.In(loc)
	}

	if maxDuration > 0 {
		if end.Sub(start) > maxDuration {
			end = start.Add(maxDuration)
		}
	}

	if !end.After(start) {
		return TimeRange{}, ErrInvalidTimeRange
	}

	return TimeRange{Start: start, End: end}, nil
}

// SplitToTimeSlots разбивает интервал на слоты фиксированной длительности.
// alignMinutes > 0 — выравнивание начала по ближайшей отметке, кратной alignMinutes.
// "Хвост" меньшей длительности, чем slotDuration, отбрасывается.
func SplitToTimeSlots(
	tr TimeRange,
	slotDuration time.Duration,
	alignMinutes int,
) ([]TimeRange, error) {
	if slotDuration <= 0 {
		return nil, ErrSlotDuration
	}
	if !tr.End.After(tr.Start) {
		return []TimeRange{}, nil
	}

	start := tr.Start

	// Выравнивание по шагу в минутах, если задан.
	if alignMinutes > 0 {
		min := start.Minute()
		rem := min % alignMinutes
		if rem != 0 || start.Second() != 0 || start.Nanosecond() != 0 {
			delta := alignMinutes - rem
			start = time.Date(
				start.Year(),
				start.Month(),
				start.Day(),
				start.Hour(),
				min+delta,
				0, 0,
				start.Location(),
			)
			if !start.Before(tr.End) {
				return []TimeRange{}, nil
			}
		}
	}

	var slots []TimeRange
	for cur := start; !cur.Add(slotDuration).After(tr.End); cur = cur.Add(slotDuration) {
		slots = append(slots, TimeRange{Start: cur, End: cur.Add(slotDuration)})
	}

	return slots, nil
}

// Occupancy — интервал, занимающий Units единиц ёмкости.
type Occupancy struct {
	Range TimeRange
	Units int
}

// PeakLoad возвращает максимальную суммарную занятость в любой момент внутри window.
// Интервалы полуоткрытые: запись, заканчивающаяся в 10:30, не конфликтует с
// записью, начинающейся в 10:30.
func PeakLoad(window TimeRange, items []Occupancy) int {
	type edge struct {
		at    time.Time
		delta int
	}

	edges := make([]edge, 0, len(items)*2)
	for _, it := range items {
		if it.Units <= 0 || !window.Overlaps(it.Range) {
			continue
		}
		start, end := it.Range.Start, it.Range.End
		if start.Before(window.Start) {
			start = window.Start
		}
		if end.After(window.End) {
			end = window.End
		}
		edges = append(edges, edge{at: start, delta: it.Units}, edge{at: end, delta: -it.Units})
	}

	// В одной точке сначала освобождаем, потом занимаем.
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].at.Equal(edges[j].at) {
			return edges[i].delta < edges[j].delta
		}
		return edges[i].at.Before(edges[j].at)
	})

	load, peak := 0, 0
	for _, e := range edges {
		load += e.delta
		if load > peak {
			peak = load
		}
	}
	return peak
}

// ===== Форматирование слота для пользователя =====

var ruWeekdays = map[time.Weekday]string{
	time.Monday:    "Понедельник",
	time.Tuesday:   "Вторник",
	time.Wednesday: "Среда",
	time.Thursday:  "Четверг",
	time.Friday:    "Пятница",
	time.Saturday:  "Суббота",
	time.Sunday:    "Воскресенье",
}

// FormatSlotForUser форматирует интервал в человекочитаемую строку.
// Если loc != nil, время переводится в указанный часовой пояс.
func FormatSlotForUser(tr TimeRange, loc *time.Location) string {
	start := tr.Start
	end := tr.End

	if loc != nil {
		start = start.In(loc)
		end = end.In(loc)
	}

	return fmt.Sprintf("%s, %s, %s–%s",
		ruWeekdays[start.Weekday()],
		start.Format("02.01.2006"),
		start.Format("15:04"),
		end.Format("15:04"),
	)
}
