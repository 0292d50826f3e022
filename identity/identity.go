// Package identity хранит результаты распознавания по номерам треков одной
// камеры, чтобы не распознавать лицо на каждом кадре.
package identity

import "time"

type Entry struct {
	Name       string
	Authorized bool
	Similarity float64
	Updated    time.Time
}

// Cache не потокобезопасен: им владеет обработчик кадров камеры, только он
// чистит кеш и вносит в него результаты.
//
// current - результаты, действительные trackTTL. lastKnown - последние
// известные личности треков, живут persistTTL и позволяют не отправлять
// трек на повторное распознавание после короткой потери.
type Cache struct {
	trackTTL   time.Duration
	persistTTL time.Duration

	current   map[int]Entry
	lastKnown map[int]Entry
	pending   map[int]time.Time
}

func New(trackTTL, persistTTL time.Duration) *Cache {
	return &Cache{
		trackTTL:   trackTTL,
		persistTTL: persistTTL,
		current:    map[int]Entry{},
		lastKnown:  map[int]Entry{},
		pending:    map[int]time.Time{},
	}
}

// Prune удаляет просроченные записи обеих карт и зависшие запросы.
func (c *Cache) Prune(now time.Time) {
	for id, e := range c.current {
		if now.Sub(e.Updated) >= c.trackTTL {
			delete(c.current, id)
		}
	}
	for id, e := range c.lastKnown {
		if now.Sub(e.Updated) >= c.persistTTL {
			delete(c.lastKnown, id)
		}
	}
	for id, at := range c.pending {
		if now.Sub(at) >= c.trackTTL {
			delete(c.pending, id)
		}
	}
}

// Merge вносит результат распознавания в обе карты.
func (c *Cache) Merge(trackID int, e Entry) {
	c.current[trackID] = e
	c.lastKnown[trackID] = e
	delete(c.pending, trackID)
}

// Lookup ищет запись сначала среди текущих, затем среди последних
// известных. Найденная в последних известных запись возвращается в
// текущие. Просроченные записи не возвращаются даже до очистки.
func (c *Cache) Lookup(trackID int, now time.Time) (Entry, bool) {
	if e, ok := c.current[trackID]; ok && now.Sub(e.Updated) < c.trackTTL {
		return e, true
	}
	if e, ok := c.lastKnown[trackID]; ok && now.Sub(e.Updated) < c.persistTTL {
		if now.Sub(e.Updated) < c.trackTTL {
			c.current[trackID] = e
		}
		return e, true
	}
	return Entry{}, false
}

// MarkPending отмечает, что лицо трека отправлено на распознавание.
func (c *Cache) MarkPending(trackID int, now time.Time) {
	c.pending[trackID] = now
}

// Pending: запрос на распознавание трека ещё не вернулся.
func (c *Cache) Pending(trackID int, now time.Time) bool {
	at, ok := c.pending[trackID]
	return ok && now.Sub(at) < c.trackTTL
}

// Current возвращает запись только из текущей карты, без подъёма.
func (c *Cache) Current(trackID int) (Entry, bool) {
	e, ok := c.current[trackID]
	return e, ok
}

func (c *Cache) LastKnown(trackID int) (Entry, bool) {
	e, ok := c.lastKnown[trackID]
	return e, ok
}

func (c *Cache) Reset() {
	c.current = map[int]Entry{}
	c.lastKnown = map[int]Entry{}
	c.pending = map[int]time.Time{}
}
