// Package tracker связывает обнаружения лиц между кадрами и присваивает
// им устойчивые номера треков. Простой SORT-подобный трекер по IoU.
package tracker

import (
	"image"
	"sort"
)

const (
	DefaultMaxAge  = 10
	DefaultMinHits = 3
	DefaultMinIoU  = 0.3
)

type state int

const (
	tentative state = iota
	confirmed
)

type Track struct {
	ID              int
	Box             image.Rectangle
	Confidence      float64
	Hits            int
	Age             int
	TimeSinceUpdate int

	state state
}

// Confirmed: трек набрал достаточно попаданий подряд.
func (t Track) Confirmed() bool {
	return t.state == confirmed
}

// Current: трек подтверждён и обновлён на последнем кадре.
func (t Track) Current() bool {
	return t.Confirmed() && t.TimeSinceUpdate == 0
}

type Detection struct {
	Box        image.Rectangle
	Confidence float64
}

// Tracker не потокобезопасен: у каждой камеры свой трекер, и вызывает его
// только обработчик кадров этой камеры.
type Tracker struct {
	maxAge  int
	minHits int
	minIoU  float64

	tracks []*Track
	nextID int
}

func New(maxAge, minHits int) *Tracker {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if minHits <= 0 {
		minHits = DefaultMinHits
	}
	return &Tracker{
		maxAge:  maxAge,
		minHits: minHits,
		minIoU:  DefaultMinIoU,
		nextID:  1,
	}
}

type pair struct {
	track, detection int
	iou              float64
}

// Update сопоставляет обнаружения с треками жадно по убыванию IoU и
// возвращает копии всех живых треков.
func (t *Tracker) Update(detections []Detection) []Track {
	for _, tr := range t.tracks {
		tr.Age++
		tr.TimeSinceUpdate++
	}

	var pairs []pair
	for ti, tr := range t.tracks {
		for di, d := range detections {
			if v := IoU(tr.Box, d.Box); v >= t.minIoU {
				pairs = append(pairs, pair{track: ti, detection: di, iou: v})
			}
		}
	}

	sort.SliceStable(pairs, func(i, j int) bool {
		return pairs[i].iou > pairs[j].iou
	})

	trackUsed := make([]bool, len(t.tracks))
	detUsed := make([]bool, len(detections))

	for _, p := range pairs {
		if trackUsed[p.track] || detUsed[p.detection] {
			continue
		}
		trackUsed[p.track] = true
		detUsed[p.detection] = true

		tr := t.tracks[p.track]
		d := detections[p.detection]
		tr.Box = d.Box
		tr.Confidence = d.Confidence
		tr.Hits++
		tr.TimeSinceUpdate = 0
		if tr.state == tentative && tr.Hits >= t.minHits {
			tr.state = confirmed
		}
	}

	// Удаляем неподтверждённые треки при первом промахе и подтверждённые,
	// которые слишком долго не обновлялись.
	alive := t.tracks[:0]
	for _, tr := range t.tracks {
		if tr.TimeSinceUpdate > 0 && tr.state == tentative {
			continue
		}
		if tr.TimeSinceUpdate > t.maxAge {
			continue
		}
		alive = append(alive, tr)
	}
	for i := len(alive); i < len(t.tracks); i++ {
		t.tracks[i] = nil
	}
	t.tracks = alive

	for di, d := range detections {
		if detUsed[di] {
			continue
		}
		tr := &Track{
			ID:         t.nextID,
			Box:        d.Box,
			Confidence: d.Confidence,
			Hits:       1,
		}
		if t.minHits <= 1 {
			tr.state = confirmed
		}
		t.nextID++
		t.tracks = append(t.tracks, tr)
	}

	out := make([]Track, 0, len(t.tracks))
	for _, tr := range t.tracks {
		out = append(out, *tr)
	}
	return out
}

func (t *Tracker) Len() int {
	return len(t.tracks)
}

func IoU(a, b image.Rectangle) float64 {
	inter := a.Intersect(b)
	if inter.Empty() {
		return 0
	}
	ia := area(inter)
	union := area(a) + area(b) - ia
	if union <= 0 {
		return 0
	}
	return float64(ia) / float64(union)
}

func area(r image.Rectangle) int {
	return r.Dx() * r.Dy()
}
