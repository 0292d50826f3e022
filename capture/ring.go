package capture

import (
	"sync"

	"github.com/dimuls/area-monitor/entity"
)

// Ring - кольцевой буфер последних кадров для клипа до события. При
// переполнении вытесняется самый старый кадр.
type Ring struct {
	mx     sync.Mutex
	frames []entity.Frame
	start  int
	size   int
}

func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{frames: make([]entity.Frame, capacity)}
}

func (r *Ring) Push(f entity.Frame) {
	r.mx.Lock()
	defer r.mx.Unlock()

	end := (r.start + r.size) % len(r.frames)
	r.frames[end] = f

	if r.size < len(r.frames) {
		r.size++
	} else {
		r.start = (r.start + 1) % len(r.frames)
	}
}

// Snapshot возвращает копию содержимого от старых кадров к новым.
func (r *Ring) Snapshot() []entity.Frame {
	r.mx.Lock()
	defer r.mx.Unlock()

	out := make([]entity.Frame, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.frames[(r.start+i)%len(r.frames)]
	}
	return out
}

func (r *Ring) Len() int {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.size
}

func (r *Ring) Cap() int {
	return len(r.frames)
}

func (r *Ring) Reset() {
	r.mx.Lock()
	defer r.mx.Unlock()

	for i := range r.frames {
		r.frames[i] = entity.Frame{}
	}
	r.start, r.size = 0, 0
}
