package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dimuls/area-monitor/audit"
	"github.com/dimuls/area-monitor/capture"
	"github.com/dimuls/area-monitor/entity"
	"github.com/dimuls/area-monitor/identity"
	"github.com/dimuls/area-monitor/recognition"
	"github.com/dimuls/area-monitor/recorder"
	"github.com/dimuls/area-monitor/tracker"
)

const recognizingLabel = "Recognizing..."

// processor обрабатывает кадры одной камеры в одной горутине. Трекер и
// кэш личностей принадлежат только ей.
type processor struct {
	cam *Camera

	frames   <-chan entity.Frame
	requests chan<- recognition.Request
	results  <-chan recognition.Result
	recorder *recorder.Recorder

	tracker    *tracker.Tracker
	identities *identity.Cache

	// Время последней записи в журнал неавторизованных по треку.
	audited map[int]time.Time

	fps fpsMeter

	log *logrus.Entry
}

func newProcessor(c *Camera, frames <-chan entity.Frame,
	requests chan<- recognition.Request, results <-chan recognition.Result,
	rec *recorder.Recorder) *processor {

	return &processor{
		cam:        c,
		frames:     frames,
		requests:   requests,
		results:    results,
		recorder:   rec,
		tracker:    tracker.New(c.config.TrackerMaxAge, c.config.TrackerMinHits),
		identities: identity.New(c.config.TrackTTL, c.config.IdentityPersistenceTTL),
		audited:    map[int]time.Time{},
		log: logrus.WithFields(logrus.Fields{
			"subsystem": "processor",
			"camera_id": c.id,
		}),
	}
}

func (p *processor) run(ctx context.Context) {
	defer capture.LockThread()()

	p.log.Info("subsystem started")
	defer p.log.Info("subsystem stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-p.frames:
			if !ok {
				return
			}
			p.process(ctx, f)
		}
	}
}

func (p *processor) process(ctx context.Context, f entity.Frame) {
	c := p.cam
	now := c.now()

	c.latestFrame.Store(&f)

	scene, err := c.deps.Decoder.Decode(f)
	if err != nil {
		c.deps.Metrics.FrameReadError(c.id)
		p.log.WithError(err).Debug("failed to decode frame")
		return
	}
	defer scene.Close()

	anomalies, err := scene.Behavior()
	if err != nil {
		p.log.WithError(err).Error("failed to detect behavior")
		anomalies = nil
	}

	faces, err := scene.Faces()
	if err != nil {
		p.log.WithError(err).Error("failed to detect faces")
		faces = nil
	}

	detections := make([]tracker.Detection, 0, len(faces))
	for _, box := range faces {
		detections = append(detections, tracker.Detection{Box: box, Confidence: 1})
	}

	tracks := p.tracker.Update(detections)

	p.identities.Prune(now)
	p.drainResults()

	var authorized, unauthorized int

	for _, t := range tracks {
		if !t.Current() {
			continue
		}

		e, ok := p.identities.Lookup(t.ID, now)
		if !ok {
			if !p.identities.Pending(t.ID, now) {
				p.requestRecognition(scene, t, now)
			}
			scene.Annotate(t.Box, []string{recognizingLabel}, false)
			continue
		}

		scene.Annotate(t.Box, p.labelLines(ctx, e), e.Authorized)

		if e.Authorized {
			authorized++
		} else {
			unauthorized++
			p.audit(t.ID, e, now)
		}
	}

	p.pruneAudited(now)

	for _, a := range anomalies {
		scene.DrawAnomaly(a)
	}

	scene.Overlay(authorized, unauthorized, p.fps.tick(now), now)

	data, err := scene.Encode()
	if err != nil {
		p.log.WithError(err).Error("failed to encode preview")
	} else {
		preview := f
		preview.Data = data
		c.latestPreview.Store(&preview)
	}

	c.deps.Metrics.FrameProcessed(c.id)

	if len(anomalies) > 0 {
		objects := make([]entity.AnomalyObject, 0, len(anomalies))
		for _, a := range anomalies {
			objects = append(objects, entity.NewAnomalyObject(a))
		}
		p.recorder.Trigger(objects, f)
	}
}

// drainResults забирает все готовые результаты распознавания не блокируясь.
func (p *processor) drainResults() {
	for {
		select {
		case r := <-p.results:
			p.merge(r)
		default:
			return
		}
	}
}

func (p *processor) merge(r recognition.Result) {
	c := p.cam

	p.identities.Merge(r.TrackID, identity.Entry{
		Name:       r.Name,
		Authorized: r.Authorized,
		Similarity: r.Similarity,
		Updated:    r.Timestamp,
	})

	e := entity.FaceEvent{
		CameraID:   c.id,
		TrackID:    r.TrackID,
		Name:       r.Name,
		Authorized: r.Authorized,
		Similarity: r.Similarity,
		Timestamp:  r.Timestamp,
	}

	c.latestFace.Store(&e)

	if c.deps.Dispatcher != nil {
		c.deps.Dispatcher.Face(e)
	}
}

func (p *processor) requestRecognition(s Scene, t tracker.Track, now time.Time) {
	face, ok := s.AlignedFace(t.Box)
	if !ok {
		return
	}

	select {
	case p.requests <- recognition.Request{TrackID: t.ID, Face: face}:
		p.identities.MarkPending(t.ID, now)
	default:
		p.cam.deps.Metrics.FrameDropped(p.cam.id, "recognition")
	}
}

func (p *processor) labelLines(ctx context.Context, e identity.Entry) []string {
	lines := []string{fmt.Sprintf("%s (%.2f)", e.Name, e.Similarity)}

	if e.Name != entity.UnknownName && p.cam.deps.Details != nil {
		d, found := p.cam.deps.Details.Get(ctx, e.Name)
		if found {
			lines = append(lines,
				"Badge: "+d.BadgeID,
				"Position: "+d.Position,
				"Company: "+d.Company,
				"Access: "+d.AccessLevel)
		} else {
			lines = append(lines, "Details not found")
		}
	}

	if e.Authorized {
		lines = append(lines, "AUTHORIZED")
	} else {
		lines = append(lines, "UNAUTHORIZED")
	}

	return lines
}

func (p *processor) audit(trackID int, e identity.Entry, now time.Time) {
	c := p.cam
	if c.deps.Audit == nil {
		return
	}

	if last, ok := p.audited[trackID]; ok &&
		now.Sub(last) < c.config.UnauthorizedCooldown {
		return
	}
	p.audited[trackID] = now

	err := c.deps.Audit.Write(audit.Record{
		Timestamp: now,
		CameraID:  c.id,
		Name:      e.Name,
		TrackID:   trackID,
	})
	if err != nil {
		p.log.WithError(err).Error("failed to write unauthorized access record")
	}
}

func (p *processor) pruneAudited(now time.Time) {
	for id, last := range p.audited {
		if now.Sub(last) >= p.cam.config.UnauthorizedCooldown {
			delete(p.audited, id)
		}
	}
}

// fpsMeter сглаживает мгновенную частоту кадров.
type fpsMeter struct {
	last  time.Time
	value float64
}

const fpsSmoothing = 0.9

func (m *fpsMeter) tick(now time.Time) float64 {
	if !m.last.IsZero() {
		if dt := now.Sub(m.last).Seconds(); dt > 0 {
			fps := 1 / dt
			if m.value == 0 {
				m.value = fps
			} else {
				m.value = fpsSmoothing*m.value + (1-fpsSmoothing)*fps
			}
		}
	}
	m.last = now
	return m.value
}
