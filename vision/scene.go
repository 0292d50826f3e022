package vision

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"sort"
	"time"

	"gocv.io/x/gocv"

	"github.com/dimuls/area-monitor/entity"
)

var (
	green = color.RGBA{G: 255}
	red   = color.RGBA{R: 255}
	white = color.RGBA{R: 255, G: 255, B: 255}
)

// Scene - декодированный кадр. img не меняется и используется для
// обнаружений, разметка рисуется в out.
type Scene struct {
	analyzer *Analyzer
	img      gocv.Mat
	out      gocv.Mat
}

// Behavior ищет людей, а внутри каждого человека - запрещённые предметы.
// Возвращает предметы с уверенностью не ниже порога.
func (s *Scene) Behavior() ([]entity.Detection, error) {
	a := s.analyzer

	a.personMx.Lock()
	people := detectSSD(&a.personNet, s.img, a.config.PersonConfidence)
	a.personMx.Unlock()

	var ds []entity.Detection

	for _, p := range people {
		if p.classID != a.config.PersonClassID {
			continue
		}

		roi := s.img.Region(p.box)

		a.objectMx.Lock()
		objects := detectSSD(&a.objectNet, roi, a.config.ObjectConfidence)
		a.objectMx.Unlock()

		roi.Close()

		for _, o := range objects {
			ds = append(ds, entity.Detection{
				Box:        o.box.Add(p.box.Min),
				Label:      a.label(o.classID),
				Confidence: o.confidence,
			})
		}
	}

	return ds, nil
}

// Faces возвращает прямоугольники лиц по всему кадру.
func (s *Scene) Faces() ([]image.Rectangle, error) {
	a := s.analyzer

	a.faceMx.Lock()
	detections, err := a.faceDetector.BatchDetect([]gocv.Mat{s.img})
	a.faceMx.Unlock()

	if err != nil {
		return nil, fmt.Errorf("detect faces: %w", err)
	}
	if len(detections) == 0 {
		return nil, nil
	}

	bounds := image.Rect(0, 0, s.img.Cols(), s.img.Rows())

	var rects []image.Rectangle
	for _, d := range detections[0] {
		r := d.Rectangle.Intersect(bounds)
		if !r.Empty() {
			rects = append(rects, r)
		}
	}

	return rects, nil
}

// AlignedFace вырезает лицо и поворачивает его так, чтобы линия глаз была
// горизонтальной. false, если не найдено двух глаз.
func (s *Scene) AlignedFace(box image.Rectangle) ([]byte, bool) {
	box = box.Intersect(image.Rect(0, 0, s.img.Cols(), s.img.Rows()))
	if box.Empty() {
		return nil, false
	}

	roi := s.img.Region(box)
	defer roi.Close()

	gray := gocv.NewMat()
	defer gray.Close()

	gocv.CvtColor(roi, &gray, gocv.ColorBGRToGray)

	a := s.analyzer

	a.eyesMx.Lock()
	eyes := a.eyes.DetectMultiScale(gray)
	a.eyesMx.Unlock()

	left, right, ok := eyePair(eyes)
	if !ok {
		return nil, false
	}

	rotation := gocv.GetRotationMatrix2D(midpoint(left, right),
		eyeAngle(left, right), 1.0)
	defer rotation.Close()

	aligned := gocv.NewMat()
	defer aligned.Close()

	gocv.WarpAffine(roi, &aligned, rotation, image.Pt(roi.Cols(), roi.Rows()))

	data, err := gocv.IMEncode(gocv.JPEGFileExt, aligned)
	if err != nil {
		return nil, false
	}

	return data, true
}

// Annotate рисует рамку трека и подписи над ней: зелёным для допущенных,
// красным для остальных.
func (s *Scene) Annotate(box image.Rectangle, lines []string,
	authorized bool) {

	c := red
	if authorized {
		c = green
	}

	gocv.Rectangle(&s.out, box, c, 2)

	y := box.Min.Y - 8
	for i := len(lines) - 1; i >= 0; i-- {
		gocv.PutText(&s.out, lines[i], image.Pt(box.Min.X, y),
			gocv.FontHersheySimplex, 0.5, c, 1)
		y -= 18
	}
}

// Overlay выводит в углу кадра счётчики, частоту обработки и время.
func (s *Scene) Overlay(authorized, unauthorized int, fps float64,
	now time.Time) {

	lines := []struct {
		text string
		c    color.RGBA
	}{
		{fmt.Sprintf("Authorized: %d", authorized), green},
		{fmt.Sprintf("Unauthorized: %d", unauthorized), red},
		{fmt.Sprintf("FPS: %.1f", fps), white},
		{now.Format("2006-01-02 15:04:05"), white},
	}

	for i, l := range lines {
		gocv.PutText(&s.out, l.text, image.Pt(10, 25+i*25),
			gocv.FontHersheySimplex, 0.7, l.c, 2)
	}
}

// DrawAnomaly обводит запрещённый предмет.
func (s *Scene) DrawAnomaly(d entity.Detection) {
	gocv.Rectangle(&s.out, d.Box, red, 2)
	gocv.PutText(&s.out, fmt.Sprintf("%s %.2f", d.Label, d.Confidence),
		image.Pt(d.Box.Min.X, d.Box.Max.Y+15),
		gocv.FontHersheySimplex, 0.5, red, 1)
}

// Encode кодирует размеченный кадр в JPEG.
func (s *Scene) Encode() ([]byte, error) {
	data, err := gocv.IMEncode(gocv.JPEGFileExt, s.out)
	if err != nil {
		return nil, fmt.Errorf("encode scene: %w", err)
	}
	return data, nil
}

func (s *Scene) Close() error {
	err := s.img.Close()
	if cerr := s.out.Close(); cerr != nil {
		err = cerr
	}
	return err
}

const (
	// Пороги качества лица при пополнении галереи.
	MinFaceArea  = 32 * 32
	MinSharpness = 40.0
)

// Sharpness - дисперсия лапласиана в области box. Чем меньше, тем сильнее
// размыто изображение.
func (s *Scene) Sharpness(box image.Rectangle) float64 {
	box = box.Intersect(image.Rect(0, 0, s.img.Cols(), s.img.Rows()))
	if box.Empty() {
		return 0
	}

	roi := s.img.Region(box)
	defer roi.Close()

	gray := gocv.NewMat()
	defer gray.Close()

	gocv.CvtColor(roi, &gray, gocv.ColorBGRToGray)

	laplacian := gocv.NewMat()
	defer laplacian.Close()

	gocv.Laplacian(gray, &laplacian, gocv.MatTypeCV64F, 1, 1, 0,
		gocv.BorderDefault)

	mean := gocv.NewMat()
	defer mean.Close()

	stddev := gocv.NewMat()
	defer stddev.Close()

	gocv.MeanStdDev(laplacian, &mean, &stddev)

	sd := stddev.GetDoubleAt(0, 0)

	return sd * sd
}

// GoodFace: лицо достаточно крупное и не размыто.
func GoodFace(box image.Rectangle, sharpness float64) bool {
	return area(box) >= MinFaceArea && sharpness >= MinSharpness
}

// eyePair берёт два самых крупных обнаружения глаз и упорядочивает их
// слева направо.
func eyePair(eyes []image.Rectangle) (image.Point, image.Point, bool) {
	if len(eyes) < 2 {
		return image.Point{}, image.Point{}, false
	}

	eyes = append([]image.Rectangle(nil), eyes...)
	sort.Slice(eyes, func(i, j int) bool {
		return area(eyes[i]) > area(eyes[j])
	})

	l, r := center(eyes[0]), center(eyes[1])
	if l.X > r.X {
		l, r = r, l
	}

	return l, r, true
}

// eyeAngle - угол линии глаз в градусах.
func eyeAngle(left, right image.Point) float64 {
	return math.Atan2(float64(right.Y-left.Y),
		float64(right.X-left.X)) * 180 / math.Pi
}

func midpoint(a, b image.Point) image.Point {
	return image.Pt((a.X+b.X)/2, (a.Y+b.Y)/2)
}

func center(r image.Rectangle) image.Point {
	return image.Pt((r.Min.X+r.Max.X)/2, (r.Min.Y+r.Max.Y)/2)
}

func area(r image.Rectangle) int {
	return r.Dx() * r.Dy()
}
