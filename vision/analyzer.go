// Package vision - работа с изображениями через gocv и dimuls/face:
// обнаружение людей и запрещённых предметов, обнаружение и выравнивание
// лиц, построение дескрипторов, разметка кадров и запись клипов.
//
// Все вызовы gocv должны идти из горутины с зафиксированным ОС-потоком.
package vision

import (
	"bufio"
	"fmt"
	"image"
	"os"
	"strings"
	"sync"

	"github.com/dimuls/face"
	"gocv.io/x/gocv"

	"github.com/dimuls/area-monitor/entity"
)

const (
	DefaultPersonConfidence = 0.5
	DefaultObjectConfidence = 0.75
	DefaultPersonClassID    = 1
	ssdInputSize            = 300
)

type Config struct {
	PersonModel      string
	PersonConfig     string
	PersonClassID    int
	PersonConfidence float64

	ObjectModel      string
	ObjectConfig     string
	ObjectLabels     string
	ObjectConfidence float64

	FaceModel  string
	EyeCascade string
}

// Analyzer держит модели, общие для всех камер. Сети и каскад не
// потокобезопасны, поэтому каждая защищена своим мьютексом.
type Analyzer struct {
	config Config

	personMx  sync.Mutex
	personNet gocv.Net

	objectMx  sync.Mutex
	objectNet gocv.Net
	labels    []string

	faceMx       sync.Mutex
	faceDetector *face.Detector

	eyesMx sync.Mutex
	eyes   gocv.CascadeClassifier
}

func NewAnalyzer(c Config) (*Analyzer, error) {
	if c.PersonClassID == 0 {
		c.PersonClassID = DefaultPersonClassID
	}
	if c.PersonConfidence <= 0 {
		c.PersonConfidence = DefaultPersonConfidence
	}
	if c.ObjectConfidence <= 0 {
		c.ObjectConfidence = DefaultObjectConfidence
	}

	a := &Analyzer{config: c}

	a.personNet = gocv.ReadNet(c.PersonModel, c.PersonConfig)
	if a.personNet.Empty() {
		return nil, fmt.Errorf("load person model %s", c.PersonModel)
	}

	a.objectNet = gocv.ReadNet(c.ObjectModel, c.ObjectConfig)
	if a.objectNet.Empty() {
		a.personNet.Close()
		return nil, fmt.Errorf("load object model %s", c.ObjectModel)
	}

	labels, err := readLabels(c.ObjectLabels)
	if err != nil {
		a.personNet.Close()
		a.objectNet.Close()
		return nil, err
	}
	a.labels = labels

	a.faceDetector, err = face.NewDetector(c.FaceModel)
	if err != nil {
		a.personNet.Close()
		a.objectNet.Close()
		return nil, fmt.Errorf("create face detector: %w", err)
	}

	a.eyes = gocv.NewCascadeClassifier()
	if !a.eyes.Load(c.EyeCascade) {
		a.Close()
		return nil, fmt.Errorf("load eye cascade %s", c.EyeCascade)
	}

	return a, nil
}

// Decode декодирует JPEG-кадр в сцену. Сцену обязательно закрыть.
func (a *Analyzer) Decode(f entity.Frame) (*Scene, error) {
	img, err := gocv.IMDecode(f.Data, gocv.IMReadColor)
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if img.Empty() {
		img.Close()
		return nil, fmt.Errorf("decode frame: empty image")
	}

	return &Scene{analyzer: a, img: img, out: img.Clone()}, nil
}

func (a *Analyzer) Close() error {
	a.personNet.Close()
	a.objectNet.Close()
	a.eyes.Close()
	return nil
}

// detectSSD прогоняет изображение через SSD-сеть и возвращает обнаружения
// не ниже порога в координатах изображения. Выход сети - [1, 1, N, 7]:
// image_id, class_id, confidence, x1, y1, x2, y2 в долях.
func detectSSD(net *gocv.Net, img gocv.Mat, threshold float64) []ssdDetection {
	blob := gocv.BlobFromImage(img, 1.0/127.5,
		image.Pt(ssdInputSize, ssdInputSize),
		gocv.NewScalar(127.5, 127.5, 127.5, 0), true, false)
	defer blob.Close()

	net.SetInput(blob, "")

	output := net.Forward("")
	defer output.Close()

	rows := output.Reshape(1, output.Total()/7)
	defer rows.Close()

	cols, height := float32(img.Cols()), float32(img.Rows())
	bounds := image.Rect(0, 0, img.Cols(), img.Rows())

	var ds []ssdDetection

	for i := 0; i < rows.Rows(); i++ {
		confidence := float64(rows.GetFloatAt(i, 2))
		if confidence < threshold {
			continue
		}

		box := image.Rect(
			int(rows.GetFloatAt(i, 3)*cols),
			int(rows.GetFloatAt(i, 4)*height),
			int(rows.GetFloatAt(i, 5)*cols),
			int(rows.GetFloatAt(i, 6)*height),
		).Intersect(bounds)
		if box.Empty() {
			continue
		}

		ds = append(ds, ssdDetection{
			classID:    int(rows.GetFloatAt(i, 1)),
			confidence: confidence,
			box:        box,
		})
	}

	return ds
}

type ssdDetection struct {
	classID    int
	confidence float64
	box        image.Rectangle
}

func (a *Analyzer) label(classID int) string {
	if classID >= 0 && classID < len(a.labels) && a.labels[classID] != "" {
		return a.labels[classID]
	}
	return fmt.Sprintf("class_%d", classID)
}

// readLabels читает метки классов, по одной на строку, номер класса -
// номер строки с нуля.
func readLabels(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open labels: %w", err)
	}
	defer f.Close()

	var labels []string

	s := bufio.NewScanner(f)
	for s.Scan() {
		labels = append(labels, strings.TrimSpace(s.Text()))
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("read labels: %w", err)
	}

	return labels, nil
}
