package vision

import (
	"fmt"
	"image"
	"sync"

	"github.com/dimuls/face"
	"gocv.io/x/gocv"
)

// Embedder строит дескриптор лица по выровненному изображению лица.
type Embedder struct {
	mx         sync.Mutex
	recognizer *face.Recognizer
	padding    float64
	jittering  int
}

func NewEmbedder(shaperModel, recognizerModel string, padding float64,
	jittering int) (*Embedder, error) {

	if padding < 0 {
		return nil, fmt.Errorf("invalid padding %f", padding)
	}
	if jittering < 0 {
		return nil, fmt.Errorf("invalid jittering %d", jittering)
	}

	r, err := face.NewRecognizer(shaperModel, recognizerModel)
	if err != nil {
		return nil, fmt.Errorf("create recognizer: %w", err)
	}

	return &Embedder{recognizer: r, padding: padding, jittering: jittering}, nil
}

func (e *Embedder) Embed(faceJPEG []byte) ([]float32, error) {
	img, err := gocv.IMDecode(faceJPEG, gocv.IMReadColor)
	if err != nil {
		return nil, fmt.Errorf("decode face: %w", err)
	}
	defer img.Close()

	if img.Empty() {
		return nil, fmt.Errorf("decode face: empty image")
	}

	e.mx.Lock()
	descr, err := e.recognizer.Recognize(img,
		image.Rect(0, 0, img.Cols(), img.Rows()), e.padding, e.jittering)
	e.mx.Unlock()

	if err != nil {
		return nil, fmt.Errorf("recognize face: %w", err)
	}

	v := make([]float32, len(descr))
	copy(v, descr[:])

	return v, nil
}
