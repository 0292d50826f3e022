package entity

import (
	"image"
	"time"
)

// Frame - кадр с камеры. Кадры передаются между горутинами в виде JPEG,
// потому что gocv.Mat нельзя безопасно передавать между ОС-потоками.
type Frame struct {
	Seq       uint64
	Timestamp time.Time
	Width     int
	Height    int
	Data      []byte
}

// Valid сообщает, можно ли использовать кадр для записи клипа.
func (f Frame) Valid() bool {
	return len(f.Data) > 0 && f.Width > 0 && f.Height > 0
}

// Detection - обнаруженный объект в координатах кадра.
type Detection struct {
	Box        image.Rectangle
	Label      string
	Confidence float64
}
