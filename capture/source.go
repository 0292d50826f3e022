// Package capture читает кадры с камеры с заданной частотой, складывает их
// в ограниченную очередь на обработку и в буфер кадров до события.
package capture

import (
	"errors"
	"fmt"
	"runtime"
	"time"

	"gocv.io/x/gocv"

	"github.com/dimuls/area-monitor/entity"
)

var (
	ErrSourceUnavailable = errors.New("source unavailable")
	ErrFrameDecode       = errors.New("frame read failed")
)

// Source - открытый видеопоток.
type Source interface {
	Read() (entity.Frame, error)
	Close() error
}

// Opener открывает видеопоток по адресу и желаемому размеру кадра.
type Opener func(uri string, width, height int) (Source, error)

// VideoSource - видеопоток gocv. Открытие, чтение и закрытие должны идти из
// одного ОС-потока, поэтому всё это делает горутина захвата.
type VideoSource struct {
	stream *gocv.VideoCapture
	image  gocv.Mat
	seq    uint64
}

// OpenVideo открывает камеру. Строка из цифр считается номером устройства,
// остальное - файлом или сетевым адресом.
func OpenVideo(uri string, width, height int) (Source, error) {
	stream, err := gocv.OpenVideoCapture(uri)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, uri, err)
	}

	if !stream.IsOpened() {
		stream.Close()
		return nil, fmt.Errorf("%w: %s", ErrSourceUnavailable, uri)
	}

	if width > 0 && height > 0 {
		stream.Set(gocv.VideoCaptureFrameWidth, float64(width))
		stream.Set(gocv.VideoCaptureFrameHeight, float64(height))
	}

	return &VideoSource{stream: stream, image: gocv.NewMat()}, nil
}

// Read читает кадр и кодирует его в JPEG.
func (s *VideoSource) Read() (entity.Frame, error) {
	if !s.stream.Read(&s.image) || s.image.Empty() {
		return entity.Frame{}, ErrFrameDecode
	}

	data, err := gocv.IMEncode(gocv.JPEGFileExt, s.image)
	if err != nil {
		return entity.Frame{}, fmt.Errorf("%w: encode: %v", ErrFrameDecode, err)
	}

	s.seq++

	return entity.Frame{
		Seq:       s.seq,
		Timestamp: time.Now(),
		Width:     s.image.Cols(),
		Height:    s.image.Rows(),
		Data:      data,
	}, nil
}

func (s *VideoSource) Close() error {
	err := s.image.Close()
	if cerr := s.stream.Close(); cerr != nil {
		err = cerr
	}
	return err
}

// LockThread фиксирует ОС-поток вызывающей горутины на время работы с
// gocv; возвращает функцию для освобождения.
func LockThread() func() {
	runtime.LockOSThread()
	return runtime.UnlockOSThread
}
