package vision

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"github.com/dimuls/area-monitor/entity"
)

const clipCodec = "mp4v"

// ClipWriter пишет JPEG-кадры в mp4-файл. Размер видео берётся по первому
// кадру, кадры другого размера масштабируются.
type ClipWriter struct{}

func (ClipWriter) Encode(path string, frames []entity.Frame,
	fps float64) error {

	if len(frames) == 0 {
		return fmt.Errorf("no frames")
	}

	first, err := gocv.IMDecode(frames[0].Data, gocv.IMReadColor)
	if err != nil {
		return fmt.Errorf("decode first frame: %w", err)
	}
	defer first.Close()

	if first.Empty() {
		return fmt.Errorf("decode first frame: empty image")
	}

	size := image.Pt(first.Cols(), first.Rows())

	w, err := gocv.VideoWriterFile(path, clipCodec, fps, size.X, size.Y, true)
	if err != nil {
		return fmt.Errorf("open video writer: %w", err)
	}
	defer w.Close()

	if !w.IsOpened() {
		return fmt.Errorf("open video writer: %s", path)
	}

	resized := gocv.NewMat()
	defer resized.Close()

	for _, f := range frames {
		img, err := gocv.IMDecode(f.Data, gocv.IMReadColor)
		if err != nil {
			continue
		}
		if img.Empty() {
			img.Close()
			continue
		}

		out := img
		if img.Cols() != size.X || img.Rows() != size.Y {
			gocv.Resize(img, &resized, size, 0, 0, gocv.InterpolationLinear)
			out = resized
		}

		err = w.Write(out)
		img.Close()
		if err != nil {
			return fmt.Errorf("write frame: %w", err)
		}
	}

	return nil
}
