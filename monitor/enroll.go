package main

import (
	"fmt"
	"io/ioutil"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dimuls/area-monitor/capture"
	"github.com/dimuls/area-monitor/entity"
	"github.com/dimuls/area-monitor/gallery"
	"github.com/dimuls/area-monitor/vision"
)

var enrollDataDir string

var galleryEnrollCmd = &cobra.Command{
	Use:   "enroll",
	Short: "Build the gallery from a directory of per-person face photos",
	Long: `Every subdirectory of --data is a person, its .jpg, .jpeg and .png
files are photos of that person. Faces that are too small or blurred are
skipped. The gallery file is replaced and the stamp is updated.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := LoadConfig(configPath)
		if err != nil {
			return err
		}

		defer capture.LockThread()()

		analyzer, err := vision.NewAnalyzer(config.VisionConfig())
		if err != nil {
			return fmt.Errorf("create analyzer: %w", err)
		}
		defer analyzer.Close()

		embedder, err := vision.NewEmbedder(config.Models.ShaperModel,
			config.Models.RecognizerModel, config.Models.FacePadding,
			config.Models.FaceJittering)
		if err != nil {
			return fmt.Errorf("create embedder: %w", err)
		}

		identities, err := enroll(enrollDataDir, analyzer, embedder)
		if err != nil {
			return err
		}

		g := gallery.New(identities)

		err = gallery.Save(config.Gallery.Path, g)
		if err != nil {
			return err
		}

		err = gallery.WriteStamp(config.Gallery.StampPath, time.Now())
		if err != nil {
			return err
		}

		fmt.Printf("Gallery %s saved, %d identities.\n",
			config.Gallery.Path, g.Len())

		return nil
	},
}

func init() {
	galleryEnrollCmd.Flags().StringVar(&enrollDataDir, "data", "face_data",
		"directory with per-person photo directories")
	galleryCmd.AddCommand(galleryEnrollCmd)
}

func isImage(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".png":
		return true
	}
	return false
}

func enroll(dataDir string, analyzer *vision.Analyzer,
	embedder *vision.Embedder) ([]gallery.Identity, error) {

	persons, err := ioutil.ReadDir(dataDir)
	if err != nil {
		return nil, fmt.Errorf("read data dir: %w", err)
	}

	sort.Slice(persons, func(i, j int) bool {
		return persons[i].Name() < persons[j].Name()
	})

	var identities []gallery.Identity

	for _, p := range persons {
		if !p.IsDir() {
			continue
		}

		log := logrus.WithField("name", p.Name())

		files, err := ioutil.ReadDir(filepath.Join(dataDir, p.Name()))
		if err != nil {
			return nil, fmt.Errorf("read person dir: %w", err)
		}

		var refs [][]float32

		for _, f := range files {
			if f.IsDir() || !isImage(f.Name()) {
				continue
			}

			path := filepath.Join(dataDir, p.Name(), f.Name())

			embeddings, err := embedPhoto(path, analyzer, embedder)
			if err != nil {
				log.WithError(err).WithField("photo", path).Warn(
					"photo skipped")
				continue
			}

			refs = append(refs, embeddings...)
		}

		if len(refs) == 0 {
			log.Warn("no usable faces, person skipped")
			continue
		}

		identities = append(identities, gallery.Identity{
			Name:       p.Name(),
			References: refs,
		})

		log.WithField("references", len(refs)).Info("person enrolled")
	}

	return identities, nil
}

func embedPhoto(path string, analyzer *vision.Analyzer,
	embedder *vision.Embedder) ([][]float32, error) {

	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}

	scene, err := analyzer.Decode(entity.Frame{Data: data})
	if err != nil {
		return nil, err
	}
	defer scene.Close()

	boxes, err := scene.Faces()
	if err != nil {
		return nil, err
	}

	var embeddings [][]float32

	for _, box := range boxes {
		if !vision.GoodFace(box, scene.Sharpness(box)) {
			continue
		}

		face, ok := scene.AlignedFace(box)
		if !ok {
			continue
		}

		e, err := embedder.Embed(face)
		if err != nil {
			return nil, err
		}

		embeddings = append(embeddings, e)
	}

	if len(embeddings) == 0 {
		return nil, fmt.Errorf("no good faces")
	}

	return embeddings, nil
}
