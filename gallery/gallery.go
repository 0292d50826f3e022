// Package gallery хранит эталонные эмбеддинги лиц и сопоставляет с ними
// эмбеддинги, полученные с камер.
package gallery

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"math"
	"sort"

	"github.com/sirupsen/logrus"
)

// Identity - эталон одного человека. Все векторы нормированы.
type Identity struct {
	Name       string
	References [][]float32
	Centroid   []float32
}

// Gallery неизменяема после создания, её можно читать из любых горутин.
type Gallery struct {
	identities []Identity
	dim        int
}

// Формат записи в файле галереи. Старый формат - просто массив эмбеддингов
// без центроида.
type identityJSON struct {
	Embeddings [][]float32 `json:"embeddings"`
	Centroid   []float32   `json:"centroid"`
}

// New собирает галерею из готовых записей. Векторы нормируются, пустой
// центроид вычисляется как нормированное среднее эталонов. Записи с
// несовпадающей размерностью или без векторов отбрасываются.
func New(identities []Identity) *Gallery {
	g := &Gallery{}

	identities = append([]Identity(nil), identities...)
	sort.Slice(identities, func(i, j int) bool {
		return identities[i].Name < identities[j].Name
	})

	for _, id := range identities {
		var refs [][]float32
		for _, r := range id.References {
			if n, ok := normalized(r); ok {
				refs = append(refs, n)
			}
		}

		centroid, ok := normalized(id.Centroid)
		if !ok {
			centroid, ok = meanNormalized(refs)
		}
		if !ok {
			logrus.WithField("name", id.Name).Warn(
				"identity without usable vectors skipped")
			continue
		}

		if g.dim == 0 {
			g.dim = len(centroid)
		}
		if !sameDim(g.dim, centroid, refs) {
			logrus.WithField("name", id.Name).Warn(
				"identity dimension mismatch, skipped")
			continue
		}

		g.identities = append(g.identities, Identity{
			Name:       id.Name,
			References: refs,
			Centroid:   centroid,
		})
	}

	return g
}

// Load читает галерею из JSON-файла вида
// {"name": {"embeddings": [[...]], "centroid": [...]}} либо
// {"name": [[...], ...]}. Битые записи пропускаются с предупреждением.
func Load(path string) (*Gallery, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read gallery: %w", err)
	}

	return Parse(data)
}

// Marshal кодирует галерею в JSON в формате с центроидами.
func (g *Gallery) Marshal() ([]byte, error) {
	raw := make(map[string]identityJSON, len(g.identities))
	for _, id := range g.identities {
		raw[id.Name] = identityJSON{
			Embeddings: id.References,
			Centroid:   id.Centroid,
		}
	}

	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal gallery: %w", err)
	}

	return data, nil
}

// Save атомарно записывает галерею в файл.
func Save(path string, g *Gallery) error {
	data, err := g.Marshal()
	if err != nil {
		return err
	}

	err = writeFileAtomic(path, data)
	if err != nil {
		return fmt.Errorf("save gallery: %w", err)
	}

	return nil
}

func Parse(data []byte) (*Gallery, error) {
	var raw map[string]json.RawMessage

	err := json.Unmarshal(data, &raw)
	if err != nil {
		return nil, fmt.Errorf("parse gallery: %w", err)
	}

	identities := make([]Identity, 0, len(raw))

	for name, entry := range raw {
		var ij identityJSON

		if err := json.Unmarshal(entry, &ij); err != nil {
			// Старый формат.
			var legacy [][]float32
			if err := json.Unmarshal(entry, &legacy); err != nil {
				logrus.WithError(err).WithField("name", name).Warn(
					"corrupted gallery entry skipped")
				continue
			}
			ij.Embeddings = legacy
		}

		identities = append(identities, Identity{
			Name:       name,
			References: ij.Embeddings,
			Centroid:   ij.Centroid,
		})
	}

	return New(identities), nil
}

func (g *Gallery) Len() int {
	if g == nil {
		return 0
	}
	return len(g.identities)
}

func (g *Gallery) Dim() int {
	if g == nil {
		return 0
	}
	return g.dim
}

// Names возвращает имена в отсортированном порядке.
func (g *Gallery) Names() []string {
	if g == nil {
		return nil
	}
	names := make([]string, 0, len(g.identities))
	for _, id := range g.identities {
		names = append(names, id.Name)
	}
	return names
}

func (g *Gallery) Identity(name string) (Identity, bool) {
	if g == nil {
		return Identity{}, false
	}
	for _, id := range g.identities {
		if id.Name == name {
			return id, true
		}
	}
	return Identity{}, false
}

func sameDim(dim int, centroid []float32, refs [][]float32) bool {
	if len(centroid) != dim {
		return false
	}
	for _, r := range refs {
		if len(r) != dim {
			return false
		}
	}
	return true
}

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// normalized возвращает копию вектора единичной длины; false для пустого
// или нулевого вектора.
func normalized(v []float32) ([]float32, bool) {
	n := norm(v)
	if len(v) == 0 || n == 0 || math.IsNaN(n) || math.IsInf(n, 0) {
		return nil, false
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / n)
	}
	return out, true
}

func meanNormalized(vs [][]float32) ([]float32, bool) {
	if len(vs) == 0 {
		return nil, false
	}
	sum := make([]float32, len(vs[0]))
	for _, v := range vs {
		if len(v) != len(sum) {
			return nil, false
		}
		for i, x := range v {
			sum[i] += x
		}
	}
	return normalized(sum)
}

// Normalize нормирует эмбеддинг, пришедший от эмбеддера.
func Normalize(v []float32) ([]float32, bool) {
	return normalized(v)
}
