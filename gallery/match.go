package gallery

import "math"

type MatchConfig struct {
	Threshold      float64
	FallbackVerify bool
	FallbackMargin float64
}

// Match - результат сопоставления. Пустое имя означает отсутствие
// совпадения, Similarity при этом всё равно заполнено.
type Match struct {
	Name       string
	Similarity float64
}

func (m Match) Matched() bool {
	return m.Name != ""
}

// Match ищет ближайший центроид по косинусной близости. Если близость не
// ниже порога и включена проверка по эталонам, то имя принимается только
// когда лучший эталон не хуже max(порог, близость центроида - отступ).
func (g *Gallery) Match(embedding []float32, cfg MatchConfig) Match {
	if g.Len() == 0 {
		return Match{}
	}

	p, ok := normalized(embedding)
	if !ok || len(p) != g.dim {
		return Match{}
	}

	best := -1
	bestSim := math.Inf(-1)
	for i, id := range g.identities {
		sim := dot(p, id.Centroid)
		if sim > bestSim {
			best, bestSim = i, sim
		}
	}

	if bestSim < cfg.Threshold {
		return Match{Similarity: bestSim}
	}

	id := g.identities[best]

	if !cfg.FallbackVerify || len(id.References) == 0 {
		return Match{Name: id.Name, Similarity: bestSim}
	}

	refSim := math.Inf(-1)
	for _, r := range id.References {
		if sim := dot(p, r); sim > refSim {
			refSim = sim
		}
	}

	if refSim >= math.Max(cfg.Threshold, bestSim-cfg.FallbackMargin) {
		return Match{Name: id.Name, Similarity: refSim}
	}

	return Match{Similarity: refSim}
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
