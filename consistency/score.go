// Package consistency scores generated scenes against registered character references.
package consistency

import "math"

// Score returns the cosine similarity of the two embeddings clamped to [0,1].
// Mismatched lengths or zero vectors score 0.
func Score(reference, candidate []float64) float64 {
	if len(reference) == 0 || len(reference) != len(candidate) {
		return 0
	}
	var dot, nr, nc float64
	for i := range reference {
		dot += reference[i] * candidate[i]
		nr += reference[i] * reference[i]
		nc += candidate[i] * candidate[i]
	}
	if nr == 0 || nc == 0 {
		return 0
	}
	s := dot / (math.Sqrt(nr) * math.Sqrt(nc))
	return math.Max(0, math.Min(1, s))
}

// SceneScore is the minimum score over every reference; a scene with no
// characters scores 1.
func SceneScore(references [][]float64, candidate []float64) float64 {
	if len(references) == 0 {
		return 1
	}
	min := 1.0
	for _, ref := range references {
		if s := Score(ref, candidate); s < min {
			min = s
		}
	}
	return min
}

// Mean 参考图 embedding 的均值，归一化为单位向量
func Mean(embeddings [][]float64) []float64 {
	if len(embeddings) == 0 {
		return nil
	}
	dim := len(embeddings[0])
	out := make([]float64, dim)
	for _, e := range embeddings {
		if len(e) != dim {
			return nil
		}
		for i, v := range e {
			out[i] += v
		}
	}
	var norm float64
	for i := range out {
		out[i] /= float64(len(embeddings))
		norm += out[i] * out[i]
	}
	if norm == 0 {
		return out
	}
	norm = math.Sqrt(norm)
	for i := range out {
		out[i] /= norm
	}
	return out
}

type Validator struct {
	Threshold float64
}

func (v Validator) Accept(score float64) bool {
	return score >= v.Threshold
}
