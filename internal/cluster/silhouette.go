package cluster

import (
	"personaforge/internal/types"
)

// silhouette computes the mean silhouette coefficient over all non-noise
// points, using cosine distance. Callers must ensure more than one real
// cluster exists; with a single cluster the score is meaningless.
func silhouette(points [][]float64, labels []int) float64 {
	members := make(map[int][]int)
	for i, l := range labels {
		if l == types.NoiseLabel {
			continue
		}
		members[l] = append(members[l], i)
	}
	if len(members) < 2 {
		return 0
	}

	var total float64
	var count int
	for label, idxs := range members {
		for _, i := range idxs {
			// Singleton clusters contribute zero by convention.
			if len(idxs) == 1 {
				count++
				continue
			}

			a := meanDistance(points, i, idxs, true)

			b := -1.0
			for other, otherIdxs := range members {
				if other == label {
					continue
				}
				d := meanDistance(points, i, otherIdxs, false)
				if b < 0 || d < b {
					b = d
				}
			}

			maxAB := a
			if b > maxAB {
				maxAB = b
			}
			if maxAB > 0 {
				total += (b - a) / maxAB
			}
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return total / float64(count)
}

// meanDistance averages cosine distance from point i to the given member
// set; excludeSelf skips i itself for the intra-cluster term.
func meanDistance(points [][]float64, i int, idxs []int, excludeSelf bool) float64 {
	var sum float64
	var n int
	for _, j := range idxs {
		if excludeSelf && j == i {
			continue
		}
		sum += cosineDistance(points[i], points[j])
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
