package cluster

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
)

const (
	kmeansMaxIter = 100
	kmeansTol     = 1e-6
)

// chooseK picks k for the k-means fallback via an elbow heuristic: the k
// whose inertia curve has the largest second derivative (the sharpest
// bend), clamped to [kMin, kMax] and to the point count.
func chooseK(points [][]float64, kMin, kMax int) int {
	n := len(points)
	if kMax > n {
		kMax = n
	}
	if kMin > kMax {
		return kMax
	}
	if kMin == kMax {
		return kMin
	}

	// Inertia for k-1 .. kMax+1 so every candidate has both neighbors
	// for the central difference.
	lo := kMin - 1
	if lo < 1 {
		lo = 1
	}
	hi := kMax + 1
	if hi > n {
		hi = n
	}
	inertia := make(map[int]float64)
	for k := lo; k <= hi; k++ {
		labels := kmeans(points, k, elbowSeed)
		inertia[k] = totalInertia(points, labels, k)
	}

	bestK := kMin
	bestBend := math.Inf(-1)
	for k := kMin; k <= kMax; k++ {
		prev, okPrev := inertia[k-1]
		next, okNext := inertia[k+1]
		if !okPrev || !okNext {
			continue
		}
		bend := prev - 2*inertia[k] + next
		if bend > bestBend {
			bestBend = bend
			bestK = k
		}
	}
	return bestK
}

// elbowSeed keeps the elbow scan deterministic and independent of the
// configured seed used for the final run.
const elbowSeed = 1

// kmeans runs Lloyd's algorithm with a seeded k-means++ initialization
// and returns a cluster label per point. Labels are 0..k-1; k-means never
// produces noise.
func kmeans(points [][]float64, k int, seed int64) []int {
	n := len(points)
	if k <= 1 || n == 0 {
		return make([]int, n)
	}
	if k > n {
		k = n
	}

	rng := rand.New(rand.NewSource(seed))
	centroids := initPlusPlus(points, k, rng)
	labels := make([]int, n)

	for iter := 0; iter < kmeansMaxIter; iter++ {
		// Assignment step.
		changed := false
		for i, p := range points {
			best := 0
			bestDist := math.Inf(1)
			for c, centroid := range centroids {
				if d := squaredEuclidean(p, centroid); d < bestDist {
					bestDist = d
					best = c
				}
			}
			if labels[i] != best {
				labels[i] = best
				changed = true
			}
		}

		// Update step.
		dim := len(points[0])
		sums := make([][]float64, k)
		counts := make([]int, k)
		for c := range sums {
			sums[c] = make([]float64, dim)
		}
		for i, p := range points {
			floats.Add(sums[labels[i]], p)
			counts[labels[i]]++
		}
		shift := 0.0
		for c := range centroids {
			if counts[c] == 0 {
				// Empty cluster: reseed on the farthest point.
				centroids[c] = append([]float64(nil), farthestPoint(points, centroids)...)
				continue
			}
			floats.Scale(1/float64(counts[c]), sums[c])
			shift += euclidean(centroids[c], sums[c])
			centroids[c] = sums[c]
		}

		if !changed || shift < kmeansTol {
			break
		}
	}
	return labels
}

// initPlusPlus is the k-means++ seeding: first centroid uniform, each
// subsequent one sampled proportionally to squared distance from the
// nearest chosen centroid.
func initPlusPlus(points [][]float64, k int, rng *rand.Rand) [][]float64 {
	n := len(points)
	centroids := make([][]float64, 0, k)
	centroids = append(centroids, append([]float64(nil), points[rng.Intn(n)]...))

	dists := make([]float64, n)
	for len(centroids) < k {
		total := 0.0
		for i, p := range points {
			d := math.Inf(1)
			for _, c := range centroids {
				if sd := squaredEuclidean(p, c); sd < d {
					d = sd
				}
			}
			dists[i] = d
			total += d
		}
		if total == 0 {
			// All remaining points coincide with centroids.
			centroids = append(centroids, append([]float64(nil), points[rng.Intn(n)]...))
			continue
		}
		target := rng.Float64() * total
		acc := 0.0
		pick := n - 1
		for i, d := range dists {
			acc += d
			if acc >= target {
				pick = i
				break
			}
		}
		centroids = append(centroids, append([]float64(nil), points[pick]...))
	}
	return centroids
}

func farthestPoint(points [][]float64, centroids [][]float64) []float64 {
	best := points[0]
	bestDist := -1.0
	for _, p := range points {
		d := math.Inf(1)
		for _, c := range centroids {
			if sd := squaredEuclidean(p, c); sd < d {
				d = sd
			}
		}
		if d > bestDist {
			bestDist = d
			best = p
		}
	}
	return best
}

// totalInertia is the sum of squared distances from each point to its
// cluster centroid; the quantity the elbow heuristic bends on.
func totalInertia(points [][]float64, labels []int, k int) float64 {
	if len(points) == 0 {
		return 0
	}
	dim := len(points[0])
	sums := make([][]float64, k)
	counts := make([]int, k)
	for c := range sums {
		sums[c] = make([]float64, dim)
	}
	for i, p := range points {
		floats.Add(sums[labels[i]], p)
		counts[labels[i]]++
	}
	for c := range sums {
		if counts[c] > 0 {
			floats.Scale(1/float64(counts[c]), sums[c])
		}
	}
	total := 0.0
	for i, p := range points {
		total += squaredEuclidean(p, sums[labels[i]])
	}
	return total
}

func squaredEuclidean(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}
