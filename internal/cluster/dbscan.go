package cluster

import "personaforge/internal/types"

// dbscan labels each point with a cluster id, or NoiseLabel for points in
// no dense region. Distance is cosine distance over unit vectors; eps is
// the neighborhood radius and minPts the core-point threshold (the point
// itself counts toward minPts).
func dbscan(points [][]float64, eps float64, minPts int) []int {
	const unvisited = -2

	n := len(points)
	labels := make([]int, n)
	for i := range labels {
		labels[i] = unvisited
	}

	nextCluster := 0
	for i := 0; i < n; i++ {
		if labels[i] != unvisited {
			continue
		}
		neighbors := regionQuery(points, i, eps)
		if len(neighbors) < minPts {
			labels[i] = types.NoiseLabel
			continue
		}

		label := nextCluster
		nextCluster++
		labels[i] = label

		// Expand the cluster through the density-reachable frontier.
		queue := neighbors
		for len(queue) > 0 {
			j := queue[0]
			queue = queue[1:]

			if labels[j] == types.NoiseLabel {
				labels[j] = label // border point reclaimed from noise
				continue
			}
			if labels[j] != unvisited {
				continue
			}
			labels[j] = label

			jNeighbors := regionQuery(points, j, eps)
			if len(jNeighbors) >= minPts {
				queue = append(queue, jNeighbors...)
			}
		}
	}

	return labels
}

// regionQuery returns the indexes of all points within eps of point i,
// including i itself.
func regionQuery(points [][]float64, i int, eps float64) []int {
	var neighbors []int
	for j := range points {
		if cosineDistance(points[i], points[j]) <= eps {
			neighbors = append(neighbors, j)
		}
	}
	return neighbors
}
