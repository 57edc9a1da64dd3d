package cluster

import (
	"fmt"
	"math"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"personaforge/internal/config"
	"personaforge/internal/types"
)

// unit returns the 2D unit vector at the given angle in radians.
func unit(angle float64) []float64 {
	return []float64{math.Cos(angle), math.Sin(angle)}
}

func unit32(angle float64) []float32 {
	return []float32{float32(math.Cos(angle)), float32(math.Sin(angle))}
}

// threeDirections builds n points split across three well-separated
// directions with slight jitter, plus ids.
func threeDirections(perCluster int) ([]string, [][]float32) {
	angles := []float64{0, 2 * math.Pi / 3, 4 * math.Pi / 3}
	var ids []string
	var vecs [][]float32
	for c, base := range angles {
		for i := 0; i < perCluster; i++ {
			jitter := 0.02 * float64(i%5)
			ids = append(ids, fmt.Sprintf("c%d-%d", c, i))
			vecs = append(vecs, unit32(base+jitter))
		}
	}
	return ids, vecs
}

func testConfig() config.ClusteringConfig {
	return config.Default().Clustering
}

func TestDBSCANSeparatesDirections(t *testing.T) {
	labels := dbscan([][]float64{
		unit(0), unit(0.02), unit(0.04), unit(0.01),
		unit(2.0), unit(2.02), unit(2.04), unit(2.01),
		unit(4.0), unit(4.02), unit(4.04), unit(4.01),
	}, 0.1, 3)

	// Three dense groups, no noise.
	assert.Equal(t, labels[0], labels[1])
	assert.Equal(t, labels[0], labels[3])
	assert.Equal(t, labels[4], labels[7])
	assert.Equal(t, labels[8], labels[11])
	assert.NotEqual(t, labels[0], labels[4])
	assert.NotEqual(t, labels[4], labels[8])
	for _, l := range labels {
		assert.NotEqual(t, types.NoiseLabel, l)
	}
}

func TestDBSCANFlagsIsolatedPointsAsNoise(t *testing.T) {
	points := [][]float64{
		unit(0), unit(0.02), unit(0.04), unit(0.01), unit(0.03),
		unit(math.Pi), // isolated, opposite direction
	}
	labels := dbscan(points, 0.1, 3)
	assert.Equal(t, types.NoiseLabel, labels[5])
	for i := 0; i < 5; i++ {
		assert.NotEqual(t, types.NoiseLabel, labels[i])
	}
}

func TestKMeansIsDeterministicForSeed(t *testing.T) {
	_, vecs := threeDirections(5)
	points := toFloat64(vecs)

	a := kmeans(points, 3, 42)
	b := kmeans(points, 3, 42)
	assert.Equal(t, a, b)
}

func TestChooseKClamps(t *testing.T) {
	_, vecs := threeDirections(4)
	points := toFloat64(vecs)

	k := chooseK(points, 3, 7)
	assert.GreaterOrEqual(t, k, 3)
	assert.LessOrEqual(t, k, 7)

	// Fewer points than kMax clamps to the point count.
	k = chooseK(points[:4], 3, 7)
	assert.LessOrEqual(t, k, 4)
}

func TestRunSmallCorpusUsesKMeans(t *testing.T) {
	ids, vecs := threeDirections(5) // 15 records < MinDensitySize 20
	engine := New(testConfig())

	snap, err := engine.Run(ids, vecs)
	require.NoError(t, err)
	assert.Equal(t, "kmeans", snap.Algorithm)
	assert.Equal(t, 15, snap.Total)
	assert.Zero(t, snap.NoiseRatio, "kmeans assigns every point")
	for _, c := range snap.Clusters {
		assert.False(t, c.IsNoise)
		assert.LessOrEqual(t, len(c.ExemplarIDs), 3)
		assert.NotEmpty(t, c.ExemplarIDs)
	}
}

func TestRunLargeCorpusUsesDBSCAN(t *testing.T) {
	ids, vecs := threeDirections(10) // 30 records >= 20
	engine := New(testConfig())

	snap, err := engine.Run(ids, vecs)
	require.NoError(t, err)
	assert.Equal(t, "dbscan", snap.Algorithm)
}

func TestRunRejectsMisalignedInput(t *testing.T) {
	engine := New(testConfig())
	_, err := engine.Run([]string{"a"}, nil)
	assert.Error(t, err)
}

func TestNoiseRatioSumsMemberCounts(t *testing.T) {
	// 211 records: clusters of 30/15/9 plus a 157-record noise group.
	// The ratio must come from noise member counts, not from counting
	// noise cluster objects (which would give 1/211 here).
	engine := New(testConfig())

	var ids []string
	var points [][]float64
	var labels []int
	add := func(n, label int, angle float64) {
		for i := 0; i < n; i++ {
			ids = append(ids, fmt.Sprintf("n%d-%d", label, len(ids)))
			points = append(points, unit(angle+0.001*float64(i)))
			labels = append(labels, label)
		}
	}
	add(30, 0, 0)
	add(15, 1, 2)
	add(9, 2, 4)
	add(157, types.NoiseLabel, 5)

	snap := engine.buildSnapshot(ids, points, labels)
	assert.Equal(t, 211, snap.Total)
	assert.InDelta(t, 157.0/211.0, snap.NoiseRatio, 1e-9)
	assert.InDelta(t, 0.744, snap.NoiseRatio, 0.001)

	joined := ""
	for _, r := range snap.HealthReports {
		joined += r + "\n"
	}
	assert.Contains(t, joined, "high_noise")
	assert.NotContains(t, joined, "moderate_noise")
}

func TestSilhouetteWarningNeverFiresWithOneCluster(t *testing.T) {
	engine := New(testConfig())

	var ids []string
	var points [][]float64
	var labels []int
	for i := 0; i < 10; i++ {
		ids = append(ids, "r-"+strconv.Itoa(i))
		points = append(points, unit(0.01*float64(i)))
		labels = append(labels, 0)
	}

	snap := engine.buildSnapshot(ids, points, labels)
	assert.Nil(t, snap.Silhouette, "no score with a single cluster")
	for _, r := range snap.HealthReports {
		assert.NotContains(t, r, "low_silhouette")
	}
}

func TestSilhouetteSkippedWhenAllNoise(t *testing.T) {
	engine := New(testConfig())

	ids := []string{"a", "b", "c"}
	points := [][]float64{unit(0), unit(2), unit(4)}
	labels := []int{types.NoiseLabel, types.NoiseLabel, types.NoiseLabel}

	snap := engine.buildSnapshot(ids, points, labels)
	assert.Nil(t, snap.Silhouette)
	assert.Equal(t, 1.0, snap.NoiseRatio)
}

func TestSilhouetteHighForSeparatedClusters(t *testing.T) {
	points := [][]float64{
		unit(0), unit(0.02), unit(0.04),
		unit(2), unit(2.02), unit(2.04),
	}
	labels := []int{0, 0, 0, 1, 1, 1}
	s := silhouette(points, labels)
	assert.Greater(t, s, 0.5)
}
