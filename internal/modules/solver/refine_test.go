package solver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/ballastlab/ballast/internal/domain"
)

func TestRefine_SumsToOneAndDoesNotDegradeUtility(t *testing.T) {
	mu := []float64{0.01, 0.02}
	sigma := mat.NewSymDense(2, []float64{
		0.04, 0,
		0, 0.09,
	})
	seed := []float64{0.5, 0.5}

	refined, err := NewRefiner(3.0, 1000, 1e-9).Refine(mu, sigma, seed)
	require.NoError(t, err)

	assert.InDelta(t, 1.0, domain.WeightSum(refined), 1e-9)
	assert.GreaterOrEqual(t,
		Utility(refined, mu, sigma, 3.0),
		Utility(seed, mu, sigma, 3.0)-1e-12)
}

func TestRefine_MovesDetunedSeedTowardOptimum(t *testing.T) {
	mu := []float64{0.01, 0.02}
	sigma := mat.NewSymDense(2, []float64{
		0.04, 0,
		0, 0.09,
	})
	// With sum fixed at one the utility optimum sits at w1 = 2/3.
	seed := []float64{0.9, 0.1}

	refined, err := NewRefiner(3.0, 1000, 1e-9).Refine(mu, sigma, seed)
	require.NoError(t, err)

	assert.InDelta(t, 2.0/3.0, refined[0], 0.05)
	assert.Greater(t,
		Utility(refined, mu, sigma, 3.0),
		Utility(seed, mu, sigma, 3.0))
}

func TestRefine_DoesNotMutateSeed(t *testing.T) {
	mu := []float64{0.01, 0.02}
	sigma := mat.NewSymDense(2, []float64{
		0.04, 0,
		0, 0.09,
	})
	seed := []float64{0.7, 0.3}
	original := domain.CloneWeights(seed)

	_, err := NewRefiner(3.0, 500, 1e-8).Refine(mu, sigma, seed)
	require.NoError(t, err)

	assert.Equal(t, original, seed)
}

func TestRefine_DimensionMismatchFailsFast(t *testing.T) {
	mu := []float64{0.01, 0.02}
	sigma := mat.NewSymDense(2, []float64{0.04, 0, 0, 0.09})

	var dataErr *domain.DataError
	_, err := NewRefiner(3.0, 100, 1e-8).Refine(mu, sigma, []float64{0.5, 0.3, 0.2})
	require.ErrorAs(t, err, &dataErr)

	_, err = NewRefiner(3.0, 100, 1e-8).Refine(nil, sigma, nil)
	require.ErrorAs(t, err, &dataErr)
}

func TestUtility_PenalizesVariance(t *testing.T) {
	mu := []float64{0.01, 0.01}
	low := mat.NewSymDense(2, []float64{0.01, 0, 0, 0.01})
	high := mat.NewSymDense(2, []float64{0.09, 0, 0, 0.09})
	w := []float64{0.5, 0.5}

	assert.Greater(t, Utility(w, mu, low, 3.0), Utility(w, mu, high, 3.0))
}
