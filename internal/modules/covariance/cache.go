package covariance

import (
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/singleflight"
	"gonum.org/v1/gonum/mat"

	"github.com/ballastlab/ballast/internal/domain"
)

// Cache provides byte-valued key-value storage with expiration, backed by
// the cache database.
type Cache struct {
	db *sql.DB
}

// NewCache creates a new cache instance.
func NewCache(db *sql.DB) *Cache {
	return &Cache{db: db}
}

// Get returns the cached value for a key.
// Returns false if the key doesn't exist or has expired.
func (c *Cache) Get(key string) ([]byte, bool) {
	var value []byte
	var expiresAt int64
	err := c.db.QueryRow("SELECT value, expires_at FROM cache WHERE key = ?", key).Scan(&value, &expiresAt)
	if err != nil {
		return nil, false
	}
	if time.Now().Unix() >= expiresAt {
		return nil, false
	}
	return value, true
}

// Set stores a value with an expiration timestamp.
func (c *Cache) Set(key string, value []byte, expiresAt int64) error {
	_, err := c.db.Exec(`
		INSERT INTO cache (key, value, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			expires_at = excluded.expires_at
	`, key, value, expiresAt)
	return err
}

// Delete removes a cache entry.
func (c *Cache) Delete(key string) error {
	_, err := c.db.Exec("DELETE FROM cache WHERE key = ?", key)
	return err
}

// Prune removes all expired entries and returns how many were deleted.
func (c *Cache) Prune() (int64, error) {
	res, err := c.db.Exec("DELETE FROM cache WHERE expires_at <= ?", time.Now().Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// cachedEstimates is the serialized form of Estimates. Symmetric matrices
// are stored as their full n×n backing slice.
type cachedEstimates struct {
	N             int       `msgpack:"n"`
	Covariance    []float64 `msgpack:"cov"`
	ExcessCov     []float64 `msgpack:"excess_cov"`
	Mu            []float64 `msgpack:"mu"`
	ExcessMu      []float64 `msgpack:"excess_mu"`
	BenchmarkMean float64   `msgpack:"benchmark_mean"`
}

// CachedEstimator wraps an Estimator with content-addressed caching.
// Estimates are deterministic in the window content, so entries never go
// stale; the TTL only bounds disk growth. Concurrent requests for the
// same window share a single computation.
type CachedEstimator struct {
	inner *Estimator
	cache *Cache
	ttl   time.Duration
	group singleflight.Group
}

// NewCachedEstimator wraps the estimator with a cache. Entries expire
// after ttl.
func NewCachedEstimator(inner *Estimator, cache *Cache, ttl time.Duration) *CachedEstimator {
	return &CachedEstimator{inner: inner, cache: cache, ttl: ttl}
}

// WindowSize returns the wrapped estimator's window length.
func (ce *CachedEstimator) WindowSize() int {
	return ce.inner.WindowSize()
}

// EstimateAt returns cached window statistics when the same window was
// seen before, computing and storing them otherwise.
func (ce *CachedEstimator) EstimateAt(series *domain.ReturnSeries, period int) (*Estimates, error) {
	key, err := ce.windowKey(series, period)
	if err != nil {
		return nil, err
	}

	if raw, ok := ce.cache.Get(key); ok {
		est, err := decodeEstimates(raw)
		if err == nil {
			return est, nil
		}
		// Corrupt entry, drop it and recompute.
		_ = ce.cache.Delete(key)
	}

	v, err, _ := ce.group.Do(key, func() (interface{}, error) {
		est, err := ce.inner.EstimateAt(series, period)
		if err != nil {
			return nil, err
		}
		if raw, err := encodeEstimates(est); err == nil {
			_ = ce.cache.Set(key, raw, time.Now().Add(ce.ttl).Unix())
		}
		return est, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Estimates), nil
}

// windowKey hashes the window content so the key identifies the exact
// observations the estimate derives from.
func (ce *CachedEstimator) windowKey(series *domain.ReturnSeries, period int) (string, error) {
	if period < 0 || period >= series.Periods() {
		return "", &domain.DataError{
			Op:  "estimate covariance",
			Msg: fmt.Sprintf("period %d outside series of %d periods", period, series.Periods()),
		}
	}

	start := period + 1 - ce.inner.windowSize
	if start < 0 {
		start = 0
	}
	window, benchmark, err := series.Window(start, period+1)
	if err != nil {
		return "", err
	}

	h := sha256.New()
	var buf [8]byte
	writeFloat := func(f float64) {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(f))
		h.Write(buf[:])
	}

	rows, cols := window.Dims()
	binary.LittleEndian.PutUint64(buf[:], uint64(rows))
	h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], uint64(cols))
	h.Write(buf[:])
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			writeFloat(window.At(i, j))
		}
		writeFloat(benchmark[i])
	}

	return "cov:" + hex.EncodeToString(h.Sum(nil)), nil
}

func encodeEstimates(est *Estimates) ([]byte, error) {
	n := len(est.Mu)
	return msgpack.Marshal(&cachedEstimates{
		N:             n,
		Covariance:    est.Covariance.RawSymmetric().Data,
		ExcessCov:     est.ExcessCovariance.RawSymmetric().Data,
		Mu:            est.Mu,
		ExcessMu:      est.ExcessMu,
		BenchmarkMean: est.BenchmarkMean,
	})
}

func decodeEstimates(raw []byte) (*Estimates, error) {
	var ce cachedEstimates
	if err := msgpack.Unmarshal(raw, &ce); err != nil {
		return nil, err
	}
	if ce.N <= 0 || len(ce.Covariance) != ce.N*ce.N || len(ce.ExcessCov) != ce.N*ce.N {
		return nil, fmt.Errorf("cached estimate has inconsistent dimensions")
	}
	return &Estimates{
		Covariance:       mat.NewSymDense(ce.N, ce.Covariance),
		ExcessCovariance: mat.NewSymDense(ce.N, ce.ExcessCov),
		Mu:               ce.Mu,
		ExcessMu:         ce.ExcessMu,
		BenchmarkMean:    ce.BenchmarkMean,
	}, nil
}
