package timing

import (
	"time"

	"github.com/grahama1970/cc-executor/internal/classify"
	"github.com/grahama1970/cc-executor/internal/logging"
	"github.com/grahama1970/cc-executor/internal/sysload"
)

// History is the slice of the store the estimator reads.
type History interface {
	StatsExact(sig classify.Signature) (Stats, error)
	StatsBucket(sig classify.Signature) (Stats, error)
	StatsCategory(category classify.Category) (Stats, error)
}

// Estimate is a timeout recommendation with the confidence of its source.
type Estimate struct {
	Timeout      time.Duration
	StallTimeout time.Duration
	Confidence   float64
	Signature    classify.Signature
	BasedOn      string // exact | bucket | category | default
}

// EstimatorConfig holds the estimator tunables.
type EstimatorConfig struct {
	// Floor applies unconditionally: a false-positive cancellation of real
	// work costs far more than modest over-provisioning.
	Floor         time.Duration
	SafetyFactor  float64
	StallRatio    float64 // stall timeout as fraction of timeout
	LoadThreshold float64 // 1-minute load average above which timeouts triple
}

// Estimator combines classification with timing history to predict a
// per-task timeout.
type Estimator struct {
	history  History
	cfg      EstimatorConfig
	logger   logging.Logger
	loadFunc func() sysload.Sample
}

// NewEstimator builds an estimator over the given history.
func NewEstimator(history History, cfg EstimatorConfig, logger logging.Logger) *Estimator {
	return &Estimator{
		history:  history,
		cfg:      cfg,
		logger:   logging.OrNop(logger),
		loadFunc: sysload.Read,
	}
}

// Static defaults per complexity tier, the last rung of the ladder.
var tierDefaults = map[classify.Complexity]time.Duration{
	classify.ComplexitySimple:  2 * time.Minute,
	classify.ComplexityMedium:  5 * time.Minute,
	classify.ComplexityComplex: 10 * time.Minute,
}

// Estimate predicts the timeout for a command. Fallback ladder, in priority
// order: exact signature history (confidence 1.0), category+complexity bucket
// (0.8), category average (0.5), static tier defaults (0.3).
func (e *Estimator) Estimate(command string) Estimate {
	sig := classify.Classify(command)

	est := Estimate{Signature: sig}

	if stats, err := e.history.StatsExact(sig); err == nil && stats.Count > 0 {
		est.Timeout = secondsToDuration(stats.Mean * e.cfg.SafetyFactor)
		est.Confidence = 1.0
		est.BasedOn = "exact"
	} else if stats, err := e.history.StatsBucket(sig); err == nil && stats.Count > 0 {
		est.Timeout = secondsToDuration(stats.Mean * e.cfg.SafetyFactor)
		est.Confidence = 0.8
		est.BasedOn = "bucket"
	} else if stats, err := e.history.StatsCategory(sig.Category); err == nil && stats.Count > 0 {
		est.Timeout = secondsToDuration(stats.Mean * e.cfg.SafetyFactor)
		est.Confidence = 0.5
		est.BasedOn = "category"
	} else {
		est.Timeout = tierDefaults[sig.Complexity]
		est.Confidence = 0.3
		est.BasedOn = "default"
	}

	if load := e.loadFunc(); e.cfg.LoadThreshold > 0 && load.Load1 > e.cfg.LoadThreshold {
		e.logger.Warn("High system load %.1f, tripling timeout for %s", load.Load1, sig.Key())
		est.Timeout *= 3
	}

	if est.Timeout < e.cfg.Floor {
		est.Timeout = e.cfg.Floor
	}
	est.StallTimeout = time.Duration(float64(est.Timeout) * e.cfg.StallRatio)

	e.logger.Debug("Estimated %s: timeout=%s stall=%s confidence=%.1f (%s)",
		sig.Key(), est.Timeout, est.StallTimeout, est.Confidence, est.BasedOn)
	return est
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}
