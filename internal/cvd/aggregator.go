package cvd

import (
	"math"

	"github.com/sawpanic/binancepipe/internal/model"
)

const historyWindowMs = 72 * 60 * 60 * 1000

// StreamRef names one stream an aggregator subscribes to.
type StreamRef struct {
	Symbol     string
	Venue      model.Venue
	StreamType model.StreamType
}

// AggregatorConfig is one entry of BINANCE_CVD_GROUPS (spec.md §6).
type AggregatorConfig struct {
	ID            string
	DisplayName   string
	Streams       []StreamRef
	AlertsEnabled bool
}

// Matches reports whether t belongs to one of this aggregator's declared
// streams.
func (c AggregatorConfig) Matches(t model.Trade) bool {
	for _, s := range c.Streams {
		if s.Symbol == t.Symbol && s.Venue == t.Venue && s.StreamType == t.StreamType {
			return true
		}
	}
	return false
}

type point struct {
	timestamp int64
	cvdValue  float64
	delta     float64
}

// Aggregator holds one CVD series' running state (spec.md §4.9).
type Aggregator struct {
	cfg AggregatorConfig

	cvdValue  float64
	points    []point
	cumStats  windowStats
	deltaStats windowStats
}

// NewAggregator builds an Aggregator, optionally seeded from previously
// persisted records (worker restart resume).
func NewAggregator(cfg AggregatorConfig, seed []model.CvdRecord) *Aggregator {
	a := &Aggregator{cfg: cfg}
	for _, r := range seed {
		a.cvdValue = r.CvdValue
		a.pushPoint(point{timestamp: r.Timestamp, cvdValue: r.CvdValue, delta: r.Delta})
	}
	return a
}

// Result is the outcome of feeding one trade into the aggregator.
type Result struct {
	Record        model.CvdRecord
	TriggerSource model.TriggerSource
	TriggerZScore float64
}

// Process feeds one trade (already filtered to belong to this aggregator
// by the caller) into the incremental CVD state and returns the resulting
// record plus the trigger source/magnitude for gating.
func (a *Aggregator) Process(t model.Trade) Result {
	delta := t.Amount
	if t.Direction == model.DirectionSell {
		delta = -t.Amount
	}
	a.cvdValue += delta

	a.pruneOlderThan(t.Timestamp - historyWindowMs)
	a.pushPoint(point{timestamp: t.Timestamp, cvdValue: a.cvdValue, delta: delta})

	zScore := a.cumStats.zscore(a.cvdValue)
	deltaZScore := a.deltaStats.zscore(delta)

	triggerSource := model.TriggerCumulative
	triggerZScore := zScore
	if math.Abs(deltaZScore) > math.Abs(zScore) {
		triggerSource = model.TriggerDelta
		triggerZScore = deltaZScore
	}

	return Result{
		Record: model.CvdRecord{
			AggregatorID: a.cfg.ID,
			Timestamp:    t.Timestamp,
			CvdValue:     a.cvdValue,
			ZScore:       zScore,
			Delta:        delta,
			DeltaZScore:  deltaZScore,
		},
		TriggerSource: triggerSource,
		TriggerZScore: triggerZScore,
	}
}

func (a *Aggregator) pushPoint(p point) {
	a.points = append(a.points, p)
	a.cumStats.add(p.cvdValue)
	a.deltaStats.add(p.delta)
}

func (a *Aggregator) pruneOlderThan(cutoff int64) {
	i := 0
	for i < len(a.points) && a.points[i].timestamp < cutoff {
		a.cumStats.remove(a.points[i].cvdValue)
		a.deltaStats.remove(a.points[i].delta)
		i++
	}
	if i > 0 {
		a.points = append([]point(nil), a.points[i:]...)
	}
}
