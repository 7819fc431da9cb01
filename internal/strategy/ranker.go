package strategy

import (
	"math"
	"sort"

	"optionsbot/internal/models"
)

// Ranker scores heterogeneous signals on one scale and orders them.
type Ranker struct {
	order map[string]int
}

// NewRanker creates a ranker that breaks score ties by the position of the
// signal's strategy in strategies.
func NewRanker(strategies []string) *Ranker {
	order := make(map[string]int, len(strategies))
	for i, name := range strategies {
		order[name] = i
	}
	return &Ranker{order: order}
}

// Score returns the base strategy score plus the risk/reward bonus,
// rounded to 0.1.
func Score(sig models.Signal) float64 {
	var score float64
	switch d := sig.Details.(type) {
	case models.VolArbDetails:
		score = 30 + math.Min(math.Abs(d.ZScore)*10, 30)
	case models.IVCrushDetails:
		score = 25 + math.Min((d.IVPercentile-80)*2, 20)
	case models.MeanReversionDetails:
		score = 20 + math.Min(d.VolumeRatio*5, 15)
	case models.MomentumDetails:
		score = 15 + math.Min(d.VolumeRatio*3, 10)
	}

	if sig.MaxRisk > 0 {
		if credit := sig.NetCreditTotal(); credit > 0 {
			score += math.Min(credit/sig.MaxRisk*20, 15)
		} else if sig.ProfitTarget > 0 {
			score += math.Min(sig.ProfitTarget/sig.MaxRisk*10, 15)
		}
	}
	return math.Round(score*10) / 10
}

// Rank scores every signal, adds adjust (if non-nil) for its trade type and
// sorts descending. Equal scores keep strategy declaration order, then
// input order.
func (r *Ranker) Rank(signals []models.Signal, adjust func(models.TradeType) float64) []models.Signal {
	out := make([]models.Signal, len(signals))
	copy(out, signals)
	for i := range out {
		score := Score(out[i])
		if adjust != nil {
			score += adjust(out[i].TradeType)
		}
		out[i].Score = math.Round(score*10) / 10
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return r.rank(out[i].Strategy) < r.rank(out[j].Strategy)
	})
	return out
}

func (r *Ranker) rank(strategy string) int {
	if i, ok := r.order[strategy]; ok {
		return i
	}
	return len(r.order)
}
