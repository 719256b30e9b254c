// Package anomaly keeps a sliding window of feature vectors per asset and
// classifies each new vector against an isolation forest fitted on that window.
package anomaly

import (
	"fmt"
	"log/slog"

	"github.com/WessleyAI/fleetops/engine/domain"
	"github.com/WessleyAI/fleetops/pkg/partition"
)

// Config controls window size, warm-up and the forest.
type Config struct {
	// Window is the per-asset sliding window capacity N.
	Window int
	// WarmupMin is the minimum window length before any verdict. Zero means max(10, N/2).
	WarmupMin int
	Forest    ForestOpts
}

// DefaultConfig uses a 30-sample window and 2% contamination.
func DefaultConfig() Config {
	return Config{Window: 30, Forest: DefaultForestOpts}
}

func (c Config) normalize() (Config, error) {
	if c.Window < 2 {
		return c, domain.NewValidationError("window", fmt.Sprint(c.Window), domain.ErrOutOfRange)
	}
	if c.WarmupMin <= 0 {
		c.WarmupMin = max(10, c.Window/2)
	}
	if c.WarmupMin < 2 || c.WarmupMin > c.Window {
		return c, domain.NewValidationError("warmup_min", fmt.Sprint(c.WarmupMin), domain.ErrOutOfRange)
	}
	if c.Forest.Trees == 0 && c.Forest.SampleSize == 0 && c.Forest.Contamination == 0 {
		c.Forest = DefaultForestOpts
	}
	if c.Forest.Contamination <= 0 || c.Forest.Contamination >= 0.5 {
		return c, domain.NewValidationError("contamination", fmt.Sprint(c.Forest.Contamination), domain.ErrOutOfRange)
	}
	return c, nil
}

// Verdict is the classification of one observation.
type Verdict struct {
	State     domain.AnomalyState `json:"state"`
	Score     float64             `json:"score"`
	Threshold float64             `json:"threshold"`
	Refit     bool                `json:"refit"`
}

// Detector owns every asset's window and model.
type Detector struct {
	cfg    Config
	assets *partition.Map[string, *assetModel]
	log    *slog.Logger
}

// NewDetector validates cfg and creates a detector.
func NewDetector(cfg Config, log *slog.Logger) (*Detector, error) {
	cfg, err := cfg.normalize()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	d := &Detector{cfg: cfg, log: log}
	d.assets = partition.New(func(string) *assetModel {
		return &assetModel{window: newWindow(cfg.Window)}
	})
	return d, nil
}

// Config returns the effective configuration.
func (d *Detector) Config() Config { return d.cfg }

type assetModel struct {
	window   *window
	model    *Forest
	sinceFit int  // appends since the last fit
	fullFit  bool // fitted on a full window at least once
}

// Observe appends fv to the asset's window, refits when due, and classifies fv.
// Invalid vectors fail with domain.ErrInvalidInput and leave state untouched.
func (d *Detector) Observe(assetID string, fv domain.FeatureVector) (domain.AnomalyState, error) {
	v, err := d.ObserveScored(assetID, fv)
	return v.State, err
}

// ObserveScored is Observe returning the score and threshold as well.
func (d *Detector) ObserveScored(assetID string, fv domain.FeatureVector) (Verdict, error) {
	if err := domain.ValidateAssetID(assetID); err != nil {
		return Verdict{}, err
	}
	if err := fv.Validate(); err != nil {
		return Verdict{}, err
	}
	var out Verdict
	err := d.assets.With(assetID, func(m **assetModel) error {
		am := *m
		am.window.push(fv.Clone())
		am.sinceFit++

		n := am.window.len()
		if n < d.cfg.WarmupMin {
			out = Verdict{State: domain.StateWarming}
			return nil
		}
		if d.fitDue(am) {
			f, err := Fit(am.window.items(), d.cfg.Forest)
			if err != nil {
				return fmt.Errorf("anomaly: refit %s: %w", assetID, err)
			}
			am.model = f
			am.sinceFit = 0
			if n == d.cfg.Window {
				am.fullFit = true
			}
			out.Refit = true
			d.log.Debug("anomaly model fitted", "asset", assetID, "window", n, "threshold", f.Threshold())
		}
		out.Score = am.model.Score(fv)
		out.Threshold = am.model.Threshold()
		out.State = domain.StateNormal
		if out.Score > out.Threshold {
			out.State = domain.StateAnomalous
		}
		return nil
	})
	return out, err
}

// fitDue: first fit at warm-up, again when the window first fills, then every N appends.
func (d *Detector) fitDue(am *assetModel) bool {
	if am.model == nil {
		return true
	}
	if am.window.len() < d.cfg.Window {
		return false
	}
	return !am.fullFit || am.sinceFit >= d.cfg.Window
}

// Score classifies fv against the asset's current model without appending it.
func (d *Detector) Score(assetID string, fv domain.FeatureVector) (Verdict, error) {
	if err := fv.Validate(); err != nil {
		return Verdict{}, err
	}
	var (
		out   Verdict
		ready bool
	)
	d.assets.Peek(assetID, func(am *assetModel) {
		if am.model == nil {
			return
		}
		ready = true
		out.Score = am.model.Score(fv)
		out.Threshold = am.model.Threshold()
		out.State = domain.StateNormal
		if out.Score > out.Threshold {
			out.State = domain.StateAnomalous
		}
	})
	if !ready {
		return Verdict{State: domain.StateWarming}, fmt.Errorf("anomaly: %s: %w", assetID, domain.ErrNotWarmedUp)
	}
	return out, nil
}

// WindowLen is the number of vectors held for an asset.
func (d *Detector) WindowLen(assetID string) int {
	n := 0
	d.assets.Peek(assetID, func(am *assetModel) { n = am.window.len() })
	return n
}

// Forget drops an asset's window and model.
func (d *Detector) Forget(assetID string) { d.assets.Delete(assetID) }
