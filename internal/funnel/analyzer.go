package funnel

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"

	"github.com/matbakh/metrics-core/internal/metrics"
	"github.com/matbakh/metrics-core/internal/models"
	"github.com/matbakh/metrics-core/internal/storage"
	"go.uber.org/zap"
)

// Analyzer builds conversion funnels and scores experiment variants. All
// computations run over a snapshot of events fetched at query start.
type Analyzer struct {
	store         storage.EventStore
	minSampleSize int
	metrics       *metrics.Metrics
	logger        *zap.Logger
}

// NewAnalyzer constructs an analyzer with the configured per-variant sample
// floor.
func NewAnalyzer(store storage.EventStore, minSampleSize int, m *metrics.Metrics, logger *zap.Logger) *Analyzer {
	return &Analyzer{
		store:         store,
		minSampleSize: minSampleSize,
		metrics:       m,
		logger:        logger,
	}
}

// variantUsers tracks which users saw a variant and which of them
// converted.
type variantUsers struct {
	exposed   map[string]bool
	converted map[string]bool
}

// StageSpec names one funnel stage and the event type that satisfies it.
type StageSpec struct {
	Name      string           `json:"name"`
	EventType models.EventType `json:"event_type"`
}

// BuildFunnel walks each user through the ordered stages. A user reaches
// stage N only with a matching event strictly after their stage N-1 event,
// so stage counts never increase.
func (a *Analyzer) BuildFunnel(ctx context.Context, stages []StageSpec, w models.Window) (*models.FunnelReport, error) {
	if len(stages) < 2 {
		return nil, &models.ValidationError{Field: "stages", Reason: "at least two stages required"}
	}
	for _, st := range stages {
		if !models.ValidEventType(st.EventType) {
			return nil, &models.ValidationError{Field: "stages", Reason: "unknown event type " + string(st.EventType)}
		}
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}

	start := time.Now()

	events, err := a.store.QueryConversions(ctx, storage.EventFilter{Window: w})
	if err != nil {
		return nil, a.asTimeout(err, "funnel")
	}

	byUser := groupByUser(events)

	counts := make([]int64, len(stages))
	var (
		completed    int64
		totalElapsed time.Duration
	)

	for _, userEvents := range byUser {
		if err := ctx.Err(); err != nil {
			return nil, a.asTimeout(err, "funnel")
		}

		reached, firstAt, lastAt := walkStages(userEvents, stages)
		for i := 0; i < reached; i++ {
			counts[i]++
		}
		if reached == len(stages) {
			completed++
			totalElapsed += lastAt.Sub(firstAt)
		}
	}

	report := &models.FunnelReport{
		Window:         w,
		Stages:         make([]models.FunnelStage, len(stages)),
		CompletedCount: completed,
		ComputedAt:     time.Now().UTC(),
	}
	for i, st := range stages {
		fs := models.FunnelStage{
			Name:      st.Name,
			EventType: st.EventType,
			UserCount: counts[i],
		}
		if i > 0 && counts[i-1] > 0 {
			fs.ConversionFromPrev = float64(counts[i]) / float64(counts[i-1])
			fs.DropOffRate = 1 - fs.ConversionFromPrev
		}
		report.Stages[i] = fs
	}
	if completed > 0 {
		report.AvgTimeToConvertSeconds = totalElapsed.Seconds() / float64(completed)
	}

	if a.metrics != nil {
		a.metrics.RecordQuery("funnel", time.Since(start))
	}
	return report, nil
}

// walkStages greedily advances through the stages using the earliest
// eligible event for each, which maximizes how far the user gets. Events
// arrive sorted by timestamp then id.
func walkStages(events []*models.ConversionEvent, stages []StageSpec) (reached int, firstAt, lastAt time.Time) {
	var prev time.Time
	for i, st := range stages {
		found := false
		for _, ev := range events {
			if ev.EventType != st.EventType {
				continue
			}
			if i > 0 && !ev.Timestamp.After(prev) {
				continue
			}
			prev = ev.Timestamp
			if i == 0 {
				firstAt = ev.Timestamp
			}
			lastAt = ev.Timestamp
			found = true
			break
		}
		if !found {
			return i, firstAt, lastAt
		}
	}
	return len(stages), firstAt, lastAt
}

// AnalyzeExperiment runs a two-proportion z-test between the control and
// the largest non-control variant of the experiment. Below the per-variant
// sample floor the snapshot is flagged insufficient and carries no p-value.
//
// Experiment membership is carried in event metadata: the campaign tag
// names the experiment, the experiment_variant tag names the variant. The
// variant literally named "control" is the baseline; without one, the
// lexicographically smallest variant is.
func (a *Analyzer) AnalyzeExperiment(ctx context.Context, experimentID string, w models.Window) (*models.ExperimentSnapshot, error) {
	if experimentID == "" {
		return nil, &models.ValidationError{Field: "experiment_id", Reason: "required"}
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}

	start := time.Now()

	events, err := a.store.QueryConversions(ctx, storage.EventFilter{Window: w})
	if err != nil {
		return nil, a.asTimeout(err, "experiment")
	}

	variants := make(map[string]*variantUsers)

	for _, ev := range events {
		if ev.Metadata[models.MetaCampaign] != experimentID {
			continue
		}
		variant := ev.Metadata[models.MetaExperimentVariant]
		if variant == "" || ev.UserID == "" {
			continue
		}
		vu, ok := variants[variant]
		if !ok {
			vu = &variantUsers{exposed: make(map[string]bool), converted: make(map[string]bool)}
			variants[variant] = vu
		}
		vu.exposed[ev.UserID] = true
		if isConverting(ev.EventType) {
			vu.converted[ev.UserID] = true
		}
	}

	snapshot := &models.ExperimentSnapshot{
		ExperimentID:  experimentID,
		Window:        w,
		MinSampleSize: a.minSampleSize,
		ComputedAt:    time.Now().UTC(),
	}

	controlName, variantName := pickVariants(variants)
	if controlName != "" {
		snapshot.Control = variantStats(controlName, variants[controlName].exposed, variants[controlName].converted)
	}
	if variantName != "" {
		snapshot.Variant = variantStats(variantName, variants[variantName].exposed, variants[variantName].converted)
	}

	if snapshot.Control.SampleCount < int64(a.minSampleSize) || snapshot.Variant.SampleCount < int64(a.minSampleSize) {
		snapshot.InsufficientSample = true
		if a.metrics != nil {
			a.metrics.RecordQuery("experiment", time.Since(start))
		}
		return snapshot, nil
	}

	z, p := twoProportionZTest(
		snapshot.Control.Conversions, snapshot.Control.SampleCount,
		snapshot.Variant.Conversions, snapshot.Variant.SampleCount,
	)
	lo, hi := upliftCI95(
		snapshot.Control.Conversions, snapshot.Control.SampleCount,
		snapshot.Variant.Conversions, snapshot.Variant.SampleCount,
	)
	delta := snapshot.Variant.ConversionRate - snapshot.Control.ConversionRate

	snapshot.ZScore = &z
	snapshot.PValue = &p
	snapshot.UpliftLow95 = &lo
	snapshot.UpliftHigh95 = &hi
	snapshot.RateDelta = &delta
	snapshot.Significant = p < 0.05

	if a.metrics != nil {
		a.metrics.RecordQuery("experiment", time.Since(start))
	}
	return snapshot, nil
}

// isConverting reports whether the event type counts as a conversion for
// experiment scoring. Signups are exposure, churn is not a win.
func isConverting(t models.EventType) bool {
	switch t {
	case models.EventSubscription, models.EventPurchase, models.EventUpgrade:
		return true
	}
	return false
}

func variantStats(name string, exposed, converted map[string]bool) models.VariantStats {
	vs := models.VariantStats{
		Variant:     name,
		SampleCount: int64(len(exposed)),
		Conversions: int64(len(converted)),
	}
	if vs.SampleCount > 0 {
		vs.ConversionRate = float64(vs.Conversions) / float64(vs.SampleCount)
	}
	return vs
}

// pickVariants selects the control and its challenger: "control" when
// present (else the lexicographically smallest name), compared against the
// largest remaining variant.
func pickVariants(variants map[string]*variantUsers) (control, variant string) {
	names := make([]string, 0, len(variants))
	for name := range variants {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if name == "control" {
			control = name
			break
		}
	}
	if control == "" && len(names) > 0 {
		control = names[0]
	}

	var best int64 = -1
	for _, name := range names {
		if name == control {
			continue
		}
		if n := int64(len(variants[name].exposed)); n > best {
			best = n
			variant = name
		}
	}
	return control, variant
}

// twoProportionZTest returns the pooled z statistic and the two-sided
// p-value under the normal approximation.
func twoProportionZTest(x1, n1, x2, n2 int64) (z, p float64) {
	p1 := float64(x1) / float64(n1)
	p2 := float64(x2) / float64(n2)
	pooled := float64(x1+x2) / float64(n1+n2)

	se := math.Sqrt(pooled * (1 - pooled) * (1/float64(n1) + 1/float64(n2)))
	if se == 0 {
		return 0, 1
	}

	z = (p2 - p1) / se
	p = 2 * (1 - normalCDF(math.Abs(z)))
	return z, p
}

// upliftCI95 returns the 95% confidence interval of the rate difference
// (variant minus control), using the unpooled standard error.
func upliftCI95(x1, n1, x2, n2 int64) (lo, hi float64) {
	p1 := float64(x1) / float64(n1)
	p2 := float64(x2) / float64(n2)

	se := math.Sqrt(p1*(1-p1)/float64(n1) + p2*(1-p2)/float64(n2))
	delta := p2 - p1
	const z95 = 1.959963984540054
	return delta - z95*se, delta + z95*se
}

// normalCDF is the standard normal cumulative distribution function.
func normalCDF(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}

func groupByUser(events []*models.ConversionEvent) map[string][]*models.ConversionEvent {
	byUser := make(map[string][]*models.ConversionEvent)
	for _, ev := range events {
		if ev.UserID == "" {
			continue
		}
		byUser[ev.UserID] = append(byUser[ev.UserID], ev)
	}
	return byUser
}

func (a *Analyzer) asTimeout(err error, operation string) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if a.metrics != nil {
			a.metrics.RecordTimeout(operation)
		}
		return &models.TimeoutError{Operation: operation}
	}
	return err
}
