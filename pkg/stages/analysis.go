package stages

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/polisai/polis-analyst/pkg/domain"
	"github.com/polisai/polis-analyst/pkg/engine/runtime"
	"github.com/polisai/polis-analyst/pkg/storage"
	"github.com/polisai/polis-analyst/pkg/tools"
)

// Hypothesis thresholds.
const (
	// SentimentThreshold is the mean sentiment magnitude that counts as a vote.
	SentimentThreshold = 0.1
	// MaxVolatility is the annualized volatility above which a directional
	// stance is downgraded to flat.
	MaxVolatility = 0.6
	// minVotes is the net vote count needed for a directional stance.
	minVotes = 2
)

// Analysis derives factors and a signal hypothesis from the acquired data.
type Analysis struct{}

func (Analysis) Name() string { return StageAnalysis }

func (Analysis) Contract() storage.Contract {
	return storage.Contract{
		Produces: []string{domain.NSFactors, domain.NSSignal, domain.NSHypothesis},
		Consumes: []string{domain.NSPrices, domain.NSNews},
	}
}

func (Analysis) Run(ctx context.Context, sc *runtime.StageContext) (domain.StageSummary, error) {
	subject := sc.Request.Subject
	sum := runtime.Completed(StageAnalysis, "")

	factorSum, factors, err := sc.Toolkit.ComputeFactors(ctx, sc.Session, subject)
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		runtime.Disclose(&sum, "factors unavailable: insufficient price history")
	case err != nil:
		return domain.StageSummary{}, err
	default:
		sum.Keys = append(sum.Keys, factorSum.Key, domain.Key(domain.NSSignal, subject))
	}

	news, err := sc.Session.Records(ctx, domain.Key(domain.NSNews, subject))
	if err != nil {
		return domain.StageSummary{}, err
	}
	sentiment, hasSentiment := tools.MeanSentiment(news)

	memSum, memories, err := sc.Toolkit.LookupMemory(ctx, sc.Session, subject)
	if err != nil {
		return domain.StageSummary{}, err
	}

	hyp := Hypothesize(subject, factors, sentiment, hasSentiment)
	key := domain.Key(domain.NSHypothesis, subject)
	if err := sc.Session.Put(ctx, key, hyp.ToSummary()); err != nil {
		return domain.StageSummary{}, err
	}
	sum.Keys = append(sum.Keys, key)

	sum.Facts = map[string]string{
		"direction":  string(hyp.Direction),
		"confidence": strconv.FormatFloat(hyp.Confidence, 'f', 2, 64),
		"rationale":  strings.Join(hyp.Rationale, ","),
		"memories":   strconv.Itoa(len(memories)),
	}
	sum.Text = fmt.Sprintf("stance %s (confidence %.2f)", hyp.Direction, hyp.Confidence)
	if factorSum.Text != "" {
		sum.Text += ": " + factorSum.Text
	}

	facts := summaryFacts(sc.Previous)
	facts["hypothesis"] = sum.Text
	facts["memory"] = memSum.Text
	narrative, err := consult(ctx, sc,
		"Explain in two sentences whether the factors and headlines support the stance for "+subject+".", facts)
	if err != nil {
		sc.Logger.Warn("analysis reasoning unavailable", "error", err)
	} else if narrative != "" {
		sum.Facts["narrative"] = truncate(narrative, maxNarrativeBytes)
	}

	if err := sc.Toolkit.Remember(ctx, sc.Session, subject, domain.Fact{
		Text: fmt.Sprintf("stance %s at confidence %.2f", hyp.Direction, hyp.Confidence),
		Tags: hyp.Rationale,
	}); err != nil {
		sc.Logger.Warn("storing analysis memory failed", "error", err)
	}
	return sum, nil
}

// Hypothesize turns factors and sentiment into a directional stance by
// counting agreeing signals. Without factors the stance is neutral.
func Hypothesize(subject string, f domain.Factors, sentiment float64, hasSentiment bool) domain.SignalHypothesis {
	h := domain.SignalHypothesis{Subject: subject, Direction: domain.DirectionNeutral}
	if len(f) == 0 {
		h.Rationale = []string{"insufficient_history"}
		return h
	}

	score, voters := 0, 0
	vote := func(v float64, up, down string) {
		voters++
		switch {
		case v > 0:
			score++
			h.Rationale = append(h.Rationale, up)
		case v < 0:
			score--
			h.Rationale = append(h.Rationale, down)
		}
	}

	for _, name := range []string{tools.FactorMomentumShort, tools.FactorMomentumLong, tools.FactorTrend} {
		v, ok := f[name]
		if !ok {
			continue
		}
		h.FactorRefs = append(h.FactorRefs, name)
		switch name {
		case tools.FactorMomentumShort:
			vote(v, "momentum_positive", "momentum_negative")
		case tools.FactorMomentumLong:
			vote(v, "long_momentum_positive", "long_momentum_negative")
		case tools.FactorTrend:
			vote(v, "trend_up", "trend_down")
		}
	}
	if hasSentiment {
		s := 0.0
		if math.Abs(sentiment) > SentimentThreshold {
			s = sentiment
		}
		vote(s, "sentiment_positive", "sentiment_negative")
	}

	switch {
	case score >= minVotes:
		h.Direction = domain.DirectionLong
	case score <= -minVotes:
		h.Direction = domain.DirectionShort
	}
	if voters > 0 {
		h.Confidence = math.Abs(float64(score)) / float64(voters)
	}

	if vol, ok := f[tools.FactorVolatility]; ok && vol > MaxVolatility && h.Direction != domain.DirectionNeutral {
		h.FactorRefs = append(h.FactorRefs, tools.FactorVolatility)
		h.Rationale = append(h.Rationale, "volatility_too_high")
		h.Direction = domain.DirectionFlat
	}
	return h
}
