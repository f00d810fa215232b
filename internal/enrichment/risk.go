package enrichment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/osint-tracer/api/schemas"
)

// Assessment is the outcome of risk scoring one record.
type Assessment struct {
	Score   int
	Level   schemas.ThreatLevel
	Factors []string
}

// Scorer turns an enriched record into a risk assessment.
type Scorer interface {
	Score(ctx context.Context, record *schemas.EntityRecord) (Assessment, error)
}

// Weights used by RiskScorer. Each factor contributes at most once.
const (
	weightListed        = 40
	weightAbuseMax      = 30
	weightHighFraud     = 25
	weightElevatedFraud = 10
	weightRecentAbuse   = 15
	weightReportsMax    = 10
	weightVOIP          = 10
	weightInvalidNumber = 10
	weightNewDomain     = 20
	weightYoungDomain   = 10
	weightBadCategory   = 10
	weightRepeatSubject = 10
	weightManyCoTraced  = 10
	repeatSessionsFloor = 3
	manyPartnersFloor   = 5
	newDomainAge        = 30 * 24 * time.Hour
	youngDomainAge      = 180 * 24 * time.Hour
)

var badCategories = []string{"phishing", "scam", "fraud", "malware", "ransomware", "sanctions"}

// RiskScorer combines external threat signals with internal investigation
// history. A nil HistorySource scores on external signals only.
type RiskScorer struct {
	history schemas.HistorySource
	now     func() time.Time
	logger  *zap.Logger
}

// NewRiskScorer builds a scorer.
func NewRiskScorer(history schemas.HistorySource, logger *zap.Logger) *RiskScorer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RiskScorer{history: history, now: time.Now, logger: logger.Named("risk_scorer")}
}

// Score implements Scorer.
func (s *RiskScorer) Score(ctx context.Context, record *schemas.EntityRecord) (Assessment, error) {
	if record == nil {
		return Assessment{}, fmt.Errorf("risk scoring: nil record")
	}
	var (
		score   int
		factors []string
	)
	add := func(points int, factor string) {
		score += points
		factors = append(factors, factor)
	}

	a := record.Attributes
	if th := a.Threat; th != nil {
		if th.Listed != nil && *th.Listed {
			add(weightListed, "listed_by_threat_feed")
		}
		if th.AbuseScore != nil && *th.AbuseScore > 0 {
			add(min(weightAbuseMax, *th.AbuseScore*weightAbuseMax/100+1), fmt.Sprintf("abuse_score_%d", *th.AbuseScore))
		}
		if th.FraudScore != nil {
			switch {
			case *th.FraudScore >= 75:
				add(weightHighFraud, "high_fraud_score")
			case *th.FraudScore >= 50:
				add(weightElevatedFraud, "elevated_fraud_score")
			}
		}
		if th.RecentAbuse != nil && *th.RecentAbuse {
			add(weightRecentAbuse, "recent_abuse")
		}
		if th.ReportCount != nil && *th.ReportCount > 0 {
			add(min(weightReportsMax, *th.ReportCount), fmt.Sprintf("abuse_reports_%d", *th.ReportCount))
		}
		if hasBadCategory(th.Categories) {
			add(weightBadCategory, "malicious_category")
		}
	}

	if ph := a.Phone; ph != nil {
		if ph.IsVOIP != nil && *ph.IsVOIP {
			add(weightVOIP, "voip_number")
		}
		if ph.Valid != nil && !*ph.Valid {
			add(weightInvalidNumber, "invalid_number")
		}
	}

	if d := a.Domain; d != nil && d.CreatedAt != nil {
		age := s.now().Sub(*d.CreatedAt)
		switch {
		case age >= 0 && age < newDomainAge:
			add(weightNewDomain, "newly_registered_domain")
		case age >= 0 && age < youngDomainAge:
			add(weightYoungDomain, "young_domain")
		}
	}

	// -- Internal history --
	if s.history != nil {
		stats, err := s.history.History(ctx, record.Ref())
		if err != nil {
			return Assessment{}, fmt.Errorf("risk scoring history for %s: %w", record.Ref(), err)
		}
		if stats.Sessions >= repeatSessionsFloor {
			add(weightRepeatSubject, fmt.Sprintf("investigated_%d_times", stats.Sessions))
		}
		if stats.Partners >= manyPartnersFloor {
			add(weightManyCoTraced, fmt.Sprintf("co_traced_with_%d_entities", stats.Partners))
		}
	}

	score = max(0, min(100, score))
	s.logger.Debug("Scored entity.", zap.String("entity", record.Ref().String()), zap.Int("score", score), zap.Strings("factors", factors))
	return Assessment{Score: score, Level: LevelFor(score), Factors: factors}, nil
}

// LevelFor buckets a score into a threat level.
func LevelFor(score int) schemas.ThreatLevel {
	switch {
	case score <= 0:
		return schemas.ThreatNone
	case score < 25:
		return schemas.ThreatLow
	case score < 50:
		return schemas.ThreatMedium
	case score < 75:
		return schemas.ThreatHigh
	default:
		return schemas.ThreatCritical
	}
}

func hasBadCategory(categories []string) bool {
	for _, c := range categories {
		c = strings.ToLower(c)
		for _, bad := range badCategories {
			if strings.Contains(c, bad) {
				return true
			}
		}
	}
	return false
}
