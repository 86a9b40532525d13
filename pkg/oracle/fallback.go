package oracle

import (
	"regexp"
	"sort"
	"strings"
	"time"
)

// DefaultPlatformAge is the rotation window for platforms with no configured default.
const DefaultPlatformAge = 24 * time.Hour

// Error classes as reported by the coordinator. They mirror the rotation
// package taxonomy without importing it.
const (
	classTransientNetwork = "transient_network"
	classRateLimited      = "rate_limited"
	classCredential       = "credential"
	classTwoFactor        = "two_factor"
	codeCaptcha           = "CAPTCHA"
)

// RateLimitWait is the fallback back-off for a rate limited attempt: attempt² minutes.
func RateLimitWait(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(attempt*attempt*60) * time.Second
}

// FallbackDiagnosis classifies a failure without the oracle.
func FallbackDiagnosis(req DiagnosisRequest) Diagnosis {
	d := Diagnosis{Confidence: 50, Reasoning: "rule-based classification"}
	switch {
	case req.ErrorClass == classRateLimited:
		d.IssueType = "rate_limit"
		d.RecommendedAction = string(ActionWaitRetry)
		d.WaitTimeSeconds = int(RateLimitWait(req.Attempt) / time.Second)
	case req.ErrorClass == classTwoFactor:
		d.IssueType = "2fa_required"
		d.RecommendedAction = string(ActionManualIntervention)
	case req.ErrorClass == classCredential:
		d.IssueType = "credentials"
		d.RecommendedAction = string(ActionFixCredentials)
	case strings.EqualFold(req.ErrorCode, codeCaptcha):
		d.IssueType = "captcha"
		d.RecommendedAction = string(ActionWaitRetry)
		d.WaitTimeSeconds = 60
	case req.ErrorClass == classTransientNetwork:
		d.IssueType = "network"
		d.RecommendedAction = string(ActionRetryNow)
	default:
		d.IssueType = "unknown"
		d.RecommendedAction = string(ActionRetryNow)
		d.Confidence = 10
	}
	if d.WaitTimeSeconds > 3600 {
		d.WaitTimeSeconds = 3600
	}
	return d
}

// Decide reduces a diagnosis to a branch.
func Decide(d Diagnosis, attempt int) (Action, time.Duration) {
	action := Action(d.RecommendedAction)
	switch action {
	case ActionRetryNow, ActionFixCredentials, ActionManualIntervention, ActionAbandon:
		return action, 0
	case ActionWaitRetry:
		wait := time.Duration(d.WaitTimeSeconds) * time.Second
		if wait <= 0 && d.IssueType == "rate_limit" {
			wait = RateLimitWait(attempt)
		}
		if wait > time.Hour {
			wait = time.Hour
		}
		return ActionWaitRetry, wait
	default:
		return ActionRetryNow, 0
	}
}

// FallbackExpiry predicts expiry from cookie attributes. The earliest expiry
// across cookies wins. Explicit Expires beats Max-Age, which beats the
// platform default.
func FallbackExpiry(req ExpiryRequest, platformDefaults map[string]time.Duration) ExpiryPrediction {
	extractedAt := req.ExtractedAt
	if extractedAt.IsZero() {
		extractedAt = time.Now().UTC()
	}

	var earliest *time.Time
	source := ""
	consider := func(t time.Time, src string) {
		if earliest == nil || t.Before(*earliest) {
			tt := t
			earliest = &tt
			source = src
		}
	}

	for _, c := range req.Cookies {
		switch {
		case c.ExpiresAt != nil:
			consider(*c.ExpiresAt, ExpirySourceHeader)
		case c.MaxAge != nil:
			setDate := extractedAt
			if c.SetDate != nil {
				setDate = *c.SetDate
			}
			consider(setDate.Add(time.Duration(*c.MaxAge)*time.Second), ExpirySourceMaxAge)
		}
	}

	confidence := 90
	if earliest == nil {
		age, ok := platformDefaults[strings.ToLower(req.Platform)]
		if !ok || age <= 0 {
			age = DefaultPlatformAge
		}
		consider(extractedAt.Add(age), ExpirySourcePlatformDefault)
		confidence = 40
	}

	rotateIn := int(earliest.Sub(extractedAt).Hours() * 0.8)
	if rotateIn < 0 {
		rotateIn = 0
	}

	return ExpiryPrediction{
		ExpiresAt:           earliest,
		Confidence:          confidence,
		ShouldRotateInHours: rotateIn,
		Reasoning:           "derived from cookie attributes",
		ExpirySource:        source,
		Source:              SourceFallback,
	}
}

// FallbackStrategy is the conservative default approach.
func FallbackStrategy(req StrategyRequest) Strategy {
	s := Strategy{
		Approach:             "standard",
		ProxyRequired:        true,
		Delays:               Delays{MinSeconds: 1, MaxSeconds: 3},
		AntiFingerprintLevel: "medium",
		EstimatedSuccessRate: 70,
		Source:               SourceFallback,
	}
	if req.RecentFailures > 0 || req.LastIssueType == "rate_limit" || req.LastIssueType == "captcha" {
		s.Approach = "slow"
		s.Delays = Delays{MinSeconds: 3, MaxSeconds: 8}
		s.EstimatedSuccessRate = 50
	}
	return s
}

var cookieNamePatterns = []struct {
	re     *regexp.Regexp
	weight int
}{
	{regexp.MustCompile(`(?i)session`), 30},
	{regexp.MustCompile(`(?i)auth`), 30},
	{regexp.MustCompile(`(?i)jwt`), 25},
	{regexp.MustCompile(`(?i)csrf|xsrf`), 10},
	{regexp.MustCompile(`(?i)remember[_-]?me`), 15},
	{regexp.MustCompile(`(?i)access[_-]?token`), 25},
	{regexp.MustCompile(`(?i)refresh[_-]?token`), 25},
	{regexp.MustCompile(`(?i)cookie`), 20},
}

// FallbackRepoAnalysis scores a repository by the cookie names it mentions.
func FallbackRepoAnalysis(req RepoAnalysisRequest) RepoAnalysis {
	texts := append([]string{req.Description}, req.CookieHints...)
	paths := make([]string, 0, len(req.Files))
	for path := range req.Files {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		texts = append(texts, req.Files[path])
	}

	score := 0
	var names []string
	for _, p := range cookieNamePatterns {
		for _, t := range texts {
			if m := p.re.FindString(t); m != "" {
				score += p.weight
				names = append(names, strings.ToLower(m))
				break
			}
		}
	}
	if score > 100 {
		score = 100
	}

	priority := "low"
	switch {
	case score >= 60:
		priority = "high"
	case score >= 30:
		priority = "medium"
	}

	return RepoAnalysis{
		RequiresCookies:    score >= 30,
		Confidence:         score,
		CookieNames:        names,
		Reasoning:          "cookie name pattern match",
		MonitoringPriority: priority,
		Source:             SourceFallback,
	}
}
