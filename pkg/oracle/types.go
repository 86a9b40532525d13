package oracle

import (
	"time"
)

// Kind identifies one of the fixed decision kinds.
type Kind string

const (
	KindRepoAnalysis     Kind = "repo_analysis"
	KindFailureDiagnosis Kind = "failure_diagnosis"
	KindExpiryPrediction Kind = "expiry_prediction"
	KindStrategy         Kind = "strategy_recommendation"
)

// Source tells where an answer came from.
type Source string

const (
	SourceOracle   Source = "oracle"
	SourceCache    Source = "cache"
	SourceFallback Source = "fallback"
)

// RepoAnalysisRequest describes a repository to classify.
type RepoAnalysisRequest struct {
	Repo        string            `json:"repo"`
	Description string            `json:"description,omitempty"`
	Files       map[string]string `json:"files,omitempty"`
	CookieHints []string          `json:"cookie_hints,omitempty"`
}

// RepoAnalysis says whether a repository depends on cookies.
type RepoAnalysis struct {
	RequiresCookies    bool     `json:"requires_cookies"`
	Confidence         int      `json:"confidence" validate:"gte=0,lte=100"`
	CookieDomains      []string `json:"cookie_domains"`
	CookieNames        []string `json:"cookie_names"`
	Reasoning          string   `json:"reasoning"`
	MonitoringPriority string   `json:"monitoring_priority" validate:"required,oneof=high medium low"`
	Platform           string   `json:"platform,omitempty"`
	Source             Source   `json:"-"`
}

// DiagnosisRequest describes a failed extraction attempt.
type DiagnosisRequest struct {
	Platform          string `json:"platform"`
	ErrorClass        string `json:"error_class"`
	ErrorCode         string `json:"error_code,omitempty"`
	ErrorMessage      string `json:"error_message,omitempty"`
	Attempt           int    `json:"attempt"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

// Diagnosis is the oracle's reading of a failure.
type Diagnosis struct {
	IssueType         string   `json:"issue_type" validate:"required,oneof=captcha rate_limit credentials network 2fa_required unknown"`
	RecommendedAction string   `json:"recommended_action" validate:"required,oneof=retry_now wait_retry fix_credentials manual_intervention abandon"`
	WaitTimeSeconds   int      `json:"wait_time_seconds" validate:"gte=0,lte=3600"`
	StrategyChanges   []string `json:"strategy_changes"`
	Confidence        int      `json:"confidence" validate:"gte=0,lte=100"`
	Reasoning         string   `json:"reasoning"`
}

// Action is the branch a coordinator takes after diagnosis.
type Action string

const (
	ActionRetryNow           Action = "retry_now"
	ActionWaitRetry          Action = "wait_retry"
	ActionFixCredentials     Action = "fix_credentials"
	ActionManualIntervention Action = "manual_intervention"
	ActionAbandon            Action = "abandon"
)

// DiagnosisDecision is a diagnosis reduced to a deterministic branch.
type DiagnosisDecision struct {
	Diagnosis Diagnosis     `json:"diagnosis"`
	Action    Action        `json:"action"`
	Wait      time.Duration `json:"wait"`
	Source    Source        `json:"source"`
}

// CookieMeta is the non-secret description of a cookie.
type CookieMeta struct {
	Name      string     `json:"name"`
	Domain    string     `json:"domain,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	MaxAge    *int64     `json:"max_age,omitempty"`
	SetDate   *time.Time `json:"set_date,omitempty"`
}

// ExpiryRequest asks when freshly extracted cookies will expire.
type ExpiryRequest struct {
	Platform    string       `json:"platform"`
	Cookies     []CookieMeta `json:"cookies"`
	ExtractedAt time.Time    `json:"extracted_at"`
}

// Expiry sources.
const (
	ExpirySourceHeader          = "expires_header"
	ExpirySourceMaxAge          = "max_age"
	ExpirySourcePlatformDefault = "platform_default"
	ExpirySourceOracle          = "oracle"
)

// ExpiryPrediction is the predicted expiry of a cookie set.
type ExpiryPrediction struct {
	ExpiresAt           *time.Time `json:"expires_at" validate:"required"`
	Confidence          int        `json:"confidence" validate:"gte=0,lte=100"`
	ShouldRotateInHours int        `json:"should_rotate_in_hours" validate:"gte=0"`
	Reasoning           string     `json:"reasoning"`
	ExpirySource        string     `json:"expiry_source"`
	Source              Source     `json:"-"`
}

// StrategyRequest asks how to approach the next extraction.
type StrategyRequest struct {
	Platform       string `json:"platform"`
	RecentFailures int    `json:"recent_failures"`
	LastIssueType  string `json:"last_issue_type,omitempty"`
}

// Delays bounds the pause between interactive steps.
type Delays struct {
	MinSeconds int `json:"min_seconds" validate:"gte=0"`
	MaxSeconds int `json:"max_seconds" validate:"gtefield=MinSeconds"`
}

// Strategy is the recommended extraction approach.
type Strategy struct {
	Approach             string   `json:"approach" validate:"required,oneof=standard stealth slow"`
	ProxyRequired        bool     `json:"proxy_required"`
	Delays               Delays   `json:"delays"`
	AntiFingerprintLevel string   `json:"anti_fingerprint_level" validate:"omitempty,oneof=low medium high"`
	CustomSteps          []string `json:"custom_steps"`
	EstimatedSuccessRate int      `json:"estimated_success_rate" validate:"gte=0,lte=100"`
	Source               Source   `json:"-"`
}
