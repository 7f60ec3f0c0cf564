package store

// Verdict is the outcome of a single poll, after detector fusion.
type Verdict string

const (
	VerdictAvailable    Verdict = "available"
	VerdictUnavailable  Verdict = "unavailable"
	VerdictInconclusive Verdict = "inconclusive"
	VerdictError        Verdict = "error"
	VerdictUnknown      Verdict = "unknown"
)

// NotificationKind enumerates the kinds of events the aggregator can emit.
type NotificationKind string

const (
	KindRestock      NotificationKind = "restock"
	KindOutage       NotificationKind = "outage"
	KindAdminSummary NotificationKind = "admin_summary"
	KindAdminHealth  NotificationKind = "admin_health"
	KindSkippedStale NotificationKind = "skipped_stale"
)

// Item is a monitored page.
type Item struct {
	ItemID                string
	OwnerID               string // "system" means global
	IsGlobal              bool
	Name                  string
	URL                   string
	VendorTag             string
	ConfigText            string
	Enabled               bool
	CreatedAt             int64 // unix millis
	LastCheckedAt         int64 // unix millis, 0 if never checked
	LastStatus            Verdict
	LastConfidence        float64
	ConsecutiveErrorCount int
	FingerprintHash       string
	APIEndpoint           string // memoised D3 discovery result
}

// CheckRecord is one poll result. Append-only.
type CheckRecord struct {
	CheckID         string
	ItemID          string
	CheckTime       int64 // unix millis
	Verdict         Verdict
	Confidence      float64
	DetectorResults string // JSON-encoded per-detector evidence
	HTTPStatus      int
	LatencyMs       int64
	ErrorKind       string
	ErrorMessage    string
	FingerprintHash string
}

// User is a bot-registered subscriber/admin.
type User struct {
	UserID               string
	IsAdmin              bool
	IsBanned             bool
	DailyAddedCount      int
	DailyWindowStart     int64 // unix millis
	CooldownSeconds      int
	DailyNotifyLimit     int
	QuietHoursStart      int // hour-of-day, 0-23
	QuietHoursEnd        int // hour-of-day, 0-23
	NotificationsEnabled bool
}

// NotificationRecord is one ledger row: an attempted or completed delivery.
type NotificationRecord struct {
	ItemID      string
	RecipientID string
	SentAt      int64 // unix millis
	Kind        NotificationKind
}

// PendingEvent is a transient transition awaiting aggregation. Never
// persisted: NotificationAggregator owns it exclusively in memory.
type PendingEvent struct {
	ItemID     string
	DetectedAt int64 // unix millis
	FromStatus Verdict
	ToStatus   Verdict
	Confidence float64
	Kind       NotificationKind
}
