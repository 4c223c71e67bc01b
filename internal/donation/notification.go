package donation

// Outcome is the payment result reported by the provider.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Notification is a provider callback after the ingress has parsed it.
// ReportedAmount is advisory and only used for logging.
type Notification struct {
	Token          string
	Outcome        Outcome
	Receipt        string
	ReportedAmount int64
	Description    string
}

// Result tells which branch of reconciliation fired.
type Result string

const (
	Applied          Result = "applied"
	Unmatched        Result = "unmatched"
	AlreadyProcessed Result = "already_processed"
)
