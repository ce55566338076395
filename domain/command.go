package domain

// CommandKind discriminates the closed set of commands accepted by the write side.
type CommandKind string

const (
	RegisterPayoutAccountKind CommandKind = "register-payout-account"
	ProcessAccountUpdateKind  CommandKind = "process-account-update"
	ReconcilePayoutStatusKind CommandKind = "reconcile-payout-status"
)

// CommandKinds lists every command kind a dispatcher must serve.
var CommandKinds = []CommandKind{
	RegisterPayoutAccountKind,
	ProcessAccountUpdateKind,
	ReconcilePayoutStatusKind,
}

// Command represents a write request for the payout model. Implementations
// are values constructed once by an adapter and never mutated afterwards.
type Command interface {
	Kind() CommandKind
	Subject() string
	command()
}

// RegisterPayoutAccount links a developer to a provider account and starts
// tracking its onboarding.
type RegisterPayoutAccount struct {
	SubjectID string `json:"subjectId"`
	AccountID string `json:"accountId"`
}

func (RegisterPayoutAccount) Kind() CommandKind { return RegisterPayoutAccountKind }
func (c RegisterPayoutAccount) Subject() string { return c.SubjectID }
func (RegisterPayoutAccount) command()          {}

// ProcessAccountUpdate applies a provider account snapshot synchronously.
type ProcessAccountUpdate struct {
	SubjectID string        `json:"subjectId"`
	Sequence  int64         `json:"sequence"`
	Update    AccountUpdate `json:"update"`
}

func (ProcessAccountUpdate) Kind() CommandKind { return ProcessAccountUpdateKind }
func (c ProcessAccountUpdate) Subject() string { return c.SubjectID }
func (ProcessAccountUpdate) command()          {}

// ReconcilePayoutStatus recomputes the stored status and re-publishes a
// committed status change that never reached the log.
type ReconcilePayoutStatus struct {
	SubjectID string `json:"subjectId"`
}

func (ReconcilePayoutStatus) Kind() CommandKind { return ReconcilePayoutStatusKind }
func (c ReconcilePayoutStatus) Subject() string { return c.SubjectID }
func (ReconcilePayoutStatus) command()          {}

// Result is the single response value of every command.
type Result struct {
	SubjectID string       `json:"subjectId"`
	Status    PayoutStatus `json:"status"`
	Version   int64        `json:"version"`
	Changed   bool         `json:"changed"`
	Published bool         `json:"published"`
}
