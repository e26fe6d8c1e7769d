// Package model holds the typed view of graph entities and the mapping
// between entities and graph.Props.
package model

import (
	"time"

	"github.com/shopspring/decimal"

	"fraudgraph.org/internal/graph"
)

// Role is an operator role.
type Role string

const (
	RoleAdmin   Role = "ADMIN"
	RoleAnalyst Role = "ANALYST"
	RoleAgent   Role = "AGENT"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleAnalyst, RoleAgent:
		return true
	}
	return false
}

// UserStatus gates authentication.
type UserStatus string

const (
	UserActive  UserStatus = "ACTIVE"
	UserBlocked UserStatus = "BLOCKED"
)

func (s UserStatus) Valid() bool { return s == UserActive || s == UserBlocked }

// Severity is the risk tier of an alert.
type Severity string

const (
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// AlertStatus is the review state of an alert.
type AlertStatus string

const (
	AlertNew       AlertStatus = "NEW"
	AlertValidated AlertStatus = "VALIDATED"
	AlertRejected  AlertStatus = "REJECTED"
)

// Terminal reports whether no further transition is allowed.
func (s AlertStatus) Terminal() bool { return s == AlertValidated || s == AlertRejected }

// Property names shared by writers and readers.
const (
	PropUsername     = "username"
	PropPasswordHash = "passwordHash"
	PropRole         = "role"
	PropStatus       = "status"
	PropCreatedAt    = "createdAt"

	PropAccountID = "accountId"
	PropOwner     = "owner"

	PropTxID        = "txId"
	PropAmount      = "amount"
	PropCurrency    = "currency"
	PropDate        = "date"
	PropProcessedAt = "processedAt"

	PropMerchantID = "merchantId"
	PropName       = "name"
	PropDeviceID   = "deviceId"
	PropAddress    = "address"

	PropRule              = "rule"
	PropSeverity          = "severity"
	PropDescription       = "description"
	PropResolvedBy        = "resolvedBy"
	PropResolvedAt        = "resolvedAt"
	PropResolutionComment = "resolutionComment"

	PropEnabled = "enabled"

	PropAction  = "action"
	PropDetails = "details"
)

type User struct {
	ID           string     `json:"id"`
	Username     string     `json:"username"`
	PasswordHash string     `json:"-"`
	Role         Role       `json:"role,omitempty"`
	Status       UserStatus `json:"status"`
	CreatedAt    time.Time  `json:"createdAt"`
}

type Account struct {
	ID        string    `json:"id"`
	AccountID string    `json:"accountId"`
	Owner     string    `json:"owner"`
	CreatedAt time.Time `json:"createdAt"`
}

type Transaction struct {
	ID          string          `json:"id"`
	TxID        string          `json:"txId"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Date        time.Time       `json:"date"`
	Status      string          `json:"status"`
	ProcessedAt time.Time       `json:"processedAt"`
}

type Merchant struct {
	ID         string `json:"id"`
	MerchantID string `json:"merchantId"`
	Name       string `json:"name"`
}

type Device struct {
	ID       string `json:"id"`
	DeviceID string `json:"deviceId"`
}

type IPAddress struct {
	ID      string `json:"id"`
	Address string `json:"address"`
}

// Alert is a detection finding on one transaction.
type Alert struct {
	ID                string      `json:"id"`
	Rule              string      `json:"rule"`
	Severity          Severity    `json:"severity"`
	Status            AlertStatus `json:"status"`
	Description       string      `json:"description"`
	CreatedAt         time.Time   `json:"createdAt"`
	ResolvedBy        string      `json:"resolvedBy,omitempty"`
	ResolvedAt        *time.Time  `json:"resolvedAt,omitempty"`
	ResolutionComment string      `json:"resolutionComment,omitempty"`
}

// LogEntry is one persisted audit action.
type LogEntry struct {
	ID        string    `json:"id"`
	Action    string    `json:"action"`
	Actor     string    `json:"username"`
	Role      string    `json:"role"`
	Details   string    `json:"details"`
	CreatedAt time.Time `json:"createdAt"`
}

func UserFromNode(n graph.Node) User {
	return User{
		ID:           n.ID,
		Username:     n.Props.String(PropUsername),
		PasswordHash: n.Props.String(PropPasswordHash),
		Role:         Role(n.Props.String(PropRole)),
		Status:       UserStatus(n.Props.String(PropStatus)),
		CreatedAt:    n.CreatedAt,
	}
}

func AccountFromNode(n graph.Node) Account {
	return Account{
		ID:        n.ID,
		AccountID: n.Props.String(PropAccountID),
		Owner:     n.Props.String(PropOwner),
		CreatedAt: n.CreatedAt,
	}
}

// TransactionFromNode maps a Transaction node. An unparsable amount maps to zero.
func TransactionFromNode(n graph.Node) Transaction {
	amount, err := decimal.NewFromString(n.Props.String(PropAmount))
	if err != nil {
		amount = decimal.Zero
	}
	date, _ := n.Props.Time(PropDate)
	processed, _ := n.Props.Time(PropProcessedAt)
	return Transaction{
		ID:          n.ID,
		TxID:        n.Props.String(PropTxID),
		Amount:      amount,
		Currency:    n.Props.String(PropCurrency),
		Date:        date,
		Status:      n.Props.String(PropStatus),
		ProcessedAt: processed,
	}
}

// TransactionProps renders the create-time properties of a transaction.
func TransactionProps(tx Transaction) graph.Props {
	return graph.Props{
		PropTxID:        tx.TxID,
		PropAmount:      tx.Amount.String(),
		PropCurrency:    tx.Currency,
		PropDate:        graph.FormatTime(tx.Date),
		PropStatus:      tx.Status,
		PropProcessedAt: graph.FormatTime(tx.ProcessedAt),
	}
}

func MerchantFromNode(n graph.Node) Merchant {
	return Merchant{ID: n.ID, MerchantID: n.Props.String(PropMerchantID), Name: n.Props.String(PropName)}
}

func DeviceFromNode(n graph.Node) Device {
	return Device{ID: n.ID, DeviceID: n.Props.String(PropDeviceID)}
}

func IPFromNode(n graph.Node) IPAddress {
	return IPAddress{ID: n.ID, Address: n.Props.String(PropAddress)}
}

func AlertFromNode(n graph.Node) Alert {
	a := Alert{
		ID:                n.ID,
		Rule:              n.Props.String(PropRule),
		Severity:          Severity(n.Props.String(PropSeverity)),
		Status:            AlertStatus(n.Props.String(PropStatus)),
		Description:       n.Props.String(PropDescription),
		CreatedAt:         n.CreatedAt,
		ResolvedBy:        n.Props.String(PropResolvedBy),
		ResolutionComment: n.Props.String(PropResolutionComment),
	}
	if t, ok := n.Props.Time(PropResolvedAt); ok {
		a.ResolvedAt = &t
	}
	if t, ok := n.Props.Time(PropCreatedAt); ok {
		a.CreatedAt = t
	}
	return a
}

// AlertProps renders a new alert.
func AlertProps(a Alert) graph.Props {
	return graph.Props{
		PropRule:        a.Rule,
		PropSeverity:    string(a.Severity),
		PropStatus:      string(a.Status),
		PropDescription: a.Description,
		PropCreatedAt:   graph.FormatTime(a.CreatedAt),
	}
}

// AlertKey is the unique key of the alert a rule raises on a transaction.
// Keying alerts this way lets the store's atomic upsert enforce
// at-most-one alert per (rule, transaction).
func AlertKey(txNodeID, rule string) string {
	return txNodeID + "/" + rule
}

func LogEntryFromNode(n graph.Node) LogEntry {
	return LogEntry{
		ID:        n.ID,
		Action:    n.Props.String(PropAction),
		Actor:     n.Props.String(PropUsername),
		Role:      n.Props.String(PropRole),
		Details:   n.Props.String(PropDetails),
		CreatedAt: n.CreatedAt,
	}
}
