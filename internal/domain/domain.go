package domain

import "time"

// Batch lifecycle statuses, ordered. A batch only ever moves forward.
const (
	StatusManufactured = "Manufactured"
	StatusDistributed  = "Distributed"
	StatusRetailed     = "Retailed"
	StatusSold         = "Sold"
)

var statusCodes = map[string]int{
	StatusManufactured: 0,
	StatusDistributed:  1,
	StatusRetailed:     2,
	StatusSold:         3,
}

var statusNames = []string{StatusManufactured, StatusDistributed, StatusRetailed, StatusSold}

// StatusCode maps a status name to its ledger code (0-3), -1 if unknown.
func StatusCode(status string) int {
	if c, ok := statusCodes[status]; ok {
		return c
	}
	return -1
}

// StatusName maps a ledger status code back to its name.
func StatusName(code int) string {
	if code < 0 || code >= len(statusNames) {
		return ""
	}
	return statusNames[code]
}

type Batch struct {
	BatchID           string  `json:"batch_id"`
	Name              string  `json:"name"`
	Manufacturer      string  `json:"manufacturer"`
	ManufacturerID    string  `json:"manufacturer_id,omitempty"`
	DistributorID     *string `json:"distributor_id,omitempty"`
	RetailerID        *string `json:"retailer_id,omitempty"`
	ConsumerID        *string `json:"consumer_id,omitempty"`
	ManufactureDate   string  `json:"manufacture_date" format:"date-time"`
	ExpiryDate        string  `json:"expiry_date" format:"date-time"`
	Status            string  `json:"status" enum:"Manufactured,Distributed,Retailed,Sold"`
	IsAuthentic       bool    `json:"is_authentic"`
	MinTemp           float64 `json:"min_temp"`
	MaxTemp           float64 `json:"max_temp"`
	TempCompliant     bool    `json:"temp_compliant"`
	VerificationCount int     `json:"verification_count"`
	LastVerified      *string `json:"last_verified,omitempty" format:"date-time"`
	LedgerTxRef       string  `json:"ledger_tx_ref,omitempty"`
	CreatedAt         string  `json:"created_at" format:"date-time"`
	UpdatedAt         string  `json:"updated_at" format:"date-time"`
}

// Expired reports whether the batch expiry lies before now. It is derived on
// every read and never persisted; a stored expiry flag goes stale the moment
// the clock crosses the expiry date.
func (b Batch) Expired(now time.Time) bool {
	exp, err := time.Parse(time.RFC3339, b.ExpiryDate)
	if err != nil {
		return false
	}
	return now.After(exp)
}

// Verification result kinds.
const (
	ResultAuthentic   = "authentic"
	ResultCounterfeit = "counterfeit"
	ResultExpired     = "expired"
	ResultNotFound    = "not_found"
)

// Verification methods.
const (
	MethodLedger = "ledger"
	MethodAPI    = "api"
	MethodQRScan = "qr_scan"
)

// Verification is one append-only row per verification attempt, including
// not_found results and attempts that failed internally.
type Verification struct {
	ID             int64  `json:"id"`
	BatchID        string `json:"batch_id"`
	VerifierID     string `json:"verifier_id,omitempty"`
	Result         string `json:"result" enum:"authentic,counterfeit,expired,not_found"`
	Method         string `json:"method" enum:"ledger,api,qr_scan"`
	ResponseTimeMS int64  `json:"response_time_ms"`
	ErrorMessage   string `json:"error_message,omitempty"`
	TS             string `json:"ts" format:"date-time"`
}

// Party roles.
const (
	RoleManufacturer = "manufacturer"
	RoleDistributor  = "distributor"
	RoleRetailer     = "retailer"
)

type Company struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Role          string `json:"role" enum:"manufacturer,distributor,retailer"`
	Email         string `json:"email,omitempty"`
	Phone         string `json:"phone,omitempty"`
	LicenseNumber string `json:"license_number,omitempty"`
	IsVerified    bool   `json:"is_verified"`
	IsActive      bool   `json:"is_active"`
	CreatedAt     string `json:"created_at" format:"date-time"`
	UpdatedAt     string `json:"updated_at" format:"date-time"`
}

// TemperatureReading is an ephemeral sensor sample fed to the compliance
// evaluator. Only violating readings leave a durable trace.
type TemperatureReading struct {
	BatchID string  `json:"batch_id"`
	Value   float64 `json:"value"`
	TS      string  `json:"ts" format:"date-time"`
}

type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	BatchID string `json:"batch_id,omitempty"`
	ActorID string `json:"actor_id"`
	Payload string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
