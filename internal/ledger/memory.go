package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is the embedded ledger used by local workspaces and tests. All state
// checks happen under one lock, so a transition observed as valid is also the
// one applied; there is no read-then-write window.
type Memory struct {
	mu      sync.Mutex
	records map[string]*Record
	roles   map[string]string
	path    string
	Now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		records: map[string]*Record{},
		roles:   map[string]string{},
		Now:     time.Now,
	}
}

// NewMemoryFile opens an embedded ledger backed by a JSON snapshot, so
// separate CLI invocations against the same workspace see the same chain.
func NewMemoryFile(path string) (*Memory, error) {
	m := NewMemory()
	m.path = path
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, err
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("ledger snapshot %s: %w", path, err)
	}
	for i := range snap.Records {
		rec := snap.Records[i]
		m.records[rec.BatchID] = &rec
	}
	if snap.Roles != nil {
		m.roles = snap.Roles
	}
	return m, nil
}

type snapshot struct {
	Records []Record          `json:"records"`
	Roles   map[string]string `json:"roles"`
}

// persist writes the snapshot atomically. Caller holds the lock.
func (m *Memory) persist() {
	if m.path == "" {
		return
	}
	snap := snapshot{Roles: m.roles}
	for _, rec := range m.records {
		snap.Records = append(snap.Records, *rec)
	}
	sort.Slice(snap.Records, func(i, j int) bool { return snap.Records[i].BatchID < snap.Records[j].BatchID })
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return
	}
	_ = os.Rename(tmp, m.path)
}

func (m *Memory) GetDrugDetails(ctx context.Context, batchID string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[batchID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return *rec, nil
}

func (m *Memory) VerifyDrug(ctx context.Context, batchID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[batchID]
	if !ok {
		return false, ErrNotFound
	}
	return rec.IsAuthentic, nil
}

func (m *Memory) IsDrugExpired(ctx context.Context, batchID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[batchID]
	if !ok {
		return false, ErrNotFound
	}
	return m.Now().After(rec.ExpiryDate), nil
}

func (m *Memory) ManufactureDrug(ctx context.Context, caller string, p ManufactureParams) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.authorize(caller, "manufacturer"); err != nil {
		return "", err
	}
	if _, exists := m.records[p.BatchID]; exists {
		return "", ErrDuplicateBatch
	}
	m.records[p.BatchID] = &Record{
		BatchID:         p.BatchID,
		Name:            p.Name,
		Manufacturer:    p.Manufacturer,
		ManufacturerID:  caller,
		ManufactureDate: p.ManufactureDate,
		ExpiryDate:      p.ExpiryDate,
		Status:          0,
		IsAuthentic:     true,
		MinTemp:         p.MinTemp,
		MaxTemp:         p.MaxTemp,
		TempCompliant:   true,
	}
	m.persist()
	return txRef(), nil
}

func (m *Memory) DistributeDrug(ctx context.Context, caller, batchID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.authorize(caller, "distributor"); err != nil {
		return "", err
	}
	rec, ok := m.records[batchID]
	if !ok {
		return "", ErrNotFound
	}
	if rec.Status != 0 {
		return "", ErrInvalidTransition
	}
	rec.Status = 1
	rec.DistributorID = caller
	m.persist()
	return txRef(), nil
}

func (m *Memory) RetailDrug(ctx context.Context, caller, batchID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.authorize(caller, "retailer"); err != nil {
		return "", err
	}
	rec, ok := m.records[batchID]
	if !ok {
		return "", ErrNotFound
	}
	if rec.Status != 1 {
		return "", ErrInvalidTransition
	}
	rec.Status = 2
	rec.RetailerID = caller
	m.persist()
	return txRef(), nil
}

func (m *Memory) SellDrug(ctx context.Context, caller, batchID, consumerID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.authorize(caller, "retailer"); err != nil {
		return "", err
	}
	rec, ok := m.records[batchID]
	if !ok {
		return "", ErrNotFound
	}
	if rec.Status != 2 {
		return "", ErrInvalidTransition
	}
	rec.Status = 3
	rec.ConsumerID = consumerID
	m.persist()
	return txRef(), nil
}

func (m *Memory) LogTemperature(ctx context.Context, caller, batchID string, value float64, ts time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[batchID]
	if !ok {
		return "", ErrNotFound
	}
	if value < rec.MinTemp || value > rec.MaxTemp {
		// compliance only ever flips false; a later in-range reading
		// does not rehabilitate the batch
		rec.TempCompliant = false
		m.persist()
	}
	return txRef(), nil
}

func (m *Memory) RegisterParty(ctx context.Context, partyID, role string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if partyID == "" {
		return fmt.Errorf("ledger: empty party id")
	}
	m.roles[partyID] = role
	m.persist()
	return nil
}

// authorize allows unregistered callers (open enrollment); a registered party
// must act within its declared role.
func (m *Memory) authorize(caller, role string) error {
	got, ok := m.roles[caller]
	if ok && got != role {
		return ErrUnauthorized
	}
	return nil
}

func txRef() string {
	return "mem-" + uuid.NewString()
}
