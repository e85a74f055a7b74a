package state

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"escrowd/core/types"
	"escrowd/native/escrow"
	"escrowd/storage"
)

const (
	escrowPrefix  = "escrow/"
	accountPrefix = "account/"
	vaultPrefix   = "vault/"
	counterKey    = "escrow/counter"
)

// vaultAddress is the module-owned account that holds undisbursed collateral.
// Deriving it from a fixed label keeps the address out of the configurable
// surface so no external identity can collide with it.
var vaultAddress = func() [20]byte {
	var addr [20]byte
	digest := ethcrypto.Keccak256([]byte("escrowd/module/vault"))
	copy(addr[:], digest[12:])
	return addr
}()

// Manager persists the escrow registry, account balances and per-escrow
// collateral on a key-value database. It is the only writer of those records;
// the engine accesses them exclusively through this type.
type Manager struct {
	db storage.Database
}

// NewManager wraps the supplied database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

type storedMilestone struct {
	Description         string `json:"description"`
	Amount              string `json:"amount"`
	Status              uint8  `json:"status"`
	ClientApproved      bool   `json:"clientApproved"`
	ContractorSubmitted bool   `json:"contractorSubmitted"`
}

type storedEscrow struct {
	ID             uint64            `json:"id"`
	Client         string            `json:"client"`
	Contractor     string            `json:"contractor"`
	Arbitrator     string            `json:"arbitrator"`
	TotalAmount    string            `json:"totalAmount"`
	ReleasedAmount string            `json:"releasedAmount"`
	Status         uint8             `json:"status"`
	Milestones     []storedMilestone `json:"milestones"`
	CreatedAt      int64             `json:"createdAt"`
}

func escrowKey(id uint64) []byte {
	key := make([]byte, len(escrowPrefix)+8)
	copy(key, escrowPrefix)
	binary.BigEndian.PutUint64(key[len(escrowPrefix):], id)
	return key
}

func vaultKey(id uint64) []byte {
	key := make([]byte, len(vaultPrefix)+8)
	copy(key, vaultPrefix)
	binary.BigEndian.PutUint64(key[len(vaultPrefix):], id)
	return key
}

func accountKey(addr []byte) []byte {
	return []byte(accountPrefix + hex.EncodeToString(addr))
}

func encodeAddr(addr [20]byte) string {
	return hex.EncodeToString(addr[:])
}

func decodeAddr(s string) ([20]byte, error) {
	var addr [20]byte
	raw, err := hex.DecodeString(s)
	if err != nil {
		return addr, err
	}
	if len(raw) != 20 {
		return addr, fmt.Errorf("state: address must be 20 bytes, got %d", len(raw))
	}
	copy(addr[:], raw)
	return addr, nil
}

func decodeAmount(s string) (*big.Int, error) {
	if s == "" {
		return big.NewInt(0), nil
	}
	amt, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("state: malformed amount %q", s)
	}
	return amt, nil
}

// EscrowPut sanitises and persists the escrow record.
func (m *Manager) EscrowPut(e *escrow.Escrow) error {
	sanitized, err := escrow.SanitizeEscrow(e)
	if err != nil {
		return err
	}
	stored := storedEscrow{
		ID:             sanitized.ID,
		Client:         encodeAddr(sanitized.Client),
		Contractor:     encodeAddr(sanitized.Contractor),
		Arbitrator:     encodeAddr(sanitized.Arbitrator),
		TotalAmount:    sanitized.TotalAmount.String(),
		ReleasedAmount: sanitized.ReleasedAmount.String(),
		Status:         uint8(sanitized.Status),
		CreatedAt:      sanitized.CreatedAt,
		Milestones:     make([]storedMilestone, len(sanitized.Milestones)),
	}
	for i, ms := range sanitized.Milestones {
		stored.Milestones[i] = storedMilestone{
			Description:         ms.Description,
			Amount:              ms.Amount.String(),
			Status:              uint8(ms.Status),
			ClientApproved:      ms.ClientApproved,
			ContractorSubmitted: ms.ContractorSubmitted,
		}
	}
	raw, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	return m.db.Put(escrowKey(sanitized.ID), raw)
}

// EscrowGet loads an escrow by identifier.
func (m *Manager) EscrowGet(id uint64) (*escrow.Escrow, bool) {
	raw, err := m.db.Get(escrowKey(id))
	if err != nil {
		return nil, false
	}
	var stored storedEscrow
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, false
	}
	esc := &escrow.Escrow{
		ID:         stored.ID,
		Status:     escrow.EscrowStatus(stored.Status),
		CreatedAt:  stored.CreatedAt,
		Milestones: make([]*escrow.Milestone, len(stored.Milestones)),
	}
	if esc.Client, err = decodeAddr(stored.Client); err != nil {
		return nil, false
	}
	if esc.Contractor, err = decodeAddr(stored.Contractor); err != nil {
		return nil, false
	}
	if esc.Arbitrator, err = decodeAddr(stored.Arbitrator); err != nil {
		return nil, false
	}
	if esc.TotalAmount, err = decodeAmount(stored.TotalAmount); err != nil {
		return nil, false
	}
	if esc.ReleasedAmount, err = decodeAmount(stored.ReleasedAmount); err != nil {
		return nil, false
	}
	for i, ms := range stored.Milestones {
		amt, decodeErr := decodeAmount(ms.Amount)
		if decodeErr != nil {
			return nil, false
		}
		esc.Milestones[i] = &escrow.Milestone{
			Description:         ms.Description,
			Amount:              amt,
			Status:              escrow.MilestoneStatus(ms.Status),
			ClientApproved:      ms.ClientApproved,
			ContractorSubmitted: ms.ContractorSubmitted,
		}
	}
	return esc, true
}

// EscrowCounter returns the identifier the next escrow will be assigned.
func (m *Manager) EscrowCounter() (uint64, error) {
	raw, err := m.db.Get([]byte(counterKey))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("state: malformed escrow counter")
	}
	return binary.BigEndian.Uint64(raw), nil
}

// EscrowNextID allocates and returns the next monotonic escrow identifier,
// starting at zero.
func (m *Manager) EscrowNextID() (uint64, error) {
	next, err := m.EscrowCounter()
	if err != nil {
		return 0, err
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, next+1)
	if err := m.db.Put([]byte(counterKey), buf); err != nil {
		return 0, err
	}
	return next, nil
}

// EscrowVaultAddress returns the module account holding collateral.
func (m *Manager) EscrowVaultAddress() ([20]byte, error) {
	return vaultAddress, nil
}

// EscrowBalance reports the collateral currently held for an escrow.
func (m *Manager) EscrowBalance(id uint64) (*big.Int, error) {
	raw, err := m.db.Get(vaultKey(id))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, err
	}
	return decodeAmount(string(raw))
}

// EscrowCredit adds collateral for an escrow. The escrow record must already
// exist.
func (m *Manager) EscrowCredit(id uint64, amt *big.Int) error {
	if amt == nil || amt.Sign() < 0 {
		return fmt.Errorf("state: credit amount must be non-negative")
	}
	if ok, err := m.db.Has(escrowKey(id)); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("state: escrow %d not found", id)
	}
	if amt.Sign() == 0 {
		return nil
	}
	balance, err := m.EscrowBalance(id)
	if err != nil {
		return err
	}
	balance.Add(balance, amt)
	return m.db.Put(vaultKey(id), []byte(balance.String()))
}

// EscrowDebit removes collateral from an escrow, failing when the balance
// would go negative.
func (m *Manager) EscrowDebit(id uint64, amt *big.Int) error {
	if amt == nil || amt.Sign() < 0 {
		return fmt.Errorf("state: debit amount must be non-negative")
	}
	if amt.Sign() == 0 {
		return nil
	}
	balance, err := m.EscrowBalance(id)
	if err != nil {
		return err
	}
	if balance.Cmp(amt) < 0 {
		return fmt.Errorf("state: debit %s exceeds collateral %s for escrow %d", amt, balance, id)
	}
	balance.Sub(balance, amt)
	return m.db.Put(vaultKey(id), []byte(balance.String()))
}

// GetAccount loads the account for an identity, returning a zero-balance
// account when none exists yet.
func (m *Manager) GetAccount(addr []byte) (*types.Account, error) {
	raw, err := m.db.Get(accountKey(addr))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return &types.Account{Balance: big.NewInt(0)}, nil
	}
	if err != nil {
		return nil, err
	}
	var stored struct {
		Nonce   uint64 `json:"nonce"`
		Balance string `json:"balance"`
	}
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, err
	}
	balance, err := decodeAmount(stored.Balance)
	if err != nil {
		return nil, err
	}
	return &types.Account{Nonce: stored.Nonce, Balance: balance}, nil
}

// PutAccount persists the account for an identity.
func (m *Manager) PutAccount(addr []byte, account *types.Account) error {
	if account == nil {
		return fmt.Errorf("state: nil account")
	}
	account = account.Clone()
	stored := struct {
		Nonce   uint64 `json:"nonce"`
		Balance string `json:"balance"`
	}{Nonce: account.Nonce, Balance: account.Balance.String()}
	raw, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	return m.db.Put(accountKey(addr), raw)
}
