package custody

import (
	"context"
	"fmt"
	"sync"

	"github.com/holiman/uint256"
	"github.com/luxfi/log"

	"github.com/luxfi/lob/pkg/lx"
)

type walletKey struct {
	owner string
	asset string
}

// Vault is an in-memory token ledger standing in for the assets the exchange
// custodies. Traders hold wallet balances; deposits move them into the vault
// and withdrawals move them back.
type Vault struct {
	wallets map[walletKey]*uint256.Int
	held    map[string]*uint256.Int
	logger  log.Logger

	mu sync.RWMutex
}

// NewVault creates an empty vault.
func NewVault(logger log.Logger) *Vault {
	if logger == nil {
		logger = log.Root().New("module", "custody")
	}
	return &Vault{
		wallets: make(map[walletKey]*uint256.Int),
		held:    make(map[string]*uint256.Int),
		logger:  logger,
	}
}

func slot[K comparable](m map[K]*uint256.Int, k K) *uint256.Int {
	v, ok := m[k]
	if !ok {
		v = new(uint256.Int)
		m[k] = v
	}
	return v
}

// Mint credits a trader's wallet, outside the exchange.
func (v *Vault) Mint(owner, asset string, amount *uint256.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	w := slot(v.wallets, walletKey{owner, asset})
	if _, overflow := w.AddOverflow(w, amount); overflow {
		w.Sub(w, amount)
		return fmt.Errorf("mint %s %s: overflow", amount.Dec(), asset)
	}
	return nil
}

// Wallet returns the trader's balance outside the exchange.
func (v *Vault) Wallet(owner, asset string) *uint256.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if w, ok := v.wallets[walletKey{owner, asset}]; ok {
		return w.Clone()
	}
	return new(uint256.Int)
}

// Held returns the total amount of asset in the vault.
func (v *Vault) Held(asset string) *uint256.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if h, ok := v.held[asset]; ok {
		return h.Clone()
	}
	return new(uint256.Int)
}

// TransferIn moves amount from the trader's wallet into the vault.
func (v *Vault) TransferIn(_ context.Context, trader, asset string, amount *uint256.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	w := slot(v.wallets, walletKey{trader, asset})
	if w.Lt(amount) {
		return fmt.Errorf("%w: %s holds %s %s, needs %s", lx.ErrTransferFailed, trader, w.Dec(), asset, amount.Dec())
	}
	w.Sub(w, amount)
	h := slot(v.held, asset)
	h.Add(h, amount)
	v.logger.Debug("Transfer in", "trader", trader, "asset", asset, "amount", amount.Dec())
	return nil
}

// TransferOut moves amount from the vault to the trader's wallet.
func (v *Vault) TransferOut(_ context.Context, trader, asset string, amount *uint256.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	h := slot(v.held, asset)
	if h.Lt(amount) {
		return fmt.Errorf("%w: vault holds %s %s, needs %s", lx.ErrTransferFailed, h.Dec(), asset, amount.Dec())
	}
	h.Sub(h, amount)
	w := slot(v.wallets, walletKey{trader, asset})
	w.Add(w, amount)
	v.logger.Debug("Transfer out", "trader", trader, "asset", asset, "amount", amount.Dec())
	return nil
}
