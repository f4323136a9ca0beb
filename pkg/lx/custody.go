package lx

import (
	"context"

	"github.com/holiman/uint256"
)

// Custody moves assets between a trader and the exchange. Implementations
// return an error wrapping ErrTransferFailed when the asset reports failure.
type Custody interface {
	TransferIn(ctx context.Context, trader, asset string, amount *uint256.Int) error
	TransferOut(ctx context.Context, trader, asset string, amount *uint256.Int) error
}
