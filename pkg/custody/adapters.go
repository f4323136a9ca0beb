package custody

import (
	"context"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/luxfi/lob/pkg/lx"
)

// TransferFunc moves an asset and reports failure as an error.
type TransferFunc func(ctx context.Context, trader, asset string, amount *uint256.Int) error

// BoolTransferFunc moves an asset and reports success as a boolean.
type BoolTransferFunc func(ctx context.Context, trader, asset string, amount *uint256.Int) bool

// Funcs adapts a pair of transfer functions to lx.Custody.
type Funcs struct {
	In  TransferFunc
	Out TransferFunc
}

// TransferIn pulls amount of asset from trader through In. A missing In or
// any error from it is reported as lx.ErrTransferFailed.
func (f Funcs) TransferIn(ctx context.Context, trader, asset string, amount *uint256.Int) error {
	return call(ctx, "transfer in", f.In, trader, asset, amount)
}

// TransferOut pays amount of asset to trader through Out, failing like
// TransferIn.
func (f Funcs) TransferOut(ctx context.Context, trader, asset string, amount *uint256.Int) error {
	return call(ctx, "transfer out", f.Out, trader, asset, amount)
}

func call(ctx context.Context, op string, fn TransferFunc, trader, asset string, amount *uint256.Int) error {
	if fn == nil {
		return fmt.Errorf("%w: %s %s: not supported", lx.ErrTransferFailed, op, asset)
	}
	if err := fn(ctx, trader, asset, amount); err != nil {
		return fmt.Errorf("%w: %s %s %s for %s: %v", lx.ErrTransferFailed, op, amount.Dec(), asset, trader, err)
	}
	return nil
}

// FromBool adapts transfer functions that return false on failure.
func FromBool(in, out BoolTransferFunc) Funcs {
	return Funcs{In: boolAdapter(in), Out: boolAdapter(out)}
}

func boolAdapter(fn BoolTransferFunc) TransferFunc {
	if fn == nil {
		return nil
	}
	return func(ctx context.Context, trader, asset string, amount *uint256.Int) error {
		if !fn(ctx, trader, asset, amount) {
			return fmt.Errorf("asset returned false")
		}
		return nil
	}
}

var (
	_ lx.Custody = (*Vault)(nil)
	_ lx.Custody = Funcs{}
)
