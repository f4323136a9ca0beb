package lx

import (
	"fmt"

	"github.com/luxfi/lob/pkg/fixedpoint"
)

// Registry tracks which base assets trade against the quote asset and caches
// their precision. It is append-only: instruments are never removed and their
// decimals never change.
type Registry struct {
	admin       string
	quote       Instrument
	instruments map[string]Instrument
	listed      []string
	j           *journal
}

func newRegistry(admin string, quote Instrument, j *journal) *Registry {
	return &Registry{
		admin:       admin,
		quote:       quote,
		instruments: make(map[string]Instrument),
		j:           j,
	}
}

// register adds asset. Re-registering is a no-op that reports false.
func (r *Registry) register(caller, asset string, decimals uint8) (bool, error) {
	if caller != r.admin {
		return false, fmt.Errorf("register %s: %w", asset, ErrUnauthorized)
	}
	if asset == "" || asset == r.quote.Asset {
		return false, fmt.Errorf("%w: instrument %q", ErrInvalidInput, asset)
	}
	if _, ok := r.instruments[asset]; ok {
		return false, nil
	}
	if !fixedpoint.ValidDecimals(decimals) {
		return false, fmt.Errorf("%w: %d", ErrInvalidDecimals, decimals)
	}

	r.instruments[asset] = Instrument{Asset: asset, Decimals: decimals}
	r.listed = append(r.listed, asset)
	r.j.record(func() {
		delete(r.instruments, asset)
		r.listed = r.listed[:len(r.listed)-1]
	})
	return true, nil
}

// IsSupported reports whether asset is a registered instrument.
func (r *Registry) IsSupported(asset string) bool {
	_, ok := r.instruments[asset]
	return ok
}

// DecimalsOf returns the cached precision of asset.
func (r *Registry) DecimalsOf(asset string) (uint8, bool) {
	if asset == r.quote.Asset {
		return r.quote.Decimals, true
	}
	in, ok := r.instruments[asset]
	return in.Decimals, ok
}

// Instruments returns the registered instruments in registration order.
func (r *Registry) Instruments() []Instrument {
	out := make([]Instrument, 0, len(r.listed))
	for _, asset := range r.listed {
		out = append(out, r.instruments[asset])
	}
	return out
}
