package aggregator

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/portfolio-sync/internal/models"
)

type secondaryRead struct {
	symbol string
	label  string
	read   func(ctx context.Context) (decimal.Decimal, error)
}

// secondaryHoldings reads the gas token, wrapped native and auxiliary tokens
// in parallel. Every read is best effort; balances worth less than the dust
// threshold are dropped.
func (a *Aggregator) secondaryHoldings(ctx context.Context, owner string) []models.Holding {
	reads := a.secondaryReads(owner)
	if len(reads) == 0 {
		return nil
	}

	symbols := make([]string, 0, len(reads))
	for _, r := range reads {
		symbols = append(symbols, r.symbol)
	}
	prices, err := a.backend.TokenPrices(ctx, symbols)
	if err != nil {
		a.logger.WithError(err).Warn("Token prices unavailable, skipping secondary balances")
		return nil
	}
	if _, ok := prices[strings.ToUpper(a.cfg.NativeSymbol)]; !ok {
		if p, ok := prices[strings.ToUpper(a.cfg.WrappedNative.Symbol)]; ok {
			prices[strings.ToUpper(a.cfg.NativeSymbol)] = p
		}
	}

	var (
		mu       sync.Mutex
		holdings []models.Holding
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, r := range reads {
		r := r
		g.Go(func() error {
			balance, err := r.read(gctx)
			if err != nil {
				a.logger.WithError(err).WithField("asset", r.symbol).Debug("Secondary balance read failed")
				return nil
			}
			price, ok := prices[strings.ToUpper(r.symbol)]
			if !ok || !balance.IsPositive() {
				return nil
			}
			value, _ := balance.Mul(decimal.NewFromFloat(price)).Float64()
			if value < a.cfg.DustThresholdUSD {
				return nil
			}
			amount, _ := balance.Float64()

			mu.Lock()
			holdings = append(holdings, models.Holding{
				Asset:   strings.ToUpper(r.symbol),
				Balance: amount,
				Value:   value,
				Label:   r.label,
			})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	// parallel completion order is arbitrary
	sort.Slice(holdings, func(i, j int) bool { return holdings[i].Asset < holdings[j].Asset })
	return holdings
}

func (a *Aggregator) secondaryReads(owner string) []secondaryRead {
	var reads []secondaryRead
	if a.cfg.NativeSymbol != "" {
		reads = append(reads, secondaryRead{
			symbol: a.cfg.NativeSymbol,
			label:  a.cfg.NativeSymbol + " (gas)",
			read: func(ctx context.Context) (decimal.Decimal, error) {
				return a.chain.NativeBalance(ctx, owner)
			},
		})
	}
	wrapped := a.cfg.WrappedNative
	for _, tok := range append([]tokenRef{{wrapped.Symbol, wrapped.Address, wrapped.Decimals}}, a.auxRefs()...) {
		tok := tok
		if tok.address == "" || tok.symbol == "" {
			continue
		}
		reads = append(reads, secondaryRead{
			symbol: tok.symbol,
			label:  tok.symbol,
			read: func(ctx context.Context) (decimal.Decimal, error) {
				return a.chain.TokenBalance(ctx, tok.address, owner, tok.decimals)
			},
		})
	}
	return reads
}

type tokenRef struct {
	symbol   string
	address  string
	decimals int32
}

func (a *Aggregator) auxRefs() []tokenRef {
	refs := make([]tokenRef, 0, len(a.cfg.AuxTokens))
	for _, t := range a.cfg.AuxTokens {
		refs = append(refs, tokenRef{t.Symbol, t.Address, t.Decimals})
	}
	return refs
}
