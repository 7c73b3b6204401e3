// Package alerter dedupes detected opportunities and batches them into
// summary publications for the message sink.
package alerter

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/giftscan/giftscan/internal/detector"
)

// DefaultBatchMin is how many new deals a scan must produce before a
// summary goes out; below it the batch is only logged.
const DefaultBatchMin = 3

// Sink delivers one formatted payload. Implementations are
// fire-and-forget; a failure must not block the scan.
type Sink interface {
	Send(ctx context.Context, html string) error
}

type dealKey struct {
	slug       string
	buySource  string
	sellSource string
}

type dealPrices struct {
	buy  string
	sell string
}

// Alerter holds the per-process fired-map. Restart clears it by design.
type Alerter struct {
	sink     Sink
	batchMin int
	log      zerolog.Logger

	mu    sync.Mutex
	fired map[dealKey]dealPrices
}

func New(sink Sink, batchMin int, log zerolog.Logger) *Alerter {
	if batchMin <= 0 {
		batchMin = DefaultBatchMin
	}
	return &Alerter{
		sink:     sink,
		batchMin: batchMin,
		log:      log.With().Str("component", "alerter").Logger(),
		fired:    make(map[dealKey]dealPrices),
	}
}

// Publish processes one scan's deal batch. Regular opportunities go
// through the fired-map and the batch gate; rare-at-floor findings have
// their own cooldown upstream and publish immediately.
func (a *Alerter) Publish(ctx context.Context, deals []detector.Deal) {
	var regular, rare []detector.Deal
	for _, d := range deals {
		if d.Kind == detector.KindRareAtFloor {
			rare = append(rare, d)
		} else {
			regular = append(regular, d)
		}
	}

	if len(rare) > 0 {
		a.deliver(ctx, FormatRareAlert(rare))
	}

	fresh := a.filterNew(regular)
	if len(fresh) == 0 {
		return
	}
	sortDeals(fresh)

	if len(fresh) < a.batchMin {
		for _, d := range fresh {
			a.log.Info().
				Str("kind", string(d.Kind)).
				Str("slug", d.Slug).
				Str("buy", d.BuySource).
				Str("sell", d.SellSource).
				Str("spread", d.Spread.String()).
				Msg("deal below batch threshold, logged only")
		}
		return
	}

	if a.deliver(ctx, FormatSummary(fresh)) {
		a.remember(fresh)
	}
}

// filterNew drops deals whose key already fired at the same prices.
func (a *Alerter) filterNew(deals []detector.Deal) []detector.Deal {
	a.mu.Lock()
	defer a.mu.Unlock()

	var fresh []detector.Deal
	for _, d := range deals {
		k := dealKey{d.Slug, d.BuySource, d.SellSource}
		p := dealPrices{d.BuyPrice.String(), d.SellPrice.String()}
		if prev, ok := a.fired[k]; ok && prev == p {
			continue
		}
		fresh = append(fresh, d)
	}
	return fresh
}

// remember records delivered deals so identical ones stay quiet. Only
// called after a successful delivery.
func (a *Alerter) remember(deals []detector.Deal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, d := range deals {
		k := dealKey{d.Slug, d.BuySource, d.SellSource}
		a.fired[k] = dealPrices{d.BuyPrice.String(), d.SellPrice.String()}
	}
}

// sortDeals orders undervalued findings first, then by descending spread.
func sortDeals(deals []detector.Deal) {
	sort.SliceStable(deals, func(i, j int) bool {
		iu := deals[i].Kind == detector.KindUndervalued
		ju := deals[j].Kind == detector.KindUndervalued
		if iu != ju {
			return iu
		}
		return deals[i].Spread.GreaterThan(deals[j].Spread)
	})
}

func (a *Alerter) deliver(ctx context.Context, html string) bool {
	if err := a.sink.Send(ctx, html); err != nil {
		a.log.Error().Err(err).Msg("alert delivery failed")
		return false
	}
	return true
}
