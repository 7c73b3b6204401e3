package alerter

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giftscan/giftscan/internal/detector"
	"github.com/giftscan/giftscan/internal/models"
)

type fakeSink struct {
	sent []string
	fail bool
}

func (s *fakeSink) Send(_ context.Context, html string) error {
	if s.fail {
		return errors.New("sink down")
	}
	s.sent = append(s.sent, html)
	return nil
}

func deal(kind detector.Kind, slug, buy, sell string, buyPrice, sellPrice int64) detector.Deal {
	return detector.Deal{
		Kind:       kind,
		Slug:       slug,
		Tier:       models.TierCommon,
		BuySource:  buy,
		BuyPrice:   decimal.NewFromInt(buyPrice),
		SellSource: sell,
		SellPrice:  decimal.NewFromInt(sellPrice),
		Spread:     decimal.NewFromInt(sellPrice - buyPrice),
		NetProfit:  decimal.NewFromInt(sellPrice - buyPrice),
	}
}

func threeDeals() []detector.Deal {
	return []detector.Deal{
		deal(detector.KindArbitrage, "lollipop", "A", "B", 80, 110),
		deal(detector.KindUndervalued, "plushpepe", "A", detector.SellSourceMarketAvg, 65, 100),
		deal(detector.KindArbitrage, "snowman", "C", "B", 50, 95),
	}
}

func TestPublishBatchGate(t *testing.T) {
	sink := &fakeSink{}
	a := New(sink, 3, zerolog.Nop())

	// Two deals stay below the gate: logged, not sent.
	a.Publish(context.Background(), threeDeals()[:2])
	assert.Empty(t, sink.sent)

	// Three new deals produce exactly one summary payload.
	a.Publish(context.Background(), threeDeals())
	require.Len(t, sink.sent, 1)
}

func TestPublishDedupSamePrices(t *testing.T) {
	sink := &fakeSink{}
	a := New(sink, 3, zerolog.Nop())

	a.Publish(context.Background(), threeDeals())
	require.Len(t, sink.sent, 1)

	// The identical batch fires nothing the second time.
	a.Publish(context.Background(), threeDeals())
	assert.Len(t, sink.sent, 1)
}

func TestPublishPriceChangeRefires(t *testing.T) {
	sink := &fakeSink{}
	a := New(sink, 3, zerolog.Nop())

	a.Publish(context.Background(), threeDeals())
	require.Len(t, sink.sent, 1)

	changed := threeDeals()
	changed[0].BuyPrice = decimal.NewFromInt(75)
	changed[1].BuyPrice = decimal.NewFromInt(60)
	changed[2].BuyPrice = decimal.NewFromInt(45)
	a.Publish(context.Background(), changed)
	assert.Len(t, sink.sent, 2, "changed prices make the deals new again")
}

func TestPublishFailedDeliveryKeepsDealsNew(t *testing.T) {
	sink := &fakeSink{fail: true}
	a := New(sink, 3, zerolog.Nop())

	a.Publish(context.Background(), threeDeals())
	assert.Empty(t, sink.sent)

	// Sink recovers; the same deals still count as unfired.
	sink.fail = false
	a.Publish(context.Background(), threeDeals())
	assert.Len(t, sink.sent, 1)
}

func TestPublishRareBypassesGate(t *testing.T) {
	sink := &fakeSink{}
	a := New(sink, 3, zerolog.Nop())

	rare := deal(detector.KindRareAtFloor, "plushpepe", "GetGems", detector.SellSourceMarketAvg, 120, 250)
	a.Publish(context.Background(), []detector.Deal{rare})

	require.Len(t, sink.sent, 1, "rare findings publish without the batch gate")
	assert.Contains(t, sink.sent[0], "Rare at floor")
}

func TestSortDealsUndervaluedFirstThenSpread(t *testing.T) {
	deals := []detector.Deal{
		deal(detector.KindArbitrage, "a", "A", "B", 50, 95),  // spread 45
		deal(detector.KindUndervalued, "b", "A", "avg", 65, 100), // spread 35
		deal(detector.KindArbitrage, "c", "A", "B", 80, 110), // spread 30
		deal(detector.KindUndervalued, "d", "A", "avg", 90, 100), // spread 10
	}
	sortDeals(deals)

	assert.Equal(t, "b", deals[0].Slug)
	assert.Equal(t, "d", deals[1].Slug)
	assert.Equal(t, "a", deals[2].Slug)
	assert.Equal(t, "c", deals[3].Slug)
}

func TestFormatSummaryIsPure(t *testing.T) {
	deals := threeDeals()
	first := FormatSummary(deals)
	second := FormatSummary(deals)
	assert.Equal(t, first, second)
	assert.Contains(t, first, "3 new opportunities")
	assert.Contains(t, first, "plushpepe")
	assert.Contains(t, first, "market (avg)")
}

func TestBuyLink(t *testing.T) {
	d := deal(detector.KindArbitrage, "plushpepe", "GetGems", "B", 80, 110)
	d.ItemID = "EQItem1"
	assert.Equal(t, "https://getgems.io/nft/EQItem1", BuyLink(d))

	f := deal(detector.KindArbitrage, "plushpepe", "Fragment", "B", 80, 110)
	f.Serial = models.IntPtr(77)
	assert.Equal(t, "https://fragment.com/gift/plushpepe-77", BuyLink(f))

	unknown := deal(detector.KindArbitrage, "plushpepe", "Mystery", "B", 80, 110)
	assert.Equal(t, "", BuyLink(unknown))
}
