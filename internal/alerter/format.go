package alerter

import (
	"fmt"
	"strings"

	"github.com/giftscan/giftscan/internal/detector"
)

// Formatting is a pure function of the deal list so it can be tested
// without a sink.

var kindEmoji = map[detector.Kind]string{
	detector.KindUndervalued: "💎",
	detector.KindArbitrage:   "🔁",
	detector.KindUnconfirmed: "❔",
	detector.KindRareAtFloor: "🏆",
}

// FormatSummary renders one scan's new deals as a single HTML payload.
func FormatSummary(deals []detector.Deal) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🚨 <b>%d new opportunities</b>\n", len(deals))

	for _, d := range deals {
		b.WriteString("\n")
		fmt.Fprintf(&b, "%s <b>%s</b> [%s] %s\n", kindEmoji[d.Kind], d.Slug, d.Tier, dealLabel(d.Kind))
		fmt.Fprintf(&b, "  buy %s TON @ %s", d.BuyPrice.StringFixed(2), d.BuySource)
		if d.Serial != nil {
			fmt.Fprintf(&b, " #%d", *d.Serial)
		}
		b.WriteString("\n")
		fmt.Fprintf(&b, "  sell %s TON @ %s\n", d.SellPrice.StringFixed(2), d.SellSource)
		fmt.Fprintf(&b, "  spread %s TON, net %s TON\n", d.Spread.StringFixed(2), d.NetProfit.StringFixed(2))
		if link := BuyLink(d); link != "" {
			fmt.Fprintf(&b, "  <a href=\"%s\">buy</a>\n", link)
		}
	}
	return b.String()
}

// FormatRareAlert renders the rare-at-floor findings of one scan.
func FormatRareAlert(deals []detector.Deal) string {
	var b strings.Builder
	b.WriteString("🏆 <b>Rare at floor</b>\n")

	for _, d := range deals {
		b.WriteString("\n")
		fmt.Fprintf(&b, "<b>%s</b> [%s]", d.Slug, d.Tier)
		if d.Serial != nil {
			fmt.Fprintf(&b, " #%d", *d.Serial)
		}
		b.WriteString("\n")
		fmt.Fprintf(&b, "  listed %s TON @ %s, expected %s TON\n",
			d.BuyPrice.StringFixed(2), d.BuySource, d.SellPrice.StringFixed(2))
		if link := BuyLink(d); link != "" {
			fmt.Fprintf(&b, "  <a href=\"%s\">buy</a>\n", link)
		}
	}
	return b.String()
}

func dealLabel(k detector.Kind) string {
	switch k {
	case detector.KindUndervalued:
		return "undervalued"
	case detector.KindArbitrage:
		return "arbitrage"
	case detector.KindUnconfirmed:
		return "arbitrage (unconfirmed)"
	case detector.KindRareAtFloor:
		return "rare at floor"
	default:
		return string(k)
	}
}

// BuyLink builds a direct purchase link for the deal's buy side.
func BuyLink(d detector.Deal) string {
	m := strings.ToLower(d.BuySource)
	switch {
	case strings.Contains(m, "getgems"):
		if d.ItemID != "" {
			return "https://getgems.io/nft/" + d.ItemID
		}
	case strings.Contains(m, "portal"):
		if d.ItemID != "" {
			return "https://portal-market.com/nft/" + d.ItemID
		}
	case strings.Contains(m, "tonnel"):
		if d.ItemID != "" {
			return "https://market.tonnel.network/gift/" + d.ItemID
		}
	case strings.Contains(m, "fragment"):
		if d.Serial != nil {
			return fmt.Sprintf("https://fragment.com/gift/%s-%d", d.Slug, *d.Serial)
		}
		return fmt.Sprintf("https://fragment.com/gifts/%s?sort=price_asc&filter=sale", d.Slug)
	}
	if d.ItemID != "" {
		return "https://getgems.io/nft/" + d.ItemID
	}
	return ""
}
