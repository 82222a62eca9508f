package notify

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/AK47-U/Nifty-OB/internal/database"
	"github.com/AK47-U/Nifty-OB/internal/market"
	"github.com/AK47-U/Nifty-OB/types"
)

func startupMessage(symbols []string, cadence time.Duration) string {
	return fmt.Sprintf(`🟢 *Nifty-OB Online*

Watching %s on a %s cadence.
Use /status for engine state, /levels for today's structure.`,
		strings.Join(symbols, ", "), cadence)
}

// planMessage formats a freshly emitted trade plan. BUY plans are worded
// as call buys and SELL plans as put buys, since the engine only ever
// buys options.
func planMessage(plan *types.TradePlan) string {
	action := "CALL BUY"
	emoji := "🟢"
	if plan.Direction == types.DirectionSell {
		action = "PUT BUY"
		emoji = "🔴"
	}

	return fmt.Sprintf(`%s *%s %s SIGNAL*  |  %s IST

*Setup:* %s / %s
*Confidence:* %s %.1f%%

*Spot Levels:*
├ Entry: %s
├ Target: %s
├ Target 2: %s
└ SL: %s

*Option:* %d %s @ %s
├ Target: %s
└ SL: %s

*Size:* %d lots | R:R 1:%s
_Valid until %s IST_`,
		emoji, plan.Symbol, action,
		plan.GeneratedAt.In(market.IST()).Format("15:04:05"),
		plan.Condition, plan.Quality,
		confidenceBar(plan.Confidence), plan.Confidence,
		plan.Entry.StringFixed(2),
		plan.Target.StringFixed(2),
		plan.Target2.StringFixed(2),
		plan.StopLoss.StringFixed(2),
		plan.Strike, plan.OptionType, plan.PremiumEntry.StringFixed(2),
		plan.PremiumTarget.StringFixed(2),
		plan.PremiumSL.StringFixed(2),
		plan.PositionLots,
		plan.RiskReward.StringFixed(2),
		plan.ValidUntil.In(market.IST()).Format("15:04"),
	)
}

func holdMessage(symbol string, plan *types.TradePlan) string {
	return fmt.Sprintf(`⏸ *%s HOLD*

Structure unchanged, holding %d %s.
_Valid until %s IST_`,
		symbol, plan.Strike, plan.OptionType,
		plan.ValidUntil.In(market.IST()).Format("15:04"))
}

func outcomeMessage(symbol string, ev types.OutcomeEvent) string {
	emoji := "🎯"
	label := "TARGET HIT"
	if ev.Outcome == "SL" {
		emoji = "🛑"
		label = "STOP LOSS HIT"
	}

	sign := ""
	if ev.PL.IsPositive() {
		sign = "+"
	}

	return fmt.Sprintf(`%s *%s %s*

*Direction:* %s
*Exit:* %.2f
*Realized P/L:* %s%s`,
		emoji, symbol, label,
		ev.Direction,
		ev.Price,
		sign, ev.PL.StringFixed(2))
}

func levelsMessage(symbol string, ms *database.MarketStructure) string {
	return fmt.Sprintf(`📐 *%s Levels*  |  %s IST

*CPR:*
├ TC: %.2f
├ Pivot: %.2f
└ BC: %.2f

*Range:*
├ Resistance: %.2f
├ Support: %.2f
└ VWAP: %.2f

*Prev Day:* H %.2f | L %.2f | C %.2f`,
		symbol,
		ms.Timestamp.In(market.IST()).Format("15:04"),
		ms.TC, ms.Pivot, ms.BC,
		ms.Resistance, ms.Support, ms.VWAP,
		ms.PrevHigh, ms.PrevLow, ms.PrevClose)
}

func statsMessage(days int, st *database.Stats) string {
	emoji := "⚪"
	if st.TotalPL.IsPositive() {
		emoji = "🟢"
	} else if st.TotalPL.IsNegative() {
		emoji = "🔴"
	}

	text := fmt.Sprintf(`📈 *Statistics (last %dd)*

%s *Total P/L:* %s
├ Win Rate: %.1f%%
├ Trades: %d
├ Wins: %d
└ Losses: %d`,
		days, emoji, st.TotalPL.StringFixed(2),
		st.WinRate, st.Total, st.Wins, st.Losses)

	if st.BestHour >= 0 {
		text += fmt.Sprintf("\n\n*Best Hour:* %02d:00 IST", st.BestHour)
	}
	if st.AvgWinDuration > 0 {
		text += fmt.Sprintf("\n*Avg Win Duration:* %.0f min", st.AvgWinDuration/60)
	}

	return text
}

// confidenceBar renders confidence as a ten-block gauge, one block per 10%.
func confidenceBar(confidence float64) string {
	filled := int(math.Round(confidence / 10))
	if filled < 0 {
		filled = 0
	}
	if filled > 10 {
		filled = 10
	}
	return strings.Repeat("█", filled) + strings.Repeat("░", 10-filled)
}
