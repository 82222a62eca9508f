// Package notify pushes trade alerts to Telegram and answers a small
// set of read-only commands about engine state.
package notify

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"github.com/AK47-U/Nifty-OB/internal/config"
	"github.com/AK47-U/Nifty-OB/internal/database"
	"github.com/AK47-U/Nifty-OB/internal/engine"
	"github.com/AK47-U/Nifty-OB/internal/market"
	"github.com/AK47-U/Nifty-OB/types"
)

// Repository is the slice of storage the bot reads from. It never writes.
type Repository interface {
	Stats(windowDays int) (*database.Stats, error)
	LatestMarketStructure(symbol string) (*database.MarketStructure, error)
}

// Notifier mirrors pipeline results and watcher outcomes into a Telegram
// chat and serves /status, /levels and /stats on demand. With no token
// configured it stays inert and every method is a no-op.
type Notifier struct {
	api     *tgbotapi.BotAPI
	cfg     *config.Config
	repo    Repository
	state   *engine.State
	buffers map[string]*market.Buffer
	stopCh  chan struct{}
}

// New connects to the Telegram API when a token is configured. An empty
// token is not an error: the returned Notifier is simply disabled.
func New(cfg *config.Config, repo Repository, state *engine.State, buffers map[string]*market.Buffer) (*Notifier, error) {
	n := &Notifier{
		cfg:     cfg,
		repo:    repo,
		state:   state,
		buffers: buffers,
		stopCh:  make(chan struct{}),
	}

	if cfg.TelegramToken == "" {
		log.Info().Msg("🔕 Telegram notifier disabled (no token)")
		return n, nil
	}

	api, err := tgbotapi.NewBotAPI(cfg.TelegramToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}
	n.api = api

	log.Info().Str("username", api.Self.UserName).Msg("🤖 Telegram bot connected")
	return n, nil
}

// Enabled reports whether the notifier holds a live API connection.
func (n *Notifier) Enabled() bool {
	return n != nil && n.api != nil
}

// Start begins the command listener and announces the engine in the
// configured chat.
func (n *Notifier) Start() {
	if !n.Enabled() {
		return
	}

	go n.listenForCommands()

	if n.cfg.TelegramChatID != 0 {
		n.sendMarkdown(n.cfg.TelegramChatID, startupMessage(n.cfg.Symbols, n.cfg.Cadence()))
	}
}

// Stop stops the command listener.
func (n *Notifier) Stop() {
	if !n.Enabled() {
		return
	}
	close(n.stopCh)
}

// HandleResult is wired to the scheduler's result callback. TRADE and
// HOLD results become chat alerts; WAIT results are dropped as noise.
func (n *Notifier) HandleResult(symbol string, result *types.PipelineResult) {
	if !n.Enabled() || n.cfg.TelegramChatID == 0 || result == nil || result.Plan == nil {
		return
	}

	switch result.Action {
	case types.ActionTrade:
		n.sendMarkdown(n.cfg.TelegramChatID, planMessage(result.Plan))
	case types.ActionHold:
		n.sendMarkdown(n.cfg.TelegramChatID, holdMessage(symbol, result.Plan))
	}
}

// HandleOutcome is wired to the watcher's outcome callback.
func (n *Notifier) HandleOutcome(symbol string, ev types.OutcomeEvent) {
	if !n.Enabled() || n.cfg.TelegramChatID == 0 {
		return
	}
	n.sendMarkdown(n.cfg.TelegramChatID, outcomeMessage(symbol, ev))
}

func (n *Notifier) listenForCommands() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := n.api.GetUpdatesChan(u)

	for {
		select {
		case update := <-updates:
			if update.Message != nil {
				go n.handleMessage(update.Message)
			}
			if update.CallbackQuery != nil {
				go n.handleCallback(update.CallbackQuery)
			}
		case <-n.stopCh:
			return
		}
	}
}

func (n *Notifier) handleMessage(msg *tgbotapi.Message) {
	chatID := msg.Chat.ID

	// Commands are only honored from the configured chat.
	if n.cfg.TelegramChatID != 0 && chatID != n.cfg.TelegramChatID {
		return
	}

	log.Debug().
		Int64("chat_id", chatID).
		Str("text", msg.Text).
		Msg("Received message")

	if !msg.IsCommand() {
		return
	}

	switch msg.Command() {
	case "start":
		n.cmdStart(chatID)
	case "help":
		n.cmdHelp(chatID)
	case "status":
		n.cmdStatus(chatID)
	case "levels":
		n.cmdLevels(chatID, msg.CommandArguments())
	case "stats":
		n.cmdStats(chatID, msg.CommandArguments())
	default:
		n.sendText(chatID, "❓ Unknown command. Use /help for available commands.")
	}
}

func (n *Notifier) handleCallback(cb *tgbotapi.CallbackQuery) {
	chatID := cb.Message.Chat.ID

	if n.cfg.TelegramChatID != 0 && chatID != n.cfg.TelegramChatID {
		return
	}

	n.api.Request(tgbotapi.NewCallback(cb.ID, ""))

	switch cb.Data {
	case "refresh_status":
		n.cmdStatus(chatID)
	case "refresh_levels":
		n.cmdLevels(chatID, "")
	case "refresh_stats":
		n.cmdStats(chatID, "")
	}
}

// Commands

func (n *Notifier) cmdStart(chatID int64) {
	text := fmt.Sprintf(`🚀 *Welcome to Nifty-OB!*

Intraday options signal engine for %s.

*What I send:*
• 📊 Entry/target/SL plans on every cadence
• ⏸ Hold notices while structure is unchanged
• 🎯 Target and stop loss outcomes with P/L

*Commands:*
/status - Engine and position state
/levels - Today's CPR, S/R and VWAP
/stats - Outcome statistics
/help - All commands`,
		strings.Join(n.cfg.Symbols, ", "))

	n.sendMarkdown(chatID, text)
}

func (n *Notifier) cmdHelp(chatID int64) {
	n.sendMarkdown(chatID, `📚 *Nifty-OB Commands*

*📊 Engine:*
/status - Engine and position state
/levels [symbol] - Intraday structure levels
/stats [days] - Outcome statistics (default 30d)

*Alerts:*
Plans, holds and outcomes are pushed automatically.
This bot never takes trade commands.`)
}

func (n *Notifier) cmdStatus(chatID int64) {
	now := time.Now().In(market.IST())

	cadence := "never"
	if last := n.state.LastCadence(); !last.IsZero() {
		cadence = last.In(market.IST()).Format("15:04:05") + " IST"
	}

	text := fmt.Sprintf(`📊 *Engine Status*

🤖 *Bot:* Online
⏱ *Last Cadence:* %s
💰 *Daily P/L:* %s`,
		cadence,
		n.state.DailyPL().StringFixed(2),
	)

	for _, symbol := range n.cfg.Symbols {
		ltp := "n/a"
		if buf, ok := n.buffers[symbol]; ok && buf.LastPrice() > 0 {
			ltp = fmt.Sprintf("%.2f", buf.LastPrice())
		}

		position := "none"
		if pos, ok := n.state.Active(symbol); ok && pos.Plan != nil &&
			pos.Status != types.PositionClosed && !pos.Expired(now) {
			position = fmt.Sprintf("%s %d %s", pos.Status, pos.Plan.Strike, pos.Plan.OptionType)
		}

		text += fmt.Sprintf("\n\n*%s:*\n├ LTP: %s\n└ Position: %s", symbol, ltp, position)
	}

	keyboard := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🔄 Refresh", "refresh_status"),
			tgbotapi.NewInlineKeyboardButtonData("📐 Levels", "refresh_levels"),
		),
	)

	n.sendMarkdownWithKeyboard(chatID, text, keyboard)
}

func (n *Notifier) cmdLevels(chatID int64, args string) {
	symbol := strings.ToUpper(strings.TrimSpace(args))
	if symbol == "" {
		symbol = n.cfg.PrimarySymbol()
	}
	if _, ok := n.cfg.Instrument(symbol); !ok {
		n.sendText(chatID, fmt.Sprintf("⚠️ Unknown symbol %q. Configured: %s",
			symbol, strings.Join(n.cfg.Symbols, ", ")))
		return
	}

	ms, err := n.repo.LatestMarketStructure(symbol)
	if err != nil {
		n.sendText(chatID, "📐 No levels recorded yet. They appear after the first cadence of the session.")
		return
	}

	keyboard := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🔄 Refresh", "refresh_levels"),
		),
	)

	n.sendMarkdownWithKeyboard(chatID, levelsMessage(symbol, ms), keyboard)
}

func (n *Notifier) cmdStats(chatID int64, args string) {
	days := 30
	if arg := strings.TrimSpace(args); arg != "" {
		d, err := strconv.Atoi(arg)
		if err != nil || d < 1 || d > 365 {
			n.sendText(chatID, "⚠️ Usage: /stats [days], 1-365")
			return
		}
		days = d
	}

	st, err := n.repo.Stats(days)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load stats for Telegram")
		n.sendText(chatID, "❌ Failed to load statistics.")
		return
	}

	keyboard := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🔄 Refresh", "refresh_stats"),
		),
	)

	n.sendMarkdownWithKeyboard(chatID, statsMessage(days, st), keyboard)
}

// Helpers

func (n *Notifier) sendText(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	_, err := n.api.Send(msg)
	return err
}

func (n *Notifier) sendMarkdown(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = "Markdown"
	msg.DisableWebPagePreview = true
	_, err := n.api.Send(msg)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to send Telegram message")
	}
	return err
}

func (n *Notifier) sendMarkdownWithKeyboard(chatID int64, text string, keyboard tgbotapi.InlineKeyboardMarkup) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = "Markdown"
	msg.DisableWebPagePreview = true
	msg.ReplyMarkup = keyboard
	_, err := n.api.Send(msg)
	return err
}
