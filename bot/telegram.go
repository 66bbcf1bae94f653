package bot

import (
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/keeper/core"
	"github.com/web3guy0/keeper/exec"
	"github.com/web3guy0/keeper/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TELEGRAM BOT - Keeper notifications & control
// ═══════════════════════════════════════════════════════════════════════════════
//
// Features:
//   ✅ Submission outcomes (confirmed / reverted / timed out / rejected)
//   🎛️ Control commands (/status, /recent, /pause, /resume)
//
// ═══════════════════════════════════════════════════════════════════════════════

// StatusProvider exposes the control loop to operators.
type StatusProvider interface {
	Status() core.Status
	Pause()
	Resume()
}

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramBot manages the Telegram interface
type TelegramBot struct {
	mu      sync.RWMutex
	api     *tgbotapi.BotAPI
	out     sender
	chatID  int64
	running bool
	stopCh  chan struct{}

	loop StatusProvider
}

// NewTelegramBot connects to the Bot API.
func NewTelegramBot(token string, chatID int64, loop StatusProvider) (*TelegramBot, error) {
	if token == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN not set")
	}
	if chatID == 0 {
		return nil, fmt.Errorf("TELEGRAM_CHAT_ID not set")
	}

	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	bot := &TelegramBot{
		api:    api,
		out:    api,
		chatID: chatID,
		stopCh: make(chan struct{}),
		loop:   loop,
	}

	log.Info().Str("username", api.Self.UserName).Msg("🤖 Telegram bot initialized")

	return bot, nil
}

// Start begins listening for commands
func (b *TelegramBot) Start() {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.mu.Unlock()

	go b.commandLoop()
	log.Info().Msg("📱 Telegram bot started")
}

// Stop stops the bot
func (b *TelegramBot) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		return
	}

	b.running = false
	close(b.stopCh)
	if b.api != nil {
		b.api.StopReceivingUpdates()
	}
	log.Info().Msg("Telegram bot stopped")
}

// ═══════════════════════════════════════════════════════════════════════════════
// NOTIFICATIONS
// ═══════════════════════════════════════════════════════════════════════════════

// NotifyOutcome reports a submission that reached the chain.
func (b *TelegramBot) NotifyOutcome(res *exec.Result, order types.Order) {
	b.sendMarkdown(formatOutcome(res, order))
}

// NotifyError sends an error alert
func (b *TelegramBot) NotifyError(err error) {
	msg := fmt.Sprintf("⚠️ *ERROR*\n\n`%s`", err.Error())
	b.sendMarkdown(msg)
}

// NotifyStartup sends startup notification
func (b *TelegramBot) NotifyStartup(address string, dryRun bool, multiplier float64) {
	msg := fmt.Sprintf(`🚀 *KEEPER STARTED*
━━━━━━━━━━━━━━━━━━━━

🔑 Account: `+"`%s`"+`
📊 Mode: *%s*
⛽ Gas multiplier: *%sx*

Use /help for commands`, address, modeName(dryRun), formatMultiplier(multiplier))

	b.sendMarkdown(msg)
}

func outcomeEmoji(o types.Outcome) string {
	switch o {
	case types.OutcomeConfirmed:
		return "✅"
	case types.OutcomeReverted:
		return "💥"
	case types.OutcomeTimedOut:
		return "⏱️"
	case types.OutcomeRejected:
		return "🚫"
	case types.OutcomeSkipped:
		return "📝"
	case types.OutcomeAbandoned:
		return "🛑"
	default:
		return "❌"
	}
}

func formatOutcome(res *exec.Result, order types.Order) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s *%s* %s\n\n", outcomeEmoji(res.Outcome), strings.ToUpper(res.Outcome.String()), res.Action.String())
	if order.ID == res.Action.OrderID && order.AssetName != "" {
		fmt.Fprintf(&sb, "📊 `%s`\n", order.String())
	}
	if res.GasPrice != nil {
		fmt.Fprintf(&sb, "⛽ Gas: *%s gwei* × %d (x%s)\n", gweiString(res.GasPrice), res.GasLimit, formatMultiplier(res.Multiplier))
	}
	if res.Block != 0 {
		fmt.Fprintf(&sb, "🧱 Block: *%d* | used %d\n", res.Block, res.GasUsed)
	}
	if res.TxHash != "" {
		fmt.Fprintf(&sb, "🔗 `%s`", res.TxHash)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func gweiString(wei *big.Int) string {
	return decimal.NewFromBigInt(wei, -9).StringFixed(2)
}

func formatMultiplier(m float64) string {
	return decimal.NewFromFloat(m).StringFixed(3)
}

func modeName(dryRun bool) string {
	if dryRun {
		return "DRY RUN"
	}
	return "LIVE"
}

// ═══════════════════════════════════════════════════════════════════════════════
// COMMAND HANDLING
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) commandLoop() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-b.stopCh:
			return
		case update := <-updates:
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}

			// Only respond to authorized chat
			if update.Message.Chat.ID != b.chatID {
				continue
			}

			b.handleCommand(update.Message.Command())
		}
	}
}

func (b *TelegramBot) handleCommand(command string) {
	switch strings.ToLower(command) {
	case "start", "help":
		b.cmdHelp()
	case "status":
		b.cmdStatus()
	case "recent":
		b.cmdRecent()
	case "pause":
		b.cmdPause()
	case "resume":
		b.cmdResume()
	case "ping":
		b.send("🏓 Pong!")
	default:
		b.send("❓ Unknown command. Use /help")
	}
}

func (b *TelegramBot) cmdHelp() {
	msg := `🤖 *KEEPER COMMANDS*
━━━━━━━━━━━━━━━━━━━━

📊 /status — Loop status
📜 /recent — Last submissions
⏸️ /pause — Pause submissions
▶️ /resume — Resume submissions
🏓 /ping — Test connection`

	b.sendMarkdown(msg)
}

func (b *TelegramBot) cmdStatus() {
	if b.loop == nil {
		b.send("❌ Status not available")
		return
	}
	b.sendMarkdown(formatStatus(b.loop.Status()))
}

func formatStatus(st core.Status) string {
	state := "🟢 RUNNING"
	if st.Paused {
		state = "⏸️ PAUSED"
	}

	last := "no tick yet"
	if !st.LastTick.CompletedAt.IsZero() {
		last = fmt.Sprintf("%s (%s ago)", st.LastTick.String(), time.Since(st.LastTick.CompletedAt).Round(time.Second))
	}

	return fmt.Sprintf(`📊 *KEEPER STATUS*
━━━━━━━━━━━━━━━━━━━━

%s
📊 Mode: *%s*
🔁 Tick: *%d*
🪙 Assets: *%d*
⛽ Gas multiplier: *%sx*

%s`, state, modeName(st.DryRun), st.Tick, st.Assets, formatMultiplier(st.Multiplier), last)
}

func (b *TelegramBot) cmdRecent() {
	if b.loop == nil {
		b.send("❌ Status not available")
		return
	}
	b.sendMarkdown(formatRecent(b.loop.Status().Recent))
}

func formatRecent(results []*exec.Result) string {
	if len(results) == 0 {
		return "📜 No submissions yet"
	}
	var sb strings.Builder
	sb.WriteString("📜 *RECENT SUBMISSIONS*\n━━━━━━━━━━━━━━━━━━━━\n")
	for i := len(results) - 1; i >= 0; i-- {
		r := results[i]
		fmt.Fprintf(&sb, "\n%s %s — %s", outcomeEmoji(r.Outcome), r.Action.String(), r.Outcome.String())
		if !r.FinishedAt.IsZero() {
			fmt.Fprintf(&sb, " (%s)", r.FinishedAt.Format("15:04:05"))
		}
	}
	return sb.String()
}

func (b *TelegramBot) cmdPause() {
	if b.loop != nil {
		b.loop.Pause()
	}
	b.send("⏸️ Submissions paused")
	log.Info().Msg("Submissions paused via Telegram")
}

func (b *TelegramBot) cmdResume() {
	if b.loop != nil {
		b.loop.Resume()
	}
	b.send("▶️ Submissions resumed")
	log.Info().Msg("Submissions resumed via Telegram")
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) send(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	if _, err := b.out.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
}

func (b *TelegramBot) sendMarkdown(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	msg.ParseMode = "Markdown"
	if _, err := b.out.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
}
