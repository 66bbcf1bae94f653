package bot

import (
	"math/big"
	"strings"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/keeper/core"
	"github.com/web3guy0/keeper/exec"
	"github.com/web3guy0/keeper/types"
)

type fakeSender struct {
	sent []tgbotapi.MessageConfig
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if m, ok := c.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, m)
	}
	return tgbotapi.Message{}, nil
}

type fakeLoop struct {
	status core.Status
	paused bool
}

func (f *fakeLoop) Status() core.Status { return f.status }
func (f *fakeLoop) Pause()              { f.paused = true }
func (f *fakeLoop) Resume()             { f.paused = false }

func newTestBot(loop StatusProvider) (*TelegramBot, *fakeSender) {
	out := &fakeSender{}
	return &TelegramBot{out: out, chatID: 42, stopCh: make(chan struct{}), loop: loop}, out
}

func TestFormatOutcome(t *testing.T) {
	res := &exec.Result{
		Action:     types.Execute(7),
		Outcome:    types.OutcomeConfirmed,
		TxHash:     "0xabc",
		GasLimit:   220000,
		GasPrice:   big.NewInt(1_562_500_000),
		Multiplier: 1.5625,
		Block:      99,
		GasUsed:    150000,
	}
	order := types.Order{
		ID:         7,
		AssetName:  "ETH",
		Type:       types.OrderLimit,
		Size:       decimal.NewFromInt(5),
		LimitPrice: decimal.NewFromInt(100),
	}

	msg := formatOutcome(res, order)
	assert.Contains(t, msg, "✅ *CONFIRMED* execute(7)")
	assert.Contains(t, msg, "`Order [7] BUY 5.00000 ETH @ $100.00`")
	assert.Contains(t, msg, "1.56 gwei")
	assert.Contains(t, msg, "x1.563")
	assert.Contains(t, msg, "Block: *99*")
	assert.Contains(t, msg, "0xabc")
}

func TestFormatRecentNewestFirst(t *testing.T) {
	assert.Equal(t, "📜 No submissions yet", formatRecent(nil))

	msg := formatRecent([]*exec.Result{
		{Action: types.Execute(1), Outcome: types.OutcomeReverted},
		{Action: types.Poke(2, 5), Outcome: types.OutcomeConfirmed},
	})
	assert.Less(t, strings.Index(msg, "poke(2, 5)"), strings.Index(msg, "execute(1)"))
}

func TestFormatStatus(t *testing.T) {
	msg := formatStatus(core.Status{
		Tick:       12,
		Paused:     true,
		DryRun:     true,
		Multiplier: 1.25,
		Assets:     9,
		LastTick:   core.TickReport{Tick: 11, Orders: 3, CompletedAt: time.Now()},
	})
	assert.Contains(t, msg, "PAUSED")
	assert.Contains(t, msg, "DRY RUN")
	assert.Contains(t, msg, "Tick: *12*")
	assert.Contains(t, msg, "1.250x")
	assert.Contains(t, msg, "tick 11: 3 orders")
}

func TestPauseResumeCommands(t *testing.T) {
	loop := &fakeLoop{}
	b, out := newTestBot(loop)

	b.handleCommand("pause")
	assert.True(t, loop.paused)
	b.handleCommand("RESUME")
	assert.False(t, loop.paused)

	require.Len(t, out.sent, 2)
	assert.Equal(t, int64(42), out.sent[0].ChatID)
	assert.Contains(t, out.sent[0].Text, "paused")
}

func TestStatusCommandUsesMarkdown(t *testing.T) {
	b, out := newTestBot(&fakeLoop{status: core.Status{Tick: 3, Multiplier: 1}})
	b.handleCommand("status")

	require.Len(t, out.sent, 1)
	assert.Equal(t, "Markdown", out.sent[0].ParseMode)
	assert.Contains(t, out.sent[0].Text, "no tick yet")
}

func TestUnknownCommand(t *testing.T) {
	b, out := newTestBot(nil)
	b.handleCommand("moon")
	require.Len(t, out.sent, 1)
	assert.Contains(t, out.sent[0].Text, "Unknown command")
}
