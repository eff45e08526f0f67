// Package notify sends operator-facing Telegram alerts: kill-switch
// trips, bankruptcy, force-exits, and STRATEGY_NOTE events, plus
// /pause and /resume commands routed back
// into the control plane. Adapted from bot/telegram.go's BotAPI
// wiring and command loop, generalized from Polymarket signal/trade
// wording to run/symbol/position wording.
package notify

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/momentumtrade/engine/internal/types"
)

// RunController is the subset of internal/controlplane.ControlPlane
// that the Telegram /pause and /resume commands drive.
type RunController interface {
	SetRunStatus(runID string, status types.RunStatus) error
}

// Notifier sends Telegram alerts. A Notifier with a nil api is a no-op,
// so callers never need to nil-check before calling its methods.
type Notifier struct {
	mu      sync.RWMutex
	api     *tgbotapi.BotAPI
	chatID  int64
	stopCh  chan struct{}
	running bool

	controller RunController
}

// New builds a Notifier. An empty token disables the notifier rather
// than erroring, since Telegram notification is an optional ambient
// concern not required for the engine to run.
func New(token, chatIDStr string, controller RunController) (*Notifier, error) {
	if token == "" || chatIDStr == "" {
		return &Notifier{}, nil
	}

	chatID, err := strconv.ParseInt(chatIDStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid telegram chat id: %w", err)
	}

	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	log.Info().Str("username", api.Self.UserName).Msg("telegram notifier initialized")

	return &Notifier{api: api, chatID: chatID, stopCh: make(chan struct{}), controller: controller}, nil
}

func (n *Notifier) enabled() bool {
	return n != nil && n.api != nil
}

// Start begins listening for /pause and /resume commands. No-op on a
// disabled notifier.
func (n *Notifier) Start() {
	if !n.enabled() {
		return
	}
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return
	}
	n.running = true
	n.mu.Unlock()

	go n.commandLoop()
}

func (n *Notifier) Stop() {
	if !n.enabled() {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.running {
		return
	}
	n.running = false
	close(n.stopCh)
}

func (n *Notifier) commandLoop() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := n.api.GetUpdatesChan(u)

	for {
		select {
		case <-n.stopCh:
			return
		case update := <-updates:
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			if update.Message.Chat.ID != n.chatID {
				continue
			}
			n.handleCommand(update.Message)
		}
	}
}

func (n *Notifier) handleCommand(msg *tgbotapi.Message) {
	cmd := strings.ToLower(msg.Command())
	runID := strings.TrimSpace(msg.CommandArguments())

	switch cmd {
	case "pause":
		n.dispatchStatus(runID, types.StatusPaused)
	case "resume":
		n.dispatchStatus(runID, types.StatusActive)
	case "ping":
		n.send("pong")
	default:
		n.send("unknown command, use /pause <run_id> or /resume <run_id>")
	}
}

func (n *Notifier) dispatchStatus(runID string, status types.RunStatus) {
	if runID == "" {
		n.send("usage: /pause <run_id> or /resume <run_id>")
		return
	}
	if n.controller == nil {
		n.send("control plane unavailable")
		return
	}
	if err := n.controller.SetRunStatus(runID, status); err != nil {
		n.send(fmt.Sprintf("failed: %s", err))
		return
	}
	n.send(fmt.Sprintf("run %s -> %s", runID, status))
}

// NotifyEvent renders a persisted Event as a Telegram alert. Most event
// types (ORDER_NEW, ORDER_UPDATE, ACCOUNT_SNAPSHOT, POSITION_MARK) are
// routine bookkeeping and are suppressed; position lifecycle and
// strategy-note events are sent.
func (n *Notifier) NotifyEvent(ev types.Event) {
	if !n.enabled() {
		return
	}
	switch ev.EventType {
	case types.EventPositionOpened:
		n.send(fmt.Sprintf("run %s: position opened (%s)", ev.RunID, ev.PositionID))
	case types.EventPositionClosed:
		n.send(fmt.Sprintf("run %s: position closed (%s)", ev.RunID, ev.PositionID))
	case types.EventStrategyNote:
		n.send(fmt.Sprintf("run %s note: %v", ev.RunID, ev.Payload))
	case types.EventSignalRejected:
		n.send(fmt.Sprintf("run %s: signal rejected — %v", ev.RunID, ev.Payload))
	}
}

// NotifyBankruptcy alerts that a run's current capital reached zero.
func (n *Notifier) NotifyBankruptcy(runID string) {
	if !n.enabled() {
		return
	}
	n.send(fmt.Sprintf("BANKRUPTCY: run %s current capital reached zero, stopping", runID))
}

// NotifyForceExit alerts that an operator or the engine force-exited a
// run's positions.
func (n *Notifier) NotifyForceExit(runID, symbol string) {
	if !n.enabled() {
		return
	}
	if symbol == "" {
		n.send(fmt.Sprintf("run %s: force-exit all positions", runID))
		return
	}
	n.send(fmt.Sprintf("run %s: force-exit %s", runID, symbol))
}

// NotifyKillSwitch sends an explicit daily-drawdown alert,
// independent of the persisted event, so the operator is paged even if
// event persistence is briefly unavailable.
func (n *Notifier) NotifyKillSwitch(runID string, drop decimal.Decimal) {
	if !n.enabled() {
		return
	}
	n.send(fmt.Sprintf("KILL SWITCH: run %s daily drawdown %s%% — winding down", runID, drop.Mul(decimal.NewFromInt(100)).StringFixed(2)))
}

func (n *Notifier) send(text string) {
	msg := tgbotapi.NewMessage(n.chatID, text)
	if _, err := n.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("failed to send telegram message")
	}
}
