// Package telegram is a thin Telegram adapter: it forwards incoming
// messages to the Gateway as chat frames over a WebSocket dial and
// relays the Gateway's response back via the Bot API.
//
// Adapted from vanducng-goclaw/internal/channels/telegram/channel.go's
// telego long-polling loop, with the in-process bus.MessageBus
// replaced by a real connection to the Gateway's /ws endpoint
// (channels.GatewayClient) — an external collaborator per spec.md §1.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/agentcore/internal/channels"
	"github.com/nextlevelbuilder/agentcore/internal/config"
	"github.com/nextlevelbuilder/agentcore/pkg/protocol"
)

// Adapter connects to Telegram via long polling and bridges messages
// to the Gateway's wire protocol.
type Adapter struct {
	cfg config.TelegramConfig
	bot *telego.Bot
	gw  *channels.GatewayClient

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New creates a Telegram adapter. gatewayAddr is the Gateway's /ws URL.
func New(cfg config.TelegramConfig, gatewayAddr string) (*Adapter, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram: create bot: %w", err)
	}

	a := &Adapter{cfg: cfg, bot: bot}
	gw, err := channels.DialGateway(context.Background(), gatewayAddr, "telegram", a.handleEvent)
	if err != nil {
		return nil, err
	}
	a.gw = gw
	return a, nil
}

// Start begins long polling for Telegram updates.
func (a *Adapter) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	a.pollCancel = cancel
	a.pollDone = make(chan struct{})

	updates, err := a.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("telegram: start long polling: %w", err)
	}

	slog.Info("telegram: connected", "username", a.bot.Username())

	go func() {
		defer close(a.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil {
					a.handleMessage(pollCtx, update)
				}
			}
		}
	}()

	return nil
}

// Stop cancels the polling context and waits for it to exit.
func (a *Adapter) Stop(context.Context) error {
	if a.pollCancel != nil {
		a.pollCancel()
	}
	if a.pollDone != nil {
		<-a.pollDone
	}
	return a.gw.Close()
}

func (a *Adapter) handleEvent(frame protocol.Frame) {
	if frame.Type != protocol.TypeEvent {
		return
	}
	slog.Debug("telegram: gateway event", "channel_frame", frame.Channel)
}

func (a *Adapter) handleMessage(ctx context.Context, update telego.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.From.IsBot {
		return
	}
	if !channels.IsAllowed(a.cfg.AllowFrom, strconv.FormatInt(msg.From.ID, 10)) {
		return
	}

	content := msg.Text
	if content == "" {
		return
	}

	isGroup := msg.Chat.Type == telego.ChatTypeGroup || msg.Chat.Type == telego.ChatTypeSupergroup
	if isGroup && a.cfg.RequireMention {
		mentioned := false
		for _, e := range msg.Entities {
			if e.Type == "mention" {
				mentioned = true
				break
			}
		}
		if !mentioned {
			return
		}
	}

	userID := strconv.FormatInt(msg.From.ID, 10)
	frame, err := a.gw.SendChat(ctx, userID, content, nil)
	if err != nil {
		slog.Warn("telegram: gateway chat failed", "error", err)
		return
	}

	var resp protocol.ResponseData
	if err := frame.DecodeData(&resp); err != nil || resp.Content == "" {
		return
	}

	chatID := tu.ID(msg.Chat.ID)
	if _, err := a.bot.SendMessage(ctx, tu.Message(chatID, resp.Content)); err != nil {
		slog.Warn("telegram: send message failed", "error", err)
	}
}
