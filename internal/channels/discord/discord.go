// Package discord is a thin Discord adapter: it forwards Discord
// messages to the Gateway as chat frames and relays the Gateway's
// response back as a Discord message.
//
// Adapted from vanducng-goclaw/internal/channels/discord/discord.go's
// discordgo.Session wiring and message-chunking, with the in-process
// bus.MessageBus replaced by a real outbound connection to the
// Gateway's /ws endpoint (channels.GatewayClient) — this adapter is an
// external collaborator per spec.md §1, not a core component.
package discord

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/agentcore/internal/channels"
	"github.com/nextlevelbuilder/agentcore/internal/config"
	"github.com/nextlevelbuilder/agentcore/pkg/protocol"
)

const maxMessageLen = 2000

// Adapter connects to Discord via the Bot API and bridges messages to
// the Gateway's wire protocol.
type Adapter struct {
	cfg       config.DiscordConfig
	session   *discordgo.Session
	gw        *channels.GatewayClient
	botUserID string
}

// New creates a Discord adapter. gatewayAddr is the Gateway's /ws URL,
// e.g. "ws://localhost:8080/ws".
func New(cfg config.DiscordConfig, gatewayAddr string) (*Adapter, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	a := &Adapter{cfg: cfg, session: session}
	gw, err := channels.DialGateway(context.Background(), gatewayAddr, "discord", a.handleEvent)
	if err != nil {
		return nil, err
	}
	a.gw = gw
	return a, nil
}

// Start opens the Discord gateway connection and begins receiving events.
func (a *Adapter) Start(ctx context.Context) error {
	a.session.AddHandler(a.handleMessage)
	if err := a.session.Open(); err != nil {
		return fmt.Errorf("discord: open session: %w", err)
	}
	user, err := a.session.User("@me")
	if err != nil {
		a.session.Close()
		return fmt.Errorf("discord: fetch bot identity: %w", err)
	}
	a.botUserID = user.ID
	slog.Info("discord: connected", "username", user.Username, "id", user.ID)
	return nil
}

// Stop closes the Discord gateway connection and the Gateway link.
func (a *Adapter) Stop(context.Context) error {
	a.gw.Close()
	return a.session.Close()
}

func (a *Adapter) handleEvent(frame protocol.Frame) {
	if frame.Type != protocol.TypeEvent {
		return
	}
	slog.Debug("discord: gateway event", "channel_frame", frame.Channel)
}

func (a *Adapter) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == a.botUserID || m.Author.Bot {
		return
	}
	if !channels.IsAllowed(a.cfg.AllowFrom, m.Author.ID) {
		return
	}

	content := m.Content
	for _, att := range m.Attachments {
		if content != "" {
			content += "\n"
		}
		content += fmt.Sprintf("[attachment: %s]", att.URL)
	}
	if content == "" {
		content = "[empty message]"
	}

	isDM := m.GuildID == ""
	if !isDM && a.cfg.RequireMention {
		mentioned := false
		for _, u := range m.Mentions {
			if u.ID == a.botUserID {
				mentioned = true
				break
			}
		}
		if !mentioned {
			return
		}
	}

	ctx := context.Background()
	frame, err := a.gw.SendChat(ctx, m.Author.ID, content, nil)
	if err != nil {
		slog.Warn("discord: gateway chat failed", "error", err)
		return
	}

	var resp protocol.ResponseData
	if err := frame.DecodeData(&resp); err != nil || resp.Content == "" {
		return
	}
	a.sendChunked(m.ChannelID, resp.Content)
}

func (a *Adapter) sendChunked(channelID, content string) {
	for len(content) > 0 {
		chunk := content
		if len(chunk) > maxMessageLen {
			cutAt := maxMessageLen
			if idx := lastIndexByte(content[:maxMessageLen], '\n'); idx > maxMessageLen/2 {
				cutAt = idx + 1
			}
			chunk = content[:cutAt]
			content = content[cutAt:]
		} else {
			content = ""
		}
		if _, err := a.session.ChannelMessageSend(channelID, chunk); err != nil {
			slog.Warn("discord: send message failed", "error", err)
			return
		}
	}
}

func lastIndexByte(s string, b byte) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == b {
			return i
		}
	}
	return -1
}
