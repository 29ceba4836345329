package twitch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"aegis-guardian/internal/storage"
)

// MessageAPI is the slice of the Discord session the notifier needs.
type MessageAPI interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEditComplex(m *discordgo.MessageEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// MessageTemplates resolves the per-guild announcement template.
type MessageTemplates interface {
	GetStreamMessage(ctx context.Context, guildID string) (storage.StreamMessage, bool, error)
}

// DiscordNotifier renders live announcements as embeds, honoring a guild's
// custom template when one is configured.
type DiscordNotifier struct {
	api       MessageAPI
	templates MessageTemplates
	liveColor int
}

func NewDiscordNotifier(api MessageAPI, templates MessageTemplates, liveColor int) *DiscordNotifier {
	if liveColor == 0 {
		liveColor = 0x9146FF
	}
	return &DiscordNotifier{api: api, templates: templates, liveColor: liveColor}
}

func (d *DiscordNotifier) NotifyLive(ctx context.Context, sub storage.Subscription, info *StreamInfo) (string, error) {
	send := &discordgo.MessageSend{}
	template, found, err := d.templates.GetStreamMessage(ctx, sub.GuildID)
	if err == nil && found && !template.IsEmbed {
		send.Content = renderTemplate(template.Message, info)
	} else {
		if found && template.Message != "" {
			send.Content = renderTemplate(template.Message, info)
		}
		send.Embeds = []*discordgo.MessageEmbed{d.liveEmbed(info)}
	}
	msg, err := d.api.ChannelMessageSendComplex(sub.ChannelID, send, discordgo.WithContext(ctx))
	if err != nil {
		return "", mapMessageError(err)
	}
	return msg.ID, nil
}

func (d *DiscordNotifier) UpdateLive(ctx context.Context, channelID, messageID string, info *StreamInfo) error {
	_, err := d.api.ChannelMessageEditComplex(&discordgo.MessageEdit{
		ID:      messageID,
		Channel: channelID,
		Embeds:  []*discordgo.MessageEmbed{d.liveEmbed(info)},
	}, discordgo.WithContext(ctx))
	return mapMessageError(err)
}

func (d *DiscordNotifier) NotifyOffline(ctx context.Context, channelID, messageID string, rec storage.StreamRecord) error {
	_, err := d.api.ChannelMessageEditComplex(&discordgo.MessageEdit{
		ID:      messageID,
		Channel: channelID,
		Embeds:  []*discordgo.MessageEmbed{offlineEmbed(rec)},
	}, discordgo.WithContext(ctx))
	return mapMessageError(err)
}

func (d *DiscordNotifier) liveEmbed(info *StreamInfo) *discordgo.MessageEmbed {
	name := info.DisplayName
	if name == "" {
		name = info.Login
	}
	embed := &discordgo.MessageEmbed{
		Title: fmt.Sprintf("%s is live!", name),
		URL:   streamURL(info.Login),
		Color: d.liveColor,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Title", Value: nonEmpty(info.Title), Inline: false},
			{Name: "Game", Value: nonEmpty(info.Game), Inline: true},
			{Name: "Viewers", Value: fmt.Sprintf("%d", info.ViewerCount), Inline: true},
		},
		Timestamp: info.StartedAt.Format(time.RFC3339),
	}
	if info.ThumbnailURL != "" {
		embed.Image = &discordgo.MessageEmbedImage{URL: info.ThumbnailURL}
	}
	return embed
}

func offlineEmbed(rec storage.StreamRecord) *discordgo.MessageEmbed {
	duration := rec.LastUpdated.Sub(rec.StartedAt).Round(time.Minute)
	return &discordgo.MessageEmbed{
		Title:       fmt.Sprintf("%s was live", rec.Username),
		URL:         streamURL(rec.Username),
		Color:       0x95A5A6,
		Description: fmt.Sprintf("Streamed **%s** for %s.", nonEmpty(rec.Title), duration),
	}
}

func renderTemplate(template string, info *StreamInfo) string {
	name := info.DisplayName
	if name == "" {
		name = info.Login
	}
	replacer := strings.NewReplacer(
		"{streamer}", name,
		"{title}", info.Title,
		"{game}", info.Game,
		"{link}", streamURL(info.Login),
	)
	return replacer.Replace(template)
}

func streamURL(login string) string {
	return "https://twitch.tv/" + login
}

func nonEmpty(value string) string {
	if value == "" {
		return "n/a"
	}
	return value
}

// mapMessageError turns a 404 on a tracked message into ErrNotificationGone
// so the monitor drops it instead of retrying forever.
func mapMessageError(err error) error {
	if err == nil {
		return nil
	}
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil && rest.Response.StatusCode == http.StatusNotFound {
		return ErrNotificationGone
	}
	return err
}
