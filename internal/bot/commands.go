package bot

import "github.com/bwmarrin/discordgo"

func actionChoices(withAll bool) []*discordgo.ApplicationCommandOptionChoice {
	choices := []*discordgo.ApplicationCommandOptionChoice{
		{Name: "bot_add", Value: "bot_add"},
		{Name: "role_update", Value: "role_update"},
		{Name: "channel_update", Value: "channel_update"},
		{Name: "guild_update", Value: "guild_update"},
		{Name: "kick", Value: "kick"},
		{Name: "ban", Value: "ban"},
		{Name: "member_prune", Value: "member_prune"},
		{Name: "webhooks", Value: "webhooks"},
	}
	if withAll {
		choices = append([]*discordgo.ApplicationCommandOptionChoice{{Name: "all", Value: "all"}}, choices...)
	}
	return choices
}

func userSubcommands() []*discordgo.ApplicationCommandOption {
	return []*discordgo.ApplicationCommandOption{
		{
			Type:        discordgo.ApplicationCommandOptionSubCommand,
			Name:        "add",
			Description: "Add a user",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionUser,
					Name:        "user",
					Description: "Target user",
					Required:    true,
				},
			},
		},
		{
			Type:        discordgo.ApplicationCommandOptionSubCommand,
			Name:        "remove",
			Description: "Remove a user",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionUser,
					Name:        "user",
					Description: "Target user",
					Required:    true,
				},
			},
		},
		{
			Type:        discordgo.ApplicationCommandOptionSubCommand,
			Name:        "list",
			Description: "List users",
		},
	}
}

func (b *Bot) commandDefinitions() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		{
			Name:        "antinuke",
			Description: "Configure nuke protection",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "enable",
					Description: "Enable protection for an action",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        "action",
							Description: "Action to watch",
							Required:    true,
							Choices:     actionChoices(true),
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "disable",
					Description: "Disable protection for an action",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        "action",
							Description: "Action to stop watching",
							Required:    true,
							Choices:     actionChoices(true),
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "status",
					Description: "Show protection status",
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "threshold",
					Description: "Set tolerated actions per minute",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        "action",
							Description: "Action kind",
							Required:    true,
							Choices:     actionChoices(false),
						},
						{
							Type:        discordgo.ApplicationCommandOptionInteger,
							Name:        "value",
							Description: "Tolerated count before sanction",
							Required:    true,
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "punishment",
					Description: "Set the sanction for violators",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        "value",
							Description: "ban, kick, or strip",
							Required:    true,
							Choices: []*discordgo.ApplicationCommandOptionChoice{
								{Name: "ban", Value: "ban"},
								{Name: "kick", Value: "kick"},
								{Name: "strip", Value: "strip"},
							},
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "off",
					Description: "Remove all protection settings",
				},
			},
		},
		{
			Name:        "whitelist",
			Description: "Manage users exempt from protection",
			Options:     userSubcommands(),
		},
		{
			Name:        "admins",
			Description: "Manage trusted admins",
			Options:     userSubcommands(),
		},
		{
			Name:        "hardban",
			Description: "Manage permanent bans that re-apply on unban",
			Options:     userSubcommands(),
		},
		{
			Name:        "twitch",
			Description: "Manage Twitch live announcements",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "add",
					Description: "Announce a streamer in a channel",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        "streamer",
							Description: "Twitch login name",
							Required:    true,
						},
						{
							Type:        discordgo.ApplicationCommandOptionChannel,
							Name:        "channel",
							Description: "Channel for announcements",
							Required:    true,
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "remove",
					Description: "Stop announcing a streamer",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        "streamer",
							Description: "Twitch login name",
							Required:    true,
						},
						{
							Type:        discordgo.ApplicationCommandOptionChannel,
							Name:        "channel",
							Description: "Channel the announcement goes to",
							Required:    true,
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "list",
					Description: "List announced streamers",
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommandGroup,
					Name:        "message",
					Description: "Manage the announcement template",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionSubCommand,
							Name:        "set",
							Description: "Set the announcement template",
							Options: []*discordgo.ApplicationCommandOption{
								{
									Type:        discordgo.ApplicationCommandOptionString,
									Name:        "template",
									Description: "Supports {streamer} {title} {game} {link}",
									Required:    true,
								},
								{
									Type:        discordgo.ApplicationCommandOptionBoolean,
									Name:        "embed",
									Description: "Attach the live embed under the message",
								},
							},
						},
						{
							Type:        discordgo.ApplicationCommandOptionSubCommand,
							Name:        "remove",
							Description: "Remove the custom template",
						},
						{
							Type:        discordgo.ApplicationCommandOptionSubCommand,
							Name:        "show",
							Description: "Show the current template",
						},
					},
				},
			},
		},
		{
			Name:        "report",
			Description: "Summarize recent security activity",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        "hours",
					Description: "Lookback window, default 24",
				},
			},
		},
	}
}

func (b *Bot) registerCommands() error {
	if b.session.State.User == nil {
		return nil
	}
	appID := b.session.State.User.ID
	commands := b.commandDefinitions()

	existing, err := b.session.ApplicationCommands(appID, "")
	if err != nil {
		return err
	}
	existingByName := make(map[string]*discordgo.ApplicationCommand)
	for _, cmd := range existing {
		existingByName[cmd.Name] = cmd
	}

	desired := make(map[string]struct{})
	for _, cmd := range commands {
		desired[cmd.Name] = struct{}{}
		if current, ok := existingByName[cmd.Name]; ok {
			if _, err := b.session.ApplicationCommandEdit(appID, "", current.ID, cmd); err != nil {
				return err
			}
			continue
		}
		if _, err := b.session.ApplicationCommandCreate(appID, "", cmd); err != nil {
			return err
		}
	}

	for _, cmd := range existing {
		if _, ok := desired[cmd.Name]; ok {
			continue
		}
		_ = b.session.ApplicationCommandDelete(appID, "", cmd.ID)
	}
	return nil
}
