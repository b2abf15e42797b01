package main

import (
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Bot is the main bot struct
type Bot struct {
	// The Discord session
	session *discordgo.Session

	config    *Config
	workflow  *Workflow
	roles     *RoleSynchronizer
	announcer *Announcer

	log *zap.Logger
	now func() time.Time
}

// NewBot wires the bot's components around a Discord session
func NewBot(session *discordgo.Session, config *Config, log *zap.Logger) (*Bot, error) {
	api := discordAPI{session: session}
	provider := NewCodeforces(config.Codeforces.BaseURL, config.Codeforces.Timeout, withModule(log, "codeforces"))
	roles := NewRoleSynchronizer(api, withModule(log, "roles"))

	bot := &Bot{
		session:  session,
		config:   config,
		roles:    roles,
		workflow: NewWorkflow(NewDatabase(config.Store.Path), provider, roles, withModule(log, "workflow")),
		log:      withModule(log, "bot"),
		now:      time.Now,
	}

	if config.Announcer.ChannelID != "" {
		location, err := config.Announcer.Location()
		if err != nil {
			return nil, err
		}

		bot.announcer = NewAnnouncer(provider, api, config.Announcer.ChannelID, withModule(log, "announcer"),
			WithSchedule(config.Announcer.Schedule),
			WithLocation(location),
			WithAnnounceTimeout(2*config.Codeforces.Timeout))
	}

	session.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages
	if config.Discord.Prefix != "" {
		session.Identify.Intents |= discordgo.IntentsMessageContent
	}

	return bot, nil
}

// Start opens the gateway connection and starts the contest announcer
func (bot *Bot) Start() error {
	if err := bot.session.Open(); err != nil {
		return err
	}

	return bot.startAnnouncer()
}

// startAnnouncer closes the session again when the announcer cannot start
func (bot *Bot) startAnnouncer() error {
	if bot.announcer == nil {
		bot.log.Warn("announcer.channel_id is not set, contest announcements are disabled")
		return nil
	}

	if err := bot.announcer.Start(); err != nil {
		return multierr.Combine(err, bot.session.Close())
	}
	return nil
}

// Close stops the announcer and closes the gateway connection
func (bot *Bot) Close() error {
	if bot.announcer != nil {
		<-bot.announcer.Stop().Done()
	}

	return bot.session.Close()
}

func (bot *Bot) onReady(session *discordgo.Session, ready *discordgo.Ready) {
	bot.log.Info("logged in", zap.String("user", ready.User.Username), zap.Int("guilds", len(ready.Guilds)))

	// Make sure every guild has the rank roles
	for _, guild := range ready.Guilds {
		if err := bot.roles.EnsureRankRoles(guild.ID); err != nil {
			bot.log.Error("creating rank roles", zap.String("guild", guild.ID), zap.Error(err))
		}
	}
}

// discordAPI narrows a discordgo session to the calls the bot makes
type discordAPI struct {
	session *discordgo.Session
}

func (api discordAPI) GuildRoles(guildID string) ([]*discordgo.Role, error) {
	return api.session.GuildRoles(guildID)
}

func (api discordAPI) GuildRoleCreate(guildID string, params *discordgo.RoleParams) (*discordgo.Role, error) {
	return api.session.GuildRoleCreate(guildID, params)
}

func (api discordAPI) GuildMember(guildID, userID string) (*discordgo.Member, error) {
	return api.session.GuildMember(guildID, userID)
}

func (api discordAPI) GuildMemberRoleAdd(guildID, userID, roleID string) error {
	return api.session.GuildMemberRoleAdd(guildID, userID, roleID)
}

func (api discordAPI) GuildMemberRoleRemove(guildID, userID, roleID string) error {
	return api.session.GuildMemberRoleRemove(guildID, userID, roleID)
}

func (api discordAPI) ChannelMessageSend(channelID, content string) error {
	_, err := api.session.ChannelMessageSend(channelID, content)
	return err
}
