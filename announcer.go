package main

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	defaultAnnounceSchedule = "@every 1h"

	// MessageLimit is the longest message Discord accepts
	MessageLimit = 2000

	startTimeLayout = "1/2/2006, 3:04:05 PM"
)

// ChannelSender posts messages to a channel
type ChannelSender interface {
	ChannelMessageSend(channelID, content string) error
}

// Announcer periodically posts the upcoming Codeforces contests.
//
// Nothing is remembered between runs, every run posts every upcoming contest again.
type Announcer struct {
	provider  RatingProvider
	channel   ChannelSender
	channelID string
	cron      *cron.Cron
	schedule  string
	location  *time.Location
	timeout   time.Duration
	log       *zap.Logger
}

// AnnouncerOption customises the Announcer.
type AnnouncerOption func(*Announcer)

// WithSchedule overrides the cron specification of the announcer.
func WithSchedule(spec string) AnnouncerOption {
	return func(announcer *Announcer) {
		if spec != "" {
			announcer.schedule = spec
		}
	}
}

// WithLocation sets the time zone start times are shown in.
func WithLocation(location *time.Location) AnnouncerOption {
	return func(announcer *Announcer) {
		if location != nil {
			announcer.location = location
		}
	}
}

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) AnnouncerOption {
	return func(announcer *Announcer) {
		if c != nil {
			announcer.cron = c
		}
	}
}

// WithAnnounceTimeout bounds a single run.
func WithAnnounceTimeout(timeout time.Duration) AnnouncerOption {
	return func(announcer *Announcer) {
		if timeout > 0 {
			announcer.timeout = timeout
		}
	}
}

// NewAnnouncer creates an announcer posting to channelID
func NewAnnouncer(provider RatingProvider, channel ChannelSender, channelID string, log *zap.Logger, opts ...AnnouncerOption) *Announcer {
	if log == nil {
		log = zap.NewNop()
	}

	announcer := &Announcer{
		provider:  provider,
		channel:   channel,
		channelID: channelID,
		schedule:  defaultAnnounceSchedule,
		location:  time.Local,
		timeout:   time.Minute,
		log:       log,
	}

	for _, opt := range opts {
		opt(announcer)
	}

	if announcer.cron == nil {
		logger := cronLogger{log.Sugar()}
		announcer.cron = cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger)))
	}

	return announcer
}

// Start announces once and then on every tick of the schedule
func (announcer *Announcer) Start() error {
	if _, err := announcer.cron.AddFunc(announcer.schedule, announcer.run); err != nil {
		return fmt.Errorf("announcer schedule %q: %w", announcer.schedule, err)
	}

	announcer.run()
	announcer.cron.Start()

	announcer.log.Info("contest announcer started",
		zap.String("channel", announcer.channelID),
		zap.String("schedule", announcer.schedule))
	return nil
}

// Stop stops the schedule, the returned context is done once a running announcement finished
func (announcer *Announcer) Stop() context.Context {
	return announcer.cron.Stop()
}

func (announcer *Announcer) run() {
	ctx, cancel := context.WithTimeout(context.Background(), announcer.timeout)
	defer cancel()

	if err := announcer.Announce(ctx); err != nil {
		announcer.log.Error("announcing contests", zap.Error(err))
	}
}

// Announce posts every contest that has not started yet
func (announcer *Announcer) Announce(ctx context.Context) error {
	contests, err := announcer.provider.Contests(ctx)
	if err != nil {
		Announcements.WithLabelValues("error").Inc()
		return err
	}

	upcoming := UpcomingContests(contests)
	if len(upcoming) == 0 {
		Announcements.WithLabelValues("empty").Inc()
		announcer.log.Info("no upcoming contests found")
		return nil
	}

	for _, message := range FormatAnnouncements(upcoming, announcer.location) {
		if err := announcer.channel.ChannelMessageSend(announcer.channelID, message); err != nil {
			Announcements.WithLabelValues("error").Inc()
			return fmt.Errorf("sending to channel %s: %w", announcer.channelID, err)
		}
	}

	Announcements.WithLabelValues("posted").Inc()
	announcer.log.Info("announced contests", zap.Int("contests", len(upcoming)))
	return nil
}

// FormatStartTime renders a unix start time in location
func FormatStartTime(startTimeSeconds int64, location *time.Location) string {
	return time.Unix(startTimeSeconds, 0).In(location).Format(startTimeLayout)
}

// FormatAnnouncements renders contests into as few messages as fit Discord's length limit
func FormatAnnouncements(contests []Contest, location *time.Location) []string {
	const header = "Upcoming contests:"
	// Every entry must fit in a message together with the header
	entryLimit := MessageLimit - len(header) - 1

	var messages []string
	current := header
	empty := true
	for _, contest := range contests {
		startsAt := "\n  Starts at: " + FormatStartTime(contest.StartTimeSeconds, location)
		name := truncate(contest.Name, entryLimit-len("- ****")-len(startsAt))
		entry := "- **" + name + "**" + startsAt

		if !empty && len(current)+1+len(entry) > MessageLimit {
			messages = append(messages, current)
			current = entry
			continue
		}

		current += "\n" + entry
		empty = false
	}

	return append(messages, current)
}

// truncate shortens s to at most limit bytes without splitting a rune
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}

	const ellipsis = "..."
	cut := 0
	for i, r := range s {
		next := i + utf8.RuneLen(r)
		if next > limit-len(ellipsis) {
			break
		}
		cut = next
	}
	return s[:cut] + ellipsis
}

// cronLogger sends cron's own logging to zap
type cronLogger struct {
	log *zap.SugaredLogger
}

func (logger cronLogger) Info(msg string, keysAndValues ...interface{}) {
	logger.log.Debugw(msg, keysAndValues...)
}

func (logger cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	logger.log.Errorw(msg, append(keysAndValues, "error", err)...)
}
