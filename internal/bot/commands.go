package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"feedbot/internal/feed"
)

const (
	GroupRSS  = "rss"
	GroupFeed = "feed"
)

const (
	CmdAdd      = "add"
	CmdRemove   = "rem"
	CmdDelete   = "delete"
	CmdList     = "list"
	CmdFetch    = "fetch"
	CmdFetchAll = "fetchall"
	CmdSave     = "save"
	CmdPrune    = "prune"
)

const (
	ArgName = "name"
	ArgURL  = "url"
)

// Command is one invocation received from the chat platform.
type Command struct {
	Group      string
	Subcommand string
	Args       map[string]string
	Channel    feed.Channel
	// Messageable reports whether Channel can receive replies.
	Messageable bool
}

func (cmd Command) arg(key string) string {
	return strings.TrimSpace(cmd.Args[key])
}

const (
	replyUnknownCommand = "Unknown command."
	replyMissingName    = "Missing feed name."
	replyInvalidURL     = "Invalid url."
)

// Dispatch runs cmd against the registry and returns the reply. ok is false
// when the command must be ignored.
func (bot *Bot) Dispatch(cmd Command) (reply string, ok bool) {
	if !cmd.Messageable {
		return "", false
	}

	logger := bot.logger.With(
		zap.String("group", cmd.Group),
		zap.String("subcommand", cmd.Subcommand),
		zap.String("channel", cmd.Channel.ID),
	)
	logger.Debug("dispatching command")

	switch cmd.Group {
	case GroupRSS:
		reply = bot.dispatchRSS(cmd)
	case GroupFeed:
		reply = bot.dispatchFeed(cmd)
	default:
		return "", false
	}
	return reply, true
}

func (bot *Bot) dispatchRSS(cmd Command) string {
	switch cmd.Subcommand {
	case CmdAdd:
		name := cmd.arg(ArgName)
		if name == "" {
			return replyMissingName
		}
		err := bot.AddFeedToChannel(name, cmd.Channel, cmd.arg(ArgURL))
		return bot.mutationReply(err, "RSS Feed added to channel.", map[error]string{
			ErrFeedNotFound:     "RSS Feed not found.",
			ErrAlreadyInChannel: "RSS Feed already in channel.",
			ErrNameInUse:        "Name in use by a custom feed.",
			ErrFeedNameTaken:    "Feed name already in use.",
		})

	case CmdRemove:
		name := cmd.arg(ArgName)
		if name == "" {
			return replyMissingName
		}
		err := bot.RemoveFeedFromChannel(name, cmd.Channel)
		return bot.mutationReply(err, "Feed removed from channel", map[error]string{
			ErrFeedNotFound: "Feed doesn't exist.",
			ErrNotInChannel: "Feed not in channel.",
		})

	case CmdDelete:
		name := cmd.arg(ArgName)
		if name == "" {
			return replyMissingName
		}
		err := bot.DeleteFeed(bot.context(), name)
		var inUse *FeedInUseError
		if errors.As(err, &inUse) {
			return "Feed still in use in:\n- " + strings.Join(inUse.Channels, "\n- ")
		}
		return bot.mutationReply(err, "Feed deleted.", map[error]string{
			ErrFeedNotFound: "Feed doesn't exist.",
		})

	case CmdList:
		infos := bot.ListFeedsIn(cmd.Channel.ID)
		if len(infos) == 0 {
			return "No feeds in this channel."
		}
		return "Feeds in this channel:\n" + formatList(infos)

	case CmdFetch:
		bot.FetchFeedsIn(cmd.Channel.ID)
		return "Fetching feeds"

	case CmdFetchAll:
		bot.FetchAll()
		return "Fetching all feeds"

	case CmdSave:
		bot.goBackground(func(ctx context.Context) {
			if err := bot.SaveAll(ctx); err != nil {
				bot.logger.Error("failed to save", zap.Error(err))
			}
		})
		return "Saving settings and history"

	case CmdPrune:
		bot.PruneAll()
		return "Removing old items from history"
	}

	return replyUnknownCommand
}

func (bot *Bot) dispatchFeed(cmd Command) string {
	switch cmd.Subcommand {
	case CmdAdd:
		name := cmd.arg(ArgName)
		if name == "" {
			return replyMissingName
		}
		err := bot.AddCustomFeedToChannel(name, cmd.Channel)
		return bot.mutationReply(err, "Custom feed added to channel.", map[error]string{
			ErrFeedNotFound:     "Custom feed doesn't exist.",
			ErrAlreadyInChannel: "Custom feed already in channel.",
			ErrNameInUse:        "Name in use by a rss feed.",
		})

	case CmdRemove:
		name := cmd.arg(ArgName)
		if name == "" {
			return replyMissingName
		}
		err := bot.RemoveCustomFeedFromChannel(name, cmd.Channel)
		return bot.mutationReply(err, "Feed removed from channel", map[error]string{
			ErrFeedNotFound: "Feed doesn't exist.",
			ErrNotInChannel: "Feed not in channel.",
		})

	case CmdList:
		infos := bot.ListCustomFeeds()
		if len(infos) == 0 {
			return "No custom feeds registered."
		}
		return "Custom feeds:\n" + formatList(infos)
	}

	return replyUnknownCommand
}

// mutationReply persists the setting after a successful mutation and maps
// business errors to their replies.
func (bot *Bot) mutationReply(err error, success string, replies map[error]string) string {
	if err == nil {
		bot.persistSetting()
		return success
	}
	if errors.Is(err, ErrInvalidURL) {
		return replyInvalidURL
	}
	for target, reply := range replies {
		if errors.Is(err, target) {
			return reply
		}
	}
	bot.logger.Warn("unexpected command error", zap.Error(err))
	return err.Error()
}

func formatList(infos []FeedInfo) string {
	lines := make([]string, 0, len(infos))
	for _, info := range infos {
		lines = append(lines, fmt.Sprintf("- [%s] %s", info.Name, info.URL))
	}
	return strings.Join(lines, "\n")
}
