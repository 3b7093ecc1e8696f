package telegram

import (
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api"

	"feedbot/internal/bot"
	"feedbot/internal/feed"
)

func isMessageable(chat *tgbotapi.Chat) bool {
	return chat.IsPrivate() || chat.IsGroup() || chat.IsSuperGroup() || chat.IsChannel()
}

func chatName(chat *tgbotapi.Chat) string {
	if chat.Title != "" {
		return chat.Title
	}
	if chat.UserName != "" {
		return "@" + chat.UserName
	}
	if name := strings.TrimSpace(chat.FirstName + " " + chat.LastName); name != "" {
		return name
	}
	return strconv.FormatInt(chat.ID, 10)
}

func channelOf(chat *tgbotapi.Chat) feed.Channel {
	return feed.Channel{ID: strconv.FormatInt(chat.ID, 10), Name: chatName(chat)}
}

// parseCommand turns "/rss add <name> [url]" style messages into a
// command. Messages for other commands are rejected.
func parseCommand(message *tgbotapi.Message) (bot.Command, bool) {
	if message == nil || message.Chat == nil || !message.IsCommand() {
		return bot.Command{}, false
	}

	group := strings.ToLower(message.Command())
	if group != bot.GroupRSS && group != bot.GroupFeed {
		return bot.Command{}, false
	}

	cmd := bot.Command{
		Group:       group,
		Args:        make(map[string]string),
		Channel:     channelOf(message.Chat),
		Messageable: isMessageable(message.Chat),
	}

	fields := strings.Fields(message.CommandArguments())
	if len(fields) > 0 {
		cmd.Subcommand = strings.ToLower(fields[0])
	}
	if len(fields) > 1 {
		cmd.Args[bot.ArgName] = fields[1]
	}
	if len(fields) > 2 {
		cmd.Args[bot.ArgURL] = fields[2]
	}
	return cmd, true
}
