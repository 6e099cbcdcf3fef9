package bot

import (
	"strings"
	"unicode"
)

// Command names.
const (
	CommandChat    = "chat"
	CommandImagine = "imagine"
)

// Command is a parsed bot command.
type Command struct {
	Name   string
	Prompt string
}

var commandPrefixes = []string{"/", "."}

// ParseCommand recognises "/chat <prompt>" and ".imagine <prompt>" forms. The
// command word may carry an "@botname" suffix, as Telegram adds in groups;
// when botName is set a suffix naming another bot is rejected.
func ParseCommand(text, botName string) (Command, bool) {
	trimmed := strings.TrimSpace(text)
	prefixed := false
	for _, prefix := range commandPrefixes {
		if strings.HasPrefix(trimmed, prefix) {
			trimmed = trimmed[len(prefix):]
			prefixed = true
			break
		}
	}
	if !prefixed {
		return Command{}, false
	}
	word, rest := trimmed, ""
	if idx := strings.IndexFunc(trimmed, unicode.IsSpace); idx >= 0 {
		word, rest = trimmed[:idx], trimmed[idx:]
	}
	if at := strings.IndexByte(word, '@'); at >= 0 {
		mention := word[at+1:]
		word = word[:at]
		botName = strings.TrimPrefix(strings.TrimSpace(botName), "@")
		if botName != "" && !strings.EqualFold(mention, botName) {
			return Command{}, false
		}
	}
	name := strings.ToLower(word)
	switch name {
	case CommandChat, CommandImagine:
		return Command{Name: name, Prompt: strings.TrimSpace(rest)}, true
	default:
		return Command{}, false
	}
}
