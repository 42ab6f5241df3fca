package completion

import (
	"strings"
	"unicode/utf8"
)

// MaxTitleLength is the longest title, in runes, ever returned or stored.
const MaxTitleLength = 80

// TitleSystemPrompt instructs the model to summarize, never answer.
const TitleSystemPrompt = `- you will generate a short title based on the first message a user begins a conversation with
- ensure it is not more than 80 characters long
- the title should be a summary of the user's message
- you should NOT answer the user's message, you should only generate a summary/title
- do not use quotes or colons`

var stripTitleRunes = strings.NewReplacer(
	`"`, "",
	`'`, "",
	":", "",
	"“", "",
	"”", "",
	"‘", "",
	"’", "",
	"`", "",
)

// SanitizeTitle enforces the title shape regardless of how well the model
// followed instructions: first line only, no quotes or colons, collapsed
// whitespace, at most MaxTitleLength runes.
func SanitizeTitle(raw string) string {
	title := strings.TrimSpace(raw)
	if i := strings.IndexAny(title, "\r\n"); i >= 0 {
		title = title[:i]
	}

	title = stripTitleRunes.Replace(title)
	title = strings.Join(strings.Fields(title), " ")

	if utf8.RuneCountInString(title) > MaxTitleLength {
		runes := []rune(title)
		title = strings.TrimSpace(string(runes[:MaxTitleLength]))
	}

	return title
}
