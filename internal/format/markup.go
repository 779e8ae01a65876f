// Package format renders rankings and puzzles as chat text.
package format

import (
	"fmt"
	"html"
	"strings"

	kit "aocbot/internal/transport"
)

// Markup is the small set of text decorations a chat platform supports.
type Markup interface {
	Escape(s string) string
	Bold(s string) string
	Italic(s string) string
	Code(s string) string
	Pre(s, lang string) string
	Link(text, url string) string
	ParseMode() string
}

var (
	HTML     Markup = htmlMarkup{}
	Markdown Markup = markdownMarkup{}
)

// For returns the markup used on platform: Markdown for Discord, HTML otherwise.
func For(platform string) Markup {
	if platform == kit.PlatformDiscord {
		return Markdown
	}
	return HTML
}

// htmlMarkup is Telegram's HTML parse mode.
type htmlMarkup struct{}

func (htmlMarkup) Escape(s string) string { return html.EscapeString(s) }
func (htmlMarkup) Bold(s string) string   { return "<b>" + html.EscapeString(s) + "</b>" }
func (htmlMarkup) Italic(s string) string { return "<i>" + html.EscapeString(s) + "</i>" }
func (htmlMarkup) Code(s string) string   { return "<code>" + html.EscapeString(s) + "</code>" }
func (htmlMarkup) ParseMode() string      { return kit.ParseHTML }

func (htmlMarkup) Pre(s, lang string) string {
	if lang == "" {
		return "<pre>" + html.EscapeString(s) + "</pre>"
	}
	return fmt.Sprintf(`<pre><code class="language-%s">%s</code></pre>`, html.EscapeString(lang), html.EscapeString(s))
}

func (htmlMarkup) Link(text, url string) string {
	return fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(url), html.EscapeString(text))
}

// markdownMarkup is Discord flavoured markdown.
type markdownMarkup struct{}

var mdEscaper = strings.NewReplacer(
	`\`, `\\`, "*", `\*`, "_", `\_`, "~", `\~`, "`", "\\`", "|", `\|`, ">", `\>`,
)

func (markdownMarkup) Escape(s string) string { return mdEscaper.Replace(s) }
func (markdownMarkup) Bold(s string) string   { return "**" + mdEscaper.Replace(s) + "**" }
func (markdownMarkup) Italic(s string) string { return "*" + mdEscaper.Replace(s) + "*" }
func (markdownMarkup) ParseMode() string      { return kit.ParseMarkdown }

func (markdownMarkup) Code(s string) string {
	return "`" + strings.ReplaceAll(s, "`", "'") + "`"
}

func (markdownMarkup) Pre(s, lang string) string {
	return "```" + lang + "\n" + strings.ReplaceAll(s, "```", "'''") + "\n```"
}

func (markdownMarkup) Link(text, url string) string {
	return "[" + mdEscaper.Replace(text) + "](<" + url + ">)"
}
