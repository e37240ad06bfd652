package telegram

import (
	"cmp"
	"html"
	"slices"
	"strings"
	"unicode/utf16"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// renderHTML rebuilds the HTML markup of a message from its plain text and
// entities. Entity offsets count UTF-16 code units. Entity types without an
// HTML form are rendered as plain text.
func renderHTML(text string, entities []tgbotapi.MessageEntity) string {
	units := utf16.Encode([]rune(text))
	sorted := slices.Clone(entities)
	slices.SortStableFunc(sorted, func(a, b tgbotapi.MessageEntity) int {
		if a.Offset != b.Offset {
			return cmp.Compare(a.Offset, b.Offset)
		}
		return cmp.Compare(b.Length, a.Length)
	})

	var b strings.Builder
	var open []tgbotapi.MessageEntity
	next := 0
	for i := 0; ; {
		for len(open) > 0 {
			top := open[len(open)-1]
			if top.Offset+top.Length > i {
				break
			}
			b.WriteString(closeTag(top))
			open = open[:len(open)-1]
		}
		for next < len(sorted) && sorted[next].Offset <= i {
			e := sorted[next]
			next++
			if e.Length <= 0 {
				continue
			}
			b.WriteString(openTag(e))
			open = append(open, e)
		}
		if i >= len(units) {
			break
		}

		n := 1
		if utf16.IsSurrogate(rune(units[i])) && i+1 < len(units) {
			n = 2
		}
		b.WriteString(html.EscapeString(string(utf16.Decode(units[i : i+n]))))
		i += n
	}
	for j := len(open) - 1; j >= 0; j-- {
		b.WriteString(closeTag(open[j]))
	}
	return b.String()
}

func openTag(e tgbotapi.MessageEntity) string {
	switch e.Type {
	case "bold":
		return "<b>"
	case "italic":
		return "<i>"
	case "underline":
		return "<u>"
	case "strikethrough":
		return "<s>"
	case "spoiler":
		return "<tg-spoiler>"
	case "code":
		return "<code>"
	case "pre":
		if e.Language != "" {
			return `<pre><code class="language-` + html.EscapeString(e.Language) + `">`
		}
		return "<pre>"
	case "blockquote":
		return "<blockquote>"
	case "text_link":
		return `<a href="` + html.EscapeString(e.URL) + `">`
	}
	return ""
}

func closeTag(e tgbotapi.MessageEntity) string {
	switch e.Type {
	case "bold":
		return "</b>"
	case "italic":
		return "</i>"
	case "underline":
		return "</u>"
	case "strikethrough":
		return "</s>"
	case "spoiler":
		return "</tg-spoiler>"
	case "code":
		return "</code>"
	case "pre":
		if e.Language != "" {
			return "</code></pre>"
		}
		return "</pre>"
	case "blockquote":
		return "</blockquote>"
	case "text_link":
		return "</a>"
	}
	return ""
}
