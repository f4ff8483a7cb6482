package model

import (
	"fmt"
	"net/url"
	"strings"
	"unicode"
	"unicode/utf8"
)

const ellipsis = "..."

// abbreviations never end a sentence.
var abbreviations = map[string]bool{
	"Dr": true, "Mr": true, "Mrs": true, "Ms": true, "Sr": true, "Jr": true, "St": true,
	"U.S": true, "U.S.A": true,
}

// NiceTitle returns "{title} {otd}". When maxLength is positive and the text
// is longer, it is shortened on word boundaries with a trailing "...", then
// cut back to the last complete sentence, skipping sentence breaks that
// follow an abbreviation ("Dr.", "U.S.", "Eugene V. Debs").
func (e Event) NiceTitle(maxLength int) string {
	full := e.Title + " " + e.OTD
	if maxLength <= 0 {
		return full
	}
	short := shorten(full, maxLength)
	if !strings.HasSuffix(short, ellipsis) {
		return short
	}
	rest := short
	for {
		i := strings.LastIndex(rest, ". ")
		if i < 0 {
			return short
		}
		candidate := rest[:i]
		if !endsWithAbbreviation(candidate) {
			return candidate + "."
		}
		rest = candidate
	}
}

func endsWithAbbreviation(s string) bool {
	word := s
	if i := strings.LastIndexFunc(s, unicode.IsSpace); i >= 0 {
		word = s[i+1:]
	}
	if abbreviations[word] {
		return true
	}
	r, size := utf8.DecodeRuneInString(word)
	return size == len(word) && unicode.IsUpper(r)
}

// shorten collapses whitespace and, if the result is wider than width runes,
// keeps as many whole words as fit together with a trailing ellipsis.
func shorten(text string, width int) string {
	words := strings.Fields(text)
	joined := strings.Join(words, " ")
	if utf8.RuneCountInString(joined) <= width {
		return joined
	}
	budget := width - utf8.RuneCountInString(ellipsis)
	var b strings.Builder
	n := 0
	for _, w := range words {
		wl := utf8.RuneCountInString(w)
		sep := 0
		if n > 0 {
			sep = 1
		}
		if n+sep+wl > budget {
			break
		}
		if sep == 1 {
			b.WriteByte(' ')
		}
		b.WriteString(w)
		n += sep + wl
	}
	if budget < 0 {
		return ""
	}
	return b.String() + ellipsis
}

var descriptionReplacer = strings.NewReplacer(
	"*", "✱", // heavy asterisk
	"_", "＿", // full-width low line
	"`", "'",
)

// NiceDescription returns the description with markdown emphasis characters
// neutralized. A trailing quotation followed by a "- author" paragraph is
// rendered as a blockquote.
func (e Event) NiceDescription() string {
	if e.Description == "" {
		return ""
	}
	desc := descriptionReplacer.Replace(e.Description)

	parts := strings.Split(desc, "\n\n")
	n := len(parts)
	if n < 2 {
		return desc
	}
	quote, author := parts[n-2], parts[n-1]
	if !strings.HasPrefix(author, "- ") || len(quote) < 2 ||
		!strings.HasPrefix(quote, `"`) || !strings.HasSuffix(quote, `"`) {
		return desc
	}
	parts[n-2] = "> *" + quote + "*"
	body := strings.Join(parts[:n-1], "\n\n")
	return body + "\n> \n> `" + author + "`"
}

// Content renders the markdown body of a post.
func (e Event) Content() string {
	var b strings.Builder
	fmt.Fprintf(&b, "## %s\n\n", e.Title)

	if !e.Date.IsZero() {
		fmt.Fprintf(&b, "### %s\n", e.Date.Format("Mon Jan 02, 2006"))
	}

	if img := e.ImageURL(); img != "" {
		if e.NSFW {
			b.WriteString("::: spoiler Image (NSFW):\n")
		}
		fmt.Fprintf(&b, "![Image](%s)\n", img)
		if e.NSFW {
			b.WriteString(":::\n")
		}
		if e.ImgAltText != nil {
			fmt.Fprintf(&b, "\nImage: *%s*\n", *e.ImgAltText)
		}
		b.WriteString("\n---\n")
	}

	b.WriteString(e.NiceDescription())
	b.WriteString("\n\n---\n")

	if !e.Date.IsZero() {
		fmt.Fprintf(&b, "- Date: %s\n", e.Date.Format(DateLayout))
	}

	if len(e.Links) > 0 {
		items := make([]string, 0, len(e.Links))
		for _, link := range e.Links {
			items = append(items, fmt.Sprintf("[%s](%s)", host(link), link))
		}
		fmt.Fprintf(&b, "- Learn More: %s.\n", strings.Join(items, ", "))
	}

	if len(e.Tags) > 0 {
		items := make([]string, 0, len(e.Tags))
		for _, tag := range e.Tags {
			t := strings.ReplaceAll(tag, " ", "")
			items = append(items, fmt.Sprintf(
				"[#%s](/search?q=%%23%s&type=Posts&listingType=All&page=1&sort=New)", t, t))
		}
		fmt.Fprintf(&b, "- Tags: %s.\n", strings.Join(items, ", "))
	}

	src := e.EventURL()
	fmt.Fprintf(&b, "- Source: [%s](%s)", host(src), src)
	return b.String()
}

func host(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}
