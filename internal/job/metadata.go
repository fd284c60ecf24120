package job

import (
	"strings"
	"unicode"

	"github.com/gravixrdp/yt-automation/internal/models"
)

// Upload metadata limits
const (
	maxTitleLen       = 100
	maxFallbackTitle  = 90
	maxDescriptionLen = 5000
	maxTags           = 15
	maxHashtags       = 15
	maxFallbackHash   = 12
	defaultTitle      = "Trending Short Video"
	defaultCategory   = "People & Blogs"
	defaultCategoryID = "22"
	fallbackOutro     = "Watch till the end and follow for more viral short videos."
)

// Metadata sources
const (
	MetadataFromRow      = "row"
	MetadataFromFallback = "fallback"
)

var defaultHashtags = []string{
	"shorts", "viral", "trending", "fyp", "youtubeShorts",
	"reels", "shortvideo", "mustwatch",
}

var categoryIDs = map[string]string{
	"Film & Animation":     "1",
	"Autos & Vehicles":     "2",
	"Music":                "10",
	"Pets & Animals":       "15",
	"Sports":               "17",
	"Travel & Events":      "19",
	"Gaming":               "20",
	"People & Blogs":       "22",
	"Comedy":               "23",
	"Entertainment":        "24",
	"News & Politics":      "25",
	"Howto & Style":        "26",
	"Education":            "27",
	"Science & Technology": "28",
}

// UploadMetadata is the title, description and tags sent with an upload
type UploadMetadata struct {
	Title       string
	Description string
	Tags        []string
	Hashtags    []string
	Category    string
	Source      string
}

// CategoryID maps a category name to the platform's numeric id, defaulting
// to People & Blogs.
func (m *UploadMetadata) CategoryID() string {
	if m.Category == "" {
		return defaultCategoryID
	}
	if id, ok := categoryIDs[m.Category]; ok {
		return id
	}
	if id, ok := categoryIDs[titleCase(m.Category)]; ok {
		return id
	}
	return defaultCategoryID
}

// ResolveMetadata uses the row's enriched fields when title, description and
// tags are all present, and builds metadata from the source title otherwise.
func ResolveMetadata(c *models.Candidate) *UploadMetadata {
	title := strings.TrimSpace(c.Title)
	desc := strings.TrimSpace(c.Description)
	tags := cleanList(c.Tags, "")
	if title != "" && desc != "" && len(tags) > 0 {
		category := strings.TrimSpace(c.Category)
		if category == "" {
			category = defaultCategory
		}
		return &UploadMetadata{
			Title:       truncateRunes(title, maxTitleLen),
			Description: truncateRunes(desc, maxDescriptionLen),
			Tags:        head(tags, maxTags),
			Hashtags:    head(cleanList(c.Hashtags, "#"), maxHashtags),
			Category:    category,
			Source:      MetadataFromRow,
		}
	}
	return fallbackMetadata(c)
}

func fallbackMetadata(c *models.Candidate) *UploadMetadata {
	title := strings.TrimSpace(c.SourceTitle)
	if title == "" {
		title = defaultTitle
	}
	title = strings.TrimRightFunc(truncateRunes(title, maxFallbackTitle), unicode.IsSpace)

	words := slugWords(title)
	for _, t := range c.Tags {
		words = append(words, slugWords(t)...)
	}
	words = dedupe(words)

	tags := head(append(append([]string{}, words...), "shorts", "viral", "trending"), maxTags)
	hashtags := dedupe(head(append(head(append([]string{}, words...), 8), defaultHashtags...), maxFallbackHash))

	return &UploadMetadata{
		Title:       truncateRunes(title, maxTitleLen),
		Description: truncateRunes(title+"\n\n"+fallbackOutro, maxDescriptionLen),
		Tags:        tags,
		Hashtags:    hashtags,
		Category:    defaultCategory,
		Source:      MetadataFromFallback,
	}
}

// slugWords lowercases text and keeps alphanumeric runs of 3+ characters
func slugWords(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)))
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) >= 3 {
			out = append(out, f)
		}
	}
	return out
}

func cleanList(items []string, trimPrefix string) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		it = strings.TrimSpace(it)
		if trimPrefix != "" {
			it = strings.TrimLeft(it, trimPrefix)
		}
		if it != "" {
			out = append(out, it)
		}
	}
	return out
}

func dedupe(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, it := range items {
		if _, ok := seen[it]; ok {
			continue
		}
		seen[it] = struct{}{}
		out = append(out, it)
	}
	return out
}

func head(items []string, n int) []string {
	if len(items) > n {
		return items[:n]
	}
	return items
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func titleCase(s string) string {
	words := strings.Fields(strings.ToLower(s))
	for i, w := range words {
		r := []rune(w)
		r[0] = unicode.ToUpper(r[0])
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}
