package parser

import (
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/aluiziolira/go-book-ingest/models"
)

// ErrNotItemPage is returned when a document carries none of the sections of
// a book detail page (redirects, error pages, sign-in walls).
var ErrNotItemPage = errors.New("parser: not a book detail page")

var (
	leadingDigits = regexp.MustCompile(`^(\d+)`)
	anyDigits     = regexp.MustCompile(`\d+`)
)

// Extract builds a Book from the HTML of the page at pageURL. Each field is
// resolved independently; a missing or malformed section leaves that field
// nil. ErrNotItemPage is returned only when no section resolves at all.
func Extract(pageURL string, body io.Reader, sel Selectors) (*models.Book, error) {
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return ExtractDocument(pageURL, doc, sel)
}

// ExtractDocument is Extract for an already parsed document.
func ExtractDocument(pageURL string, doc *goquery.Document, sel Selectors) (*models.Book, error) {
	sel = sel.WithDefaults()
	book := &models.Book{
		ID:        BookID(pageURL),
		URL:       pageURL,
		ScrapedAt: time.Now().UTC(),
	}

	if title, ok := TextField(doc, sel.Title); ok {
		book.Title = &title
	}
	if author, ok := TextField(doc, sel.Author); ok {
		book.Author = &author
	}
	if desc, ok := TextField(doc, sel.Description); ok {
		book.Description = &desc
	}
	if text, ok := TextField(doc, sel.Rating); ok {
		if rating, err := ParseRating(text); err == nil {
			book.Rating = &rating
		}
	}
	if text, ok := TextField(doc, sel.RatingCount); ok {
		if n, err := ParseCount(text); err == nil {
			book.RatingCount = &n
		}
	}
	if text, ok := TextField(doc, sel.ReviewCount); ok {
		if n, err := ParseCount(text); err == nil {
			book.ReviewCount = &n
		}
	}

	if book.Title == nil && book.Author == nil && book.Description == nil &&
		book.Rating == nil && book.RatingCount == nil && book.ReviewCount == nil {
		return nil, ErrNotItemPage
	}
	return book, nil
}

// TextField returns the trimmed text of the first node matching selector.
// The second return value is false when nothing matches or the text is blank.
func TextField(doc *goquery.Document, selector string) (string, bool) {
	if doc == nil || selector == "" {
		return "", false
	}
	match := doc.Find(selector).First()
	if match.Length() == 0 {
		return "", false
	}
	text := strings.TrimSpace(match.Text())
	if text == "" {
		return "", false
	}
	return text, true
}

// ParseCount parses the leading number of a human formatted count such as
// "12,345 reviews" into a non-negative integer. Non-breaking spaces count as
// separators between the number and its label.
func ParseCount(text string) (int64, error) {
	normalized := strings.NewReplacer("\u00a0", " ", "\u202f", " ").Replace(text)
	fields := strings.Fields(normalized)
	if len(fields) == 0 {
		return 0, fmt.Errorf("parse count %q: empty", text)
	}
	token := strings.NewReplacer(",", "", ".", "").Replace(fields[0])
	n, err := strconv.ParseInt(token, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse count %q: %w", text, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("parse count %q: negative", text)
	}
	return n, nil
}

// ParseRating parses an average rating and rejects values outside [0, 5].
func ParseRating(text string) (float64, error) {
	value, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
	if err != nil {
		return 0, fmt.Errorf("parse rating %q: %w", text, err)
	}
	if math.IsNaN(value) || value < 0 || value > 5 {
		return 0, fmt.Errorf("parse rating %q: out of range", text)
	}
	return value, nil
}

// BookID derives a stable positive identifier from a book URL. It uses the
// leading digits of the last path segment, then the first non-zero digit run
// anywhere in the path, and finally a hash of the whole URL.
func BookID(rawURL string) int64 {
	p := rawURL
	if parsed, err := url.Parse(rawURL); err == nil {
		p = parsed.Path
	}

	if m := leadingDigits.FindString(path.Base(p)); m != "" {
		if id, err := strconv.ParseInt(m, 10, 64); err == nil && id > 0 {
			return id
		}
	}
	for _, m := range anyDigits.FindAllString(p, -1) {
		if id, err := strconv.ParseInt(m, 10, 64); err == nil && id > 0 {
			return id
		}
	}

	h := fnv.New64a()
	_, _ = h.Write([]byte(rawURL))
	return int64(h.Sum64() & math.MaxInt64)
}

// ValidateBook ensures a record is fit to be persisted.
func ValidateBook(b *models.Book) error {
	if b == nil {
		return fmt.Errorf("book is nil")
	}
	if strings.TrimSpace(b.URL) == "" {
		return fmt.Errorf("book missing url")
	}
	if b.ID <= 0 {
		return fmt.Errorf("book missing id for %s", b.URL)
	}
	return nil
}
