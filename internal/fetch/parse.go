package fetch

import (
	"fmt"
	"html"
	"io"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"

	"catalert/internal/listing"
)

const (
	cardSelector = "div.gridResult"
	cellSelector = "div.gridText"
)

var nameIDPattern = regexp.MustCompile(`^(.*)\s\((.*)\)$`)

// Parser turns listing HTML into raw field sets.
//
// Card layout: the first a[href] is the detail link, the first img[src] the
// photo, and div.gridText cells are [1] "Name (ID)", [2] sex, [3] color,
// [4] breed, [5] age. Cells after [5] are kept as extra_<n>.
type Parser struct {
	base    *url.URL
	species string
	policy  *bluemonday.Policy
}

// NewParser resolves links against baseURL, or against pageURL's origin when
// baseURL is empty.
func NewParser(pageURL, baseURL, species string) (*Parser, error) {
	raw := strings.TrimSpace(baseURL)
	if raw == "" {
		u, err := url.Parse(pageURL)
		if err != nil {
			return nil, fmt.Errorf("parse page url: %w", err)
		}
		raw = u.Scheme + "://" + u.Host + "/"
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if species == "" {
		species = "cat"
	}
	return &Parser{base: base, species: strings.ToLower(species), policy: bluemonday.StrictPolicy()}, nil
}

func (p *Parser) Parse(r io.Reader) ([]map[string]string, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	cards := []map[string]string{}
	doc.Find(cardSelector).Each(func(_ int, card *goquery.Selection) {
		cards = append(cards, p.parseCard(card))
	})
	return cards, nil
}

func (p *Parser) parseCard(card *goquery.Selection) map[string]string {
	fields := map[string]string{listing.FieldSpecies: p.species}

	if href, ok := card.Find("a[href]").First().Attr("href"); ok {
		fields[listing.FieldURL] = p.resolve(href)
	}
	if src, ok := card.Find("img[src]").First().Attr("src"); ok {
		fields[listing.FieldImage] = p.resolve(src)
	}

	cells := card.Find(cellSelector)
	cells.Each(func(i int, cell *goquery.Selection) {
		text := p.text(cell)
		if text == "" {
			return
		}
		switch i {
		case 0:
		case 1:
			name, id := splitNameID(text)
			fields[listing.FieldName] = name
			if id != "" {
				fields[listing.FieldID] = id
			}
		case 2:
			fields[listing.FieldSex] = strings.ToLower(text)
		case 3:
			fields[listing.FieldColor] = strings.ToLower(text)
		case 4:
			fields[listing.FieldBreed] = strings.ToLower(text)
		case 5:
			fields[listing.FieldAge] = text
			if days := listing.ParseAge(text); days > 0 {
				fields[listing.FieldAgeDays] = strconv.Itoa(days)
			}
		default:
			fields["extra_"+strconv.Itoa(i)] = text
		}
	})
	return fields
}

// text strips markup (script and style contents included) and collapses
// whitespace.
func (p *Parser) text(cell *goquery.Selection) string {
	inner, err := cell.Html()
	if err != nil {
		inner = cell.Text()
	}
	clean := html.UnescapeString(p.policy.Sanitize(inner))
	return strings.Join(strings.Fields(clean), " ")
}

func (p *Parser) resolve(ref string) string {
	ref = strings.TrimSpace(ref)
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return p.base.ResolveReference(u).String()
}

// splitNameID parses "Whiskers (A12345)" into ("whiskers", "A12345").
// Text without a trailing parenthesized ID is all name.
func splitNameID(s string) (name, id string) {
	m := nameIDPattern.FindStringSubmatch(s)
	if m == nil {
		return strings.ToLower(s), ""
	}
	return strings.ToLower(strings.TrimSpace(m[1])), strings.ToUpper(strings.TrimSpace(m[2]))
}
