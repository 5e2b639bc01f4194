// Package parse turns fetched people pages and search result pages into structured fields.
//
// JSON documents follow the normalized search payload (data.elements[].elements[]). HTML documents are
// read with goquery using the selectors in Selectors.
package parse

import (
	"bytes"
	"encoding/json"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/cockroachdb/errors"

	"github.com/JakeFAU/roster-harvester/internal/harvest"
)

// ErrUnparseable marks documents whose body could not be decoded.
var ErrUnparseable = errors.New("unparseable document")

var companyURLPattern = regexp.MustCompile(`https?://(?:[a-z]{2,3}\.)?(?:www\.)?linkedin\.com/company/([A-Za-z0-9\-_%]+)`)

// Selectors locate person cards on an HTML people page.
type Selectors struct {
	Card     string
	Name     string
	Link     string
	Title    string
	Location string
	Next     string
}

// DefaultSelectors match the server-rendered people search layout.
var DefaultSelectors = Selectors{
	Card:     "li.reusable-search__result-container, .entity-result, [data-person-card]",
	Name:     ".entity-result__title-text a span[aria-hidden=true], [data-person-name]",
	Link:     ".entity-result__title-text a, a[data-person-link]",
	Title:    ".entity-result__primary-subtitle, [data-person-title]",
	Location: ".entity-result__secondary-subtitle, [data-person-location]",
	Next:     "a[rel=next], button.artdeco-pagination__button--next[data-cursor]",
}

// Parser implements harvest.Parser.
type Parser struct {
	selectors   Selectors
	cursorParam string
}

// New builds a Parser. Empty selector fields take the defaults.
func New(selectors Selectors, cursorParam string) *Parser {
	if selectors.Card == "" {
		selectors.Card = DefaultSelectors.Card
	}
	if selectors.Name == "" {
		selectors.Name = DefaultSelectors.Name
	}
	if selectors.Link == "" {
		selectors.Link = DefaultSelectors.Link
	}
	if selectors.Title == "" {
		selectors.Title = DefaultSelectors.Title
	}
	if selectors.Location == "" {
		selectors.Location = DefaultSelectors.Location
	}
	if selectors.Next == "" {
		selectors.Next = DefaultSelectors.Next
	}
	if cursorParam == "" {
		cursorParam = "start"
	}
	return &Parser{selectors: selectors, cursorParam: cursorParam}
}

// Parse dispatches on kind and body format.
func (p *Parser) Parse(doc harvest.RawDocument, kind harvest.PageKind) (harvest.ParsedPage, error) {
	isJSON := looksLikeJSON(doc)
	switch kind {
	case harvest.PagePeople:
		if isJSON {
			return parsePeopleJSON(doc.Body)
		}
		return p.parsePeopleHTML(doc)
	case harvest.PageSearch:
		if isJSON {
			return parseSearchJSON(doc.Body)
		}
		return parseSearchHTML(doc.Body)
	default:
		return harvest.ParsedPage{}, errors.Newf("unknown page kind %q", kind)
	}
}

func looksLikeJSON(doc harvest.RawDocument) bool {
	if strings.Contains(strings.ToLower(doc.ContentType), "json") {
		return true
	}
	trimmed := bytes.TrimSpace(doc.Body)
	return len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[')
}

type textField struct {
	Text string `json:"text"`
}

type searchItem struct {
	Title         textField `json:"title"`
	Headline      textField `json:"headline"`
	Subline       textField `json:"subline"`
	NavigationURL string    `json:"navigationUrl"`
	TargetURN     string    `json:"targetUrn"`
	Entity        string    `json:"entity"`
}

type searchPayload struct {
	Data struct {
		Elements []struct {
			Elements []searchItem `json:"elements"`
		} `json:"elements"`
		Paging *struct {
			Start int `json:"start"`
			Count int `json:"count"`
			Total int `json:"total"`
		} `json:"paging"`
	} `json:"data"`
}

func decodeSearch(body []byte) (searchPayload, []searchItem, error) {
	var payload searchPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return payload, nil, errors.Mark(errors.Wrap(err, "decode search payload"), ErrUnparseable)
	}
	var items []searchItem
	for _, group := range payload.Data.Elements {
		items = append(items, group.Elements...)
	}
	return payload, items, nil
}

func parsePeopleJSON(body []byte) (harvest.ParsedPage, error) {
	payload, items, err := decodeSearch(body)
	if err != nil {
		return harvest.ParsedPage{}, err
	}
	page := harvest.ParsedPage{People: make([]harvest.PersonFields, 0, len(items))}
	for _, item := range items {
		page.People = append(page.People, harvest.PersonFields{
			Name:        item.Title.Text,
			Title:       item.Headline.Text,
			Location:    item.Subline.Text,
			ExternalURL: stripQuery(item.NavigationURL),
		})
	}
	if paging := payload.Data.Paging; paging != nil && paging.Total > 0 {
		more := paging.Start+len(items) < paging.Total
		page.HasMore = &more
	}
	return page, nil
}

func parseSearchJSON(body []byte) (harvest.ParsedPage, error) {
	_, items, err := decodeSearch(body)
	if err != nil {
		return harvest.ParsedPage{}, err
	}
	var page harvest.ParsedPage
	seen := map[string]bool{}
	for _, item := range items {
		entity := item.Entity
		if entity == "" {
			entity = item.TargetURN
		}
		var link string
		switch {
		case companyURLPattern.MatchString(item.NavigationURL):
			link = CompanyURL(companyURLPattern.FindStringSubmatch(item.NavigationURL)[1])
		case strings.HasPrefix(entity, "urn:li:company:"):
			link = CompanyURL(strings.TrimPrefix(entity, "urn:li:company:"))
		default:
			continue
		}
		if seen[link] {
			continue
		}
		seen[link] = true
		page.Candidates = append(page.Candidates, harvest.Candidate{
			DisplayName: strings.TrimSpace(item.Title.Text),
			URL:         link,
			Metadata:    compactMetadata(map[string]string{"headline": item.Headline.Text, "location": item.Subline.Text}),
		})
	}
	return page, nil
}

func (p *Parser) parsePeopleHTML(doc harvest.RawDocument) (harvest.ParsedPage, error) {
	root, err := goquery.NewDocumentFromReader(bytes.NewReader(doc.Body))
	if err != nil {
		return harvest.ParsedPage{}, errors.Mark(errors.Wrap(err, "read people html"), ErrUnparseable)
	}
	var page harvest.ParsedPage
	root.Find(p.selectors.Card).Each(func(_ int, card *goquery.Selection) {
		person := harvest.PersonFields{
			Name:     text(card.Find(p.selectors.Name).First()),
			Title:    text(card.Find(p.selectors.Title).First()),
			Location: text(card.Find(p.selectors.Location).First()),
		}
		if href, ok := card.Find(p.selectors.Link).First().Attr("href"); ok {
			person.ExternalURL = stripQuery(resolveRef(doc.URL, href))
		}
		if person.Name == "" {
			person.Name = text(card.Find(p.selectors.Link).First())
		}
		page.People = append(page.People, person)
	})

	next := root.Find(p.selectors.Next).First()
	if cursor, ok := next.Attr("data-cursor"); ok {
		page.NextCursor = cursor
	} else if href, ok := next.Attr("href"); ok {
		page.NextCursor = p.cursorFromHref(doc.URL, href)
	}
	if next.Length() == 0 && len(page.People) > 0 {
		more := false
		page.HasMore = &more
	}
	return page, nil
}

func (p *Parser) cursorFromHref(base, href string) string {
	u, err := url.Parse(resolveRef(base, href))
	if err != nil {
		return ""
	}
	cursor := u.Query().Get(p.cursorParam)
	if _, err := strconv.Atoi(cursor); err != nil {
		return ""
	}
	return cursor
}

func parseSearchHTML(body []byte) (harvest.ParsedPage, error) {
	root, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return harvest.ParsedPage{}, errors.Mark(errors.Wrap(err, "read search html"), ErrUnparseable)
	}
	var page harvest.ParsedPage
	seen := map[string]bool{}
	root.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		href = unwrapRedirect(href)
		m := companyURLPattern.FindStringSubmatch(href)
		if m == nil {
			return
		}
		link := CompanyURL(m[1])
		if seen[link] {
			return
		}
		seen[link] = true
		name := text(a.Find("h3").First())
		if name == "" {
			name = text(a)
		}
		page.Candidates = append(page.Candidates, harvest.Candidate{
			DisplayName: cleanDisplayName(name, m[1]),
			URL:         link,
		})
	})
	return page, nil
}

// CompanyURL renders the canonical company page URL for slug.
func CompanyURL(slug string) string {
	return "https://www.linkedin.com/company/" + slug + "/"
}

// CompanySlug extracts the company identifier from a company page URL.
func CompanySlug(rawURL string) (string, bool) {
	m := companyURLPattern.FindStringSubmatch(rawURL)
	if m == nil {
		return "", false
	}
	return m[1], true
}

func cleanDisplayName(name, slug string) string {
	name = strings.TrimSpace(name)
	for _, sep := range []string{" | LinkedIn", " - LinkedIn", " | "} {
		if i := strings.Index(name, sep); i > 0 {
			name = strings.TrimSpace(name[:i])
		}
	}
	if name == "" || strings.HasPrefix(strings.ToLower(name), "http") {
		return strings.ReplaceAll(slug, "-", " ")
	}
	return name
}

// unwrapRedirect extracts the target of a search engine redirect link (/url?q=...).
func unwrapRedirect(href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if u.Path == "/url" {
		if q := u.Query().Get("q"); q != "" {
			return q
		}
	}
	return href
}

func resolveRef(base, href string) string {
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	b, err := url.Parse(base)
	if err != nil || base == "" {
		return href
	}
	return b.ResolveReference(ref).String()
}

func stripQuery(raw string) string {
	if i := strings.IndexAny(raw, "?#"); i >= 0 {
		return raw[:i]
	}
	return raw
}

func text(s *goquery.Selection) string {
	return strings.Join(strings.Fields(s.Text()), " ")
}

func compactMetadata(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
