// Package extract turns catalog HTML into records and input rows.
//
// Missing optional structure never fails: a detail page without engine
// blocks yields whatever general information is present, and table rows
// without both cells are skipped. Only a missing title is an error, since
// the title anchors the record's identity.
package extract

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/WessleyAI/wessley-specharvest/engine/catalog"
)

// ErrMissingTitle is returned when a page has no title element.
var ErrMissingTitle = errors.New("page has no title")

// titleSuffixes are boilerplate tails the catalog appends to page titles.
var titleSuffixes = []string{
	" Models/Series Timeline, Specifications & Photos",
	" Specs & Photos",
	" Specifications",
}

var (
	slashRun      = regexp.MustCompile(`\s*/\s*`)
	engineWithHP  = regexp.MustCompile(`^(.*?)\s*\((\d+)\s*HP\)$`)
	spaceRun      = regexp.MustCompile(`\s+`)
	enginesSuffix = regexp.MustCompile(`\s*ENGINES$`)
)

// Extractor holds the catalog origin used to shorten links.
type Extractor struct {
	origin string
	log    *slog.Logger
}

// New creates an Extractor. origin is scheme://host of the catalog.
func New(origin string, log *slog.Logger) *Extractor {
	if log == nil {
		log = slog.Default()
	}
	return &Extractor{origin: strings.TrimRight(origin, "/"), log: log}
}

// Parse builds a queryable document from raw HTML.
func Parse(body []byte) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("extract: parse html: %w", err)
	}
	return doc, nil
}

// Detail builds the record for row from its engine detail page.
func (e *Extractor) Detail(doc *goquery.Document, row catalog.InputRow) (catalog.Record, error) {
	title := doc.Find("h1.newstitle").First()
	if title.Length() == 0 {
		return catalog.Record{}, fmt.Errorf("extract %s: %w", row.SourceLink, ErrMissingTitle)
	}
	model := ModelName(text(title), row.Manufacturer)
	if row.ModelName != "" && (model == "" || strings.HasPrefix(model, row.ModelName+" ")) {
		// Detail titles carry the engine after the model name.
		model = row.ModelName
	}

	engine, hp := ParseEngine(row.EngineName, row.Manufacturer, row.ModelName)
	if hp == nil {
		hp = catalog.ParseHorsepower(row.Horsepower)
	}
	if hp == nil {
		e.log.Info("horsepower not found", "manufacturer", row.Manufacturer, "model", model, "engine", row.EngineName)
	}

	specs := EngineBlocks(doc)
	if len(specs) == 0 {
		specs = GeneralInfo(doc)
		e.log.Info("no engine blocks, using general information",
			"manufacturer", row.Manufacturer, "model", model, "engine", engine, "sections", len(specs))
	}

	return catalog.Record{
		Manufacturer: row.Manufacturer,
		ModelName:    model,
		EngineName:   engine,
		FuelType:     NormalizeFuelType(row.FuelType),
		Horsepower:   hp,
		ImageURL:     row.ImageURL,
		SourceLink:   e.NormalizeLink(row.SourceLink),
		Specs:        specs,
	}, nil
}

// EngineBlocks reads every div.engine-block. Each techdata table becomes
// one section named by its header cell, tagged with the block's h3.
func EngineBlocks(doc *goquery.Document) []catalog.Section {
	specs := []catalog.Section{}
	doc.Find("div.engine-block").Each(func(_ int, block *goquery.Selection) {
		variant := text(block.Find("h3").First())
		block.Find("table.techdata").Each(func(_ int, table *goquery.Selection) {
			header := table.Find("th.title").First()
			if header.Length() == 0 {
				return
			}
			sec := catalog.Section{
				Name:    SectionName(text(header)),
				Variant: variant,
				Values:  map[string]string{},
			}
			table.Find("tr").Each(func(_ int, tr *goquery.Selection) {
				left, right := tr.Find("td.left").First(), tr.Find("td.right").First()
				if left.Length() == 0 || right.Length() == 0 {
					return
				}
				sec.Values[AttributeName(text(left))] = text(right)
			})
			specs = append(specs, sec)
		})
	})
	return specs
}

// GeneralInfo is the fallback for pages without engine blocks: the free
// text description plus any div.sbox10 list boxes.
func GeneralInfo(doc *goquery.Document) []catalog.Section {
	specs := []catalog.Section{}
	if desc := doc.Find("div.newstext").First(); desc.Length() > 0 {
		specs = append(specs, catalog.Section{
			Name:   "general",
			Values: map[string]string{"description": strings.TrimSpace(desc.Text())},
		})
	}
	doc.Find("div.sbox10").Each(func(_ int, box *goquery.Selection) {
		title := box.Find("div.tt").First()
		if title.Length() == 0 {
			return
		}
		sec := catalog.Section{Name: strings.ToLower(text(title)), Values: map[string]string{}}
		box.Find("li[id]").Each(func(_ int, li *goquery.Selection) {
			id, _ := li.Attr("id")
			sec.Values[id] = text(li)
		})
		specs = append(specs, sec)
	})
	return specs
}

// EngineRows reads a model page into one input row per listed engine.
func (e *Extractor) EngineRows(doc *goquery.Document, brand string) ([]catalog.InputRow, error) {
	title := doc.Find("h1.newstitle").First()
	if title.Length() == 0 {
		return nil, ErrMissingTitle
	}
	model := ModelName(text(title), brand)
	image, _ := doc.Find("a.mpic img").First().Attr("src")

	var rows []catalog.InputRow
	doc.Find("div.mot").Each(func(_ int, sec *goquery.Selection) {
		fuel := NormalizeFuelType(strings.ReplaceAll(text(sec.Find("strong").First()), ":", ""))
		sec.Find("a.engurl").Each(func(_ int, a *goquery.Selection) {
			raw := text(a)
			name, hp := ParseEngine(raw, brand, model)
			hint := ""
			if hp != nil {
				hint = fmt.Sprintf("%d HP", *hp)
			} else {
				e.log.Info("unmatched engine info", "manufacturer", brand, "model", model, "engine", raw)
			}
			href, _ := a.Attr("href")
			rows = append(rows, catalog.InputRow{
				Manufacturer: brand,
				ModelName:    model,
				FuelType:     fuel,
				EngineName:   name,
				Horsepower:   hint,
				ImageURL:     image,
				SourceLink:   e.NormalizeLink(href),
			})
		})
	})
	return rows, nil
}

// ModelName strips the manufacturer prefix and boilerplate tail from a
// page title.
func ModelName(title, brand string) string {
	name := strings.TrimSpace(title)
	if brand != "" {
		prefix := regexp.MustCompile(`^(?i:` + regexp.QuoteMeta(brand) + `)\s+`)
		name = prefix.ReplaceAllString(name, "")
	}
	for _, s := range titleSuffixes {
		if strings.HasSuffix(name, s) {
			name = strings.TrimSuffix(name, s)
			break
		}
	}
	return strings.TrimSpace(name)
}

// ParseEngine normalizes an engine listing such as
// "Acme X1 2.0 / Turbo (200 HP)" into ("2.0 Turbo", 200). When the text
// carries no "(N HP)" tail the whole string is the name and hp is nil.
func ParseEngine(raw, brand, model string) (name string, hp *int) {
	s := slashRun.ReplaceAllString(strings.TrimSpace(raw), " ")
	if brand != "" && model != "" {
		prefix := regexp.MustCompile(`^` + regexp.QuoteMeta(brand) + `\s+` + regexp.QuoteMeta(model) + `\s+`)
		s = prefix.ReplaceAllString(s, "")
	}
	m := engineWithHP.FindStringSubmatch(s)
	if m == nil {
		return s, nil
	}
	return strings.TrimSpace(m[1]), catalog.ParseHorsepower(m[2])
}

// NormalizeFuelType upper-cases a fuel section header and drops a
// trailing "ENGINES".
func NormalizeFuelType(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	return strings.TrimSpace(enginesSuffix.ReplaceAllString(s, ""))
}

// SectionName lower-cases a table header and drops a trailing "specs".
func SectionName(s string) string {
	s = strings.ToLower(s)
	return strings.TrimSpace(strings.TrimSuffix(s, "specs"))
}

// AttributeName lower-cases a row label and removes colons.
func AttributeName(s string) string {
	return strings.ToLower(strings.TrimSpace(strings.ReplaceAll(s, ":", "")))
}

// NormalizeLink rewrites a link on the catalog's own origin to a
// root-relative path. Other links pass through unchanged.
func (e *Extractor) NormalizeLink(link string) string {
	link = strings.TrimSpace(link)
	if e.origin == "" || !strings.HasPrefix(link, e.origin) {
		return link
	}
	rest := strings.TrimPrefix(link, e.origin)
	switch {
	case rest == "":
		return "/"
	case rest[0] == '/':
		return rest
	default:
		// Same prefix, different host (e.g. origin.evil.com).
		return link
	}
}

// text returns the selection's text with whitespace runs collapsed.
func text(s *goquery.Selection) string {
	return strings.TrimSpace(spaceRun.ReplaceAllString(s.Text(), " "))
}
