package scraper

import (
	"fmt"
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"train-notifier/pkg/train"
)

const wagonsLabel = "Вагоны:"

// DefaultAllowedTypes are the seat classes reported when none are configured.
var DefaultAllowedTypes = []string{"Плацкарт", "Купе"}

// Extract parses a details page and returns the allowed seat classes in
// document order. A page without a classes container yields an empty result.
func Extract(r io.Reader, allowed []string) (train.Result, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return extractDocument(doc, allowed), nil
}

func extractDocument(doc *goquery.Document, allowed []string) train.Result {
	allow := make(map[string]bool, len(allowed))
	for _, t := range allowed {
		allow[t] = true
	}

	classes := train.Result{}
	container := doc.Find("div.classes-container").First()
	if container.Length() == 0 {
		return classes
	}

	container.Find("div.car-class").Each(func(_ int, s *goquery.Selection) {
		carType := strings.TrimSpace(s.AttrOr("data-filter", ""))
		if !allow[carType] {
			return
		}

		wagons := ""
		if num := s.Find("span.car-class__car-num").First(); num.Length() > 0 {
			wagons = strings.TrimSpace(strings.ReplaceAll(strippedText(num), wagonsLabel, ""))
		}

		// Only the first fare line, e.g. "18 верхних".
		seats := ""
		if fare := s.Find("div.car-class__fare-item").First(); fare.Length() > 0 {
			if span := fare.Find("span").First(); span.Length() > 0 {
				seats = strippedText(span)
			}
		}

		classes = append(classes, train.SeatClass{
			Type:   carType,
			Wagons: wagons,
			Seats:  seats,
		})
	})

	return classes
}

// strippedText joins the trimmed text nodes under the selection, dropping
// whitespace-only nodes, so markup like "<b>5</b>, <b>6</b>" reads "5,6".
func strippedText(s *goquery.Selection) string {
	var b strings.Builder
	for _, n := range s.Nodes {
		collectText(n, &b)
	}
	return b.String()
}

func collectText(n *html.Node, b *strings.Builder) {
	if n.Type == html.TextNode {
		b.WriteString(strings.TrimSpace(n.Data))
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, b)
	}
}
