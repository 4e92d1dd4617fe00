// Package report renders a run's aggregate as the notification text and
// fingerprints it for change detection.
package report

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"train-notifier/pkg/train"
)

const noSeats = "🚫"

// DefaultIcons marks seat classes in the message. Only compartments get an icon.
var DefaultIcons = map[string]string{
	"Купе": "🛏 ",
}

// Format renders the aggregate. The output is byte-for-byte stable for equal
// aggregates, which the fingerprint relies on.
func Format(agg *train.Aggregate, icons map[string]string) string {
	var lines []string
	for _, day := range agg.Days() {
		lines = append(lines, "\n📅 "+day.Date)
		if len(day.Trains) == 0 {
			lines = append(lines, noSeats)
			continue
		}
		for _, tr := range day.Trains {
			lines = append(lines, " ┌ 🚄 "+tr.Number+":")
			if len(tr.Classes) == 0 {
				lines = append(lines, noSeats)
			}
			for _, c := range tr.Classes {
				lines = append(lines, " ├─"+icons[c.Type]+c.Type+" | "+c.Wagons+" | "+c.Seats)
			}
		}
	}
	return strings.Join(lines, "\n")
}

// Fingerprint returns the lowercase hex SHA-256 of the message text.
func Fingerprint(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
