package registry

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// FOFilters is the structured result of parsing a derivatives query like
// "NIFTY 24500 CE 28NOV" or "BANKNIFTY FUT" (spec §4.3: "an F&O query
// parser extracting underlying/expiry/strike/option-type").
type FOFilters struct {
	Underlying string
	Strike     float64
	OptionType string // CE | PE | FUT
	Expiry     *time.Time
}

var (
	strikeRe = regexp.MustCompile(`\b\d{2,6}(\.\d+)?\b`)
	dateRe   = regexp.MustCompile(`\b(\d{1,2})([A-Za-z]{3})(\d{2,4})?\b`)
	months   = map[string]time.Month{
		"JAN": time.January, "FEB": time.February, "MAR": time.March,
		"APR": time.April, "MAY": time.May, "JUN": time.June,
		"JUL": time.July, "AUG": time.August, "SEP": time.September,
		"OCT": time.October, "NOV": time.November, "DEC": time.December,
	}
)

// ParseFOQuery extracts a derivative's underlying/strike/option-type/expiry
// from a free-text query. It never errors: the words it does not recognize
// as a strike, option type or expiry become Underlying, so an input with no
// recognizable structure leaves Strike, OptionType and Expiry zero and the
// caller falls back to a plain substring search.
func ParseFOQuery(query string) FOFilters {
	var f FOFilters
	tokens := strings.Fields(strings.ToUpper(query))
	var kept []string

	for _, tok := range tokens {
		switch tok {
		case "CE", "PE", "FUT":
			f.OptionType = tok
			continue
		}
		if m := dateRe.FindStringSubmatch(tok); m != nil {
			if mon, ok := months[m[2]]; ok {
				day, _ := strconv.Atoi(m[1])
				year := time.Now().Year()
				if m[3] != "" {
					if y, err := strconv.Atoi(m[3]); err == nil {
						if y < 100 {
							y += 2000
						}
						year = y
					}
				}
				t := time.Date(year, mon, day, 0, 0, 0, 0, time.UTC)
				f.Expiry = &t
				continue
			}
		}
		if strikeRe.MatchString(tok) && f.Strike == 0 {
			if v, err := strconv.ParseFloat(tok, 64); err == nil {
				f.Strike = v
				continue
			}
		}
		kept = append(kept, tok)
	}

	f.Underlying = strings.Join(kept, " ")
	return f
}
