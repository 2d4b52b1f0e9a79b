package bmrs

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/auction/internal/models"
)

// Provider rows excluded from the market index; its prices are always zero
const excludedProvider = "N2EXMIDP"

// Only this imbalance price time series is kept
const imbalanceSeriesID = "ELX-EMFIP-IMBP-TS-1"

// Number of lines preceding the column header in a B1770 report
const imbalancePreambleLines = 4

// MarketIndexRecord is one half-hourly row of the MID report
type MarketIndexRecord struct {
	Provider string
	Date     time.Time
	Period   int
	Price    decimal.Decimal
	Volume   decimal.Decimal
}

// ImbalanceRecord is one half-hourly row of the B1770 report
type ImbalanceRecord struct {
	Date   time.Time
	Period int
	Price  decimal.Decimal
}

// ParseMarketIndex parses a MID CSV report:
//
//	HDR,MARKET INDEX DATA
//	MID,APXMIDP,20210219,1,50.43,1000.5
//	...
//	FTR,<record count>
func ParseMarketIndex(r io.Reader) ([]MarketIndexRecord, error) {
	lines, err := readCSV(r)
	if err != nil {
		return nil, err
	}
	if len(lines) < 2 {
		return nil, fmt.Errorf("%w: report too short", ErrUnexpectedFormat)
	}

	header := lines[0]
	if len(header) < 2 || header[0] != "HDR" || header[1] != "MARKET INDEX DATA" {
		return nil, fmt.Errorf("%w: header %q", ErrUnexpectedFormat, strings.Join(header, ","))
	}

	footer := lines[len(lines)-1]
	if len(footer) < 2 || footer[0] != "FTR" {
		return nil, fmt.Errorf("%w: footer %q", ErrUnexpectedFormat, strings.Join(footer, ","))
	}
	expected, err := strconv.Atoi(strings.TrimSpace(footer[1]))
	if err != nil {
		return nil, fmt.Errorf("%w: footer count %q", ErrUnexpectedFormat, footer[1])
	}

	data := lines[1 : len(lines)-1]
	if len(data) != expected {
		return nil, fmt.Errorf("%w: footer announces %d records, got %d", ErrUnexpectedFormat, expected, len(data))
	}

	records := make([]MarketIndexRecord, 0, len(data))
	for i, fields := range data {
		if len(fields) < 6 {
			return nil, fmt.Errorf("%w: record %d has %d fields", ErrUnexpectedFormat, i+1, len(fields))
		}
		if fields[1] == excludedProvider {
			continue
		}
		rec := MarketIndexRecord{Provider: fields[1]}
		if rec.Date, err = parseSettlementDate(fields[2]); err != nil {
			return nil, fmt.Errorf("record %d: %w", i+1, err)
		}
		if rec.Period, err = parsePeriod(fields[3]); err != nil {
			return nil, fmt.Errorf("record %d: %w", i+1, err)
		}
		if rec.Price, err = decimal.NewFromString(strings.TrimSpace(fields[4])); err != nil {
			return nil, fmt.Errorf("%w: record %d price %q", ErrUnexpectedFormat, i+1, fields[4])
		}
		if rec.Volume, err = decimal.NewFromString(strings.TrimSpace(fields[5])); err != nil {
			return nil, fmt.Errorf("%w: record %d volume %q", ErrUnexpectedFormat, i+1, fields[5])
		}
		records = append(records, rec)
	}
	return records, nil
}

// ParseImbalancePrices parses a B1770 CSV report. The column header is the
// fifth line; the last line is a footer.
func ParseImbalancePrices(r io.Reader) ([]ImbalanceRecord, error) {
	lines, err := readCSV(r)
	if err != nil {
		return nil, err
	}
	if len(lines) < imbalancePreambleLines+2 {
		return nil, fmt.Errorf("%w: report too short", ErrUnexpectedFormat)
	}

	columns := make(map[string]int)
	for i, name := range lines[imbalancePreambleLines] {
		columns[strings.TrimSpace(name)] = i
	}
	idx := make(map[string]int)
	for _, name := range []string{"TimeSeriesID", "SettlementDate", "SettlementPeriod", "ImbalancePriceAmount"} {
		i, ok := columns[name]
		if !ok {
			return nil, fmt.Errorf("%w: missing column %s", ErrUnexpectedFormat, name)
		}
		idx[name] = i
	}

	var records []ImbalanceRecord
	for n, fields := range lines[imbalancePreambleLines+1 : len(lines)-1] {
		get := func(name string) string {
			if i := idx[name]; i < len(fields) {
				return strings.TrimSpace(fields[i])
			}
			return ""
		}
		if get("TimeSeriesID") != imbalanceSeriesID {
			continue
		}

		rec := ImbalanceRecord{}
		if rec.Date, err = parseSettlementDate(get("SettlementDate")); err != nil {
			return nil, fmt.Errorf("record %d: %w", n+1, err)
		}
		if rec.Period, err = parsePeriod(get("SettlementPeriod")); err != nil {
			return nil, fmt.Errorf("record %d: %w", n+1, err)
		}
		if rec.Price, err = decimal.NewFromString(get("ImbalancePriceAmount")); err != nil {
			return nil, fmt.Errorf("%w: record %d price %q", ErrUnexpectedFormat, n+1, get("ImbalancePriceAmount"))
		}
		records = append(records, rec)
	}
	return records, nil
}

// SlotForPeriod maps a half-hourly settlement period (1-50) to its hourly
// delivery slot
func SlotForPeriod(period int) int {
	return (period-1)/2 + 1
}

type slotKey struct {
	date time.Time
	slot int
}

// HourlyMarketIndex aggregates half-hourly market index records into
// hourly slots: the price is the mean of the half-hours, the volume their
// sum. Slots outside 1-24 (clock change days) are returned in dropped.
func HourlyMarketIndex(records []MarketIndexRecord) (prices []models.ReferencePrice, dropped int) {
	type acc struct {
		price, volume decimal.Decimal
		n             int64
	}
	groups := make(map[slotKey]*acc)
	for _, r := range records {
		k := slotKey{models.Date(r.Date), SlotForPeriod(r.Period)}
		if !models.ValidSlot(k.slot) {
			dropped++
			continue
		}
		a, ok := groups[k]
		if !ok {
			a = &acc{}
			groups[k] = a
		}
		a.price = a.price.Add(r.Price)
		a.volume = a.volume.Add(r.Volume)
		a.n++
	}

	prices = make([]models.ReferencePrice, 0, len(groups))
	for k, a := range groups {
		price, _ := a.price.Div(decimal.NewFromInt(a.n)).Float64()
		volume, _ := a.volume.Float64()
		prices = append(prices, models.ReferencePrice{Date: k.date, Slot: k.slot, Price: price, Volume: volume})
	}
	sort.Slice(prices, func(i, j int) bool {
		if prices[i].Date.Equal(prices[j].Date) {
			return prices[i].Slot < prices[j].Slot
		}
		return prices[i].Date.Before(prices[j].Date)
	})
	return prices, dropped
}

// HourlyImbalancePrices aggregates half-hourly imbalance prices into hourly
// slots by taking the mean. Slots outside 1-24 are returned in dropped.
func HourlyImbalancePrices(records []ImbalanceRecord) (prices []models.ImbalancePrice, dropped int) {
	type acc struct {
		price decimal.Decimal
		n     int64
	}
	groups := make(map[slotKey]*acc)
	for _, r := range records {
		k := slotKey{models.Date(r.Date), SlotForPeriod(r.Period)}
		if !models.ValidSlot(k.slot) {
			dropped++
			continue
		}
		a, ok := groups[k]
		if !ok {
			a = &acc{}
			groups[k] = a
		}
		a.price = a.price.Add(r.Price)
		a.n++
	}

	prices = make([]models.ImbalancePrice, 0, len(groups))
	for k, a := range groups {
		price, _ := a.price.Div(decimal.NewFromInt(a.n)).Float64()
		prices = append(prices, models.ImbalancePrice{Date: k.date, Slot: k.slot, Price: price})
	}
	sort.Slice(prices, func(i, j int) bool {
		if prices[i].Date.Equal(prices[j].Date) {
			return prices[i].Slot < prices[j].Slot
		}
		return prices[i].Date.Before(prices[j].Date)
	})
	return prices, dropped
}

func readCSV(r io.Reader) ([][]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.LazyQuotes = true

	var lines [][]string
	for {
		fields, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnexpectedFormat, err)
		}
		if len(fields) == 1 && strings.TrimSpace(fields[0]) == "" {
			continue
		}
		lines = append(lines, fields)
	}
	return lines, nil
}

func parseSettlementDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{"20060102", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: settlement date %q", ErrUnexpectedFormat, s)
}

func parsePeriod(s string) (int, error) {
	p, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || p < 1 {
		return 0, fmt.Errorf("%w: settlement period %q", ErrUnexpectedFormat, s)
	}
	return p, nil
}
