// Package aggregate rolls cleaned orders up into the monthly grain of the
// consolidated sales model. Aggregation always recomputes whole months: a
// month's output is a pure function of the full cleaned order set for that
// month, so partial loads can never double-count.
package aggregate

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlasfoods/lakehouse/pkg/pipeline/clean"
	"github.com/atlasfoods/lakehouse/pkg/pipeline/identity"
)

// Month is a calendar month in UTC.
type Month struct {
	Year  int
	Month time.Month
}

// MonthOf returns the month containing t.
func MonthOf(t time.Time) Month {
	t = t.UTC()
	return Month{Year: t.Year(), Month: t.Month()}
}

// First returns the first day of the month.
func (m Month) First() time.Time {
	return time.Date(m.Year, m.Month, 1, 0, 0, 0, 0, time.UTC)
}

func (m Month) String() string {
	return m.First().Format("2006-01")
}

// Before orders months chronologically.
func (m Month) Before(other Month) bool {
	if m.Year != other.Year {
		return m.Year < other.Year
	}
	return m.Month < other.Month
}

// Fact is one consolidated monthly sales row.
type Fact struct {
	Month       Month
	ProductKey  uint64
	CustomerKey uint64
	Quantity    int64
	Revenue     decimal.Decimal
}

// AffectedMonths returns the distinct months present in orders, sorted.
func AffectedMonths(orders []clean.Order) []Month {
	seen := make(map[Month]bool)
	var months []Month
	for _, o := range orders {
		m := MonthOf(o.OrderDate)
		if !seen[m] {
			seen[m] = true
			months = append(months, m)
		}
	}
	sort.Slice(months, func(i, j int) bool { return months[i].Before(months[j]) })
	return months
}

// MonthlyRollup aggregates orders falling in the given months into one
// fact per (month, product, customer). Orders outside the months are
// ignored; callers pass the FULL cleaned order set so each month is
// recomputed from scratch.
func MonthlyRollup(orders []clean.Order, months []Month) ([]Fact, error) {
	inScope := make(map[Month]bool, len(months))
	for _, m := range months {
		inScope[m] = true
	}

	type groupKey struct {
		month       Month
		productKey  uint64
		customerKey uint64
	}
	groups := make(map[groupKey]*Fact)

	for _, o := range orders {
		m := MonthOf(o.OrderDate)
		if !inScope[m] {
			continue
		}
		productKey, err := identity.ProductKey(o.ProductCode)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve product %q: %w", o.ProductCode, err)
		}
		customerKey, err := identity.CustomerKey(o.CustomerCode)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve customer %q: %w", o.CustomerCode, err)
		}

		k := groupKey{month: m, productKey: productKey, customerKey: customerKey}
		fact, ok := groups[k]
		if !ok {
			fact = &Fact{Month: m, ProductKey: productKey, CustomerKey: customerKey, Revenue: decimal.Zero}
			groups[k] = fact
		}
		fact.Quantity += o.Quantity
		fact.Revenue = fact.Revenue.Add(o.UnitPrice.Mul(decimal.NewFromInt(o.Quantity)))
	}

	facts := make([]Fact, 0, len(groups))
	for _, f := range groups {
		facts = append(facts, *f)
	}
	sort.Slice(facts, func(i, j int) bool {
		if facts[i].Month != facts[j].Month {
			return facts[i].Month.Before(facts[j].Month)
		}
		if facts[i].ProductKey != facts[j].ProductKey {
			return facts[i].ProductKey < facts[j].ProductKey
		}
		return facts[i].CustomerKey < facts[j].CustomerKey
	})
	return facts, nil
}
