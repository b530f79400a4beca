package clean

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestTextRules(t *testing.T) {
	t.Parallel()

	t.Run("trims_and_collapses_whitespace", func(t *testing.T) {
		t.Parallel()
		require.Equal(t, "Acme Ltd", normalizeText("  Acme   Ltd "))
	})

	t.Run("title_cases_names", func(t *testing.T) {
		t.Parallel()
		require.Equal(t, "Orange Juice 1l", titleCase("  ORANGE   juice 1l "))
	})

	t.Run("uppercases_codes", func(t *testing.T) {
		t.Parallel()
		require.Equal(t, "C-001", normalizeCode(" c-001  "))
	})

	t.Run("applies_correction_dictionary", func(t *testing.T) {
		t.Parallel()
		require.Equal(t, "Beverages", correct(titleCase("beverges"), categoryCorrections))
		require.Equal(t, "London", correct(titleCase("LODNON"), cityCorrections))
		require.Equal(t, "Snacks", correct("Snacks", categoryCorrections))
	})

	t.Run("substitutes_unknown_sentinel", func(t *testing.T) {
		t.Parallel()
		require.Equal(t, UnknownText, textOrUnknown(""))
		require.Equal(t, "Leeds", textOrUnknown("Leeds"))
	})
}

func TestParseDate(t *testing.T) {
	t.Parallel()

	expected := time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC)
	cases := map[string]string{
		"iso":        "2026-08-15",
		"day_first":  "15/08/2026",
		"slashed":    "2026/08/15",
		"month_name": "15-Aug-2026",
		"padded":     "  2026-08-15 ",
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			got, ok := parseDate(input)
			require.True(t, ok)
			require.Equal(t, expected, got)
		})
	}

	t.Run("ambiguous_slash_dates_parse_day_first", func(t *testing.T) {
		t.Parallel()
		got, ok := parseDate("03/04/2026")
		require.True(t, ok)
		require.Equal(t, time.Date(2026, 4, 3, 0, 0, 0, 0, time.UTC), got)
	})

	t.Run("month_first_used_when_day_first_impossible", func(t *testing.T) {
		t.Parallel()
		// 14 cannot be a month, so the month-first pattern picks it up.
		got, ok := parseDate("08/14/2026")
		require.True(t, ok)
		require.Equal(t, time.Date(2026, 8, 14, 0, 0, 0, 0, time.UTC), got)
	})

	t.Run("rejects_garbage", func(t *testing.T) {
		t.Parallel()
		for _, input := range []string{"", "not a date", "2026-13-45", "99/99/2026"} {
			_, ok := parseDate(input)
			require.False(t, ok, "input %q", input)
		}
	})
}

func TestParseAmount(t *testing.T) {
	t.Parallel()

	t.Run("flips_negative_amounts", func(t *testing.T) {
		t.Parallel()
		require.True(t, parseAmount("-3.20").Equal(decimal.RequireFromString("3.20")))
	})

	t.Run("strips_currency_and_separators", func(t *testing.T) {
		t.Parallel()
		require.True(t, parseAmount("£1,250.50").Equal(decimal.RequireFromString("1250.50")))
	})

	t.Run("non_numeric_becomes_zero", func(t *testing.T) {
		t.Parallel()
		require.True(t, parseAmount("n/a").IsZero())
		require.True(t, parseAmount("").IsZero())
	})
}

func TestParseQuantity(t *testing.T) {
	t.Parallel()

	require.Equal(t, int64(50), parseQuantity("-50"))
	require.Equal(t, int64(12), parseQuantity(" 12 "))
	require.Equal(t, int64(0), parseQuantity("unknown"))
}

func TestParseYear(t *testing.T) {
	t.Parallel()

	y, ok := parseYear("2026")
	require.True(t, ok)
	require.Equal(t, 2026, y)

	for _, input := range []string{"", "26", "20260", "year", "1899"} {
		_, ok := parseYear(input)
		require.False(t, ok, "input %q", input)
	}
}
