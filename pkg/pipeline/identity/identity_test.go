package identity

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	t.Parallel()

	t.Run("deterministic_across_invocations", func(t *testing.T) {
		t.Parallel()

		first, err := Resolve("product", "P-001")
		require.NoError(t, err)
		second, err := Resolve("product", "P-001")
		require.NoError(t, err)
		require.Equal(t, first, second)
	})

	t.Run("case_and_whitespace_do_not_change_identity", func(t *testing.T) {
		t.Parallel()

		a, err := Resolve("customer", "  ACME   Ltd ")
		require.NoError(t, err)
		b, err := Resolve("customer", "acme ltd")
		require.NoError(t, err)
		require.Equal(t, a, b)
	})

	t.Run("attribute_boundaries_matter", func(t *testing.T) {
		t.Parallel()

		a, err := Resolve("ab", "c")
		require.NoError(t, err)
		b, err := Resolve("a", "bc")
		require.NoError(t, err)
		require.NotEqual(t, a, b)
	})

	t.Run("keys_stay_above_surrogate_floor", func(t *testing.T) {
		t.Parallel()

		for _, code := range []string{"P1", "C1", "x", "a very long identifier with spaces"} {
			key, err := Resolve("product", code)
			require.NoError(t, err)
			require.Greater(t, key, SurrogateFloor)
			require.Less(t, key, uint64(1)<<63)
		}
	})

	t.Run("empty_attributes_fail", func(t *testing.T) {
		t.Parallel()

		_, err := Resolve("", "   ")
		require.Error(t, err)
		var resErr *ResolutionError
		require.ErrorAs(t, err, &resErr)
	})

	t.Run("product_and_customer_namespaces_differ", func(t *testing.T) {
		t.Parallel()

		p, err := ProductKey("X1")
		require.NoError(t, err)
		c, err := CustomerKey("X1")
		require.NoError(t, err)
		require.NotEqual(t, p, c)
	})
}

func TestCanonicalize(t *testing.T) {
	t.Parallel()

	require.Equal(t, "acme ltd\x1fleeds", Canonicalize(" ACME  Ltd", "Leeds "))
	require.Equal(t, "", Canonicalize("", "  "))
	require.Equal(t, "a\x1f", Canonicalize("a", ""))
}
