package iap

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestCatalog(t *testing.T) {
	catalog, err := NewCatalog(
		Sku{ID: "sku.orange", Type: ItemTypeConsumable, Price: decimal.RequireFromString("0.99")},
		Sku{ID: "sku.orange.10", Type: ItemTypeConsumable, Quantity: 10},
		Sku{ID: "sku.level2", Type: ItemTypeEntitlement},
		Sku{ID: "sku.monthly", Type: ItemTypeSubscription},
	)
	require.NoError(t, err)

	require.Equal(t, []string{"sku.level2", "sku.monthly", "sku.orange", "sku.orange.10"}, catalog.Skus())

	orange, ok := catalog.Get("sku.orange")
	require.True(t, ok)
	require.Equal(t, 1, orange.Quantity)
	require.True(t, orange.Price.Equal(decimal.RequireFromString("0.99")))

	require.Equal(t, Grant{Quantity: 1}, catalog.GrantFor("sku.orange"))
	require.Equal(t, Grant{Quantity: 10}, catalog.GrantFor("sku.orange.10"))
	require.Equal(t, Grant{Entitlement: true}, catalog.GrantFor("sku.level2"))
	require.Equal(t, Grant{Entitlement: true}, catalog.GrantFor("sku.monthly"))
	require.Equal(t, Grant{Quantity: 1}, catalog.GrantFor("sku.unknown"))

	_, ok = catalog.Get("sku.unknown")
	require.False(t, ok)
}

func TestCatalog_Invalid(t *testing.T) {
	_, err := NewCatalog(Sku{Type: ItemTypeConsumable})
	require.Error(t, err)

	_, err = NewCatalog(Sku{ID: "sku.orange"})
	require.Error(t, err)

	_, err = NewCatalog(Sku{ID: "sku.orange", Type: ItemTypeConsumable, Quantity: -1})
	require.Error(t, err)

	_, err = NewCatalog(
		Sku{ID: "sku.orange", Type: ItemTypeConsumable},
		Sku{ID: "sku.orange", Type: ItemTypeEntitlement},
	)
	require.Error(t, err)
}

func TestSkuRecord_Consume(t *testing.T) {
	record := &SkuRecord{Sku: "sku.orange", OwnedQuantity: 3}

	require.NoError(t, record.Consume(2))
	require.Equal(t, 1, record.OwnedQuantity)
	require.Equal(t, 2, record.ConsumedQuantity)

	require.ErrorIs(t, record.Consume(2), ErrInsufficientQuantity)
	require.ErrorIs(t, record.Consume(0), ErrInvalidQuantity)
	require.ErrorIs(t, record.Consume(-1), ErrInvalidQuantity)
	require.Equal(t, 1, record.OwnedQuantity)
	require.Equal(t, 2, record.ConsumedQuantity)
}

func TestSkuRecord_Apply(t *testing.T) {
	record := &SkuRecord{Sku: "sku.orange"}
	record.Apply(Grant{Quantity: 2})
	record.Apply(Grant{Quantity: 1})
	require.Equal(t, 3, record.OwnedQuantity)

	entitlement := &SkuRecord{Sku: "sku.level2"}
	entitlement.Apply(Grant{Entitlement: true})
	entitlement.Apply(Grant{Entitlement: true})
	require.Equal(t, 1, entitlement.OwnedQuantity)
}

func TestRequestState_Text(t *testing.T) {
	for _, state := range []RequestState{StateSent, StateReceived, StateFulfilled, StateFailed} {
		text, err := state.MarshalText()
		require.NoError(t, err)

		var decoded RequestState
		require.NoError(t, decoded.UnmarshalText(text))
		require.Equal(t, state, decoded)
	}

	var decoded RequestState
	require.Error(t, decoded.UnmarshalText([]byte("PENDING")))

	require.True(t, StateFulfilled.IsTerminal())
	require.True(t, StateFailed.IsTerminal())
	require.False(t, StateReceived.IsTerminal())
	require.Equal(t, "RequestState(42)", RequestState(42).String())
}

func TestParseItemType(t *testing.T) {
	for input, expected := range map[string]ItemType{
		"consumable":     ItemTypeConsumable,
		"Entitlement":    ItemTypeEntitlement,
		"non_consumable": ItemTypeEntitlement,
		"subscription":   ItemTypeSubscription,
	} {
		actual, err := ParseItemType(input)
		require.NoError(t, err)
		require.Equal(t, expected, actual)
	}

	_, err := ParseItemType("bundle")
	require.Error(t, err)
}
