package award

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func durable(id string) Definition {
	return Definition{AwardID: id, Name: id, CategoryPath: "/member/privileges"}
}

func gift(id string) Definition {
	return Definition{AwardID: id, Name: id, CategoryPath: GiftsCategoryPath + "/physical"}
}

func TestMerge_DurableExtendsValidity(t *testing.T) {
	got := Merge([]Candidate{
		{Definition: durable("vip"), Qty: 1, ValidityDays: 10},
		{Definition: durable("vip"), Qty: 1, ValidityDays: 20},
	}, 1)

	require.Len(t, got, 1, "durable validity sub-groups collapse into one line per definition")
	require.Equal(t, int64(1), got[0].Qty)
	require.Equal(t, 30, got[0].ValidityDays, "days 10+20, not qty 2 days 15")
}

func TestMerge_DurableMixedZeroAndTimedValidity(t *testing.T) {
	got := Merge([]Candidate{
		{Definition: durable("vip"), Qty: 5, ValidityDays: 0},
		{Definition: durable("vip"), Qty: 1, ValidityDays: 10},
		{Definition: durable("vip"), Qty: 2, ValidityDays: 20},
	}, 1)

	require.Len(t, got, 2)
	require.Equal(t, int64(5), got[0].Qty)
	require.Equal(t, 0, got[0].ValidityDays)
	require.Equal(t, int64(1), got[1].Qty)
	require.Equal(t, 50, got[1].ValidityDays)
}

func TestMerge_DurableSameValiditySubGroup(t *testing.T) {
	got := Merge([]Candidate{
		{Definition: durable("vip"), Qty: 1, ValidityDays: 10},
		{Definition: durable("vip"), Qty: 2, ValidityDays: 10},
	}, 1)

	require.Len(t, got, 1)
	require.Equal(t, int64(1), got[0].Qty)
	require.Equal(t, 30, got[0].ValidityDays, "days = sum(days x qty)")
}

func TestMerge_GiftsStackQuantity(t *testing.T) {
	got := Merge([]Candidate{
		{Definition: gift("mug"), Qty: 2, ValidityDays: 30},
		{Definition: gift("mug"), Qty: 3, ValidityDays: 30},
	}, 1)

	require.Len(t, got, 1)
	require.Equal(t, int64(5), got[0].Qty)
	require.Equal(t, 30, got[0].ValidityDays, "gift validity passes through unmerged")
}

func TestMerge_ZeroValidityStacksQuantity(t *testing.T) {
	got := Merge([]Candidate{
		{Definition: durable("points"), Qty: 10, ValidityDays: 0},
		{Definition: durable("points"), Qty: 5, ValidityDays: 0},
	}, 1)

	require.Len(t, got, 1)
	require.Equal(t, int64(15), got[0].Qty)
}

func TestMerge_RepeatMultiplier(t *testing.T) {
	got := Merge([]Candidate{
		{Definition: gift("mug"), Qty: 2, ValidityDays: 0},
		{Definition: durable("vip"), Qty: 1, ValidityDays: 10},
	}, 3)

	byID := map[string]Merged{}
	for _, m := range got {
		byID[m.Definition.AwardID] = m
	}
	require.Equal(t, int64(6), byID["mug"].Qty)
	require.Equal(t, int64(1), byID["vip"].Qty)
	require.Equal(t, 30, byID["vip"].ValidityDays)
}

func TestMerge_DropsNonPositiveQty(t *testing.T) {
	got := Merge([]Candidate{
		{Definition: durable("points"), Qty: 0, ValidityDays: 0},
	}, 1)
	require.Empty(t, got)
}

func TestMerge_DistinctDefinitionsStaySeparate(t *testing.T) {
	got := Merge([]Candidate{
		{Definition: durable("a"), Qty: 1, ValidityDays: 0},
		{Definition: durable("b"), Qty: 1, ValidityDays: 0},
	}, 1)
	require.Len(t, got, 2)
}
