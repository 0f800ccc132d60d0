package sigmatrade

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVirtualListWindow(t *testing.T) {
	t.Parallel()

	type rendered struct {
		index int
		top   int
	}
	var rows []rendered
	nearEnd := 0
	list := NewVirtualList(VirtualListOptions[int]{
		ItemHeight: 150,
		Render: func(index, _ int, top int) {
			rows = append(rows, rendered{index: index, top: top})
		},
		OnNearEnd: func() { nearEnd++ },
	})

	items := make([]int, 1000)
	for i := range items {
		items[i] = i
	}
	require.Equal(t, 150000, list.SetItems(items))

	window := list.Scroll(3000, 800)
	require.Equal(t, Window{Start: 15, End: 31, TotalHeight: 150000}, window)
	require.Len(t, rows, 16)
	require.Equal(t, rendered{index: 15, top: 2250}, rows[0])
	require.Equal(t, rendered{index: 30, top: 4500}, rows[15])
	require.Zero(t, nearEnd)
}

func TestVirtualListEdges(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		items     int
		scrollTop int
		viewport  int
		want      Window
	}{
		{
			name:      "top of list",
			items:     100,
			scrollTop: 0,
			viewport:  300,
			want:      Window{Start: 0, End: 8, TotalHeight: 10000},
		},
		{
			name:      "bottom clamps to length",
			items:     100,
			scrollTop: 9700,
			viewport:  300,
			want:      Window{Start: 92, End: 100, TotalHeight: 10000, NearEnd: true},
		},
		{
			name:      "negative inputs clamp to zero",
			items:     100,
			scrollTop: -50,
			viewport:  -10,
			want:      Window{Start: 0, End: 5, TotalHeight: 10000},
		},
		{
			name:      "empty list",
			items:     0,
			scrollTop: 0,
			viewport:  300,
			want:      Window{Start: 0, End: 0, TotalHeight: 0, NearEnd: true},
		},
		{
			name:      "scrolled past the end",
			items:     10,
			scrollTop: 5000,
			viewport:  300,
			want:      Window{Start: 10, End: 10, TotalHeight: 1000, NearEnd: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			list := NewVirtualList(VirtualListOptions[int]{ItemHeight: 100})
			list.SetItems(make([]int, tt.items))
			require.Equal(t, tt.want, list.Scroll(tt.scrollTop, tt.viewport))
		})
	}
}

func TestVirtualListNearEndFiresEveryTime(t *testing.T) {
	t.Parallel()

	calls := 0
	list := NewVirtualList(VirtualListOptions[string]{
		ItemHeight: 100,
		Threshold:  200,
		OnNearEnd:  func() { calls++ },
	})
	list.SetItems(make([]string, 20))

	require.False(t, list.Scroll(1000, 500).NearEnd)
	require.True(t, list.Scroll(1300, 500).NearEnd)
	require.True(t, list.Scroll(1400, 500).NearEnd)
	require.Equal(t, 2, calls)
	require.Equal(t, 20, list.Len())
}

func TestVirtualListRequiresItemHeight(t *testing.T) {
	t.Parallel()

	require.Panics(t, func() {
		NewVirtualList(VirtualListOptions[int]{})
	})
}
