package sigmatrade

import "sync"

const (
	defaultVirtualBuffer    = 5
	defaultNearEndThreshold = 500
)

// Window is the slice of a virtual list that should be materialised.
type Window struct {
	Start       int  `json:"start"`
	End         int  `json:"end"`
	TotalHeight int  `json:"totalHeight"`
	NearEnd     bool `json:"nearEnd"`
}

// VirtualListOptions configures a VirtualList. Zero values pick the defaults
// (5 rows of buffer, 500px near-end threshold).
type VirtualListOptions[T any] struct {
	ItemHeight int
	Buffer     int
	Threshold  int
	// Render is called for every visible item with its offset from the top.
	Render func(index int, item T, top int)
	// OnNearEnd fires on every scroll that lands within Threshold of the
	// bottom. It holds no state; callers guard re-entrancy themselves.
	OnNearEnd func()
}

// VirtualList computes which rows of a fixed-height list intersect the
// viewport, so only those are rendered.
type VirtualList[T any] struct {
	itemHeight int
	buffer     int
	threshold  int
	render     func(index int, item T, top int)
	onNearEnd  func()

	mu    sync.Mutex
	items []T
}

// NewVirtualList builds an empty list. ItemHeight must be positive.
func NewVirtualList[T any](opts VirtualListOptions[T]) *VirtualList[T] {
	if opts.ItemHeight <= 0 {
		panic("item height must be positive")
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = defaultVirtualBuffer
	}
	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = defaultNearEndThreshold
	}
	return &VirtualList[T]{
		itemHeight: opts.ItemHeight,
		buffer:     buffer,
		threshold:  threshold,
		render:     opts.Render,
		onNearEnd:  opts.OnNearEnd,
	}
}

// SetItems replaces the list and returns the new scrollable height.
func (l *VirtualList[T]) SetItems(items []T) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = items
	return len(items) * l.itemHeight
}

// Len returns the number of items.
func (l *VirtualList[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

// Scroll recomputes the visible window for a scroll or resize event, renders
// the rows inside it and signals when the viewport is near the bottom.
func (l *VirtualList[T]) Scroll(scrollTop, viewportHeight int) Window {
	l.mu.Lock()
	items := l.items
	l.mu.Unlock()

	if scrollTop < 0 {
		scrollTop = 0
	}
	if viewportHeight < 0 {
		viewportHeight = 0
	}
	n := len(items)
	total := n * l.itemHeight

	start := max(0, scrollTop/l.itemHeight-l.buffer)
	end := min(n, ceilDiv(scrollTop+viewportHeight, l.itemHeight)+l.buffer)
	if start > end {
		start = end
	}

	window := Window{
		Start:       start,
		End:         end,
		TotalHeight: total,
		NearEnd:     scrollTop+viewportHeight >= total-l.threshold,
	}

	if l.render != nil {
		for i := start; i < end; i++ {
			l.render(i, items[i], i*l.itemHeight)
		}
	}
	if window.NearEnd && l.onNearEnd != nil {
		l.onNearEnd()
	}
	return window
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
