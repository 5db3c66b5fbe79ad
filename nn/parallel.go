package nn

import (
	"runtime"
	"sync"
)

// parallelRows splits [0, rows) into contiguous chunks and runs fn on each
// chunk in its own goroutine. Every index is visited by exactly one call, so
// kernels that write only to rows they own stay deterministic.
func parallelRows(rows int, fn func(start, end int)) {
	workers := runtime.GOMAXPROCS(0)
	if workers > rows {
		workers = rows
	}
	if workers <= 1 {
		fn(0, rows)
		return
	}

	chunk := (rows + workers - 1) / workers
	var wg sync.WaitGroup
	for start := 0; start < rows; start += chunk {
		end := start + chunk
		if end > rows {
			end = rows
		}
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			fn(start, end)
		}(start, end)
	}
	wg.Wait()
}
