package store

import "sort"

// DefaultTopTasks is the size of the most-recent-tasks view.
const DefaultTopTasks = 5

// TopTasks returns up to n tasks ordered by descending ID. The input is not reordered.
func TopTasks(tasks []Task, n int) []Task {
	if n <= 0 {
		n = DefaultTopTasks
	}
	sorted := append(make([]Task, 0, len(tasks)), tasks...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ID > sorted[j].ID
	})
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

// Head returns the single item eligible for processing.
func Head(queue []QueueItem) (QueueItem, bool) {
	if len(queue) == 0 {
		return QueueItem{}, false
	}
	return queue[0], true
}
