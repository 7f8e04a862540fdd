package fn

// Partition groups items by key, keeping groups in order of first
// appearance and items in input order within each group.
func Partition[T any, K comparable](items []T, key func(T) K) ([]K, map[K][]T) {
	var order []K
	groups := make(map[K][]T)
	for _, v := range items {
		k := key(v)
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], v)
	}
	return order, groups
}
