package utils

// Missing returns the entries of want that are not present in have.
func Missing[T comparable](want []T, have []T) []T {
	seen := make(map[T]struct{}, len(have))
	for _, v := range have {
		seen[v] = struct{}{}
	}
	var res []T
	for _, v := range want {
		if _, ok := seen[v]; !ok {
			res = append(res, v)
		}
	}
	return res
}
