package peers

import "fmt"

// SeedNodes parses the configured seed addresses. Addresses equal to self are
// dropped, as are duplicates; the configured order is kept. Unparsable
// entries are returned as errors alongside the usable seeds.
func SeedNodes(list []string, self NodeAddress) ([]NodeAddress, []error) {
	var errs []error
	seen := make(map[NodeAddress]bool, len(list))
	res := make([]NodeAddress, 0, len(list))

	for _, s := range list {
		addr, err := ParseNodeAddress(s)
		if err != nil {
			errs = append(errs, fmt.Errorf("seed node %q: %v", s, err))
			continue
		}
		if addr == self || seen[addr] {
			continue
		}
		seen[addr] = true
		res = append(res, addr)
	}

	return res, errs
}
