package generator

import (
	"fmt"
	"math/big"
	"slices"
	"strconv"
	"strings"
)

// MaxCPU bounds the CPU numbers a set may name.
const MaxCPU = 1024

// ParseCPUSet parses either a 0x-prefixed hex mask ("0x6") or a list of CPUs
// and ranges ("1-3,6"). The result is sorted and free of duplicates.
func ParseCPUSet(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	var cpus []int
	if isHexMask(s) {
		mask, ok := new(big.Int).SetString(strings.TrimPrefix(strings.ToLower(s), "0x"), 16)
		if !ok {
			return nil, fmt.Errorf("invalid cpu mask %q", s)
		}
		if mask.BitLen() > MaxCPU {
			return nil, fmt.Errorf("cpu mask %q names cpus beyond %d", s, MaxCPU-1)
		}
		for i := range mask.BitLen() {
			if mask.Bit(i) == 1 {
				cpus = append(cpus, i)
			}
		}
	} else {
		for part := range strings.SplitSeq(s, ",") {
			lo, hi, isRange := strings.Cut(strings.TrimSpace(part), "-")
			first, err := strconv.Atoi(lo)
			if err != nil || first < 0 {
				return nil, fmt.Errorf("invalid cpu %q in %q", lo, s)
			}
			last := first
			if isRange {
				if last, err = strconv.Atoi(hi); err != nil || last < first {
					return nil, fmt.Errorf("invalid cpu range %q in %q", part, s)
				}
			}
			if last >= MaxCPU {
				return nil, fmt.Errorf("cpu %d in %q is beyond %d", last, s, MaxCPU-1)
			}
			for c := first; c <= last; c++ {
				cpus = append(cpus, c)
			}
		}
	}

	if len(cpus) == 0 {
		return nil, fmt.Errorf("cpu set %q is empty", s)
	}
	slices.Sort(cpus)
	return slices.Compact(cpus), nil
}

func isHexMask(s string) bool {
	return strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X")
}
