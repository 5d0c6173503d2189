package utils

import (
	"math/rand"

	"github.com/Blackdeer1524/bucketlog/src/pkg/assert"
)

func Must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}

	return v
}

type Integer interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 | ~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64
}

// GenerateUniqueInts returns n distinct values from [lo, hi].
func GenerateUniqueInts[T Integer](n int, lo, hi T) []T {
	assert.Assert(int(hi-lo)+1 >= n, "range [%d, %d] is too small for %d values", lo, hi, n)

	seen := make(map[T]struct{}, n)
	res := make([]T, 0, n)
	for len(res) < n {
		v := lo + T(rand.Int63n(int64(hi-lo)+1))
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		res = append(res, v)
	}
	return res
}
