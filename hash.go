// Copyright 2024 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package linprobe

import (
	"hash/maphash"
	"math/rand/v2"

	"github.com/cespare/xxhash/v2"
)

type hashFn[K comparable] func(key *K, seed uintptr) uintptr

// defaultHasher returns a hash function equivalent to the one used by Go's
// builtin map for K. The maphash seed is per map; the uintptr seed is mixed
// in so that custom and default hashers see the same per-map seed.
func defaultHasher[K comparable]() hashFn[K] {
	s := maphash.MakeSeed()
	return func(key *K, seed uintptr) uintptr {
		return uintptr(maphash.Comparable(s, *key)) ^ seed
	}
}

func newSeed() uintptr {
	return uintptr(rand.Uint64())
}

// StringHash hashes a string key with xxHash. It is suitable for use with
// WithHash:
//
//	m, err := linprobe.New[string, int](64, linprobe.WithHash[string, int](linprobe.StringHash))
func StringHash(key *string, seed uintptr) uintptr {
	return uintptr(xxhash.Sum64String(*key)) ^ seed
}
