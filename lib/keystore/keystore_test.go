/*
Copyright 2024 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package keystore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewSecretIsNonDeterministic(t *testing.T) {
	a, err := NewSecret()
	require.NoError(t, err)
	b, err := NewSecret()
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestPutAndIsAllowed(t *testing.T) {
	ks := New()
	ks.Put(ResourceKey{Host: "Intranet.Example", Port: 8443, Secret: 1})

	require.True(t, ks.IsAllowed("intranet.example", 8443))
	require.True(t, ks.IsAllowed("INTRANET.EXAMPLE", 8443))
	require.False(t, ks.IsAllowed("intranet.example", 9999))
	require.False(t, ks.IsAllowed("other.example", 8443))
}

func TestSealFreezesStore(t *testing.T) {
	ks := New()
	ks.Put(ResourceKey{Host: "a", Port: 1, Secret: 1})
	ks.Seal()

	require.Panics(t, func() {
		ks.Put(ResourceKey{Host: "b", Port: 2, Secret: 2})
	})
}

func TestIsAllowedBeforeAnyPutIsFalse(t *testing.T) {
	ks := New()
	require.False(t, ks.IsAllowed("anything", 80))
	require.Equal(t, 0, ks.Len())
}

func TestAllReturnsSnapshot(t *testing.T) {
	ks := New()
	ks.Put(ResourceKey{Host: "a", Port: 1, Secret: 1})
	ks.Put(ResourceKey{Host: "b", Port: 2, Secret: 2})
	ks.Seal()

	all := ks.All()
	require.Len(t, all, 2)
}
