// Copyright 2026 fanjia1024
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

package secrets

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gherr "ghosthands/pkg/errors"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	key := CredentialKey("u1", "linkedin.com")
	require.NoError(t, store.Set(ctx, key, "tok-1"))

	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", got)

	_, err = store.Get(ctx, "users/u1/platforms/unknown.com")
	assert.ErrorIs(t, err, gherr.ErrNotFound)

	require.NoError(t, store.Delete(ctx, key))
	_, err = store.Get(ctx, key)
	assert.ErrorIs(t, err, gherr.ErrNotFound)
}

func TestMemoryStoreList(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Set(ctx, CredentialKey("u1", "a.com"), "x"))
	require.NoError(t, store.Set(ctx, CredentialKey("u1", "b.com"), "y"))
	require.NoError(t, store.Set(ctx, CredentialKey("u2", "a.com"), "z"))

	keys, err := store.List(ctx, "users/u1/")
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}

func TestCredentialKeyLayout(t *testing.T) {
	assert.Equal(t, "users/u1/platforms/linkedin.com", CredentialKey("u1", "linkedin.com"))
}

func TestEnvStoreKeyMapping(t *testing.T) {
	ctx := context.Background()
	store := NewEnvStore()

	key := CredentialKey("u1", "my-site.com")
	t.Setenv("USERS_U1_PLATFORMS_MY_SITE_COM", "env-secret")

	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "env-secret", got)
}

func TestNewStoreProviderSelection(t *testing.T) {
	for _, provider := range []string{"memory", "env", ""} {
		store, err := NewStore(Config{Provider: provider})
		require.NoError(t, err, provider)
		require.NotNil(t, store, provider)
	}
}
