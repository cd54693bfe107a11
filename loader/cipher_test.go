// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package loader_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"storj.io/common/testcontext"
	"storj.io/sluice/loader"
)

func TestAESCipher_RoundTrip(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	cipher, err := loader.NewAESCipher("000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f")
	require.NoError(t, err)

	plaintext := []byte("SELECT ts, val FROM metrics WHERE ts >= :from AND ts < :to")
	ciphertext, err := cipher.Encrypt(ctx, plaintext)
	require.NoError(t, err)
	require.NotEqual(t, plaintext, ciphertext)

	decrypted, err := cipher.Decrypt(ctx, ciphertext)
	require.NoError(t, err)
	require.Equal(t, plaintext, decrypted)

	other, err := loader.NewAESCipher("1f1e1d1c1b1a191817161514131211100f0e0d0c0b0a09080706050403020100")
	require.NoError(t, err)
	_, err = other.Decrypt(ctx, ciphertext)
	require.Error(t, err)
}

func TestAESCipher_BadKey(t *testing.T) {
	_, err := loader.NewAESCipher("zz")
	require.Error(t, err)
	_, err = loader.NewAESCipher("abcd")
	require.Error(t, err)
}

func TestNoopCipher(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	cipher := loader.NoopCipher{}
	out, err := cipher.Encrypt(ctx, []byte("secret"))
	require.NoError(t, err)
	require.Equal(t, []byte("secret"), out)

	out, err = cipher.Decrypt(ctx, out)
	require.NoError(t, err)
	require.Equal(t, []byte("secret"), out)
}
