// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package loader_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"storj.io/sluice/loader"
)

func TestValidateReadOnlySQL(t *testing.T) {
	valid := []string{
		"SELECT ts, val FROM metrics WHERE ts >= :from AND ts < :to",
		"select 1",
		"WITH cte AS (SELECT 1) SELECT * FROM cte",
		"  \n\tSELECT 1",
		"-- comment\nSELECT 1",
		"/* leading\ncomment */ SELECT 1",
		"SELECT(1)",
	}
	for _, query := range valid {
		require.NoError(t, loader.ValidateReadOnlySQL(query), query)
	}

	invalid := []string{
		"",
		"UPDATE metrics SET val = 0",
		"DELETE FROM metrics",
		"INSERT INTO metrics VALUES (1)",
		"DROP TABLE metrics",
		"TRUNCATE metrics",
		"-- only a comment",
		"/* unterminated comment SELECT 1",
		"SELECTED", // not the verb
	}
	for _, query := range invalid {
		require.Error(t, loader.ValidateReadOnlySQL(query), query)
	}
}

func TestBindRangeParams(t *testing.T) {
	dollar := func(n int) string { return fmt.Sprintf("$%d", n) }
	question := func(int) string { return "?" }

	rewritten, order := loader.BindRangeParams(
		"SELECT ts, val FROM metrics WHERE ts >= :from AND ts < :to", dollar)
	require.Equal(t, "SELECT ts, val FROM metrics WHERE ts >= $1 AND ts < $2", rewritten)
	require.Equal(t, []string{"from", "to"}, order)

	rewritten, order = loader.BindRangeParams(
		"SELECT * FROM m WHERE ts < :to OR ts >= :from", question)
	require.Equal(t, "SELECT * FROM m WHERE ts < ? OR ts >= ?", rewritten)
	require.Equal(t, []string{"to", "from"}, order)

	// Parameters inside string literals stay untouched.
	rewritten, order = loader.BindRangeParams(
		"SELECT ':from' AS label, ts FROM m WHERE ts >= :from", dollar)
	require.Equal(t, "SELECT ':from' AS label, ts FROM m WHERE ts >= $1", rewritten)
	require.Equal(t, []string{"from"}, order)

	// Identifiers that merely start with a parameter name do not bind.
	rewritten, order = loader.BindRangeParams(
		"SELECT * FROM m WHERE total > :total AND ts >= :from", dollar)
	require.Equal(t, "SELECT * FROM m WHERE total > :total AND ts >= $1", rewritten)
	require.Equal(t, []string{"from"}, order)
}
