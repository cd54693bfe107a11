// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package controldb

import (
	"context"
	"database/sql"
	"errors"

	"github.com/zeebo/errs"

	"storj.io/sluice/loader"
)

// sourcesDB implements loader.Sources.
type sourcesDB struct {
	db queryer
}

func (store *sourcesDB) Get(ctx context.Context, sourceCode string) (_ *loader.SourceDatabase, err error) {
	defer mon.Task()(&ctx)(&err)
	var source loader.SourceDatabase
	err = store.db.QueryRowContext(ctx, `
		SELECT source_code, host, port, db_name, dialect,
			username, encrypted_password, read_only_verified
		FROM source_databases
		WHERE source_code = $1
	`, sourceCode).Scan(
		&source.SourceCode, &source.Host, &source.Port, &source.DBName, &source.Dialect,
		&source.Username, &source.EncryptedPassword, &source.ReadOnlyVerified,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, loader.ErrNotFound.New("no source database %q", sourceCode)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &source, nil
}

func (store *sourcesDB) List(ctx context.Context) (_ []loader.SourceDatabase, err error) {
	defer mon.Task()(&ctx)(&err)
	rows, err := store.db.QueryContext(ctx, `
		SELECT source_code, host, port, db_name, dialect,
			username, encrypted_password, read_only_verified
		FROM source_databases
		ORDER BY source_code
	`)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = Error.Wrap(errs.Combine(err, rows.Close())) }()

	var sources []loader.SourceDatabase
	for rows.Next() {
		var source loader.SourceDatabase
		err := rows.Scan(
			&source.SourceCode, &source.Host, &source.Port, &source.DBName, &source.Dialect,
			&source.Username, &source.EncryptedPassword, &source.ReadOnlyVerified,
		)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		sources = append(sources, source)
	}
	return sources, Error.Wrap(rows.Err())
}

func (store *sourcesDB) Upsert(ctx context.Context, source *loader.SourceDatabase) (err error) {
	defer mon.Task()(&ctx)(&err)
	_, err = store.db.ExecContext(ctx, `
		INSERT INTO source_databases (
			source_code, host, port, db_name, dialect,
			username, encrypted_password, read_only_verified
		) VALUES ( $1, $2, $3, $4, $5, $6, $7, $8 )
		ON CONFLICT ( source_code ) DO UPDATE SET
			host = EXCLUDED.host,
			port = EXCLUDED.port,
			db_name = EXCLUDED.db_name,
			dialect = EXCLUDED.dialect,
			username = EXCLUDED.username,
			encrypted_password = EXCLUDED.encrypted_password,
			read_only_verified = EXCLUDED.read_only_verified
	`,
		source.SourceCode, source.Host, source.Port, source.DBName, source.Dialect,
		source.Username, source.EncryptedPassword, source.ReadOnlyVerified,
	)
	return Error.Wrap(err)
}

func (store *sourcesDB) SetReadOnlyVerified(ctx context.Context, sourceCode string, verified bool) (err error) {
	defer mon.Task()(&ctx)(&err)
	result, err := store.db.ExecContext(ctx, `
		UPDATE source_databases SET read_only_verified = $2
		WHERE source_code = $1
	`, sourceCode, verified)
	if err != nil {
		return Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if affected == 0 {
		return loader.ErrNotFound.New("no source database %q", sourceCode)
	}
	return nil
}
