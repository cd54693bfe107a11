// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package sourcepool

import (
	"context"
	"fmt"
	"strings"
	"time"

	"storj.io/sluice/loader"
)

// ComplianceReport lists read-only violations found on a source.
type ComplianceReport struct {
	SourceCode string    `json:"sourceCode"`
	Dialect    string    `json:"dialect"`
	CheckedAt  time.Time `json:"checkedAt"`
	Compliant  bool      `json:"compliant"`
	Violations []string  `json:"violations"`
}

var mysqlWritePrivileges = []string{
	"ALL PRIVILEGES", "INSERT", "UPDATE", "DELETE", "CREATE", "DROP", "ALTER", "TRUNCATE",
}

// VerifyReadOnly probes the source with a dialect-specific query and reports
// every grant or flag that would allow writes.
func (pool *Pool) VerifyReadOnly(ctx context.Context, sourceCode string) (_ *ComplianceReport, err error) {
	defer mon.Task()(&ctx)(&err)

	source, err := pool.sources.Get(ctx, sourceCode)
	if err != nil {
		if loader.ErrNotFound.Has(err) {
			return nil, ErrUnknownSource.New("%q", sourceCode)
		}
		return nil, Error.Wrap(err)
	}

	handle, err := pool.Borrow(ctx, sourceCode)
	if err != nil {
		return nil, err
	}
	defer handle.Release()

	report := &ComplianceReport{
		SourceCode: sourceCode,
		Dialect:    string(source.Dialect),
		CheckedAt:  time.Now().UTC(),
	}

	switch source.Dialect {
	case loader.DialectPostgres:
		err = pool.verifyPostgres(ctx, handle, report)
	case loader.DialectMySQL:
		err = pool.verifyMySQL(ctx, handle, report)
	default:
		return nil, Error.New("unsupported dialect %q", source.Dialect)
	}
	if err != nil {
		return nil, err
	}

	report.Compliant = len(report.Violations) == 0
	return report, nil
}

// verifyPostgres lists write privileges granted to the session user through
// information_schema.
func (pool *Pool) verifyPostgres(ctx context.Context, handle *Handle, report *ComplianceReport) error {
	rows, err := handle.conn.QueryContext(ctx, `
		SELECT table_schema, table_name, privilege_type
		FROM information_schema.role_table_grants
		WHERE grantee = current_user
			AND privilege_type IN ('INSERT', 'UPDATE', 'DELETE', 'TRUNCATE')
		ORDER BY table_schema, table_name, privilege_type
	`)
	if err != nil {
		return classifyQueryError(err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var schema, table, privilege string
		if err := rows.Scan(&schema, &table, &privilege); err != nil {
			return Error.Wrap(err)
		}
		report.Violations = append(report.Violations,
			fmt.Sprintf("%s granted on %s.%s", privilege, schema, table))
	}
	return Error.Wrap(rows.Err())
}

// verifyMySQL inspects SHOW GRANTS and the global read-only flags.
func (pool *Pool) verifyMySQL(ctx context.Context, handle *Handle, report *ComplianceReport) error {
	rows, err := handle.conn.QueryContext(ctx, `SHOW GRANTS`)
	if err != nil {
		return classifyQueryError(err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var grant string
		if err := rows.Scan(&grant); err != nil {
			return Error.Wrap(err)
		}
		upper := strings.ToUpper(grant)
		for _, privilege := range mysqlWritePrivileges {
			if strings.Contains(upper, privilege) {
				report.Violations = append(report.Violations,
					fmt.Sprintf("%s in grant %q", privilege, grant))
				break
			}
		}
	}
	if err := rows.Err(); err != nil {
		return Error.Wrap(err)
	}

	var readOnly, superReadOnly int
	err = handle.conn.QueryRowContext(ctx,
		`SELECT @@global.read_only, @@global.super_read_only`).
		Scan(&readOnly, &superReadOnly)
	if err != nil {
		return classifyQueryError(err)
	}
	if readOnly == 0 {
		report.Violations = append(report.Violations, "global read_only flag is off")
	}
	if superReadOnly == 0 {
		report.Violations = append(report.Violations, "global super_read_only flag is off")
	}
	return nil
}
