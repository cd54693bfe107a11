// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package controldb

import (
	"context"

	"storj.io/sluice/private/migrate"
)

// MigrateToLatest applies every pending schema migration.
func (db *DB) MigrateToLatest(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	return db.Migration().Run(ctx, db.log.Named("migrate"), db.db)
}

// CheckVersion verifies the schema is at the latest migration version.
func (db *DB) CheckVersion(ctx context.Context) error {
	migration := db.Migration()
	current, err := migration.CurrentVersion(ctx, db.db)
	if err != nil {
		return err
	}
	latest := migration.Steps[len(migration.Steps)-1].Version
	if current != latest {
		return Error.New("schema version %d does not match latest %d; run migrations", current, latest)
	}
	return nil
}

// Migration returns the schema migration steps for the control store.
func (db *DB) Migration() *migrate.Migration {
	return &migrate.Migration{
		Table: "schema_versions",
		Steps: []*migrate.Step{
			{
				Description: "initial loaders table with version and runtime state",
				Version:     0,
				Action: migrate.SQL{
					`CREATE TABLE loaders (
						id bigint GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
						entity_code varchar(50) NOT NULL,
						version_number integer NOT NULL,
						version_status text NOT NULL,
						parent_version_id bigint,
						source_db_ref text NOT NULL,
						sql_text bytea NOT NULL,
						min_interval_seconds bigint NOT NULL,
						max_interval_seconds bigint NOT NULL,
						max_query_period_seconds bigint NOT NULL,
						max_parallel_executions integer NOT NULL DEFAULT 1,
						source_timezone_offset_hours integer NOT NULL DEFAULT 0,
						load_status text NOT NULL DEFAULT 'IDLE',
						last_load_timestamp timestamptz,
						last_success_timestamp timestamptz,
						failed_since timestamptz,
						consecutive_zero_record_runs integer NOT NULL DEFAULT 0,
						run_requested_at timestamptz,
						purge_strategy text NOT NULL,
						enabled boolean NOT NULL DEFAULT true,
						created_by text NOT NULL DEFAULT '',
						created_at timestamptz NOT NULL DEFAULT now(),
						modified_by text NOT NULL DEFAULT '',
						modified_at timestamptz NOT NULL DEFAULT now(),
						approved_by text NOT NULL DEFAULT '',
						approved_at timestamptz,
						rejected_by text NOT NULL DEFAULT '',
						rejected_at timestamptz,
						rejection_reason text NOT NULL DEFAULT '',
						change_type text NOT NULL DEFAULT '',
						change_summary text NOT NULL DEFAULT '',
						import_label text NOT NULL DEFAULT '',
						CONSTRAINT loaders_version_unique UNIQUE ( entity_code, version_number )
					)`,
					// One ACTIVE and one draft-like row per entity code,
					// enforced atomically by the store.
					`CREATE UNIQUE INDEX loaders_one_active
						ON loaders ( entity_code )
						WHERE version_status = 'ACTIVE'`,
					`CREATE UNIQUE INDEX loaders_one_draft
						ON loaders ( entity_code )
						WHERE version_status IN ('DRAFT', 'PENDING_APPROVAL')`,
					`CREATE INDEX loaders_claim
						ON loaders ( load_status, enabled )
						WHERE version_status = 'ACTIVE'`,
				},
			},
			{
				Description: "append-only archive of superseded and rejected versions",
				Version:     1,
				Action: migrate.SQL{
					`CREATE TABLE loader_archive (
						id bigint GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
						entity_code varchar(50) NOT NULL,
						version_number integer NOT NULL,
						version_status text NOT NULL,
						parent_version_id bigint,
						source_db_ref text NOT NULL,
						sql_text bytea NOT NULL,
						min_interval_seconds bigint NOT NULL,
						max_interval_seconds bigint NOT NULL,
						max_query_period_seconds bigint NOT NULL,
						max_parallel_executions integer NOT NULL,
						source_timezone_offset_hours integer NOT NULL,
						last_load_timestamp timestamptz,
						purge_strategy text NOT NULL,
						created_by text NOT NULL DEFAULT '',
						created_at timestamptz NOT NULL,
						approved_by text NOT NULL DEFAULT '',
						approved_at timestamptz,
						rejected_by text NOT NULL DEFAULT '',
						rejected_at timestamptz,
						rejection_reason text NOT NULL DEFAULT '',
						change_type text NOT NULL DEFAULT '',
						change_summary text NOT NULL DEFAULT '',
						import_label text NOT NULL DEFAULT '',
						archived_by text NOT NULL,
						archived_at timestamptz NOT NULL,
						archive_reason text NOT NULL,
						CONSTRAINT loader_archive_version_unique UNIQUE ( entity_code, version_number )
					)`,
				},
			},
			{
				Description: "signals history partitioned by month",
				Version:     2,
				Action: migrate.SQL{
					`CREATE TABLE signals_history (
						loader_code varchar(50) NOT NULL,
						load_timestamp_utc timestamptz NOT NULL,
						segment_code text NOT NULL,
						rec_count bigint NOT NULL,
						min_val double precision NOT NULL,
						avg_val double precision NOT NULL,
						max_val double precision NOT NULL,
						sum_val double precision NOT NULL,
						PRIMARY KEY ( loader_code, load_timestamp_utc, segment_code )
					) PARTITION BY RANGE ( load_timestamp_utc )`,
					`CREATE TABLE signals_history_default
						PARTITION OF signals_history DEFAULT`,
				},
			},
			{
				Description: "source database registry",
				Version:     3,
				Action: migrate.SQL{
					`CREATE TABLE source_databases (
						source_code varchar(50) PRIMARY KEY,
						host text NOT NULL,
						port integer NOT NULL,
						db_name text NOT NULL,
						dialect text NOT NULL,
						username text NOT NULL,
						encrypted_password bytea NOT NULL,
						read_only_verified boolean NOT NULL DEFAULT false
					)`,
				},
			},
			{
				Description: "per-run execution log",
				Version:     4,
				Action: migrate.SQL{
					`CREATE TABLE loader_executions (
						id bigint GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
						entity_code varchar(50) NOT NULL,
						version_number integer NOT NULL,
						correlation_id bytea NOT NULL,
						range_from timestamptz NOT NULL,
						range_to timestamptz NOT NULL,
						started_at timestamptz NOT NULL,
						finished_at timestamptz NOT NULL,
						row_count bigint NOT NULL,
						signal_count integer NOT NULL,
						success boolean NOT NULL,
						error_kind text NOT NULL DEFAULT '',
						error_message text NOT NULL DEFAULT ''
					)`,
					`CREATE INDEX loader_executions_entity
						ON loader_executions ( entity_code, started_at DESC )`,
				},
			},
		},
	}
}
