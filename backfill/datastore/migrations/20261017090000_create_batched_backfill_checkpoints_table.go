package migrations

import migrate "github.com/rubenv/sql-migrate"

func init() {
	m := &Migration{
		Migration: &migrate.Migration{
			Id: "20261017090000_create_batched_backfill_checkpoints_table",
			Up: []string{
				`CREATE TABLE IF NOT EXISTS batched_backfill_checkpoints (
					name text NOT NULL,
					start_id bigint NOT NULL,
					end_id bigint NOT NULL,
					last_id bigint NOT NULL,
					updated_at timestamp NOT NULL DEFAULT CURRENT_TIMESTAMP,
					CONSTRAINT pk_batched_backfill_checkpoints PRIMARY KEY (name, start_id, end_id)
				)`,
			},
			Down: []string{
				"DROP TABLE IF EXISTS batched_backfill_checkpoints",
			},
		},
	}

	appendMigration(m)
}
