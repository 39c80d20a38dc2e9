package migrations

import (
	_ "embed"
)

//go:embed 2024112202_create_live_sessions.sql
var createLiveSessionsSQL string

func init() {
	Migrations.MustRegister(
		execSQL(createLiveSessionsSQL),
		execSQL(`DROP TABLE IF EXISTS live_sessions`),
	)
}
