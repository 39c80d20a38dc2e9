package migrations

import (
	_ "embed"
)

//go:embed 2024112203_create_participants.sql
var createParticipantsSQL string

func init() {
	Migrations.MustRegister(
		execSQL(createParticipantsSQL),
		execSQL(`DROP TABLE IF EXISTS participants`),
	)
}
