package migrations

import (
	_ "embed"
)

//go:embed 2024112204_create_answers.sql
var createAnswersSQL string

func init() {
	Migrations.MustRegister(
		execSQL(createAnswersSQL),
		execSQL(`DROP TABLE IF EXISTS answers`),
	)
}
