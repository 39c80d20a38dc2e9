package migrations

import (
	_ "embed"
)

//go:embed 2024112201_create_lessons.sql
var createLessonsSQL string

func init() {
	Migrations.MustRegister(
		execSQL(createLessonsSQL),
		execSQL(`DROP TABLE IF EXISTS lessons`),
	)
}
