package db

import (
	"database/sql"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

type DB struct {
	*sql.DB
}

func Make(dbPath string) (*DB, error) {
	// https://github.com/mattn/go-sqlite3#connection-string
	opts := []string{
		"_foreign_keys=1",
		"_journal_mode=WAL",
		"_synchronous=NORMAL",
		"_busy_timeout=5000",
	}

	db, err := sql.Open("sqlite3", dbPath+"?"+strings.Join(opts, "&"))
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		create table if not exists runs (
			id text primary key,
			kind text not null,
			image text not null default '',
			outcome text not null,
			failed_at text not null default '',
			error text not null default '',
			started integer not null, -- unix nanos
			finished integer not null -- unix nanos
		);

		create table if not exists stages (
			run_id text not null references runs(id) on delete cascade,
			seq integer not null,
			stage text not null,
			outcome text not null,
			note text not null default '',
			error text not null default '',
			best_effort integer not null default 0,
			started integer not null,
			finished integer not null,

			primary key (run_id, seq)
		);

		create index if not exists runs_started on runs(started);
	`)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &DB{db}, nil
}
