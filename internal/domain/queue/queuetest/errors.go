package queuetest

import (
	"github.com/jackc/pgx/v5/pgconn"
)

// errDuplicateNumber mimics the unique violation Postgres raises on
// (queue_id, number).
var errDuplicateNumber = &pgconn.PgError{Code: "23505", ConstraintName: "online_queue_entry_queue_id_number_key"}
