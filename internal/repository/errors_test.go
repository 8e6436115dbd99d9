package repository

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/septivank/iot-receiver/internal/errs"
	"github.com/stretchr/testify/assert"
)

func TestLookupErr(t *testing.T) {
	assert.ErrorIs(t, lookupErr("query user", pgx.ErrNoRows), ErrNotFound)

	err := lookupErr("query user", errors.New("connection reset by peer"))
	assert.True(t, errs.Is(err, errs.KindStore))
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestInsertErr(t *testing.T) {
	assert.ErrorIs(t, insertErr("create device", pgx.ErrNoRows), ErrConflict)

	unique := &pgconn.PgError{Code: "23505", ConstraintName: "devices_pkey"}
	assert.ErrorIs(t, insertErr("create device", unique), ErrConflict)

	fk := &pgconn.PgError{Code: "23503"}
	err := insertErr("create device", fk)
	assert.True(t, errs.Is(err, errs.KindStore))
	assert.NotErrorIs(t, err, ErrConflict)
}
