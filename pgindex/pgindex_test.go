package pgindex

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/decentcloud/dcledger/block"
	"github.com/decentcloud/dcledger/labelindex"
	"github.com/decentcloud/dcledger/ledger"
	"github.com/decentcloud/dcledger/logx"
)

func init() {
	logx.SetOutput(io.Discard)
}

type fakeSource struct {
	size    int64
	entries []labelindex.MaterializedEntry
	from    int64
}

func (f *fakeSource) Size() int64 { return f.size }

func (f *fakeSource) EntriesFrom(position int64) []labelindex.MaterializedEntry {
	f.from = position
	return f.entries
}

func newMock(t *testing.T) (*Exporter, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

func TestEnsureSchema(t *testing.T) {
	e, mock := newMock(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS ledger_entries").WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, e.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExportWritesEntriesAndPosition(t *testing.T) {
	e, mock := newMock(t)
	src := &fakeSource{
		size: 500,
		entries: []labelindex.MaterializedEntry{
			{Label: "ProvRegister", Key: []byte("a"), Value: []byte("sig"), BlockHeight: 3, BlockOffset: 300, BlockTimestampNs: 9},
			{Label: "UserRegister", Key: []byte("b"), Value: []byte("sig"), BlockHeight: 4, BlockOffset: 400, BlockTimestampNs: 10},
		},
	}

	mock.ExpectQuery(regexp.QuoteMeta(selectPosition)).
		WillReturnRows(sqlmock.NewRows([]string{"next_position"}).AddRow(300))
	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO ledger_entries")
	prep.ExpectExec().
		WithArgs("ProvRegister", []byte("a"), []byte("sig"), int64(3), int64(300), block.Hash{}.String(), int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().
		WithArgs("UserRegister", []byte("b"), []byte("sig"), int64(4), int64(400), block.Hash{}.String(), int64(10)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO ledger_export_state").WithArgs(int64(500)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	n, err := e.Export(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, int64(300), src.from)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExportNothingNew(t *testing.T) {
	e, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(selectPosition)).
		WillReturnRows(sqlmock.NewRows([]string{"next_position"}).AddRow(500))

	n, err := e.Export(context.Background(), &fakeSource{size: 500})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExportRollsBackOnFailure(t *testing.T) {
	e, mock := newMock(t)
	src := &fakeSource{size: 100, entries: []labelindex.MaterializedEntry{{Label: "RepAge", Key: []byte("k")}}}

	mock.ExpectQuery(regexp.QuoteMeta(selectPosition)).WillReturnError(sql.ErrNoRows)
	mock.ExpectBegin()
	mock.ExpectPrepare("INSERT INTO ledger_entries").ExpectExec().WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err := e.Export(context.Background(), src)
	assert.ErrorContains(t, err, "disk full")
	assert.Equal(t, int64(0), src.from)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLookup(t *testing.T) {
	e, mock := newMock(t)
	mock.ExpectQuery("SELECT value, block_height FROM ledger_entries").
		WithArgs("ProvRegister", []byte("a")).
		WillReturnRows(sqlmock.NewRows([]string{"value", "block_height"}).AddRow([]byte("sig"), 7))
	mock.ExpectQuery("SELECT value, block_height FROM ledger_entries").
		WithArgs("ProvRegister", []byte("x")).
		WillReturnError(sql.ErrNoRows)

	v, h, err := e.Lookup(context.Background(), "ProvRegister", []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("sig"), v)
	assert.Equal(t, uint64(7), h)

	_, _, err = e.Lookup(context.Background(), "ProvRegister", []byte("x"))
	assert.True(t, errors.Is(err, ledger.ErrEntryNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}
