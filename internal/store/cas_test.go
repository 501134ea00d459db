package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// fakeRow satisfies pgx.Row with a scripted Scan.
type fakeRow struct {
	scan func(dest ...any) error
}

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

// fakeDB scripts balance reads and update outcomes for the CAS loop.
type fakeDB struct {
	balances []int                // consumed per read; pgx.ErrNoRows when empty and missing is set
	missing  bool                 // user row absent
	tags     []pgconn.CommandTag  // consumed per exec
	execArgs [][]any
	reads    int
}

func (f *fakeDB) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row {
	return fakeRow{scan: func(dest ...any) error {
		if f.missing {
			return pgx.ErrNoRows
		}
		if f.reads >= len(f.balances) {
			return pgx.ErrNoRows
		}
		*dest[0].(*int) = f.balances[f.reads]
		f.reads++
		return nil
	}}
}

func (f *fakeDB) Exec(_ context.Context, _ string, args ...any) (pgconn.CommandTag, error) {
	f.execArgs = append(f.execArgs, args)
	if len(f.tags) == 0 {
		return pgconn.NewCommandTag("UPDATE 0"), nil
	}
	tag := f.tags[0]
	f.tags = f.tags[1:]
	return tag, nil
}

func (f *fakeDB) Query(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
	return nil, errors.New("fakeDB: Query not scripted")
}

func updated(n int) pgconn.CommandTag {
	if n > 0 {
		return pgconn.NewCommandTag("UPDATE 1")
	}
	return pgconn.NewCommandTag("UPDATE 0")
}

func casStore(db *fakeDB) *Store {
	return newWithDB(db, WithCASBackoff(time.Millisecond))
}

func TestAdjustBalance_FirstAttempt(t *testing.T) {
	db := &fakeDB{balances: []int{10}, tags: []pgconn.CommandTag{updated(1)}}
	got, err := casStore(db).AdjustBalance(context.Background(), 1, -2)
	if err != nil {
		t.Fatalf("AdjustBalance: %v", err)
	}
	if got != 8 {
		t.Errorf("balance = %d, want 8", got)
	}
	if len(db.execArgs) != 1 {
		t.Errorf("exec calls = %d, want 1", len(db.execArgs))
	}
	// The conditional update carries (new, user, observed).
	if db.execArgs[0][0] != 8 || db.execArgs[0][2] != 10 {
		t.Errorf("exec args = %v", db.execArgs[0])
	}
}

func TestAdjustBalance_RetriesOnConflict(t *testing.T) {
	// First CAS loses the race; the second read observes the fresh value.
	db := &fakeDB{
		balances: []int{10, 9},
		tags:     []pgconn.CommandTag{updated(0), updated(1)},
	}
	got, err := casStore(db).AdjustBalance(context.Background(), 1, -2)
	if err != nil {
		t.Fatalf("AdjustBalance: %v", err)
	}
	if got != 7 {
		t.Errorf("balance = %d, want 7", got)
	}
	if len(db.execArgs) != 2 {
		t.Errorf("exec calls = %d, want 2", len(db.execArgs))
	}
}

func TestAdjustBalance_ConflictExhaustion(t *testing.T) {
	db := &fakeDB{
		balances: []int{10, 10, 10},
		tags:     []pgconn.CommandTag{updated(0), updated(0), updated(0)},
	}
	_, err := casStore(db).AdjustBalance(context.Background(), 1, -2)
	if !errors.Is(err, ErrBalanceConflict) {
		t.Fatalf("err = %v, want ErrBalanceConflict", err)
	}
	if len(db.execArgs) != 3 {
		t.Errorf("exec calls = %d, want 3", len(db.execArgs))
	}
}

func TestAdjustBalance_MissingUserPasses(t *testing.T) {
	db := &fakeDB{missing: true}
	got, err := casStore(db).AdjustBalance(context.Background(), 1, 30)
	if err != nil {
		t.Fatalf("AdjustBalance: %v", err)
	}
	if got != 30 {
		t.Errorf("balance = %d, want 30", got)
	}
	if len(db.execArgs) != 0 {
		t.Error("no update expected for a missing user")
	}
}

func TestAdjustBalance_ClampsAtZero(t *testing.T) {
	db := &fakeDB{balances: []int{1}, tags: []pgconn.CommandTag{updated(1)}}
	got, err := casStore(db).AdjustBalance(context.Background(), 1, -5)
	if err != nil {
		t.Fatalf("AdjustBalance: %v", err)
	}
	if got != 0 {
		t.Errorf("balance = %d, want 0", got)
	}
}
