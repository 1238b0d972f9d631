package infra

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// contentionPolicy são as novas tentativas do SQLite sob disputa de escrita.
type contentionPolicy struct {
	attempts int
	base     time.Duration
	max      time.Duration
}

var sqliteContention = contentionPolicy{attempts: 4, base: 20 * time.Millisecond, max: 250 * time.Millisecond}

// sqliteBusy diz se err veio do driver com BUSY, LOCKED ou IOERR_SHORT_READ.
// Qualquer outro erro (inclusive texto parecido) não é retentado.
func sqliteBusy(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	code := se.Code()
	if code == sqlite3.SQLITE_IOERR_SHORT_READ {
		return true
	}
	switch code & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}

func retryOnContention(ctx context.Context, fn func() error) error {
	return sqliteContention.run(ctx, fn)
}

func (p contentionPolicy) run(ctx context.Context, fn func() error) error {
	var err error
	for i := 0; i < p.attempts; i++ {
		if err = fn(); err == nil || !sqliteBusy(err) {
			return err
		}
		if i == p.attempts-1 {
			break
		}
		t := time.NewTimer(p.wait(i))
		select {
		case <-ctx.Done():
			t.Stop()
			return errors.Join(err, ctx.Err())
		case <-t.C:
		}
	}
	return err
}

// wait dobra a cada tentativa até max e soma até base de jitter.
func (p contentionPolicy) wait(i int) time.Duration {
	d := p.base << i
	if d <= 0 || d > p.max {
		d = p.max
	}
	if p.base > 0 {
		d += rand.N(p.base)
	}
	return d
}
