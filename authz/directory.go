// Package authz отвечает на вопрос, допущен ли человек в зону, и достаёт
// его служебные данные. Источник - внешняя реляционная база, ответы
// кешируются.
package authz

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

var ErrNotFound = errors.New("not found")

// Certificates - сертификаты человека: два срока действия и два флага.
type Certificates struct {
	Certificate1 time.Time
	Certificate2 bool
	Certificate3 time.Time
	Certificate4 bool
}

// Valid: оба срока не истекли на дату today и оба флага выставлены.
func (c Certificates) Valid(today time.Time) bool {
	d := dateOf(today)
	return !dateOf(c.Certificate1).Before(d) && c.Certificate2 &&
		!dateOf(c.Certificate3).Before(d) && c.Certificate4
}

type WorkerDetails struct {
	BadgeID     string `json:"badge_id"`
	Position    string `json:"position"`
	Company     string `json:"company"`
	AccessLevel string `json:"access_level"`
}

// Directory - доступ к таблицам IdentityManagement и WorkerIdentity.
type Directory struct {
	db     *sql.DB
	driver string
}

// Open открывает базу. driver: postgres, mysql или sqlite3.
func Open(driver, dsn string) (*Directory, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	return NewDirectory(db, driver), nil
}

func NewDirectory(db *sql.DB, driver string) *Directory {
	return &Directory{db: db, driver: driver}
}

func (d *Directory) Close() error {
	return d.db.Close()
}

func (d *Directory) Certificates(ctx context.Context, name string) (
	Certificates, error) {

	var c1, c2, c3, c4 interface{}

	err := d.db.QueryRowContext(ctx, d.rebind(`
		SELECT Certificate1, Certificate2, Certificate3, Certificate4
		FROM IdentityManagement WHERE PersonName = ?`), name).
		Scan(&c1, &c2, &c3, &c4)
	if errors.Is(err, sql.ErrNoRows) {
		return Certificates{}, ErrNotFound
	}
	if err != nil {
		return Certificates{}, fmt.Errorf("query certificates: %w", err)
	}

	return Certificates{
		Certificate1: certificateDate(name, "Certificate1", c1),
		Certificate2: asBool(c2),
		Certificate3: certificateDate(name, "Certificate3", c3),
		Certificate4: asBool(c4),
	}, nil
}

// certificateDate разбирает срок сертификата. Нечитаемая дата - это данные,
// а не сбой базы: сертификат считается просроченным.
func certificateDate(name, column string, v interface{}) time.Time {
	d, err := asDate(v)
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"name":   name,
			"column": column,
		}).Warn("invalid certificate date, treating as expired")
		return time.Time{}
	}
	return d
}

func (d *Directory) WorkerDetails(ctx context.Context, name string) (
	WorkerDetails, error) {

	var badge, position, company, level sql.NullString

	err := d.db.QueryRowContext(ctx, d.rebind(`
		SELECT BadgeID, Position, Company, AccessLevel
		FROM WorkerIdentity WHERE PersonName = ?`), name).
		Scan(&badge, &position, &company, &level)
	if errors.Is(err, sql.ErrNoRows) {
		return WorkerDetails{}, ErrNotFound
	}
	if err != nil {
		return WorkerDetails{}, fmt.Errorf("query worker details: %w", err)
	}

	return WorkerDetails{
		BadgeID:     badge.String,
		Position:    position.String,
		Company:     company.String,
		AccessLevel: level.String,
	}, nil
}

// rebind заменяет ? на $N для postgres.
func (d *Directory) rebind(query string) string {
	if d.driver != "postgres" {
		return query
	}
	var (
		b strings.Builder
		n int
	)
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
}

func asDate(v interface{}) (time.Time, error) {
	switch v := v.(type) {
	case time.Time:
		return v, nil
	case []byte:
		return parseDate(string(v))
	case string:
		return parseDate(v)
	case nil:
		// Нет даты - сертификат считается просроченным.
		return time.Time{}, nil
	default:
		return time.Time{}, fmt.Errorf("unexpected date type %T", v)
	}
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("parse date %q", s)
}

func asBool(v interface{}) bool {
	switch v := v.(type) {
	case bool:
		return v
	case int64:
		return v != 0
	case float64:
		return v != 0
	case []byte:
		return parseBool(string(v))
	case string:
		return parseBool(v)
	default:
		return false
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "y", "yes", "on":
		return true
	}
	b, err := strconv.ParseBool(s)
	return err == nil && b
}

func dateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
