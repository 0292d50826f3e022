package authz

import (
	"context"
	"errors"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/dimuls/area-monitor/entity"
)

const (
	DefaultAuthTTL       = 10 * time.Second
	DefaultDetailsTTL    = 30 * time.Second
	DefaultLookupTimeout = 2 * time.Second
)

type CertificateSource interface {
	Certificates(ctx context.Context, name string) (Certificates, error)
}

type DetailsSource interface {
	WorkerDetails(ctx context.Context, name string) (WorkerDetails, error)
}

// Authorizer кеширует решения о допуске. Кеш очищается целиком, когда с
// момента прошлой очистки прошло больше ttl, а не по записям.
type Authorizer struct {
	source  CertificateSource
	ttl     time.Duration
	timeout time.Duration

	cache *gocache.Cache

	windowMx    sync.Mutex
	windowStart time.Time

	now func() time.Time
}

func NewAuthorizer(source CertificateSource, ttl time.Duration) *Authorizer {
	if ttl <= 0 {
		ttl = DefaultAuthTTL
	}
	return &Authorizer{
		source:  source,
		ttl:     ttl,
		timeout: DefaultLookupTimeout,
		cache:   gocache.New(gocache.NoExpiration, 0),
		now:     time.Now,
	}
}

// IsAuthorized возвращает false для неизвестных лиц, отсутствующих в базе
// людей и при ошибке запроса. Ошибка запроса не кешируется.
func (a *Authorizer) IsAuthorized(ctx context.Context, name string) bool {
	if name == "" || name == entity.UnknownName {
		return false
	}

	now := a.now()

	a.windowMx.Lock()
	if now.Sub(a.windowStart) > a.ttl {
		a.cache.Flush()
		a.windowStart = now
	}
	a.windowMx.Unlock()

	if v, ok := a.cache.Get(name); ok {
		return v.(bool)
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	certs, err := a.source.Certificates(ctx, name)
	switch {
	case errors.Is(err, ErrNotFound):
		a.cache.Set(name, false, gocache.NoExpiration)
		return false
	case err != nil:
		logrus.WithError(err).WithField("name", name).Warn(
			"authorization lookup failed")
		return false
	}

	authorized := certs.Valid(now)
	a.cache.Set(name, authorized, gocache.NoExpiration)

	return authorized
}

// DetailsCache кеширует служебные данные работников с временем жизни на
// каждую запись. Отсутствие записи в базе тоже кешируется.
type DetailsCache struct {
	source  DetailsSource
	timeout time.Duration
	cache   *gocache.Cache
}

type detailsEntry struct {
	details WorkerDetails
	found   bool
}

func NewDetailsCache(source DetailsSource, ttl time.Duration) *DetailsCache {
	if ttl <= 0 {
		ttl = DefaultDetailsTTL
	}
	return &DetailsCache{
		source:  source,
		timeout: DefaultLookupTimeout,
		cache:   gocache.New(ttl, 0),
	}
}

// Get возвращает данные и признак их наличия.
func (c *DetailsCache) Get(ctx context.Context, name string) (
	WorkerDetails, bool) {

	if name == "" || name == entity.UnknownName {
		return WorkerDetails{}, false
	}

	if v, ok := c.cache.Get(name); ok {
		e := v.(detailsEntry)
		return e.details, e.found
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	d, err := c.source.WorkerDetails(ctx, name)
	switch {
	case errors.Is(err, ErrNotFound):
		c.cache.SetDefault(name, detailsEntry{})
		return WorkerDetails{}, false
	case err != nil:
		logrus.WithError(err).WithField("name", name).Warn(
			"worker details lookup failed")
		return WorkerDetails{}, false
	}

	c.cache.SetDefault(name, detailsEntry{details: d, found: true})

	return d, true
}
