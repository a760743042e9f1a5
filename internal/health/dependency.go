package health

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/danmuck/shipctl/internal/config"
	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var (
	ErrDependencyInit = errors.New("health: dependency init failed")
	ErrBucketMissing  = errors.New("health: bucket missing")
)

// Variables the artifact-side server reads to decide which dependencies exist.
const (
	EnvDatabaseURL  = "DATABASE_URL"
	EnvRedisURL     = "REDIS_URL"
	EnvS3Endpoint   = "ASSET_S3_ENDPOINT"
	EnvS3AccessKey  = "ASSET_S3_ACCESS_KEY"
	EnvS3SecretKey  = "ASSET_S3_SECRET_KEY"
	EnvS3Bucket     = "ASSET_S3_BUCKET"
	EnvInitDelay    = "SHIPCTL_INIT_DELAY"
	defaultS3Bucket = "assets"
)

// Dependency is one external resource readiness waits on.
type Dependency interface {
	Name() string
	Init(ctx context.Context) error
	Close() error
}

// Disabled stands in for a dependency whose configuration is absent.
type Disabled struct {
	name   string
	reason string
}

func NewDisabled(name, reason string) Disabled {
	return Disabled{name: name, reason: reason}
}

func (d Disabled) Name() string                   { return d.name }
func (d Disabled) Init(ctx context.Context) error { return nil }
func (d Disabled) Close() error                   { return nil }
func (d Disabled) Reason() string                 { return d.reason }

// Delay simulates a slow initializer.
type Delay struct {
	name string
	d    time.Duration
}

func NewDelay(name string, d time.Duration) *Delay {
	return &Delay{name: name, d: d}
}

func (d *Delay) Name() string { return d.name }

func (d *Delay) Init(ctx context.Context) error {
	t := time.NewTimer(d.d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Delay) Close() error { return nil }

// Postgres pings the primary database through a pgx pool.
type Postgres struct {
	url  string
	pool *pgxpool.Pool
}

func NewPostgres(url string) *Postgres {
	return &Postgres{url: url}
}

func (p *Postgres) Name() string { return "postgres" }

func (p *Postgres) Init(ctx context.Context) error {
	pool, err := pgxpool.New(ctx, p.url)
	if err != nil {
		return fmt.Errorf("postgres config: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("postgres ping: %w", err)
	}
	p.pool = pool
	return nil
}

// Pool is nil until Init succeeds.
func (p *Postgres) Pool() *pgxpool.Pool { return p.pool }

func (p *Postgres) Close() error {
	if p.pool != nil {
		p.pool.Close()
	}
	return nil
}

// Redis pings the cache.
type Redis struct {
	url    string
	client *redis.Client
}

func NewRedis(url string) *Redis {
	return &Redis{url: url}
}

func (r *Redis) Name() string { return "redis" }

func (r *Redis) Init(ctx context.Context) error {
	opts, err := redis.ParseURL(r.url)
	if err != nil {
		return fmt.Errorf("redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("redis ping: %w", err)
	}
	r.client = client
	return nil
}

func (r *Redis) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}

// ObjectStore checks the asset bucket exists on an S3-compatible endpoint.
type ObjectStore struct {
	endpoint  string
	secure    bool
	accessKey string
	secretKey string
	bucket    string
}

// NewObjectStore accepts "host:port" or an http(s) URL as endpoint.
func NewObjectStore(endpoint, accessKey, secretKey, bucket string) (*ObjectStore, error) {
	host, secure, err := parseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(bucket) == "" {
		bucket = defaultS3Bucket
	}
	return &ObjectStore{
		endpoint:  host,
		secure:    secure,
		accessKey: accessKey,
		secretKey: secretKey,
		bucket:    bucket,
	}, nil
}

func (o *ObjectStore) Name() string { return "object_store" }

func (o *ObjectStore) Init(ctx context.Context) error {
	client, err := minio.New(o.endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(o.accessKey, o.secretKey, ""),
		Secure: o.secure,
	})
	if err != nil {
		return fmt.Errorf("object store client: %w", err)
	}
	ok, err := client.BucketExists(ctx, o.bucket)
	if err != nil {
		return fmt.Errorf("object store bucket %s: %w", o.bucket, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrBucketMissing, o.bucket)
	}
	return nil
}

func (o *ObjectStore) Close() error { return nil }

func parseEndpoint(raw string) (string, bool, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		return raw, false, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", false, fmt.Errorf("object store endpoint %q: %w", raw, err)
	}
	if u.Host == "" {
		return "", false, fmt.Errorf("object store endpoint %q: missing host", raw)
	}
	return u.Host, u.Scheme == "https", nil
}

// DependenciesFromEnv builds the dependency set from the snapshot. Absent
// variables yield Disabled entries so readiness never waits on them.
func DependenciesFromEnv(env config.Environment) ([]Dependency, error) {
	var deps []Dependency
	if v := env.FirstNonEmpty(EnvDatabaseURL); v != "" {
		deps = append(deps, NewPostgres(v))
	} else {
		deps = append(deps, NewDisabled("postgres", EnvDatabaseURL+" not set"))
	}
	if v := env.FirstNonEmpty(EnvRedisURL); v != "" {
		deps = append(deps, NewRedis(v))
	} else {
		deps = append(deps, NewDisabled("redis", EnvRedisURL+" not set"))
	}
	if v := env.FirstNonEmpty(EnvS3Endpoint); v != "" {
		store, err := NewObjectStore(v, env.Get(EnvS3AccessKey), env.Get(EnvS3SecretKey), env.Get(EnvS3Bucket))
		if err != nil {
			return nil, err
		}
		deps = append(deps, store)
	} else {
		deps = append(deps, NewDisabled("object_store", EnvS3Endpoint+" not set"))
	}
	if v := env.FirstNonEmpty(EnvInitDelay); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("%s=%q: %w", EnvInitDelay, v, err)
		}
		deps = append(deps, NewDelay("init_delay", d))
	}
	return deps, nil
}
