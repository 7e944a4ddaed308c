package bluebutton

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// PatientResolver maps an MBI to the upstream patient id.
type PatientResolver interface {
	ResolvePatientID(ctx context.Context, mbi string, headers RequestHeaders) (string, error)
}

const patientKeyPrefix = "bulk-export:patient:"

// CachingResolver keeps resolved ids in Redis. Cache failures fall through
// to the upstream; misses are never cached.
type CachingResolver struct {
	next   PatientResolver
	redis  *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachingResolver wraps next with a Redis cache.
func NewCachingResolver(next PatientResolver, client *redis.Client, ttl time.Duration, logger *slog.Logger) *CachingResolver {
	return &CachingResolver{next: next, redis: client, ttl: ttl, logger: logger}
}

// ResolvePatientID implements PatientResolver.
func (r *CachingResolver) ResolvePatientID(ctx context.Context, mbi string, headers RequestHeaders) (string, error) {
	key := patientKey(mbi)

	id, err := r.redis.Get(ctx, key).Result()
	switch {
	case err == nil:
		return id, nil
	case !errors.Is(err, redis.Nil):
		r.logger.Warn("Patient cache read failed", slog.Any("error", err))
	}

	id, err = r.next.ResolvePatientID(ctx, mbi, headers)
	if err != nil {
		return "", err
	}

	if err := r.redis.Set(ctx, key, id, r.ttl).Err(); err != nil {
		r.logger.Warn("Patient cache write failed", slog.Any("error", err))
	}
	return id, nil
}

// patientKey hashes the MBI so identifiers are not stored in clear text.
func patientKey(mbi string) string {
	sum := sha256.Sum256([]byte(mbi))
	return patientKeyPrefix + hex.EncodeToString(sum[:])
}
