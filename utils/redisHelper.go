package utils

import (
	"context"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/tc_backend/config"
	"github.com/bsm/redislock"
)

// Master data edited outside this service expires after CACHE_LIFESPAN hours.
// Resolved actors expire after ACTOR_CACHE_SECONDS so a deactivated user stops
// authorizing soon after. Other cached types stay until they are evicted on write.
var expiringCacheTypes = map[string]func() time.Duration{
	"Customer":      cacheLifespan,
	"Item":          cacheLifespan,
	"PurchaseOrder": cacheLifespan,
	"Standard":      cacheLifespan,
	"ActorRole":     actorCacheLifespan,
}

func cacheLifespan() time.Duration {
	hours, err := strconv.Atoi(os.Getenv("CACHE_LIFESPAN"))
	if err != nil || hours <= 0 {
		hours = 1
	}
	return time.Duration(hours) * time.Hour
}

func actorCacheLifespan() time.Duration {
	seconds, err := strconv.Atoi(os.Getenv("ACTOR_CACHE_SECONDS"))
	if err != nil || seconds <= 0 {
		seconds = 60
	}
	return time.Duration(seconds) * time.Second
}

// cacheTTL is zero for types that never expire.
func cacheTTL(name string) time.Duration {
	if lifespan, ok := expiringCacheTypes[name]; ok {
		return lifespan()
	}
	return 0
}

func typeName[T any]() string {
	var v T
	return reflect.TypeOf(v).Name()
}

// cacheKey is "<Type>:<key>", e.g. "Standard:12".
func cacheKey[T any](key any) string {
	return typeName[T]() + ":" + fmt.Sprint(key)
}

func StoreRedis[T any](ctx context.Context, obj *T, key any) error {
	return config.SetRedisObject(ctx, cacheKey[T](key), obj, cacheTTL(typeName[T]()))
}

// RetrieveRedis returns nil, nil on a miss.
func RetrieveRedis[T any](ctx context.Context, key any) (*T, error) {
	var result T
	found, err := config.GetRedisObject(ctx, cacheKey[T](key), &result)
	if err != nil || !found {
		return nil, err
	}
	return &result, nil
}

func RemoveRedisItem[T any](ctx context.Context, key any) error {
	return config.RemoveRedisKey(ctx, cacheKey[T](key))
}

// ObtainRedisLock takes a distributed lock on lockKey. A lock held elsewhere
// is a Conflict. With Redis down or erroring it returns ok=false and a no-op
// release, leaving serialization to the database lock.
func ObtainRedisLock(ctx context.Context, lockKey string, ttl time.Duration, moduleName string, functionName string) (release func(), ok bool, err error) {
	noop := func() {}
	locker := config.GetRedisLock()
	if locker == nil {
		return noop, false, nil
	}
	lock, err := locker.Obtain(ctx, lockKey, ttl, nil)
	switch {
	case errors.Is(err, redislock.ErrNotObtained):
		config.LogError(config.GetLogger(), moduleName, functionName, "lock held", lockKey, err)
		return noop, false, NewAppError(ErrorKindConflict, fmt.Sprintf("another operation holds %s", lockKey))
	case err != nil:
		config.LogError(config.GetLogger(), moduleName, functionName, "obtain lock", lockKey, err)
		return noop, false, nil
	}
	return func() { _ = lock.Release(context.Background()) }, true, nil
}
