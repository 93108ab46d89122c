package config

// 注册全部缓存驱动，Validate 才能通过 cache.ResolveDriver 校验 Cache.Driver。
import (
	_ "github.com/quran-companion/shell-cache/internal/cache/dynamostore"
	_ "github.com/quran-companion/shell-cache/internal/cache/leveldbstore"
	_ "github.com/quran-companion/shell-cache/internal/cache/pgstore"
	_ "github.com/quran-companion/shell-cache/internal/cache/redisstore"
	_ "github.com/quran-companion/shell-cache/internal/cache/s3store"
)
