package main

import (
	"crypto/tls"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"nata-api/api"
	"nata-api/logbuf"
	"nata-api/netinfo"
	"nata-api/storage"
	"nata-api/tasks"
)

const defaultPort = 12345

func main() {
	logger := log.New()
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		logger.SetLevel(log.DebugLevel)
	}

	bufferSize := 0
	if v := os.Getenv("LOG_BUFFER_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			log.Fatalf("invalid LOG_BUFFER_SIZE: %q", v)
		}
		bufferSize = n
	}
	ring := logbuf.New(bufferSize)
	logger.AddHook(ring)

	port := defaultPort
	if v := os.Getenv("PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 65535 {
			log.Fatalf("invalid PORT: %q", v)
		}
		port = n
	}

	var storageTimeout time.Duration
	if v := os.Getenv("STORAGE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			log.Fatalf("invalid STORAGE_TIMEOUT: %q", v)
		}
		storageTimeout = d
	}

	store, err := storage.Open(os.Getenv("NATA_DB_PATH"), storageTimeout)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	defer store.Close()

	var adapter tasks.Adapter = store
	if redisConn := os.Getenv("REDIS_CONNECTION_STRING"); redisConn != "" {
		redisOpts, err := redis.ParseURL(redisConn)
		if err != nil {
			parts := strings.Split(redisConn, ",")
			redisOpts = &redis.Options{Addr: parts[0]}
			for _, p := range parts[1:] {
				kv := strings.SplitN(p, "=", 2)
				if len(kv) != 2 {
					continue
				}
				switch strings.ToLower(kv[0]) {
				case "password":
					redisOpts.Password = kv[1]
				case "ssl":
					if strings.ToLower(kv[1]) == "true" {
						redisOpts.TLSConfig = &tls.Config{}
					}
				}
			}
		}
		ttl := 30 * time.Second
		if v := os.Getenv("CACHE_TTL"); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil || d <= 0 {
				log.Fatalf("invalid CACHE_TTL: %q", v)
			}
			ttl = d
		}
		adapter = storage.NewCache(store, redis.NewClient(redisOpts), ttl)
		logger.Info("redis task cache enabled")
	}

	taskStore := tasks.NewStore(adapter, logger)
	codec := tasks.NewCodec(taskStore, logger)
	network := netinfo.New(port)

	if kill, err := strconv.ParseBool(os.Getenv("NATA_KILL_PORT")); err == nil && kill {
		freePort(port, logger)
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept},
	}))

	api.Register(e, taskStore, codec, network, ring, store, logger)

	if open, err := strconv.ParseBool(os.Getenv("NATA_OPEN_BROWSER")); err == nil && open {
		openBrowserSoon(fmt.Sprintf("http://localhost:%d", port), logger)
	}

	logger.WithField("port", port).Info("starting server")
	e.Logger.Fatal(e.Start(fmt.Sprintf(":%d", port)))
}
